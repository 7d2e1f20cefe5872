package queue

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/iron-claw/internal/bus"
	"github.com/basket/iron-claw/internal/persistence"
	"github.com/basket/iron-claw/internal/shared"
)

// ErrBadStatusFilter reports an unrecognized status filter value.
var ErrBadStatusFilter = errors.New("unknown status filter")

// Processor performs the work for a submitted run. The returned string is
// stored as the run result on success. Processors run sequentially; the
// result of the last one that ran wins, and the first error fails the run.
type Processor func(ctx context.Context, record persistence.RunRecord, req WebhookRequest) (string, error)

// Device is the slice of a device backend the default processor needs.
type Device interface {
	Shell(ctx context.Context, command string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	HookToken string
	// Device is optional. When present the default processor uses it to
	// acknowledge click and mobile_action steps against a real device.
	Device Device
}

// Service accepts webhook task submissions, runs them asynchronously and
// exposes status, cancel and listing operations.
type Service struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	hookToken string
	device    Device

	mu         sync.Mutex
	processors []Processor
	cancels    map[string]context.CancelFunc
	closed     bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancelBase := context.WithCancel(context.Background())
	return &Service{
		store:      cfg.Store,
		bus:        cfg.Bus,
		logger:     logger.With("component", "queue"),
		hookToken:  cfg.HookToken,
		device:     cfg.Device,
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}
}

// ValidateToken checks an Authorization header against the configured secret.
// The header must be exactly "Bearer <token>".
func (s *Service) ValidateToken(authHeader string) bool {
	if s.hookToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.hookToken)) == 1
}

// RegisterProcessor adds a handler invoked for every executed run. With no
// registered processors the built-in default processor handles known step
// kinds.
func (s *Service) RegisterProcessor(p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors = append(s.processors, p)
}

// Fallback returns the built-in step processor so custom processors can
// delegate steps they do not handle.
func (s *Service) Fallback() Processor {
	return s.defaultProcessor
}

// HandleWebhook routes an already-authenticated webhook request and returns
// the response body plus the HTTP status to serve it with.
func (s *Service) HandleWebhook(ctx context.Context, req WebhookRequest) (WebhookResponse, int) {
	switch req.Type {
	case TypeExecuteStep:
		runID, status, err := s.Submit(ctx, req)
		if err != nil {
			return WebhookResponse{OK: false, Error: err.Error()}, http.StatusInternalServerError
		}
		return WebhookResponse{
			OK:      true,
			RunID:   runID,
			Status:  string(status),
			Message: "task accepted",
		}, http.StatusAccepted

	case TypeQueryStatus:
		record, err := s.Status(ctx, req.TaskID)
		if err != nil {
			return WebhookResponse{OK: false, Error: err.Error()}, http.StatusInternalServerError
		}
		if record == nil {
			return WebhookResponse{OK: false, Error: "task not found"}, http.StatusNotFound
		}
		resp := WebhookResponse{OK: true, RunID: record.RunID, Status: string(record.Status)}
		if record.Error != "" {
			resp.Error = record.Error
		}
		if record.Result != "" {
			resp.Message = record.Result
		}
		return resp, http.StatusOK

	case TypeCancelTask:
		record, err := s.Status(ctx, req.TaskID)
		if err != nil {
			return WebhookResponse{OK: false, Error: err.Error()}, http.StatusInternalServerError
		}
		if record == nil {
			return WebhookResponse{OK: false, Error: "task not found"}, http.StatusNotFound
		}
		ok, current, err := s.Cancel(ctx, record.RunID)
		if err != nil {
			return WebhookResponse{OK: false, Error: err.Error()}, http.StatusInternalServerError
		}
		if !ok {
			return WebhookResponse{
				OK:     false,
				RunID:  record.RunID,
				Status: string(current),
				Error:  fmt.Sprintf("task already %s", current),
			}, http.StatusOK
		}
		return WebhookResponse{
			OK:      true,
			RunID:   record.RunID,
			Status:  string(persistence.RunStatusCancelled),
			Message: "task cancelled",
		}, http.StatusOK

	default:
		return WebhookResponse{
			OK:    false,
			Error: fmt.Sprintf("unrecognized request type %q", req.Type),
		}, http.StatusBadRequest
	}
}

// Submit records a new run in queued status and schedules background
// execution. The call returns as soon as the record is stored.
func (s *Service) Submit(ctx context.Context, req WebhookRequest) (string, persistence.RunStatus, error) {
	runID := uuid.NewString()
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.store.CreateRun(ctx, runID, req.TaskID, req.Payload.StepType, string(payload)); err != nil {
		return "", "", fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	runCtx = shared.WithRunID(shared.WithTaskID(runCtx, req.TaskID), runID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		// Shutdown raced the submission. The record stays queued; the
		// caller still gets its run ID.
		return runID, persistence.RunStatusQueued, nil
	}
	s.cancels[runID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, runID, req)

	s.logger.Info("task submitted",
		"run_id", runID, "task_id", req.TaskID, "step_type", req.Payload.StepType)
	return runID, persistence.RunStatusQueued, nil
}

// Status looks a run up by run ID or caller-supplied task ID.
func (s *Service) Status(ctx context.Context, id string) (*persistence.RunRecord, error) {
	return s.store.FindRun(ctx, id)
}

// Cancel stops an active run. For a run already in a terminal state it
// returns false with that state; for an unknown run it returns false with an
// empty status.
func (s *Service) Cancel(ctx context.Context, runID string) (bool, persistence.RunStatus, error) {
	ok, current, err := s.store.CancelRun(ctx, runID)
	if err != nil {
		return false, current, err
	}
	if ok {
		s.mu.Lock()
		cancel := s.cancels[runID]
		delete(s.cancels, runID)
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.publishOutcome(bus.TopicRunCancelled, nil, runID, "", "cancelled")
		s.logger.Info("task cancelled", "run_id", runID)
	}
	return ok, current, nil
}

// ListTasks returns the most recent runs, newest first. An unrecognized
// status filter is a caller error.
func (s *Service) ListTasks(ctx context.Context, limit int, statusFilter string) ([]persistence.RunRecord, error) {
	filter := persistence.RunStatus(statusFilter)
	if statusFilter != "" && !persistence.ValidRunStatus(statusFilter) {
		return nil, fmt.Errorf("%w: %q", ErrBadStatusFilter, statusFilter)
	}
	return s.store.ListRuns(ctx, limit, filter)
}

// Close stops accepting background work and waits for in-flight runs, bounded
// by the given context.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain tasks: %w", ctx.Err())
	}
}

func (s *Service) execute(ctx context.Context, runID string, req WebhookRequest) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
	}()

	ok, err := s.store.MarkRunning(ctx, runID)
	if err != nil {
		s.logger.Error("mark running failed", "run_id", runID, "error", err)
		return
	}
	if !ok {
		// Cancelled while still queued.
		return
	}

	record, err := s.store.GetRun(ctx, runID)
	if err != nil || record == nil {
		s.logger.Error("run vanished after transition", "run_id", runID, "error", err)
		return
	}

	result, procErr := s.runProcessors(ctx, *record, req)

	// State writes outlive a per-run cancel so a terminal outcome that beat
	// the cancel still lands.
	ctx = context.WithoutCancel(ctx)

	if procErr != nil {
		if errors.Is(procErr, context.Canceled) {
			// Cancel already flipped the record; nothing to store.
			return
		}
		if _, err := s.store.FailRun(ctx, runID, procErr.Error()); err != nil {
			s.logger.Error("store failure state", "run_id", runID, "error", err)
		}
		s.publishOutcome(bus.TopicRunFailed, record, runID, "", procErr.Error())
		s.logger.Warn("task failed",
			"run_id", runID, "task_id", req.TaskID, "error", procErr.Error())
		return
	}

	stored, err := s.store.CompleteRun(ctx, runID, result)
	if err != nil {
		s.logger.Error("store completion", "run_id", runID, "error", err)
		return
	}
	if !stored {
		// A cancel won the race; its state sticks.
		return
	}
	s.publishOutcome(bus.TopicRunCompleted, record, runID, result, "")
	s.logger.Info("task completed", "run_id", runID, "task_id", req.TaskID)
}

// runProcessors invokes every registered processor in order. A panic inside a
// processor is converted to an error rather than crashing the service.
func (s *Service) runProcessors(ctx context.Context, record persistence.RunRecord, req WebhookRequest) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	s.mu.Lock()
	processors := make([]Processor, len(s.processors))
	copy(processors, s.processors)
	s.mu.Unlock()

	if len(processors) == 0 {
		return s.defaultProcessor(ctx, record, req)
	}

	for _, p := range processors {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		out, perr := p(ctx, record, req)
		if perr != nil {
			return "", perr
		}
		result = out
	}
	return result, nil
}

// defaultProcessor acknowledges the known step kinds and marks everything
// else unhandled.
func (s *Service) defaultProcessor(ctx context.Context, record persistence.RunRecord, req WebhookRequest) (string, error) {
	step := req.Payload.StepType
	switch step {
	case StepLog:
		s.logger.Info("log step",
			"run_id", record.RunID, "task_id", record.TaskID,
			"message", req.Payload.String("message"))
		return ackResult(step, map[string]any{"logged": true}), nil

	case StepHTTPAction:
		return ackResult(step, map[string]any{
			"url":    req.Payload.String("url"),
			"method": req.Payload.String("method"),
		}), nil

	case StepClick:
		extra := map[string]any{}
		if s.device != nil {
			x, xok := req.Payload.Params["x"].(float64)
			y, yok := req.Payload.Params["y"].(float64)
			if xok && yok {
				if _, err := s.device.Shell(ctx, fmt.Sprintf("input tap %d %d", int(x), int(y))); err != nil {
					return "", fmt.Errorf("click step: %w", err)
				}
				extra["tapped"] = true
			}
		}
		return ackResult(step, extra), nil

	case StepMobileAction:
		extra := map[string]any{}
		if command := req.Payload.String("command"); command != "" && s.device != nil {
			out, err := s.device.Shell(ctx, command)
			if err != nil {
				return "", fmt.Errorf("mobile_action step: %w", err)
			}
			extra["output"] = strings.TrimSpace(out)
		}
		return ackResult(step, extra), nil

	case StepExtract:
		return ackResult(step, map[string]any{
			"target": req.Payload.String("target"),
		}), nil

	default:
		s.logger.Warn("unhandled step kind",
			"run_id", record.RunID, "step_type", step)
		b, _ := json.Marshal(map[string]any{
			"status":   "unhandled",
			"stepType": step,
		})
		return string(b), nil
	}
}

func ackResult(step string, extra map[string]any) string {
	out := map[string]any{
		"status":   "acknowledged",
		"stepType": step,
	}
	for k, v := range extra {
		out[k] = v
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func (s *Service) publishOutcome(topic string, record *persistence.RunRecord, runID, result, errMsg string) {
	if s.bus == nil {
		return
	}
	event := bus.RunOutcomeEvent{RunID: runID, Result: result, Error: errMsg}
	if record != nil {
		event.TaskID = record.TaskID
		event.StepKind = record.StepKind
	}
	s.bus.Publish(topic, event)
}
