// Package hitl implements the human-in-the-loop rendezvous: a long-running
// processor blocks on an intervention request while out-of-band responders
// (Telegram, webhook, REST) race to resolve it. Exactly one response is
// delivered to the waiter; timeout and cancellation are terminal.
package hitl

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/iron-claw/internal/bus"
)

// Status is the lifecycle state of an intervention request.
// pending is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// DefaultTimeout bounds how long a waiter blocks when the caller does not
// supply a timeout.
const DefaultTimeout = 5 * time.Minute

// DefaultOptions are offered to responders when the requester supplies none.
var DefaultOptions = []string{"Retry", "Abort", "I solved it"}

// ErrTimeout is returned (wrapped) when a request expires with no response.
// It is the only error the rendezvous itself produces; all other failure
// modes surface as boolean results.
var ErrTimeout = errors.New("intervention request timed out")

// Request is an intervention request visible to responders.
type Request struct {
	RequestID     string    `json:"request_id"`
	TaskID        string    `json:"task_id"`
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	AttachmentB64 string    `json:"attachment_base64,omitempty"`
	Options       []string  `json:"options"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Status        Status    `json:"status"`
}

// Response resolves a request. At most one response is ever delivered to the
// waiter of a given request.
type Response struct {
	RequestID   string    `json:"request_id"`
	Action      string    `json:"action"`
	CustomInput string    `json:"custom_input,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Notifier is a notification sink invoked with every new request.
// Errors are logged and swallowed; a broken sink never aborts the request.
type Notifier func(ctx context.Context, req Request) error

// Spec describes a new intervention request.
type Spec struct {
	TaskID     string
	Kind       string // open category tag: captcha, login_required, confirmation, ...
	Message    string
	Attachment []byte   // optional screenshot bytes, stored base64-encoded
	Options    []string // defaults to DefaultOptions
	Timeout    time.Duration
}

// Config holds the coordinator's dependencies. All fields are optional.
type Config struct {
	Logger   *slog.Logger
	Bus      *bus.Bus
	OnChange func(pendingDelta int) // metrics hook, called outside the table lock
}

// requestState pairs a stored request with its one-shot completion signal.
// done is closed exactly once, when the request leaves pending.
type requestState struct {
	req      Request
	resp     *Response
	done     chan struct{}
	closedAt time.Time
}

// Coordinator owns the intervention request table. Construct one per process
// and pass it by reference; it is safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	requests map[string]*requestState

	notifierMu sync.RWMutex
	notifiers  []Notifier

	logger   *slog.Logger
	eventBus *bus.Bus
	onChange func(int)
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		requests: make(map[string]*requestState),
		logger:   logger,
		eventBus: cfg.Bus,
		onChange: cfg.OnChange,
	}
}

// RegisterNotifier adds a notification sink. Every sink receives every new
// request; sinks are invoked sequentially with per-sink failure isolation.
func (c *Coordinator) RegisterNotifier(n Notifier) {
	if n == nil {
		return
	}
	c.notifierMu.Lock()
	c.notifiers = append(c.notifiers, n)
	c.notifierMu.Unlock()
}

func newRequestID() string {
	u := uuid.New()
	return "hitl-" + hex.EncodeToString(u[:4])
}

// Request creates a pending intervention request, fans it out to all
// registered notifiers, and blocks until a response arrives, the request is
// cancelled, or the timeout elapses. Timeout is reported as a wrapped
// ErrTimeout with the request marked expired. Context cancellation marks the
// request cancelled and returns the context error.
func (c *Coordinator) Request(ctx context.Context, spec Spec) (*Response, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	options := spec.Options
	if len(options) == 0 {
		options = append([]string(nil), DefaultOptions...)
	}

	now := time.Now().UTC()
	req := Request{
		RequestID: newRequestID(),
		TaskID:    spec.TaskID,
		Kind:      spec.Kind,
		Message:   spec.Message,
		Options:   options,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Status:    StatusPending,
	}
	if len(spec.Attachment) > 0 {
		req.AttachmentB64 = base64.StdEncoding.EncodeToString(spec.Attachment)
	}

	state := &requestState{
		req:  req,
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.requests[req.RequestID] = state
	c.mu.Unlock()
	c.pendingChanged(+1)

	c.logger.Info("intervention requested",
		"request_id", req.RequestID, "task_id", req.TaskID, "kind", req.Kind, "timeout", timeout)
	c.publish(bus.TopicHITLRequested, req, "")

	c.notify(ctx, req)

	return c.await(ctx, req.RequestID, timeout)
}

// notify fans the request out to every registered sink. A sink that returns
// an error or panics is logged and skipped; the remaining sinks still run.
func (c *Coordinator) notify(ctx context.Context, req Request) {
	c.notifierMu.RLock()
	sinks := append([]Notifier(nil), c.notifiers...)
	c.notifierMu.RUnlock()

	for i, sink := range sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("hitl notifier panicked", "request_id", req.RequestID, "notifier", i, "panic", fmt.Sprint(r))
				}
			}()
			if err := sink(ctx, req); err != nil {
				c.logger.Error("hitl notifier failed", "request_id", req.RequestID, "notifier", i, "error", err)
			}
		}()
	}
}

// await blocks until the request leaves pending or the timeout fires.
// The table lock is never held while waiting.
func (c *Coordinator) await(ctx context.Context, requestID string, timeout time.Duration) (*Response, error) {
	c.mu.Lock()
	state, ok := c.requests[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("intervention request %s vanished before wait", requestID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-state.done:
		return c.takeResponse(requestID)

	case <-timer.C:
		// Race: a responder may resolve between the timer firing and us
		// taking the lock. The earlier transition sticks.
		if c.transition(requestID, StatusExpired, nil) {
			c.logger.Warn("intervention request expired", "request_id", requestID, "timeout", timeout)
			return nil, fmt.Errorf("intervention request %s after %s: %w", requestID, timeout, ErrTimeout)
		}
		return c.takeResponse(requestID)

	case <-ctx.Done():
		abort := &Response{
			RequestID:   requestID,
			Action:      "Abort",
			CustomInput: "Cancelled by caller",
			ResolvedAt:  time.Now().UTC(),
		}
		if c.transition(requestID, StatusCancelled, abort) {
			return nil, ctx.Err()
		}
		return c.takeResponse(requestID)
	}
}

// takeResponse returns the recorded response for a request that has left
// pending. An expired request has no response; surface the timeout error.
func (c *Coordinator) takeResponse(requestID string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("intervention request %s vanished", requestID)
	}
	if state.resp == nil {
		return nil, fmt.Errorf("intervention request %s: %w", requestID, ErrTimeout)
	}
	resp := *state.resp
	return &resp, nil
}

// transition atomically moves a pending request to a terminal status,
// recording resp (which may be nil for expiry) and waking the waiter.
// Returns false if the request is unknown or already terminal.
func (c *Coordinator) transition(requestID string, to Status, resp *Response) bool {
	c.mu.Lock()
	state, ok := c.requests[requestID]
	if !ok || state.req.Status != StatusPending {
		c.mu.Unlock()
		return false
	}
	state.req.Status = to
	state.resp = resp
	state.closedAt = time.Now().UTC()
	close(state.done)
	req := state.req
	c.mu.Unlock()

	c.pendingChanged(-1)

	action := ""
	if resp != nil {
		action = resp.Action
	}
	switch to {
	case StatusResolved:
		c.publish(bus.TopicHITLResolved, req, action)
	case StatusExpired:
		c.publish(bus.TopicHITLExpired, req, action)
	case StatusCancelled:
		c.publish(bus.TopicHITLCancelled, req, action)
	}
	return true
}

// Respond records a response for a pending request and wakes the waiter.
// Returns false without mutating anything if the request is unknown or no
// longer pending, so racing responders and the timeout path cannot collide.
func (c *Coordinator) Respond(requestID, action, customInput string) bool {
	resp := &Response{
		RequestID:   requestID,
		Action:      action,
		CustomInput: customInput,
		ResolvedAt:  time.Now().UTC(),
	}
	if !c.transition(requestID, StatusResolved, resp) {
		c.logger.Warn("intervention response rejected", "request_id", requestID, "action", action)
		return false
	}
	c.logger.Info("intervention resolved", "request_id", requestID, "action", action)
	return true
}

// Cancel aborts a pending request, synthesizing an "Abort" response that is
// delivered to the waiter immediately. Returns false for unknown or
// non-pending requests.
func (c *Coordinator) Cancel(requestID string) bool {
	resp := &Response{
		RequestID:   requestID,
		Action:      "Abort",
		CustomInput: "Cancelled by user",
		ResolvedAt:  time.Now().UTC(),
	}
	if !c.transition(requestID, StatusCancelled, resp) {
		return false
	}
	c.logger.Info("intervention cancelled", "request_id", requestID)
	return true
}

// PendingRequests snapshots all pending requests, newest last, optionally
// filtered by task ID. Pass "" for no filter.
func (c *Coordinator) PendingRequests(taskID string) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Request
	for _, state := range c.requests {
		if state.req.Status != StatusPending {
			continue
		}
		if taskID != "" && state.req.TaskID != taskID {
			continue
		}
		out = append(out, cloneRequest(state.req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns a copy of the request regardless of status.
func (c *Coordinator) Get(requestID string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return cloneRequest(state.req), true
}

// EvictTerminal removes terminal requests that left pending before the
// cutoff. Pending requests are never evicted. Returns the eviction count.
func (c *Coordinator) EvictTerminal(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, state := range c.requests {
		if state.req.Status == StatusPending {
			continue
		}
		if state.closedAt.Before(cutoff) {
			delete(c.requests, id)
			evicted++
		}
	}
	return evicted
}

func (c *Coordinator) pendingChanged(delta int) {
	if c.onChange != nil {
		c.onChange(delta)
	}
}

func (c *Coordinator) publish(topic string, req Request, action string) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(topic, bus.InterventionEvent{
		RequestID:     req.RequestID,
		TaskID:        req.TaskID,
		Kind:          req.Kind,
		Message:       req.Message,
		Options:       append([]string(nil), req.Options...),
		HasAttachment: req.AttachmentB64 != "",
		Action:        action,
	})
}

func cloneRequest(req Request) Request {
	out := req
	out.Options = append([]string(nil), req.Options...)
	return out
}
