// Package gateway exposes the webhook, task and intervention APIs over HTTP,
// plus a websocket event stream for operator clients.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/iron-claw/internal/audit"
	"github.com/basket/iron-claw/internal/bus"
	"github.com/basket/iron-claw/internal/hitl"
	"github.com/basket/iron-claw/internal/persistence"
	"github.com/basket/iron-claw/internal/queue"
	"github.com/basket/iron-claw/internal/shared"
)

const maxWebhookBody = 1 << 20 // 1 MiB

type Config struct {
	Queue  *queue.Service
	HITL   *hitl.Coordinator
	Store  *persistence.Store
	Bus    *bus.Bus
	Logger *slog.Logger

	HookToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/openclaw/webhook", s.handleWebhook)
	mux.HandleFunc("/openclaw/tasks", s.handleTasks)
	mux.HandleFunc("/openclaw/tasks/", s.handleTaskByID)
	mux.HandleFunc("/hitl/pending", s.handleHITLPending)
	mux.HandleFunc("/hitl/", s.handleHITLByID)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAuth(w, r, "webhook") {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, queue.WebhookResponse{OK: false, Error: "read body: " + err.Error()})
		return
	}
	if err := queue.ValidateWebhookBody(body); err != nil {
		writeJSON(w, http.StatusBadRequest, queue.WebhookResponse{OK: false, Error: err.Error()})
		return
	}
	var req queue.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, queue.WebhookResponse{OK: false, Error: "decode body: " + err.Error()})
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	resp, code := s.cfg.Queue.HandleWebhook(ctx, req)
	s.logger.Info("webhook handled",
		"type", req.Type, "task_id", req.TaskID, "run_id", resp.RunID, "code", code)
	writeJSON(w, code, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAuth(w, r, "tasks.list") {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.cfg.Queue.ListTasks(r.Context(), limit, r.URL.Query().Get("status"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrBadStatusFilter) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tasks": records, "count": len(records)})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAuth(w, r, "tasks.get") {
		return
	}
	runID := strings.TrimPrefix(r.URL.Path, "/openclaw/tasks/")
	if runID == "" || strings.Contains(runID, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "run_id required"})
		return
	}
	record, err := s.cfg.Queue.Status(r.Context(), runID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "task": record})
}

func (s *Server) handleHITLPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAuth(w, r, "hitl.list") {
		return
	}
	pending := s.cfg.HITL.PendingRequests(r.URL.Query().Get("task_id"))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "requests": pending, "count": len(pending)})
}

// handleHITLByID serves /hitl/{id}, /hitl/{id}/screenshot and
// /hitl/{id}/respond.
func (s *Server) handleHITLByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/hitl/")
	requestID, action, _ := strings.Cut(rest, "/")
	if requestID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "request_id required"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		if !s.requireAuth(w, r, "hitl.get") {
			return
		}
		s.serveHITLRequest(w, requestID)

	case action == "" && r.Method == http.MethodDelete:
		if !s.requireAuth(w, r, "hitl.cancel") {
			return
		}
		s.cancelHITLRequest(w, requestID)

	case action == "screenshot" && r.Method == http.MethodGet:
		if !s.requireAuth(w, r, "hitl.screenshot") {
			return
		}
		s.serveHITLScreenshot(w, requestID)

	case action == "respond" && r.Method == http.MethodPost:
		if !s.requireAuth(w, r, "hitl.respond") {
			return
		}
		s.respondHITLRequest(w, r, requestID)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveHITLRequest(w http.ResponseWriter, requestID string) {
	req, ok := s.cfg.HITL.Get(requestID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "request not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request": req})
}

func (s *Server) serveHITLScreenshot(w http.ResponseWriter, requestID string) {
	req, ok := s.cfg.HITL.Get(requestID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "request not found"})
		return
	}
	if req.AttachmentB64 == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "request has no attachment"})
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.AttachmentB64)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "corrupt attachment"})
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type respondBody struct {
	Action      string `json:"action"`
	CustomInput string `json:"custom_input,omitempty"`
}

func (s *Server) respondHITLRequest(w http.ResponseWriter, r *http.Request, requestID string) {
	var body respondBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "decode body: " + err.Error()})
		return
	}
	if body.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "action required"})
		return
	}

	if s.cfg.HITL.Respond(requestID, body.Action, body.CustomInput) {
		audit.Record("allow", "hitl.respond", "action="+body.Action, requestID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": requestID, "action": body.Action})
		return
	}
	s.writeHITLConflict(w, requestID)
}

func (s *Server) cancelHITLRequest(w http.ResponseWriter, requestID string) {
	if s.cfg.HITL.Cancel(requestID) {
		audit.Record("allow", "hitl.cancel", "", requestID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": requestID})
		return
	}
	s.writeHITLConflict(w, requestID)
}

// writeHITLConflict distinguishes an unknown request from one already in a
// terminal state so client UIs can re-fetch the resolution.
func (s *Server) writeHITLConflict(w http.ResponseWriter, requestID string) {
	req, ok := s.cfg.HITL.Get(requestID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "request not found"})
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"ok":     false,
		"error":  "request already " + string(req.Status),
		"status": req.Status,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	var active, running int64
	if s.cfg.Store != nil {
		var err error
		active, running, err = s.cfg.Store.RunCounts(r.Context())
		if err != nil {
			dbOK = false
		}
	}
	pending := 0
	if s.cfg.HITL != nil {
		pending = len(s.cfg.HITL.PendingRequests(""))
	}

	payload := map[string]any{
		"healthy":      dbOK,
		"db_ok":        dbOK,
		"active_runs":  active,
		"running_runs": running,
		"pending_hitl": pending,
		"audit_denies": audit.DenyCount(),
		"config":       s.cfg.ConfigFingerprint,
	}
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
