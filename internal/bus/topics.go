package bus

// Intervention (HITL) event topics.
const (
	TopicHITLRequested = "hitl.requested"
	TopicHITLResolved  = "hitl.resolved"
	TopicHITLExpired   = "hitl.expired"
	TopicHITLCancelled = "hitl.cancelled"
)

// Run (task queue) event topics.
const (
	TopicRunStateChanged = "run.state_changed"
	TopicRunCompleted    = "run.completed"
	TopicRunFailed       = "run.failed"
	TopicRunCancelled    = "run.cancelled"
)

// InterventionEvent is published when an intervention request is created or
// reaches a terminal status. For TopicHITLRequested, Options carries the
// allowed response actions so channels can render them directly.
type InterventionEvent struct {
	RequestID     string   // Intervention request ID
	TaskID        string   // Owning task ID
	Kind          string   // Request category (captcha, login_required, ...)
	Message       string   // Human-readable description
	Options       []string // Allowed response actions
	HasAttachment bool     // Whether a screenshot/attachment is stored
	Action        string   // Resolving action, set on terminal topics
}

// RunStateChangedEvent is published when a run's status changes.
type RunStateChangedEvent struct {
	RunID     string // System-generated run ID
	TaskID    string // Caller-supplied external task ID
	StepKind  string // Step kind of the run's payload
	OldStatus string // Previous status (e.g. queued)
	NewStatus string // New status (e.g. running)
}

// RunOutcomeEvent is published on TopicRunCompleted / TopicRunFailed /
// TopicRunCancelled with the run's terminal result or error.
type RunOutcomeEvent struct {
	RunID    string // System-generated run ID
	TaskID   string // Caller-supplied external task ID
	StepKind string // Step kind of the run's payload
	Result   string // Serialized result payload (completed only)
	Error    string // Failure reason (failed only)
}
