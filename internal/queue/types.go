package queue

import "encoding/json"

// Webhook request types routed by HandleWebhook.
const (
	TypeExecuteStep = "execute-step"
	TypeQueryStatus = "query-status"
	TypeCancelTask  = "cancel-task"
)

// Step kinds the default processor knows how to acknowledge.
const (
	StepLog          = "log"
	StepHTTPAction   = "http_action"
	StepClick        = "click"
	StepMobileAction = "mobile_action"
	StepExtract      = "extract"
)

// WebhookRequest is the inbound message shape accepted by the webhook
// endpoint.
type WebhookRequest struct {
	TaskID   string         `json:"taskId"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Payload  WebhookPayload `json:"payload"`
}

type WebhookPayload struct {
	StepType string         `json:"stepType"`
	Params   map[string]any `json:"params,omitempty"`
}

// ParamsJSON renders the step params as a JSON document for storage.
func (p WebhookPayload) ParamsJSON() string {
	if len(p.Params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p.Params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// String returns a string param by key, or "" when absent or not a string.
func (p WebhookPayload) String(key string) string {
	if v, ok := p.Params[key].(string); ok {
		return v
	}
	return ""
}

// WebhookResponse is the outbound message shape for every webhook call.
type WebhookResponse struct {
	OK      bool   `json:"ok"`
	RunID   string `json:"runId,omitempty"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}
