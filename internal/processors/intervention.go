// Package processors holds queue step processors that bridge runs to other
// subsystems. The intervention processor is the rendezvous entry point: a
// run that needs a human pauses here until a responder resolves it.
package processors

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/basket/iron-claw/internal/hitl"
	"github.com/basket/iron-claw/internal/persistence"
	"github.com/basket/iron-claw/internal/queue"
)

// StepRequestIntervention pauses the run until a human responds.
const StepRequestIntervention = "request_intervention"

// Screenshotter captures the current device screen for request attachments.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// InterventionConfig configures the intervention processor.
type InterventionConfig struct {
	Coordinator *hitl.Coordinator
	Logger      *slog.Logger

	// Device is optional. When present and a step asks for a screenshot,
	// the current screen is attached to the request.
	Device Screenshotter

	// Timeout bounds how long a run blocks waiting for a responder.
	// Zero falls back to the coordinator default.
	Timeout time.Duration

	// Options offered to responders when the step supplies none.
	Options []string

	// Next handles every step that is not an intervention request.
	Next queue.Processor
}

// Intervention returns a processor that blocks request_intervention steps
// on a coordinator rendezvous and delegates everything else to cfg.Next.
func Intervention(cfg InterventionConfig) queue.Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, record persistence.RunRecord, req queue.WebhookRequest) (string, error) {
		if req.Payload.StepType != StepRequestIntervention {
			if cfg.Next != nil {
				return cfg.Next(ctx, record, req)
			}
			return "", nil
		}

		spec := hitl.Spec{
			TaskID:  record.TaskID,
			Kind:    req.Payload.String("kind"),
			Message: req.Payload.String("message"),
			Options: stepOptions(req, cfg.Options),
			Timeout: cfg.Timeout,
		}
		if spec.Kind == "" {
			spec.Kind = "confirmation"
		}

		if cfg.Device != nil && wantsScreenshot(req) {
			shot, err := cfg.Device.Screenshot(ctx)
			if err != nil {
				logger.Warn("screenshot for intervention failed",
					"run_id", record.RunID, "error", err)
			} else {
				spec.Attachment = shot
			}
		}

		// A timeout surfaces as hitl.ErrTimeout and fails the run; an
		// Abort response is an ordinary resolution, not an error.
		resp, err := cfg.Coordinator.Request(ctx, spec)
		if err != nil {
			return "", err
		}

		out, mErr := json.Marshal(map[string]string{
			"action":       resp.Action,
			"custom_input": resp.CustomInput,
		})
		if mErr != nil {
			return "", mErr
		}
		return string(out), nil
	}
}

func stepOptions(req queue.WebhookRequest, fallback []string) []string {
	raw, ok := req.Payload.Params["options"].([]any)
	if !ok || len(raw) == 0 {
		return fallback
	}
	options := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			options = append(options, s)
		}
	}
	if len(options) == 0 {
		return fallback
	}
	return options
}

func wantsScreenshot(req queue.WebhookRequest) bool {
	switch v := req.Payload.Params["screenshot"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
