package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Iron Claw metric instruments.
type Metrics struct {
	WebhookDuration metric.Float64Histogram
	RunDuration     metric.Float64Histogram
	PendingHITL     metric.Int64UpDownCounter
	HITLResolutions metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.WebhookDuration, err = meter.Float64Histogram("ironclaw.webhook.duration",
		metric.WithDescription("Webhook request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("ironclaw.run.duration",
		metric.WithDescription("Step run duration from submit to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PendingHITL, err = meter.Int64UpDownCounter("ironclaw.hitl.pending",
		metric.WithDescription("Number of currently pending intervention requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HITLResolutions, err = meter.Int64Counter("ironclaw.hitl.resolutions",
		metric.WithDescription("Intervention requests resolved, expired, or cancelled"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
