package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all sessiond metric instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	FramesDelivered     metric.Int64Counter
	InputFrames         metric.Int64Counter
	PermissionDecisions metric.Int64Counter
	ActiveAttachments   metric.Int64UpDownCounter
	SessionsEvicted     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("sessiond.request.duration",
		metric.WithDescription("Gateway HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FramesDelivered, err = meter.Int64Counter("sessiond.frames.delivered",
		metric.WithDescription("Frames written to WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.InputFrames, err = meter.Int64Counter("sessiond.input.frames",
		metric.WithDescription("User input frames forwarded to agent processes"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDecisions, err = meter.Int64Counter("sessiond.permission.decisions",
		metric.WithDescription("Permission responses received from clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAttachments, err = meter.Int64UpDownCounter("sessiond.attachments.active",
		metric.WithDescription("Currently attached WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsEvicted, err = meter.Int64Counter("sessiond.sessions.evicted",
		metric.WithDescription("Sessions evicted from the registry"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
