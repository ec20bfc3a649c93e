package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all bus metrics instruments.
type Metrics struct {
	MessagesAppended metric.Int64Counter
	AlertsDelivered  metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	DispatchFailures metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	PollsActive      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesAppended, err = meter.Int64Counter("agentbus.messages.appended",
		metric.WithDescription("Messages appended to channels"),
	)
	if err != nil {
		return nil, err
	}

	m.AlertsDelivered, err = meter.Int64Counter("agentbus.alerts.delivered",
		metric.WithDescription("Alert messages delivered to consumers"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("agentbus.dispatch.duration",
		metric.WithDescription("Mention dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchFailures, err = meter.Int64Counter("agentbus.dispatch.failures",
		metric.WithDescription("Dispatches ending failed or timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("agentbus.task.duration",
		metric.WithDescription("Worker process duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PollsActive, err = meter.Int64UpDownCounter("agentbus.polls.active",
		metric.WithDescription("Supervision polls currently open"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
