package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Agenda metrics instruments.
type Metrics struct {
	TurnDuration       metric.Float64Histogram
	OracleCallDuration metric.Float64Histogram
	StoreCallDuration  metric.Float64Histogram
	StepsExecuted      metric.Int64Counter
	StepFailures       metric.Int64Counter
	Clarifications     metric.Int64Counter
	OracleRetries      metric.Int64Counter
	DigestsFired       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("agenda.turn.duration",
		metric.WithDescription("End-to-end turn processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleCallDuration, err = meter.Float64Histogram("agenda.oracle.duration",
		metric.WithDescription("LLM oracle call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreCallDuration, err = meter.Float64Histogram("agenda.store.duration",
		metric.WithDescription("Calendar/task store call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepsExecuted, err = meter.Int64Counter("agenda.steps.executed",
		metric.WithDescription("Plan steps executed"),
	)
	if err != nil {
		return nil, err
	}

	m.StepFailures, err = meter.Int64Counter("agenda.steps.failures",
		metric.WithDescription("Plan steps that failed during execution"),
	)
	if err != nil {
		return nil, err
	}

	m.Clarifications, err = meter.Int64Counter("agenda.turns.clarifications",
		metric.WithDescription("Turns that ended in needs_clarification"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleRetries, err = meter.Int64Counter("agenda.oracle.retries",
		metric.WithDescription("Structured-output retries after schema rejection"),
	)
	if err != nil {
		return nil, err
	}

	m.DigestsFired, err = meter.Int64Counter("agenda.digests.fired",
		metric.WithDescription("Digest schedules fired"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
