package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all showrunner metrics instruments.
type Metrics struct {
	ClaimsWon       metric.Int64Counter
	ClaimsEmpty     metric.Int64Counter
	StepDuration    metric.Float64Histogram
	StepFailures    metric.Int64Counter
	SubUnitsDone    metric.Int64Counter
	QuotaUnits      metric.Int64Counter
	ReviewLatency   metric.Float64Histogram
	TasksPublished  metric.Int64Counter
	FailureStreaks  metric.Int64Counter
	LeasesReclaimed metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ClaimsWon, err = meter.Int64Counter("showrunner.claims.won",
		metric.WithDescription("Tasks successfully claimed"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsEmpty, err = meter.Int64Counter("showrunner.claims.empty",
		metric.WithDescription("Claim rounds that found no eligible task"),
	)
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("showrunner.step.duration",
		metric.WithDescription("Pipeline step execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StepFailures, err = meter.Int64Counter("showrunner.step.failures",
		metric.WithDescription("Pipeline step failures by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.SubUnitsDone, err = meter.Int64Counter("showrunner.step.subunits",
		metric.WithDescription("Sub-units of work completed"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaUnits, err = meter.Int64Counter("showrunner.quota.units",
		metric.WithDescription("Resource units recorded against daily quotas"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewLatency, err = meter.Float64Histogram("showrunner.review.latency",
		metric.WithDescription("Time from gate entry to review decision in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksPublished, err = meter.Int64Counter("showrunner.tasks.published",
		metric.WithDescription("Tasks that reached the published terminal status"),
	)
	if err != nil {
		return nil, err
	}

	m.FailureStreaks, err = meter.Int64Counter("showrunner.worker.streaks",
		metric.WithDescription("Failure streak threshold crossings"),
	)
	if err != nil {
		return nil, err
	}

	m.LeasesReclaimed, err = meter.Int64Counter("showrunner.leases.reclaimed",
		metric.WithDescription("Expired leases returned to the claim pool"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
