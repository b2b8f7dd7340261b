package jobs

import (
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	submitted     metric.Int64Counter
	finished      metric.Int64Counter
	attempts      metric.Int64Counter
	stageDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	submitted, err := meter.Int64Counter("whisperlens.jobs.submitted",
		metric.WithDescription("Jobs accepted for processing"))
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("whisperlens.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status"))
	if err != nil {
		return nil, err
	}
	attempts, err := meter.Int64Counter("whisperlens.jobs.transcription_attempts",
		metric.WithDescription("Transcription worker invocations"))
	if err != nil {
		return nil, err
	}
	stageDuration, err := meter.Float64Histogram("whisperlens.jobs.stage_duration",
		metric.WithDescription("Time spent per pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		submitted:     submitted,
		finished:      finished,
		attempts:      attempts,
		stageDuration: stageDuration,
	}, nil
}
