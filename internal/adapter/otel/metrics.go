package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "spine"

// Metrics holds all spine metric instruments.
type Metrics struct {
	TasksSubmitted  metric.Int64Counter
	TasksCompleted  metric.Int64Counter
	TasksFailed     metric.Int64Counter
	AgentsOffline   metric.Int64Counter
	JournalFlushed  metric.Int64Counter
	JournalFailed   metric.Int64Counter
	JournalDropped  metric.Int64Counter
	AccessDenied    metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksSubmitted, err = meter.Int64Counter("spine.tasks.submitted",
		metric.WithDescription("Number of tasks submitted"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("spine.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("spine.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.AgentsOffline, err = meter.Int64Counter("spine.agents.offline",
		metric.WithDescription("Number of agents marked offline by the health sweep"))
	if err != nil {
		return nil, err
	}

	m.JournalFlushed, err = meter.Int64Counter("spine.journal.flushed",
		metric.WithDescription("Number of journal entries flushed to the store"))
	if err != nil {
		return nil, err
	}

	m.JournalFailed, err = meter.Int64Counter("spine.journal.failed",
		metric.WithDescription("Number of journal flushes that failed"))
	if err != nil {
		return nil, err
	}

	m.JournalDropped, err = meter.Int64Counter("spine.journal.dropped",
		metric.WithDescription("Number of journal entries dropped due to a full queue"))
	if err != nil {
		return nil, err
	}

	m.AccessDenied, err = meter.Int64Counter("spine.access.denied",
		metric.WithDescription("Number of agent access checks denied"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
