package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sitegrade/sitegrade/internal/events"
)

// PrometheusSink exports lifecycle event metrics via Prometheus. It owns the
// collectors for jobs started/finished/running so dashboards can follow the
// event stream without polling the orchestrator.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitegrade_job_events_started_total",
			Help: "Total jobStarted events observed.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitegrade_job_events_finished_total",
			Help: "Total terminal job events observed, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitegrade_job_events_running",
			Help: "Jobs currently between start and terminal events.",
		}),
	}
	for _, collector := range []prometheus.Collector{s.jobsStarted, s.jobsFinished, s.jobsRunning} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return s, nil
}

// Consume folds the batch into the collectors.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case events.TypeJobStarted:
			s.jobsStarted.Inc()
			s.jobsRunning.Inc()
		case events.TypeJobCompleted:
			s.jobsFinished.WithLabelValues("completed").Inc()
			s.jobsRunning.Dec()
		case events.TypeJobFailed:
			s.jobsFinished.WithLabelValues("failed").Inc()
			s.jobsRunning.Dec()
		case events.TypeJobCancelled:
			s.jobsFinished.WithLabelValues("cancelled").Inc()
			s.jobsRunning.Dec()
		case events.TypeJobProgress:
			// Progress counts are exported by the core metrics package.
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
