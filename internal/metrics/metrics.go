// Package metrics records engine activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "maiachat"

// Recorder receives engine events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RunStarted counts a newly created run.
	RunStarted(dryRun bool)
	// CallFinished observes one Execute or Resume call and the run status it left behind.
	CallFinished(op, status string, d time.Duration)
	// StepFinished observes one step execution.
	StepFinished(actionType, status string, d time.Duration)
	// TokenIssued counts a resume token minted by an approval gate.
	TokenIssued()
	// ResumeRefused counts a resume rejected before any mutation, by error kind.
	ResumeRefused(reason string)
}

// Noop discards every event.
type Noop struct{}

func (Noop) RunStarted(bool) {}
func (Noop) CallFinished(string, string, time.Duration) {}
func (Noop) StepFinished(string, string, time.Duration) {}
func (Noop) TokenIssued() {}
func (Noop) ResumeRefused(string) {}

// Prometheus is a Recorder backed by Prometheus collectors.
type Prometheus struct {
	runsStarted   *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	stepDuration  *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	tokensIssued  prometheus.Counter
	resumeRefused *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs created",
			},
			[]string{"dry_run"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_call_duration_seconds",
				Help:      "Duration of Execute and Resume calls in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"op", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action_type"},
		),
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of step executions by outcome",
			},
			[]string{"action_type", "status"},
		),
		tokensIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resume_tokens_issued_total",
				Help:      "Total number of resume tokens minted by approval gates",
			},
		),
		resumeRefused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resume_refused_total",
				Help:      "Total number of resume calls refused before any mutation",
			},
			[]string{"reason"},
		),
	}

	for _, c := range []prometheus.Collector{
		p.runsStarted, p.callDuration, p.stepDuration, p.stepsTotal, p.tokensIssued, p.resumeRefused,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RunStarted(dryRun bool) {
	label := "false"
	if dryRun {
		label = "true"
	}
	p.runsStarted.WithLabelValues(label).Inc()
}

func (p *Prometheus) CallFinished(op, status string, d time.Duration) {
	p.callDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

func (p *Prometheus) StepFinished(actionType, status string, d time.Duration) {
	p.stepDuration.WithLabelValues(actionType).Observe(d.Seconds())
	p.stepsTotal.WithLabelValues(actionType, status).Inc()
}

func (p *Prometheus) TokenIssued() {
	p.tokensIssued.Inc()
}

func (p *Prometheus) ResumeRefused(reason string) {
	p.resumeRefused.WithLabelValues(reason).Inc()
}
