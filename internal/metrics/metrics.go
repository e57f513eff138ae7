package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Submissions    prometheus.Counter
	StreamDeltas   prometheus.Counter
	TurnsCommitted prometheus.Counter
	StreamFailures prometheus.Counter
	CommitFailures prometheus.Counter
	Uploads        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Submissions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lechat",
				Name:      "submissions_total",
				Help:      "Total user message submissions",
			}),
			StreamDeltas: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lechat",
				Name:      "stream_deltas_total",
				Help:      "Total assistant content deltas received",
			}),
			TurnsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lechat",
				Name:      "turns_committed_total",
				Help:      "Total turns durably committed",
			}),
			StreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lechat",
				Name:      "stream_failures_total",
				Help:      "Total streams terminated with an error reason",
			}),
			CommitFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lechat",
				Name:      "commit_failures_total",
				Help:      "Total failed durable commits",
			}),
			Uploads: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lechat",
				Name:      "attachment_uploads_total",
				Help:      "Total attachment uploads to object storage",
			}),
		}
		prometheus.MustRegister(
			global.Submissions,
			global.StreamDeltas,
			global.TurnsCommitted,
			global.StreamFailures,
			global.CommitFailures,
			global.Uploads,
		)
	})
	return global
}
