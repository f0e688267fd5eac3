// Package metrics exposes campaign progress as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bytemomo/crawlbench/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Recorder holds the campaign collectors on a private registry. A nil
// *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	pairsTotal          *prometheus.CounterVec
	pairDurationSeconds *prometheus.HistogramVec
	escalationsTotal    *prometheus.CounterVec
	timeoutsTotal       *prometheus.CounterVec
}

// New creates and registers the collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlbench_pairs_total",
				Help: "Crawler/stand pairs completed, by outcome",
			},
			[]string{"crawler", "outcome"},
		),
		pairDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlbench_pair_duration_seconds",
				Help:    "Wall-clock time of one pair including proxy startup and shutdown",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 21600, 28800},
			},
			[]string{"crawler"},
		),
		escalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlbench_escalations_total",
				Help: "Stop steps issued to crawlers",
			},
			[]string{"crawler", "step"},
		),
		timeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlbench_timeouts_total",
				Help: "Pairs whose crawler outlived the run timeout",
			},
			[]string{"crawler"},
		),
	}
	r.registry.MustRegister(r.pairsTotal, r.pairDurationSeconds, r.escalationsTotal, r.timeoutsTotal)
	return r
}

// Registry returns the private registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObservePair records a finished pair.
func (r *Recorder) ObservePair(res domain.RunResult) {
	if r == nil {
		return
	}
	r.pairsTotal.WithLabelValues(res.Crawler, string(res.Outcome)).Inc()
	r.pairDurationSeconds.WithLabelValues(res.Crawler).Observe(res.Elapsed.Seconds())
	if res.TimedOut {
		r.timeoutsTotal.WithLabelValues(res.Crawler).Inc()
	}
}

// Escalated records a stop step sent to a crawler.
func (r *Recorder) Escalated(crawler string, step domain.Escalation) {
	if r == nil || step == domain.EscalationNone || step == "" {
		return
	}
	r.escalationsTotal.WithLabelValues(crawler, string(step)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
