package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"bytemomo/crawlbench/internal/crawler"
	"bytemomo/crawlbench/internal/domain"
	"bytemomo/crawlbench/internal/metrics"
	"bytemomo/crawlbench/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultGrace is added to the run timeout before a crawler is stopped.
const DefaultGrace = 3 * time.Second

// Runner executes every selected crawler against every stand, one pair at a
// time. Pairs share the proxy port, so they never overlap.
type Runner struct {
	CampaignID string
	Campaign   *domain.Campaign
	Kinds      *crawler.Registry
	Proxy      domain.ProxyLauncher
	Store      domain.ResultRepo
	Report     domain.ReportWriter
	Metrics    *metrics.Recorder
	Tracer     trace.Tracer
	Log        *logrus.Entry

	// Crawler console sinks; nil means the parent's streams.
	Stdout io.Writer
	Stderr io.Writer

	Grace           time.Duration
	InterruptWindow time.Duration
	TerminateWindow time.Duration
}

// Execute runs the campaign. Pair failures are recorded in their results and
// never abort the loop; only an unknown crawler in filter or cancellation of
// ctx is returned as an error. Results gathered so far are returned either way.
func (r *Runner) Execute(ctx context.Context, filter []string) ([]domain.RunResult, error) {
	kinds, err := r.Kinds.Select(filter)
	if err != nil {
		return nil, err
	}

	log := r.logger().WithField("campaign_id", r.CampaignID)
	ids := make([]string, len(kinds))
	for i, k := range kinds {
		ids[i] = string(k.ID)
	}
	log.WithFields(logrus.Fields{
		"crawlers": ids,
		"stands":   r.Campaign.Stands.Names(),
		"timeout":  r.Campaign.Runner.EffectiveTimeout().String(),
	}).Infof("Will run %d crawlers", len(kinds))

	ctx, span := r.tracer().Start(ctx, "campaign", trace.WithAttributes(
		attribute.String("crawlbench.campaign_id", r.CampaignID),
		attribute.StringSlice("crawlbench.crawlers", ids),
		attribute.Int("crawlbench.stands", len(r.Campaign.Stands)),
	))
	defer span.End()

	var all []domain.RunResult
PAIRS:
	for _, k := range kinds {
		for _, st := range r.Campaign.Stands {
			if ctx.Err() != nil {
				break PAIRS
			}
			res := r.runPair(ctx, k, st, log)
			if r.Store != nil {
				if err := r.Store.Save(res); err != nil {
					log.WithFields(logrus.Fields{
						"crawler": res.Crawler,
						"stand":   res.Stand,
						"error":   err,
					}).Error("Failed to save result")
				}
			}
			r.Metrics.ObservePair(res)
			all = append(all, res)
		}
	}

	if r.Report != nil {
		if path, err := r.Report.Aggregate(r.CampaignID, all); err != nil {
			log.WithError(err).Error("Failed to write campaign report")
		} else {
			log.WithField("path", path).Info("Campaign report written")
		}
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "interrupted")
		log.WithField("pairs", len(all)).Warn("Campaign interrupted")
		return all, err
	}
	log.WithField("pairs", len(all)).Info("Campaign execution finished")
	return all, nil
}

func (r *Runner) runPair(ctx context.Context, k crawler.Kind, st domain.Stand, campaignLog *logrus.Entry) (res domain.RunResult) {
	c := r.Campaign
	rc := domain.RunContext{
		CampaignID: r.CampaignID,
		Crawler:    string(k.ID),
		Stand:      st,
		URL:        c.TargetURL(st),
		ResultsDir: filepath.Join(c.Runner.ResultsDir, string(k.ID), st.Name),
		Timeout:    c.Runner.EffectiveTimeout(),
		Started:    time.Now(),
	}

	res = domain.RunResult{
		CampaignID: rc.CampaignID,
		Crawler:    rc.Crawler,
		Stand:      st.Name,
		URL:        rc.URL,
		ResultsDir: rc.ResultsDir,
		Started:    rc.Started,
		Outcome:    domain.OutcomeSuccess,
		Escalation: domain.EscalationNone,
	}

	log := campaignLog.WithFields(logrus.Fields{
		"crawler": rc.Crawler,
		"stand":   st.Name,
		"url":     rc.URL,
	})
	log.Info("Run crawler")

	ctx, span := r.tracer().Start(ctx, "pair",
		trace.WithAttributes(tracing.PairAttributes(rc.CampaignID, rc.Crawler, st.Name, rc.URL)...))
	cleanup := context.WithoutCancel(ctx)

	fail := func(msg string, err error) {
		res.Fail(err)
		span.RecordError(err)
		log.WithError(err).Error(msg)
	}

	defer func() {
		res.Finish(time.Now())
		if res.Outcome == domain.OutcomeFailed {
			span.SetStatus(codes.Error, res.Error)
		}
		span.SetAttributes(
			attribute.String("crawlbench.outcome", string(res.Outcome)),
			attribute.Bool("crawlbench.timed_out", res.TimedOut),
			attribute.String("crawlbench.escalation", string(res.Escalation)),
		)
		span.End()
		log.WithFields(logrus.Fields{
			"outcome":   res.Outcome,
			"timed_out": res.TimedOut,
			"took":      res.Elapsed.Round(time.Millisecond).String(),
		}).Info("Done running crawler")
	}()

	if err := os.MkdirAll(rc.ResultsDir, 0o755); err != nil {
		fail("Failed to create results directory", fmt.Errorf("create results dir: %w", err))
		return res
	}

	proxy, err := r.Proxy.Start(ctx, rc.RequestLogPath(), st.Name)
	if err != nil {
		fail("Proxy failed to start", err)
		return res
	}
	span.AddEvent(tracing.EventProxyReady)

	defer func() {
		pst, err := proxy.Stop(cleanup)
		res.ProxyStopped = time.Now()
		res.ProxyExit = &pst
		span.AddEvent(tracing.EventProxyStopped, trace.WithAttributes(attribute.String("status", pst.String())))
		if err != nil {
			fail("Proxy did not stop cleanly", err)
		}
	}()

	sup := crawler.NewSupervisor(k, rc, log)
	sup.Stdout, sup.Stderr = r.Stdout, r.Stderr
	if r.InterruptWindow > 0 {
		sup.InterruptWindow = r.InterruptWindow
	}
	if r.TerminateWindow > 0 {
		sup.TerminateWindow = r.TerminateWindow
	}
	sup.OnState = func(_, to crawler.State) {
		switch to {
		case crawler.StopRequested:
			r.Metrics.Escalated(rc.Crawler, domain.EscalationInterrupt)
		case crawler.EscalatedTerminate:
			r.Metrics.Escalated(rc.Crawler, domain.EscalationTerminate)
		case crawler.EscalatedKill:
			r.Metrics.Escalated(rc.Crawler, domain.EscalationKill)
		}
	}

	if err := sup.Start(); err != nil {
		fail("Crawler failed to start", err)
		return res
	}
	span.AddEvent(tracing.EventCrawlerStarted)

	// The run timeout counts from crawler spawn; proxy startup is not charged to it.
	rc.Deadline = time.Now().Add(rc.Timeout + r.grace())
	waitCtx, cancel := context.WithDeadline(ctx, rc.Deadline)
	status, err := sup.Wait(waitCtx)
	cancel()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Warn("Campaign interrupted, stopping crawler")
		status, err = sup.Stop(cleanup)
		res.Fail(fmt.Errorf("interrupted: %w", ctx.Err()))
	case errors.Is(err, context.DeadlineExceeded):
		res.TimedOut = true
		span.AddEvent(tracing.EventCrawlerTimeout)
		log.WithField("timeout", rc.Timeout.String()).Warn("TIMEOUT: crawler timed out, will stop it")
		status, err = sup.Stop(cleanup)
	}
	res.CrawlerExited = time.Now()
	res.Escalation = sup.Escalation()

	select {
	case <-sup.Exited():
		res.CrawlerExit = &status
		span.AddEvent(tracing.EventCrawlerExited, trace.WithAttributes(attribute.String("status", status.String())))
	default:
	}
	if err != nil {
		fail("Crawler did not finish cleanly", err)
	}
	return res
}

func (r *Runner) grace() time.Duration {
	if r.Grace > 0 {
		return r.Grace
	}
	return DefaultGrace
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return noop.NewTracerProvider().Tracer("")
}

func (r *Runner) logger() *logrus.Entry {
	if r.Log != nil {
		return r.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
