package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"bytemomo/crawlbench/internal/adapter/jsonreport"
	"bytemomo/crawlbench/internal/adapter/logger"
	"bytemomo/crawlbench/internal/adapter/yamlconfig"
	"bytemomo/crawlbench/internal/crawler"
	"bytemomo/crawlbench/internal/domain"
	"bytemomo/crawlbench/internal/metrics"
	"bytemomo/crawlbench/internal/proxy"
	"bytemomo/crawlbench/internal/runner"
	"bytemomo/crawlbench/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const logFileName = "crawlbench.log"

type RunCmd struct {
	Config   string        `short:"c" required:"" type:"existingfile" help:"Stands configuration (YAML)."`
	Crawlers []string      `help:"Crawler kinds to run, comma-separated. Overrides crawler-set.json."`
	Timeout  time.Duration `help:"Override the per-run timeout."`
	Results  string        `type:"path" help:"Override the results directory."`

	LogLevel  string `default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	LogFormat string `default:"text" enum:"text,json" help:"Log format."`
	LogFile   string `type:"path" help:"Log file (default <results>/crawlbench.log)."`

	MetricsAddr  string `help:"Serve Prometheus metrics on this address, e.g. :9464."`
	OtlpEndpoint string `name:"otlp-endpoint" help:"Export spans to this OTLP/gRPC collector."`
	OtlpInsecure bool   `name:"otlp-insecure" default:"true" negatable:"" help:"Send spans without TLS."`
}

func (c *RunCmd) Run(ctx context.Context) error {
	campaign, err := yamlconfig.LoadCampaign(c.Config)
	if err != nil {
		return fmt.Errorf("could not load campaign: %w", err)
	}
	if c.Timeout > 0 {
		campaign.Runner.Timeout = c.Timeout
	}
	if c.Results != "" {
		campaign.Runner.ResultsDir = c.Results
	}
	filter, err := yamlconfig.CrawlerFilter(campaign, c.Crawlers)
	if err != nil {
		return err
	}

	logFile := c.LogFile
	if logFile == "" {
		logFile = filepath.Join(campaign.Runner.ResultsDir, logFileName)
	}
	base, closer, err := logger.Setup(logger.Options{Level: c.LogLevel, Format: c.LogFormat, File: logFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	campaignID := uuid.NewString()
	log := base.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"config":      campaign.ConfigPath,
	})
	log.Info("Starting campaign")

	tp, err := tracing.New(ctx, tracing.Options{
		Endpoint: c.OtlpEndpoint,
		Version:  version,
		Insecure: c.OtlpInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to flush spans")
		}
	}()

	rec := metrics.New()
	if c.MetricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
		defer stopMetrics()
		go func() {
			if err := rec.Serve(metricsCtx, c.MetricsAddr, log); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	r := &runner.Runner{
		CampaignID: campaignID,
		Campaign:   campaign,
		Kinds:      crawler.Builtin(crawler.SettingsFrom(campaign)),
		Proxy:      proxy.New(campaign, log),
		Store:      jsonreport.New(campaign.Runner.ResultsDir),
		Report:     jsonreport.New(campaign.Runner.ResultsDir),
		Metrics:    rec,
		Tracer:     tp.Tracer(),
		Log:        log,
	}

	results, err := r.Execute(ctx, filter)
	summarize(log, results)
	return err
}

func summarize(log *logrus.Entry, results []domain.RunResult) {
	var failed, timedOut int
	for _, res := range results {
		if res.Outcome == domain.OutcomeFailed {
			failed++
			log.WithFields(logrus.Fields{
				"crawler": res.Crawler,
				"stand":   res.Stand,
				"error":   res.Error,
			}).Warn("Pair failed")
		}
		if res.TimedOut {
			timedOut++
		}
	}
	log.WithFields(logrus.Fields{
		"pairs":     len(results),
		"failed":    failed,
		"timed_out": timedOut,
	}).Info("Campaign summary")
}
