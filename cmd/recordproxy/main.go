package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"bytemomo/crawlbench/internal/adapter/logger"
	"bytemomo/crawlbench/internal/adapter/yamlconfig"
	"bytemomo/crawlbench/internal/recordproxy"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
)

type CLI struct {
	Config   string `short:"c" required:"" type:"existingfile" help:"Stands configuration (YAML)."`
	Out      string `short:"o" default:"./request-log.ndjson" help:"Request log to append to."`
	Bind     string `short:"b" help:"Bind host. Defaults to stands_addr."`
	Port     int    `short:"p" default:"8000" help:"Bind port."`
	Stand    string `short:"s" help:"Proxy only this stand."`
	LogLevel string `default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("recordproxy"),
		kong.Description("Reverse proxy that records every request a crawler sends to the stands."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(run(ctx, &cli))
}

func run(ctx context.Context, cli *CLI) error {
	base, _, err := logger.Setup(logger.Options{Level: cli.LogLevel})
	if err != nil {
		return err
	}
	log := logrus.NewEntry(base)

	campaign, err := yamlconfig.LoadCampaign(cli.Config)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	if cli.Stand != "" {
		log.WithField("stand", cli.Stand).Info("Will proxy only one stand")
	}
	routes, err := recordproxy.Routes(campaign, cli.Stand)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(cli.Out, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open request log: %w", err)
	}
	defer out.Close()

	p, err := recordproxy.New(ctx, routes, recordproxy.NewRecorder(out), recordproxy.Options{Log: log})
	if err != nil {
		return err
	}

	bind := cli.Bind
	if bind == "" {
		bind = campaign.StandsAddr
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(cli.Port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return recordproxy.Serve(ctx, ln, p, log)
}
