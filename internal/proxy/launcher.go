// Package proxy starts and stops the recording proxy that sits between a
// crawler and its stand.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"time"

	"bytemomo/crawlbench/internal/domain"
	"bytemomo/crawlbench/internal/process"
	"bytemomo/crawlbench/internal/readiness"

	"github.com/sirupsen/logrus"
)

// LogPrefix names the proxy's duplicated output files next to its request log.
const LogPrefix = "proxy-"

// abandonGrace bounds the wait for a proxy that never became ready before it
// is force-killed.
const abandonGrace = 3 * time.Second

// Launcher starts one proxy process per pair. It satisfies domain.ProxyLauncher.
type Launcher struct {
	Config     domain.ProxyConfig
	ConfigPath string
	// ProbeHost is where readiness is checked; it must reach the proxy's listener.
	ProbeHost string
	Prober    readiness.Prober

	Stdout io.Writer
	Stderr io.Writer
	Log    *logrus.Entry
}

// New builds a launcher for the campaign's proxy settings.
func New(c *domain.Campaign, log *logrus.Entry) *Launcher {
	return &Launcher{
		Config:     c.Runner.Proxy,
		ConfigPath: c.ConfigPath,
		ProbeHost:  c.ProbeHost(),
		Prober:     readiness.Prober{Log: log},
		Log:        log,
	}
}

// Argv is the proxy command line for one pair.
func (l *Launcher) Argv(outputFile, stand string) []string {
	exe := l.Config.Executable
	if exe == "" {
		exe = domain.DefaultProxyExecutable
	}
	argv := []string{
		exe,
		"-c", l.ConfigPath,
		"-o", outputFile,
		"-p", strconv.Itoa(l.Config.EffectivePort()),
		"-s", stand,
	}
	if l.Config.BindHost != "" {
		argv = append(argv, "-b", l.Config.BindHost)
	}
	return argv
}

func (l *Launcher) readinessTimeout() time.Duration {
	switch t := l.Config.ReadinessTimeout; {
	case t == 0:
		return domain.DefaultReadinessTimeout
	case t < 0:
		return 0
	default:
		return t
	}
}

// Start implements domain.ProxyLauncher.
func (l *Launcher) Start(ctx context.Context, outputFile, stand string) (domain.ProxyHandle, error) {
	p, err := l.Launch(ctx, outputFile, stand)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Launch spawns the proxy and returns once its port accepts connections.
// A proxy that exits first fails with domain.ErrProxyExited; one that stays
// silent past the readiness timeout is killed and fails with
// domain.ErrProxyNeverReady.
func (l *Launcher) Launch(ctx context.Context, outputFile, stand string) (*Proxy, error) {
	const op = "proxy.start"
	log := l.logger().WithFields(logrus.Fields{"stand": stand, "output": outputFile})

	h, err := process.Start(process.Spec{
		Argv:      l.Argv(outputFile, stand),
		Dir:       l.Config.Dir,
		LogDir:    filepath.Dir(outputFile),
		LogPrefix: LogPrefix,
		Stdout:    l.Stdout,
		Stderr:    l.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p := &Proxy{h: h, log: log.WithField("pid", h.Pid())}
	p.log.Debug("proxy spawned")

	var (
		probeCtx context.Context
		cancel   context.CancelFunc
	)
	if timeout := l.readinessTimeout(); timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		probeCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	go func() {
		select {
		case <-h.Exited():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	attempts, err := l.Prober.Await(probeCtx, l.ProbeHost, l.Config.EffectivePort())
	if err == nil {
		p.log.WithField("attempts", attempts).Info("proxy ready")
		return p, nil
	}

	if _, exited := h.Status(); exited {
		st, _ := h.Wait(context.WithoutCancel(ctx))
		return nil, domain.E(op, domain.ErrProxyExited, fmt.Errorf("%s", st))
	}

	p.abandon(context.WithoutCancel(ctx))
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return nil, domain.E(op, domain.ErrProxyNeverReady,
		fmt.Errorf("%s:%d not accepting after %d attempts", l.ProbeHost, l.Config.EffectivePort(), attempts))
}

func (l *Launcher) logger() *logrus.Entry {
	if l.Log != nil {
		return l.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Proxy is a running proxy owned by one pair.
type Proxy struct {
	h   *process.Handle
	log *logrus.Entry
}

// Pid of the proxy process.
func (p *Proxy) Pid() int { return p.h.Pid() }

// Stop sends terminate and waits for the proxy to exit. There is no
// escalation; the proxy shuts down on terminate.
func (p *Proxy) Stop(ctx context.Context) (domain.ExitStatus, error) {
	if err := p.h.Signal(process.Terminate); err != nil {
		p.log.WithError(err).Warn("terminate proxy")
	}
	st, err := p.h.Wait(ctx)
	if err != nil {
		return st, fmt.Errorf("proxy.stop: %w", err)
	}
	p.log.WithField("status", st.String()).Info("proxy stopped")
	return st, nil
}

// abandon terminates a proxy that never became ready, killing it if it
// ignores the request.
func (p *Proxy) abandon(ctx context.Context) {
	_ = p.h.Signal(process.Terminate)
	waitCtx, cancel := context.WithTimeout(ctx, abandonGrace)
	defer cancel()
	if _, err := p.h.Wait(waitCtx); err == nil || !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	p.log.Warn("proxy ignored terminate, killing")
	_ = p.h.Kill()
	_, _ = p.h.Wait(ctx)
}
