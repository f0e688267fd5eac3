// Package readiness waits for a TCP endpoint to start accepting connections.
package readiness

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval    = 200 * time.Millisecond
	DefaultDialTimeout = time.Second
)

// Prober polls an endpoint until a connection succeeds. The zero value uses
// the defaults above.
type Prober struct {
	Interval    time.Duration
	DialTimeout time.Duration
	Log         *logrus.Entry
}

// Await returns once host:port accepts a TCP connection, reporting the number
// of attempts made. Refused and timed-out dials are the expected "not yet"
// answer; only ctx ends the wait without success.
func (p Prober) Await(ctx context.Context, host string, port int) (int, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	dialTimeout := p.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	// Burst of one: the first attempt goes out immediately.
	limiter := rate.NewLimiter(rate.Every(interval), 1)
	dialer := net.Dialer{Timeout: dialTimeout}

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			// The limiter refuses early when the deadline falls before the
			// next token; no further attempt can happen either way.
			<-ctx.Done()
			return attempt - 1, ctx.Err()
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			if p.Log != nil {
				p.Log.WithFields(logrus.Fields{"addr": addr, "attempts": attempt}).Debug("endpoint ready")
			}
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if p.Log != nil && attempt%25 == 0 {
			p.Log.WithFields(logrus.Fields{"addr": addr, "attempts": attempt}).Debugf("still waiting: %v", err)
		}
	}
}
