// Package crawler owns crawler processes: building their command lines,
// spawning them, and stopping them with escalating signals.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"bytemomo/crawlbench/internal/domain"
	"bytemomo/crawlbench/internal/process"

	"github.com/sirupsen/logrus"
)

// DefaultEscalationWindow is how long each stop step waits for an exit
// before the next, harsher step.
const DefaultEscalationWindow = 3 * time.Second

// State of a supervised crawler.
type State int

const (
	NotStarted State = iota
	Running
	StopRequested
	EscalatedTerminate
	EscalatedKill
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case EscalatedTerminate:
		return "escalated-terminate"
	case EscalatedKill:
		return "escalated-kill"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errNotStarted = errors.New("crawler not started")

// Supervisor runs one crawler for one pair. It exclusively owns the process.
type Supervisor struct {
	Kind Kind
	Run  domain.RunContext

	// Console sinks for the crawler's output; nil means the parent's streams.
	Stdout io.Writer
	Stderr io.Writer

	InterruptWindow time.Duration
	TerminateWindow time.Duration

	// OnState is called on every transition while the supervisor's lock is
	// held; it must not call back into the supervisor.
	OnState func(from, to State)
	Log     *logrus.Entry

	mu         sync.Mutex
	state      State
	escalation domain.Escalation
	h          *process.Handle
}

// NewSupervisor prepares a supervisor for kind k on run rc.
func NewSupervisor(k Kind, rc domain.RunContext, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		Kind:            k,
		Run:             rc,
		InterruptWindow: DefaultEscalationWindow,
		TerminateWindow: DefaultEscalationWindow,
		Log:             log,
		escalation:      domain.EscalationNone,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Escalation returns the harshest stop step issued so far.
func (s *Supervisor) Escalation() domain.Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escalation == "" {
		return domain.EscalationNone
	}
	return s.escalation
}

// setState moves forward only; Exited is terminal.
func (s *Supervisor) setState(to State, step domain.Escalation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.state
	if from == Exited || to <= from {
		return
	}
	s.state = to
	if step != "" {
		s.escalation = step
	}
	if s.OnState != nil {
		s.OnState(from, to)
	}
}

// Start runs the kind's pre-spawn hook, builds its command and spawns it.
func (s *Supervisor) Start() error {
	const op = "crawler.start"

	s.mu.Lock()
	if s.state != NotStarted {
		s.mu.Unlock()
		return fmt.Errorf("%s: crawler %s already started", op, s.Kind.ID)
	}
	s.mu.Unlock()

	if s.Kind.Prepare != nil {
		if err := s.Kind.Prepare(s.Run); err != nil {
			return domain.E(op, domain.ErrSpawn, fmt.Errorf("prepare %s: %w", s.Kind.ID, err))
		}
	}
	cmd, err := s.Kind.Build(s.Run)
	if err != nil {
		return domain.E(op, domain.ErrSpawn, fmt.Errorf("build %s command: %w", s.Kind.ID, err))
	}

	h, err := process.Start(process.Spec{
		Argv:   cmd.Argv,
		Dir:    cmd.Dir,
		Env:    cmd.Env,
		LogDir: s.Run.ResultsDir,
		Stdout: s.Stdout,
		Stderr: s.Stderr,
	})
	if err != nil {
		return fmt.Errorf("crawler %s: %w", s.Kind.ID, err)
	}

	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
	s.Log = s.Log.WithField("pid", h.Pid())
	s.Log.WithFields(logrus.Fields{
		"argv": strings.Join(cmd.Argv, " "),
		"dir":  cmd.Dir,
	}).Info("crawler started")

	s.setState(Running, "")
	go func() {
		<-h.Exited()
		s.setState(Exited, "")
	}()
	return nil
}

func (s *Supervisor) handle() (*process.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return nil, errNotStarted
	}
	return s.h, nil
}

// Exited is closed once the crawler process has terminated.
func (s *Supervisor) Exited() <-chan struct{} {
	h, err := s.handle()
	if err != nil {
		return nil
	}
	return h.Exited()
}

// Wait blocks until the crawler has exited and its output is persisted.
func (s *Supervisor) Wait(ctx context.Context) (domain.ExitStatus, error) {
	h, err := s.handle()
	if err != nil {
		return domain.ExitStatus{}, err
	}
	return h.Wait(ctx)
}

// Stop asks the crawler to exit with its kind's graceful stop, then escalates
// to terminate and finally to kill, each after its window elapses. It returns
// once the crawler has exited. A crawler that cannot be killed is reported as
// domain.ErrEscalationExhausted.
func (s *Supervisor) Stop(ctx context.Context) (domain.ExitStatus, error) {
	const op = "crawler.stop"
	h, err := s.handle()
	if err != nil {
		return domain.ExitStatus{}, err
	}
	if _, done := h.Status(); done {
		return s.drain(ctx, h, s.window(s.InterruptWindow))
	}

	policy := s.Kind.Stop
	if policy.Repeat <= 0 {
		policy.Repeat = 1
	}

	s.setState(StopRequested, domain.EscalationInterrupt)
	for i := 0; i < policy.Repeat; i++ {
		if i > 0 {
			exited, err := s.within(ctx, h, policy.Interval)
			if err != nil {
				return domain.ExitStatus{}, err
			}
			if exited {
				return s.drain(ctx, h, s.window(s.InterruptWindow))
			}
		}
		if err := h.Signal(process.Interrupt); err != nil {
			s.Log.WithError(err).Warn("interrupt crawler")
		}
	}

	exited, err := s.within(ctx, h, policy.Linger+s.window(s.InterruptWindow))
	if err != nil {
		return domain.ExitStatus{}, err
	}
	if exited {
		return s.drain(ctx, h, s.window(s.InterruptWindow))
	}

	s.Log.Warn("crawler ignored interrupt, sending terminate")
	s.setState(EscalatedTerminate, domain.EscalationTerminate)
	if err := h.Signal(process.Terminate); err != nil {
		s.Log.WithError(err).Warn("terminate crawler")
	}
	exited, err = s.within(ctx, h, s.window(s.TerminateWindow))
	if err != nil {
		return domain.ExitStatus{}, err
	}
	if exited {
		return s.drain(ctx, h, s.window(s.TerminateWindow))
	}

	s.Log.Warn("crawler ignored terminate, killing")
	s.setState(EscalatedKill, domain.EscalationKill)
	if err := h.Kill(); err != nil {
		return domain.ExitStatus{}, domain.E(op, domain.ErrEscalationExhausted, err)
	}
	return h.Wait(ctx)
}

// drain waits up to window for the output of an exited crawler; window is
// that of the stop stage the crawler exited in. Descendants that still keep
// the pipes open after it are killed with the rest of its group.
func (s *Supervisor) drain(ctx context.Context, h *process.Handle, window time.Duration) (domain.ExitStatus, error) {
	waitCtx, cancel := context.WithTimeout(ctx, window)
	st, err := h.Wait(waitCtx)
	cancel()
	if err == nil || ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return st, err
	}
	s.Log.Warn("crawler exited but its descendants keep the output open, killing its group")
	if err := h.Kill(); err != nil {
		return st, domain.E("crawler.stop", domain.ErrEscalationExhausted, err)
	}
	return h.Wait(ctx)
}

func (s *Supervisor) window(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultEscalationWindow
	}
	return d
}

// within reports whether the process exits before d elapses.
func (s *Supervisor) within(ctx context.Context, h *process.Handle, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.Exited():
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
