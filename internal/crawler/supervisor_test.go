//go:build unix

package crawler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"bytemomo/crawlbench/internal/domain"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scriptKind(script string, stop StopPolicy) Kind {
	return Kind{
		ID: "script",
		Build: func(domain.RunContext) (Command, error) {
			return Command{Argv: []string{"/bin/sh", "-c", script}}, nil
		},
		Stop: stop,
	}
}

type transitions struct {
	mu  sync.Mutex
	got []State
}

func (tr *transitions) record(_, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, to)
}

func (tr *transitions) states() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.got...)
}

func newTestSupervisor(t *testing.T, k Kind) (*Supervisor, *transitions) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	sup := NewSupervisor(k, domain.RunContext{ResultsDir: t.TempDir(), URL: "http://dvwa/"}, logrus.NewEntry(log))
	sup.Stdout = io.Discard
	sup.Stderr = io.Discard
	tr := &transitions{}
	sup.OnState = tr.record
	return sup, tr
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSupervisor_RunToCompletion(t *testing.T) {
	sup, tr := newTestSupervisor(t, scriptKind("printf hello", DefaultStop))
	assert.Equal(t, NotStarted, sup.State())
	require.NoError(t, sup.Start())

	st, err := sup.Wait(stopCtx(t))
	require.NoError(t, err)
	assert.True(t, st.Success())

	out, err := os.ReadFile(filepath.Join(sup.Run.ResultsDir, domain.StdoutLogName))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	assert.Eventually(t, func() bool { return sup.State() == Exited }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []State{Running, Exited}, tr.states())
	assert.Equal(t, domain.EscalationNone, sup.Escalation())

	again, err := sup.Wait(stopCtx(t))
	require.NoError(t, err)
	assert.Equal(t, st, again)
}

func TestSupervisor_PromptExitOnInterrupt(t *testing.T) {
	sup, tr := newTestSupervisor(t, scriptKind(`trap 'exit 0' INT; while true; do sleep 0.1; done`, DefaultStop))
	require.NoError(t, sup.Start())
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	st, err := sup.Stop(stopCtx(t))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), DefaultEscalationWindow)
	assert.Equal(t, 0, st.Code)
	assert.Equal(t, domain.EscalationInterrupt, sup.Escalation())
	assert.Eventually(t, func() bool { return sup.State() == Exited }, time.Second, 10*time.Millisecond)
	assert.NotContains(t, tr.states(), EscalatedTerminate)
	assert.NotContains(t, tr.states(), EscalatedKill)
}

func TestSupervisor_RepeatedInterrupt(t *testing.T) {
	script := `n=0; trap 'n=$((n+1)); if [ $n -ge 2 ]; then exit 0; fi' INT; while true; do sleep 0.05; done`
	sup, tr := newTestSupervisor(t, scriptKind(script, StopPolicy{Repeat: 2, Interval: 300 * time.Millisecond}))
	sup.InterruptWindow = 2 * time.Second
	require.NoError(t, sup.Start())
	time.Sleep(200 * time.Millisecond)

	st, err := sup.Stop(stopCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Code, "second interrupt must end the crawler")
	assert.NotContains(t, tr.states(), EscalatedTerminate)
}

func TestSupervisor_EscalatesToTerminate(t *testing.T) {
	sup, tr := newTestSupervisor(t, scriptKind(`trap "" INT; while true; do sleep 0.1; done`, DefaultStop))
	sup.InterruptWindow = 300 * time.Millisecond
	sup.TerminateWindow = 2 * time.Second
	require.NoError(t, sup.Start())
	time.Sleep(200 * time.Millisecond)

	st, err := sup.Stop(stopCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "terminated", st.Signal)
	assert.Equal(t, domain.EscalationTerminate, sup.Escalation())
	assert.Contains(t, tr.states(), EscalatedTerminate)
	assert.NotContains(t, tr.states(), EscalatedKill)
}

func TestSupervisor_DrainUsesTerminateWindow(t *testing.T) {
	// On terminate the crawler hands its stdout to a helper that finishes
	// writing after the interrupt window but well within the terminate window.
	script := `trap "" INT; trap '(sleep 1; printf late) & exit 0' TERM; while true; do sleep 0.05; done`
	sup, _ := newTestSupervisor(t, scriptKind(script, DefaultStop))
	sup.InterruptWindow = 300 * time.Millisecond
	sup.TerminateWindow = 3 * time.Second
	require.NoError(t, sup.Start())
	time.Sleep(200 * time.Millisecond)

	st, err := sup.Stop(stopCtx(t))
	require.NoError(t, err)
	assert.True(t, st.Success())
	assert.Equal(t, domain.EscalationTerminate, sup.Escalation())

	out, err := os.ReadFile(filepath.Join(sup.Run.ResultsDir, domain.StdoutLogName))
	require.NoError(t, err)
	assert.Equal(t, "late", string(out))
}

func TestSupervisor_KillAfterBothWindows(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the full 6s escalation")
	}
	sup, tr := newTestSupervisor(t, scriptKind(`trap "" INT TERM; while true; do sleep 1; done`, DefaultStop))
	require.NoError(t, sup.Start())
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	st, err := sup.Stop(stopCtx(t))
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, elapsed, 2*DefaultEscalationWindow)
	assert.Less(t, elapsed, 2*DefaultEscalationWindow+2*time.Second)
	assert.Equal(t, "killed", st.Signal)
	assert.Equal(t, domain.EscalationKill, sup.Escalation())

	assert.Eventually(t, func() bool { return sup.State() == Exited }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []State{Running, StopRequested, EscalatedTerminate, EscalatedKill, Exited}, tr.states())
}

func TestSupervisor_LingerDelaysTerminate(t *testing.T) {
	sup, tr := newTestSupervisor(t, scriptKind(`trap "" INT; while true; do sleep 0.1; done`, StopPolicy{Repeat: 1, Linger: 500 * time.Millisecond}))
	sup.InterruptWindow = 200 * time.Millisecond
	require.NoError(t, sup.Start())
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	_, err := sup.Stop(stopCtx(t))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 700*time.Millisecond)
	assert.Contains(t, tr.states(), EscalatedTerminate)
}

func TestSupervisor_StopAfterExit(t *testing.T) {
	sup, tr := newTestSupervisor(t, scriptKind("exit 4", DefaultStop))
	require.NoError(t, sup.Start())
	_, err := sup.Wait(stopCtx(t))
	require.NoError(t, err)

	st, err := sup.Stop(stopCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 4, st.Code)
	assert.Equal(t, domain.EscalationNone, sup.Escalation())
	assert.NotContains(t, tr.states(), StopRequested)
}

func TestSupervisor_StartErrors(t *testing.T) {
	sup, _ := newTestSupervisor(t, Kind{
		ID: "missing",
		Build: func(domain.RunContext) (Command, error) {
			return Command{Argv: []string{"/nonexistent/crawler"}}, nil
		},
	})
	err := sup.Start()
	assert.ErrorIs(t, err, domain.ErrSpawn)
	assert.Equal(t, NotStarted, sup.State())

	_, err = sup.Stop(stopCtx(t))
	assert.Error(t, err)

	prepErr := errors.New("template missing")
	sup, _ = newTestSupervisor(t, Kind{
		ID:      "prep",
		Prepare: func(domain.RunContext) error { return prepErr },
		Build:   scriptKind("true", DefaultStop).Build,
	})
	err = sup.Start()
	assert.ErrorIs(t, err, domain.ErrSpawn)
	assert.ErrorIs(t, err, prepErr)
}

func TestSupervisor_StartTwice(t *testing.T) {
	sup, _ := newTestSupervisor(t, scriptKind("true", DefaultStop))
	require.NoError(t, sup.Start())
	assert.Error(t, sup.Start())
	_, err := sup.Wait(stopCtx(t))
	require.NoError(t, err)
}
