package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type transitionLog struct {
	mu    sync.Mutex
	moves []string
}

func (l *transitionLog) record(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, string(from)+"->"+string(to))
}

func TestRunSuccessCapturesStdout(t *testing.T) {
	script := writeScript(t, `shift; echo "args:$*"`)
	log := &transitionLog{}

	r := New(Config{Command: "/bin/sh", Timeout: 5 * time.Second, OnTransition: log.record}, zerolog.Nop())
	res, err := r.Run(context.Background(), []string{script, "in.png", "out.png", "1080", "1080", "0", "none"})
	require.NoError(t, err)

	require.Equal(t, StateExitedOK, res.State)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "args:out.png 1080 1080 0 none\n", res.Stdout)
	require.Empty(t, res.Stderr)
	require.Equal(t, []string{"not_started->running", "running->exited_ok"}, log.moves)
}

func TestRunNonzeroExitIsNotAnError(t *testing.T) {
	script := writeScript(t, `echo "partial" ; echo "cannot read image" >&2 ; exit 3`)
	log := &transitionLog{}

	r := New(Config{Command: "/bin/sh", OnTransition: log.record}, zerolog.Nop())
	res, err := r.Run(context.Background(), []string{script})
	require.NoError(t, err)

	require.Equal(t, StateExitedError, res.State)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "partial\n", res.Stdout)
	require.Equal(t, "cannot read image\n", res.Stderr)
	require.Equal(t, []string{"not_started->running", "running->exited_error"}, log.moves)
}

func TestRunAccumulatesChunkedOutput(t *testing.T) {
	script := writeScript(t, strings.Join([]string{
		`printf 'al'`,
		`sleep 0.05`,
		`printf 'pha'`,
		`printf 'e' >&2`,
		`sleep 0.05`,
		`printf 'rr' >&2`,
		`printf '\nbeta'`,
	}, "\n"))

	r := New(Config{Command: "/bin/sh"}, zerolog.Nop())
	res, err := r.Run(context.Background(), []string{script})
	require.NoError(t, err)

	require.Equal(t, "alpha\nbeta", res.Stdout)
	require.Equal(t, "err", res.Stderr)
}

func TestRunExecutesProgramDirectlyWithoutCommand(t *testing.T) {
	script := writeScript(t, `echo "direct $1"`)

	r := New(Config{}, zerolog.Nop())
	res, err := r.Run(context.Background(), []string{script, "ok"})
	require.NoError(t, err)
	require.Equal(t, "direct ok\n", res.Stdout)
}

func TestRunTimeoutKillsWorker(t *testing.T) {
	script := writeScript(t, `echo "loading" >&2 ; sleep 30 ; echo "never"`)

	r := New(Config{Command: "/bin/sh", Timeout: 200 * time.Millisecond, WaitDelay: time.Second}, zerolog.Nop())

	started := time.Now()
	res, err := r.Run(context.Background(), []string{script})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(started), 10*time.Second)

	require.Equal(t, StateExitedError, res.State)
	require.Equal(t, -1, res.ExitCode)
	require.Equal(t, "loading\n", res.Stderr)
	require.NotContains(t, res.Stdout, "never")
}

func TestRunZeroExitSurvivesLateDeadline(t *testing.T) {
	// The background sleep keeps stdout open, so Wait drains past the timeout
	// even though the worker itself already exited 0.
	script := writeScript(t, `(sleep 3 &) ; echo "done"`)

	r := New(Config{Command: "/bin/sh", Timeout: 300 * time.Millisecond, WaitDelay: time.Second}, zerolog.Nop())
	res, err := r.Run(context.Background(), []string{script})
	require.NoError(t, err)
	require.Equal(t, StateExitedOK, res.State)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "done\n", res.Stdout)
	require.GreaterOrEqual(t, res.Duration, 300*time.Millisecond)
}

func TestExitedCleanly(t *testing.T) {
	require.True(t, exitedCleanly(0, nil))
	require.True(t, exitedCleanly(0, exec.ErrWaitDelay))
	require.False(t, exitedCleanly(0, context.DeadlineExceeded))
	require.False(t, exitedCleanly(2, nil))
	require.False(t, exitedCleanly(-1, exec.ErrWaitDelay))
}

func TestRunCanceledByCaller(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	r := New(Config{Command: "/bin/sh", WaitDelay: time.Second}, zerolog.Nop())
	res, err := r.Run(ctx, []string{script})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrTimeout))
	require.Equal(t, StateExitedError, res.State)
}

func TestRunLaunchFailureStaysNotStarted(t *testing.T) {
	r := New(Config{Command: filepath.Join(t.TempDir(), "missing-interpreter")}, zerolog.Nop())

	res, err := r.Run(context.Background(), []string{"script.py"})
	require.Error(t, err)
	require.Equal(t, StateNotStarted, res.State)
}

func TestRunRequiresArgs(t *testing.T) {
	r := New(Config{}, zerolog.Nop())
	_, err := r.Run(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoArgs)
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateNotStarted, StateRunning, true},
		{StateNotStarted, StateExitedOK, false},
		{StateRunning, StateExitedOK, true},
		{StateRunning, StateExitedError, true},
		{StateRunning, StateNotStarted, false},
		{StateExitedOK, StateRunning, false},
		{StateExitedError, StateExitedOK, false},
	}
	for _, tt := range tests {
		require.Equalf(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}

	require.True(t, StateExitedOK.Terminal())
	require.False(t, StateRunning.Terminal())
}
