// Package runner launches the external transformation worker and reports how
// it ended.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultWaitDelay = 5 * time.Second

var (
	ErrTimeout  = errors.New("worker timed out")
	ErrNoArgs   = errors.New("worker argument list is empty")
	errBadState = errors.New("invalid worker state transition")
)

type Config struct {
	// Command is the interpreter used to run the worker program. When empty the
	// first argument is executed directly.
	Command string
	// Timeout bounds one invocation. Zero disables the bound.
	Timeout time.Duration
	// WaitDelay is how long output pipes may stay open after the worker was
	// killed.
	WaitDelay time.Duration
	// OnTransition observes every state change.
	OnTransition func(from, to State)
}

type Runner struct {
	command      string
	timeout      time.Duration
	waitDelay    time.Duration
	onTransition func(from, to State)
	logger       zerolog.Logger
}

// Result is what an invocation produced by the time it reached a terminal
// state.
type Result struct {
	State    State
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func New(cfg Config, logger zerolog.Logger) *Runner {
	waitDelay := cfg.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}
	return &Runner{
		command:      strings.TrimSpace(cfg.Command),
		timeout:      cfg.Timeout,
		waitDelay:    waitDelay,
		onTransition: cfg.OnTransition,
		logger:       logger.With().Str("component", "runner").Logger(),
	}
}

// Run launches the worker with args and blocks until it exits, the timeout
// fires, or ctx is canceled. A nonzero exit is reported through Result.State
// and is not an error. Errors are returned only when the worker could not be
// launched or was killed before finishing; in the latter case Result still
// carries the partial output.
func (r *Runner) Run(ctx context.Context, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{State: StateNotStarted}, ErrNoArgs
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, r.timeout, ErrTimeout)
		defer cancel()
	}

	name, argv := args[0], args[1:]
	if r.command != "" {
		name, argv = r.command, args
	}

	inv := &invocation{state: StateNotStarted, observe: r.onTransition}
	stdout := &streamBuffer{stream: "stdout", logger: r.logger}
	stderr := &streamBuffer{stream: "stderr", logger: r.logger}

	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay
	configureProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{State: inv.state}, fmt.Errorf("start worker: %w", err)
	}
	if err := inv.transition(StateRunning); err != nil {
		return Result{State: inv.state}, err
	}
	r.logger.Debug().Int("pid", cmd.Process.Pid).Str("program", name).Msg("worker started")

	waitErr := cmd.Wait()

	res := Result{
		ExitCode: exitCode(cmd, waitErr),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	// A worker that exited 0 succeeded even if the deadline passed while its
	// pipes were draining.
	if exitedCleanly(res.ExitCode, waitErr) {
		if waitErr != nil {
			r.logger.Warn().Err(waitErr).Msg("worker left output pipes open after exiting")
		}
		if err := inv.transition(StateExitedOK); err != nil {
			return res, err
		}
		res.State = inv.state
		return res, nil
	}

	if err := inv.transition(StateExitedError); err != nil {
		return res, err
	}
	res.State = inv.state

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		if errors.Is(context.Cause(ctx), ErrTimeout) {
			return res, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		}
		return res, fmt.Errorf("worker interrupted: %w", ctxErr)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait for worker: %w", waitErr)
	}
	return res, nil
}

// exitedCleanly reports a zero exit. ErrWaitDelay only means a descendant
// held the output pipes after the worker itself was done.
func exitedCleanly(code int, waitErr error) bool {
	return code == 0 && (waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay))
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

type invocation struct {
	state   State
	observe func(from, to State)
}

func (i *invocation) transition(to State) error {
	if !i.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", errBadState, i.state, to)
	}
	from := i.state
	i.state = to
	if i.observe != nil {
		i.observe(from, to)
	}
	return nil
}

// streamBuffer accumulates one output stream. exec feeds it from its own
// goroutine in arbitrarily sized chunks.
type streamBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	stream string
	logger zerolog.Logger
}

func (b *streamBuffer) Write(p []byte) (int, error) {
	b.logger.Debug().Str("stream", b.stream).Bytes("chunk", p).Msg("worker output")

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *streamBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
