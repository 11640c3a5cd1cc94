// Package supervisor runs external commands (database restart and status
// commands) in their own process group so the whole tree can be stopped.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Supervisor owns one child process and its descendants.
type Supervisor struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	waitErr error
}

// New prepares cmd to run in a new process group.
func New(cmd *exec.Cmd) *Supervisor {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	return &Supervisor{cmd: cmd, done: make(chan struct{})}
}

func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor: already started")
	}
	if err := s.cmd.Start(); err != nil {
		return err
	}
	s.started = true
	go func() {
		err := s.cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed when the direct child has exited and been reaped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Wait blocks until the child exits and returns its exit error.
func (s *Supervisor) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

// Stop sends SIGTERM to the process group, then SIGKILL after grace. The
// group is killed even when the direct child already exited, so orphaned
// descendants do not survive. Safe to call repeatedly.
func (s *Supervisor) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pgid := s.cmd.Process.Pid
	s.mu.Unlock()

	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	select {
	case <-s.done:
	case <-time.After(grace):
	}
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %d: %w", pgid, err)
	}
	<-s.done
	return nil
}

// TrapSignals stops the process tree when one of sigs arrives, then calls
// onSignal (if set). The returned func removes the trap.
func (s *Supervisor) TrapSignals(grace time.Duration, onSignal func(os.Signal), sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			_ = s.Stop(grace)
			if onSignal != nil {
				onSignal(sig)
			}
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

// CommandError carries the output of a failed command.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%q: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%q: %v: %s", e.Command, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

const stopGrace = 5 * time.Second

// RunCommand runs command through /bin/sh and returns its combined output.
// The process tree is stopped when ctx ends or timeout elapses.
func RunCommand(ctx context.Context, command string, timeout time.Duration) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = stopGrace

	s := New(cmd)
	if err := s.Start(); err != nil {
		return "", &CommandError{Command: command, Err: err}
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-s.Done():
		if err := s.Wait(); err != nil {
			return out.String(), &CommandError{Command: command, Output: trim(out.String()), Err: err}
		}
		return out.String(), nil
	case <-timer:
		_ = s.Stop(stopGrace)
		return out.String(), &CommandError{Command: command, Output: trim(out.String()), Err: fmt.Errorf("timed out after %s", timeout)}
	case <-ctx.Done():
		_ = s.Stop(stopGrace)
		return out.String(), &CommandError{Command: command, Output: trim(out.String()), Err: ctx.Err()}
	}
}

func trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[len(s)-512:]
	}
	return s
}
