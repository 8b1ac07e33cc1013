package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// instance is one spawned recorder process together with the protocol
// state that belongs to it. A dead instance is never revived.
type instance struct {
	proc    Process
	logger  *slog.Logger
	pending *correlator
	events  *eventQueue

	writeMu sync.Mutex
	stdin   *bufio.Writer

	stdoutDone chan struct{}
	exited     chan struct{}
	exitErr    error
}

func startInstance(proc Process, events *eventQueue, logger *slog.Logger, onExit func(*instance)) *instance {
	inst := &instance{
		proc:       proc,
		logger:     logger.With("pid", proc.Pid()),
		pending:    newCorrelator(),
		events:     events,
		stdin:      bufio.NewWriter(proc.Stdin()),
		stdoutDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(inst.readStdout)
	g.Go(inst.readStderr)

	go func() {
		if err := g.Wait(); err != nil {
			inst.logger.Warn("recorder output reader stopped", "error", err)
		}
		inst.exitErr = inst.proc.Wait()
		inst.logger.Info("recorder process exited", "error", inst.exitErr)
		close(inst.exited)
		if onExit != nil {
			onExit(inst)
		}
	}()

	return inst
}

func (i *instance) alive() bool {
	select {
	case <-i.stdoutDone:
		return false
	default:
		return true
	}
}

// send writes one command and waits for its response. The pending slot is
// removed on every return path. Cancelling ctx abandons the wait only; the
// recorder may still act on a command that was already written.
func (i *instance) send(ctx context.Context, command string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	line, err := EncodeCommand(command, id, params)
	if err != nil {
		return nil, err
	}

	done, err := i.pending.register(id, command)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	defer i.pending.remove(id)

	if err := i.write(line); err != nil {
		return nil, fmt.Errorf("send %s: %w: %w", command, ErrProcessExited, err)
	}
	i.logger.Debug("recorder command sent", "command", command, "command_id", id)

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("await %s: %w", command, ctx.Err())
	}
}

func (i *instance) write(line []byte) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	if _, err := i.stdin.Write(line); err != nil {
		return err
	}
	return i.stdin.Flush()
}

func (i *instance) closeStdin() {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	_ = i.proc.Stdin().Close()
}

func (i *instance) readStdout() error {
	defer close(i.stdoutDone)

	scanner := newScanner(i.proc.Stdout())
	for scanner.Scan() {
		i.dispatch(scanner.Bytes())
	}
	err := scanner.Err()

	if n := i.pending.failAll(ErrProcessExited); n > 0 {
		i.logger.Warn("failed pending recorder commands", "count", n)
	}

	if err != nil {
		// The recorder can no longer be heard; make sure it goes away too.
		_ = i.proc.Kill()
		return fmt.Errorf("read recorder stdout: %w", err)
	}
	return nil
}

func (i *instance) dispatch(line []byte) {
	frame, err := DecodeFrame(line)
	if err != nil {
		i.logger.Error("failed to parse recorder message", "error", err)
		return
	}

	switch f := frame.(type) {
	case nil:
	case Response:
		if !i.pending.resolve(f) {
			i.logger.Debug("response for unknown command", "command_id", f.CommandID)
		}
	case Event:
		if i.events.push(f) {
			i.logger.Warn("event queue full, dropped oldest event", "event", f.Name)
		}
	case Unrecognized:
		i.logger.Warn("unrecognized recorder message", "type", f.Type)
	}
}

func (i *instance) readStderr() error {
	scanner := newScanner(i.proc.Stderr())
	for scanner.Scan() {
		i.logger.Debug("recorder stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read recorder stderr: %w", err)
	}
	return nil
}

// terminate signals the process, escalating to kill when it does not exit
// within grace.
func (i *instance) terminate(grace time.Duration) error {
	select {
	case <-i.exited:
		return nil
	default:
	}

	if err := i.proc.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		i.logger.Debug("terminate recorder", "error", err)
	}
	if waitClosed(i.exited, grace) {
		return nil
	}

	i.logger.Warn("recorder ignored terminate, killing")
	if err := i.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		i.logger.Debug("kill recorder", "error", err)
	}
	if waitClosed(i.exited, grace) {
		return nil
	}
	return fmt.Errorf("recorder pid %d did not exit after kill", i.proc.Pid())
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

type supervisorConfig struct {
	path            string
	apiURL          string
	launcher        Launcher
	events          *eventQueue
	logger          *slog.Logger
	initTimeout     time.Duration
	shutdownTimeout time.Duration
	killTimeout     time.Duration
	onExit          func(*instance)
}

// supervisor owns the recorder process lifecycle: spawn on demand, the init
// handshake, and graceful-then-forced shutdown.
type supervisor struct {
	cfg supervisorConfig

	// startMu serializes spawn and shutdown so concurrent callers never
	// start two recorders.
	startMu sync.Mutex

	mu      sync.Mutex
	current *instance

	spawns atomic.Int64
}

func newSupervisor(cfg supervisorConfig) *supervisor {
	return &supervisor{cfg: cfg}
}

func (s *supervisor) live() *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.alive() {
		return s.current
	}
	return nil
}

func (s *supervisor) running() bool {
	return s.live() != nil
}

// ensureRunning returns the live recorder, spawning and initializing one
// when none is running.
func (s *supervisor) ensureRunning(ctx context.Context) (*instance, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if inst := s.live(); inst != nil {
		return inst, nil
	}

	proc, err := s.cfg.launcher.Start(s.cfg.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	s.spawns.Add(1)
	s.cfg.logger.Info("recorder process started", "path", s.cfg.path, "pid", proc.Pid())

	inst := startInstance(proc, s.cfg.events, s.cfg.logger, s.cfg.onExit)
	s.mu.Lock()
	s.current = inst
	s.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.initTimeout)
	defer cancel()

	if _, err := inst.send(initCtx, CommandInit, map[string]string{"apiUrl": s.cfg.apiURL}); err != nil {
		s.cfg.logger.Error("recorder init failed", "error", err)
		_ = inst.terminate(s.cfg.killTimeout)
		s.clear(inst)
		return nil, fmt.Errorf("initialize recorder: %w", err)
	}
	return inst, nil
}

func (s *supervisor) clear(inst *instance) {
	s.mu.Lock()
	if s.current == inst {
		s.current = nil
	}
	s.mu.Unlock()
}

// shutdown asks the recorder to exit, falls back to terminate and kill, and
// always clears the handle so a later command spawns a fresh process.
func (s *supervisor) shutdown(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	inst := s.current
	s.mu.Unlock()
	if inst == nil {
		return nil
	}
	defer s.clear(inst)

	if inst.alive() {
		graceCtx, cancel := context.WithTimeout(ctx, s.cfg.shutdownTimeout)
		if _, err := inst.send(graceCtx, CommandShutdown, nil); err != nil {
			s.cfg.logger.Debug("graceful recorder shutdown failed", "error", err)
		}
		inst.closeStdin()
		select {
		case <-inst.exited:
		case <-graceCtx.Done():
		}
		cancel()
	}

	if err := inst.terminate(s.cfg.killTimeout); err != nil {
		return err
	}
	s.cfg.logger.Info("recorder shut down")
	return nil
}
