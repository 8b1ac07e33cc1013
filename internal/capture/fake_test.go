package capture

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticResolver string

func (r staticResolver) Resolve() (string, error) { return string(r), nil }

type failingResolver struct{ err error }

func (r failingResolver) Resolve() (string, error) { return "", r.err }

// fakeHandler reacts to one command read from the agent. It runs on the fake
// recorder's read loop, so it may hold commands and answer them later.
type fakeHandler func(f *fakeProcess, cmd Command)

// defaultHandler answers init and getChannels and succeeds everything else.
func defaultHandler(f *fakeProcess, cmd Command) {
	switch cmd.Name {
	case CommandGetChannels:
		f.respond(cmd.ID, "success", map[string]any{
			"channels": []map[string]string{
				{"channel_id": "mic:default", "name": "Built-in Microphone", "type": "audio"},
				{"channel_id": "display:1", "name": "Main Display", "type": "video"},
			},
		})
	default:
		f.respond(cmd.ID, "success", map[string]any{})
	}
}

// fakeProcess is an in-memory recorder speaking the line protocol over pipes.
type fakeProcess struct {
	pid     int
	handler fakeHandler

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	// stubborn ignores stdin EOF and Terminate; only Kill stops it.
	stubborn bool

	outMu    sync.Mutex
	mu       sync.Mutex
	commands []Command

	exitOnce   sync.Once
	done       chan struct{}
	terminated atomic.Bool
	killed     atomic.Bool
}

func newFakeProcess(pid int, handler fakeHandler) *fakeProcess {
	if handler == nil {
		handler = defaultHandler
	}
	f := &fakeProcess{pid: pid, handler: handler, done: make(chan struct{})}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	f.stderrR, f.stderrW = io.Pipe()
	return f
}

func (f *fakeProcess) run() {
	scanner := bufio.NewScanner(f.stdinR)
	for scanner.Scan() {
		cmd, err := ParseCommand(scanner.Bytes())
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()
		f.handler(f, cmd)
	}
	if !f.stubborn {
		f.exit()
	}
}

func (f *fakeProcess) exit() {
	f.exitOnce.Do(func() {
		_ = f.stdinR.CloseWithError(io.ErrClosedPipe)
		_ = f.stdoutW.Close()
		_ = f.stderrW.Close()
		close(f.done)
	})
}

func (f *fakeProcess) exited() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeProcess) writeLine(line string) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	_, _ = io.WriteString(f.stdoutW, line+"\n")
}

func (f *fakeProcess) writeFrame(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.writeLine(FramePrefix + string(body))
}

func (f *fakeProcess) respond(id, status string, result any) {
	f.writeFrame(map[string]any{
		"type":      "response",
		"commandId": id,
		"status":    status,
		"result":    result,
	})
}

func (f *fakeProcess) emit(name string, fields map[string]any) {
	frame := map[string]any{"type": "event", "event": name}
	for k, v := range fields {
		frame[k] = v
	}
	f.writeFrame(frame)
}

func (f *fakeProcess) logStderr(line string) {
	_, _ = io.WriteString(f.stderrW, line+"\n")
}

// received returns the commands read so far.
func (f *fakeProcess) received() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

func (f *fakeProcess) receivedNamed(name string) []Command {
	var out []Command
	for _, cmd := range f.received() {
		if cmd.Name == name {
			out = append(out, cmd)
		}
	}
	return out
}

func (f *fakeProcess) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeProcess) Stdout() io.Reader     { return f.stdoutR }
func (f *fakeProcess) Stderr() io.Reader     { return f.stderrR }
func (f *fakeProcess) Pid() int              { return f.pid }

func (f *fakeProcess) Terminate() error {
	if f.exited() {
		return os.ErrProcessDone
	}
	f.terminated.Store(true)
	if !f.stubborn {
		f.exit()
	}
	return nil
}

func (f *fakeProcess) Kill() error {
	if f.exited() {
		return os.ErrProcessDone
	}
	f.killed.Store(true)
	f.exit()
	return nil
}

func (f *fakeProcess) Wait() error {
	<-f.done
	return nil
}

// fakeLauncher starts fakeProcess recorders and remembers each one.
type fakeLauncher struct {
	handler  fakeHandler
	stubborn bool
	startErr error

	mu    sync.Mutex
	procs []*fakeProcess
	paths []string
}

func (l *fakeLauncher) Start(path string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.paths = append(l.paths, path)
	if l.startErr != nil {
		return nil, l.startErr
	}
	f := newFakeProcess(1000+len(l.procs), l.handler)
	f.stubborn = l.stubborn
	l.procs = append(l.procs, f)
	go f.run()
	return f, nil
}

func (l *fakeLauncher) starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		panic(fmt.Sprintf("fake recorder %d was never started", i))
	}
	return l.procs[i]
}

var errFakeSpawn = errors.New("exec format error")
