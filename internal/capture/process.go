package capture

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"syscall"
)

// Process is a running recorder with its three standard streams attached.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Terminate asks the process to exit (SIGTERM where supported).
	Terminate() error
	Kill() error

	// Wait blocks until the process exits. It is only called after both
	// output streams have been drained.
	Wait() error
	Pid() int
}

// Launcher starts recorder processes.
type Launcher interface {
	Start(path string) (Process, error)
}

// ExecLauncher launches the recorder with os/exec. Args and Env are passed
// through to the command; a nil Env inherits the agent's environment.
type ExecLauncher struct {
	Args []string
	Env  []string
	Dir  string
}

func (l ExecLauncher) Start(path string) (Process, error) {
	cmd := exec.Command(path, l.Args...)
	cmd.Env = l.Env
	cmd.Dir = l.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create recorder stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create recorder stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create recorder stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder %q: %w", path, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

func (p *execProcess) Terminate() error {
	// Windows has no SIGTERM; a kill is the only way to stop the recorder.
	if runtime.GOOS == "windows" {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}
