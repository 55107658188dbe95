package bridge

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process is a running worker: its three standard streams plus lifecycle
// controls. Wait must only be called once stdout and stderr have been drained.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	Kill() error
	Wait() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// CommandLauncher starts the worker as a child process.
type CommandLauncher struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Launch starts the command. The process is intentionally not bound to ctx:
// it outlives the Initialize call that spawned it.
func (l CommandLauncher) Launch(context.Context) (Process, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("bridge: worker command required")
	}
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("bridge: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("bridge: start %s: %w", l.Command, err)
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

func (p *execProcess) Kill() error {
	if p.cmd.ProcessState != nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
