package lsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a running language server as seen by its session.
// The session owns it exclusively and guarantees Kill or Wait on every exit path.
type Process interface {
	// Stdin receives JSON-RPC frames.
	Stdin() io.WriteCloser
	// Stdout yields JSON-RPC frames.
	Stdout() io.ReadCloser
	// Pid returns the OS process id, or 0 when unknown.
	Pid() int
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Spawner starts a server process for cfg.
type Spawner func(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Process, error)

// execProcess is a Process backed by os/exec.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// ExecSpawner starts the server command with the workspace root as working
// directory. Stderr is drained line by line into the debug log.
func ExecSpawner(ctx context.Context, cfg ServerConfig, logger *slog.Logger) (Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: empty command for %s", ErrNoServer, cfg.LanguageID)
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Command, err)
	}

	// Not CommandContext: the process must outlive the startup context.
	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.WorkspaceRoot
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	go drainStderr(stderr, logger.With("stream", "stderr", "pid", cmd.Process.Pid))
	return p, nil
}

func drainStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		logger.Debug(sc.Text())
	}
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.exited)
	})
	<-p.exited
	return p.waitErr
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// waitExit waits up to grace for proc to exit on its own, then kills it.
// It always reaps the process before returning.
func waitExit(proc Process, grace time.Duration) error {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-exited:
		return err
	case <-timer.C:
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("kill server: %w", err)
		}
		<-exited
		return nil
	}
}

// pipeCloser closes the process end of both JSON-RPC pipes.
type pipeCloser struct {
	proc Process
}

func (c pipeCloser) Close() error {
	return errors.Join(c.proc.Stdin().Close(), c.proc.Stdout().Close())
}
