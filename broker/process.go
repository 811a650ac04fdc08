package broker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Process is a running kernel.
type Process interface {
	// Done is closed once the kernel has exited.
	Done() <-chan struct{}
	// Result is only valid after Done is closed.
	Result() ProcessResult
	Kill()
}

type ProcessResult struct {
	ExitCode int
	Err      error
	Duration time.Duration
}

func (r ProcessResult) Failed() bool { return r.ExitCode != 0 || r.Err != nil }

func (r ProcessResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("exit code %d: %s", r.ExitCode, r.Err)
	}
	return fmt.Sprintf("exit code %d", r.ExitCode)
}

type processRequest struct {
	Command []string
	Env     []string
	Dir     string
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	result ProcessResult
}

// startExec starts an OS process whose output is logged line by line.
func startExec(log *zap.SugaredLogger, req processRequest) (*execProcess, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	cmd.Dir = req.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); logLines(log, "stdout", stdout) }()
	go func() { defer wg.Done(); logLines(log, "stderr", stderr) }()

	go func() {
		// the pipes must be drained before Wait closes them
		wg.Wait()
		err := cmd.Wait()
		res := ProcessResult{Duration: time.Since(start)}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.Err = err
				res.ExitCode = -1
			}
		}
		p.result = res
		close(p.done)
	}()

	return p, nil
}

func logLines(log *zap.SugaredLogger, stream string, r io.Reader) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		log.Infow("kernel output", "Stream", stream, "Line", s.Text())
	}
	if err := s.Err(); err != nil {
		log.Debugw("reading kernel output", "Stream", stream, "Error", err)
	}
}

func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Result() ProcessResult { return p.result }

func (p *execProcess) Kill() {
	select {
	case <-p.done:
	default:
		p.cmd.Process.Kill()
	}
}

// goroutineProcess runs an in-process kernel.
type goroutineProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
	result ProcessResult
}

func startGoroutine(ctx context.Context, run func(ctx context.Context) error) *goroutineProcess {
	ctx, cancel := context.WithCancel(ctx)
	p := &goroutineProcess{cancel: cancel, done: make(chan struct{})}
	start := time.Now()
	go func() {
		defer cancel()
		err := run(ctx)
		res := ProcessResult{Duration: time.Since(start)}
		if err != nil {
			res.ExitCode = 1
			res.Err = err
		}
		p.result = res
		close(p.done)
	}()
	return p
}

func (p *goroutineProcess) Done() <-chan struct{} { return p.done }
func (p *goroutineProcess) Result() ProcessResult { return p.result }
func (p *goroutineProcess) Kill()                 { p.cancel() }
