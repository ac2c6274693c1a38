package isolate

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ProcessIsolate spawns workers as bare child processes via os/exec. It is
// the isolate used for types.Application values that set Executable rather
// than Image.
type ProcessIsolate struct{}

// NewProcessIsolate constructs a process-backed isolate. There is no
// per-instance state to hold; every Spawn call is independent.
func NewProcessIsolate() *ProcessIsolate { return &ProcessIsolate{} }

func (p *ProcessIsolate) Close() error { return nil }

func (p *ProcessIsolate) Spawn(ctx context.Context, spec Spec) (Spawned, error) {
	if spec.Executable == "" {
		return nil, fmt.Errorf("isolate: process spawn requires an executable path")
	}

	endpoint := filepath.Join(spec.EndpointDir, spec.UUID+".sock")

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env, "HOSTSTACK_UUID="+spec.UUID, "HOSTSTACK_ENDPOINT="+endpoint)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGTERM}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("isolate: output pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW
	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("isolate: spawn %s: %w", spec.Executable, err)
	}
	// The write end must be closed in this process too, or reads on outR
	// never see EOF once the child exits (the fd stays open via our copy).
	outW.Close()
	stdout := io.ReadCloser(outR)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return &processHandle{
		cmd:      cmd,
		endpoint: endpoint,
		stdout:   stdout,
		done:     done,
	}, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	endpoint string
	stdout   io.ReadCloser
	done     chan error

	mu       sync.Mutex
	waited   bool
	waitErr  error
}

func (h *processHandle) ID() string       { return fmt.Sprintf("%d", h.cmd.Process.Pid) }
func (h *processHandle) Endpoint() string { return h.endpoint }
func (h *processHandle) Stdout() io.ReadCloser { return h.stdout }

func (h *processHandle) Wait(ctx context.Context) error {
	h.mu.Lock()
	if h.waited {
		err := h.waitErr
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	select {
	case err := <-h.done:
		h.mu.Lock()
		h.waited, h.waitErr = true, err
		h.mu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate signals the process group (not just the leader) so that a
// worker which has forked helpers does not leave them behind. It escalates
// to SIGKILL if the process has not exited by killAfter.
func (h *processHandle) Terminate(ctx context.Context, killAfter time.Duration) error {
	pgid := h.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("isolate: sigterm pgid %d: %w", pgid, err)
	}

	killTimer := time.AfterFunc(killAfter, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
	defer killTimer.Stop()

	waitCtx := ctx
	if killAfter > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, killAfter+time.Second)
		defer cancel()
	}
	err := h.Wait(waitCtx)
	if err == context.DeadlineExceeded {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		err = h.Wait(context.Background())
	}
	var exitErr *exec.ExitError
	if err == nil || asExitError(err, &exitErr) {
		return nil
	}
	return err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
