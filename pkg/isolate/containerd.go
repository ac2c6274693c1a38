package isolate

import (
	"context"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
)

// DefaultNamespace is the containerd namespace hoststackd operates in.
const DefaultNamespace = "hoststack"

// ContainerdIsolate spawns workers as containerd tasks. It is the isolate
// used for types.Application values that set Image.
type ContainerdIsolate struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdIsolate dials the containerd socket. socketPath defaults to
// /run/containerd/containerd.sock when empty.
func NewContainerdIsolate(socketPath string) (*ContainerdIsolate, error) {
	if socketPath == "" {
		socketPath = "/run/containerd/containerd.sock"
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("isolate: connect to containerd: %w", err)
	}
	return &ContainerdIsolate{client: client, namespace: DefaultNamespace}, nil
}

func (c *ContainerdIsolate) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *ContainerdIsolate) Spawn(ctx context.Context, spec Spec) (Spawned, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("isolate: containerd spawn requires an image reference")
	}
	ctx = namespaces.WithNamespace(ctx, c.namespace)

	image, err := c.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = c.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return nil, fmt.Errorf("isolate: pull image %s: %w", spec.Image, err)
		}
	}

	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "HOSTSTACK_UUID="+spec.UUID, "HOSTSTACK_ENDPOINT=/endpoint.sock")

	id := spec.Name + "-" + spec.UUID
	container, err := c.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(oci.WithImageConfig(image), oci.WithEnv(env), oci.WithProcessArgs(spec.Args...)),
	)
	if err != nil {
		return nil, fmt.Errorf("isolate: create container %s: %w", id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("isolate: create task for %s: %w", id, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("isolate: wait-register task for %s: %w", id, err)
	}

	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("isolate: start task for %s: %w", id, err)
	}

	return &containerdHandle{
		ctx:       ctx,
		container: container,
		task:      task,
		statusC:   statusC,
		endpoint:  spec.EndpointDir + "/" + spec.UUID + ".sock",
	}, nil
}

type containerdHandle struct {
	ctx       context.Context
	container containerd.Container
	task      containerd.Task
	statusC   <-chan containerd.ExitStatus
	endpoint  string
}

func (h *containerdHandle) ID() string       { return h.container.ID() }
func (h *containerdHandle) Endpoint() string { return h.endpoint }

// Stdout reports EOF immediately: the task runs under cio.NullIO, so its
// output is not captured and containerd workers have no crashlog lines.
func (h *containerdHandle) Stdout() io.ReadCloser { return io.NopCloser(noReader{}) }

type noReader struct{}

func (noReader) Read([]byte) (int, error) { return 0, io.EOF }

// Wait receives the task's exit status, which containerd delivers once: a
// second call, or a call after Terminate, blocks until ctx is done.
func (h *containerdHandle) Wait(ctx context.Context) error {
	select {
	case status := <-h.statusC:
		if err := status.Error(); err != nil {
			return err
		}
		if code := status.ExitCode(); code != 0 {
			return fmt.Errorf("isolate: task %s exited with code %d", h.container.ID(), code)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *containerdHandle) Terminate(ctx context.Context, killAfter time.Duration) error {
	if err := h.task.Kill(ctx, syscall.SIGTERM); err != nil {
		return h.cleanup(ctx)
	}

	stopCtx, cancel := context.WithTimeout(ctx, killAfter)
	defer cancel()
	select {
	case <-h.statusC:
	case <-stopCtx.Done():
		if err := h.task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("isolate: sigkill task %s: %w", h.container.ID(), err)
		}
		<-h.statusC
	}
	return h.cleanup(ctx)
}

func (h *containerdHandle) cleanup(ctx context.Context) error {
	if _, err := h.task.Delete(ctx); err != nil {
		return fmt.Errorf("isolate: delete task %s: %w", h.container.ID(), err)
	}
	if err := h.container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("isolate: delete container %s: %w", h.container.ID(), err)
	}
	return nil
}
