package isolate

import (
	"fmt"

	"github.com/cuemby/hoststack/pkg/types"
)

// Factory hands out the right Isolate for an application's manifest: a
// containerd-backed isolate when it names an image, a bare process isolate
// when it names an executable. The containerd client is dialed lazily and
// shared across every image-based application so only one daemon
// connection is held regardless of pool count.
type Factory struct {
	containerdSocket string
	process          *ProcessIsolate
	containerd       *ContainerdIsolate
}

// NewFactory constructs a Factory. containerdSocket is passed to
// NewContainerdIsolate on first use; pass "" for the default socket path.
func NewFactory(containerdSocket string) *Factory {
	return &Factory{containerdSocket: containerdSocket, process: NewProcessIsolate()}
}

// For returns the isolate appropriate for app, dialing containerd on first
// request for a container-backed application.
func (f *Factory) For(app types.Application) (Isolate, error) {
	if !app.UsesContainer() {
		return f.process, nil
	}
	if f.containerd == nil {
		c, err := NewContainerdIsolate(f.containerdSocket)
		if err != nil {
			return nil, fmt.Errorf("isolate: factory dial containerd for %s: %w", app.Name, err)
		}
		f.containerd = c
	}
	return f.containerd, nil
}

// Close releases the containerd connection, if one was ever opened.
func (f *Factory) Close() error {
	if f.containerd != nil {
		return f.containerd.Close()
	}
	return nil
}
