// Package fetcher reads a worker's combined stdout/stderr stream, splits it
// into complete lines, and retains the most recent lines in a bounded ring
// buffer for crashlog flush-on-death.
package fetcher

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/cuemby/hoststack/pkg/log"
)

const readBufSize = 4096

// Fetcher owns the read loop over one worker's output stream. Construct one
// per worker instance and call Run in its own goroutine; Stop (via context
// cancellation or closing the underlying fd) ends the loop immediately.
type Fetcher struct {
	app      string
	workerID string
	r        io.Reader
	limit    int

	mu    sync.Mutex
	lines []string // ring buffer, oldest first, capped at limit
}

// New constructs a Fetcher reading from r. limit is the crashlog retention
// size in lines (types.Profile.CrashlogLimit); 0 disables retention without
// disabling the read loop itself.
func New(app, workerID string, r io.Reader, limit int) *Fetcher {
	return &Fetcher{app: app, workerID: workerID, r: r, limit: limit}
}

// Run reads lines until r returns EOF or ctx is canceled. EOF is not
// reported as an error: it means the worker closed its output, which is
// expected on any clean or dirty exit.
func (f *Fetcher) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(f.r)
	scanner.Buffer(make([]byte, readBufSize), 1<<20)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			f.append(scanner.Text())
		}
	}()

	select {
	case <-done:
		if err := scanner.Err(); err != nil && err != io.EOF {
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (f *Fetcher) append(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit <= 0 {
		return
	}
	f.lines = append(f.lines, line)
	if len(f.lines) > f.limit {
		f.lines = f.lines[len(f.lines)-f.limit:]
	}
}

// Crashlog returns a snapshot of the retained tail lines, oldest first.
func (f *Fetcher) Crashlog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.lines))
	copy(out, f.lines)
	return out
}

// Flush logs every retained line through the structured logging sink,
// tagged with the worker id and exit cause. Called for a worker that died
// with a nonzero or abnormal exit.
func (f *Fetcher) Flush(cause error) {
	lines := f.Crashlog()
	if len(lines) == 0 {
		return
	}
	l := log.Logger.With().Str("app", f.app).Str("worker", f.workerID).Logger()
	for _, line := range lines {
		l.Warn().Err(cause).Str("crashlog_line", line).Msg("worker crashlog")
	}
}
