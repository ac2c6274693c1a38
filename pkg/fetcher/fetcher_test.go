package fetcher

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcherRetainsTailWithinLimit(t *testing.T) {
	r := strings.NewReader("one\ntwo\nthree\nfour\n")
	f := New("echo", "w1", r, 2)

	err := f.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"three", "four"}, f.Crashlog())
}

func TestFetcherZeroLimitRetainsNothing(t *testing.T) {
	r := strings.NewReader("one\ntwo\n")
	f := New("echo", "w1", r, 0)

	require.NoError(t, f.Run(context.Background()))
	assert.Empty(t, f.Crashlog())
}

func TestFetcherEOFIsNotAnError(t *testing.T) {
	f := New("echo", "w1", io.MultiReader(strings.NewReader("a\n")), 10)
	err := f.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, f.Crashlog())
}

type blockingReader struct {
	unblock chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.unblock
	return 0, io.EOF
}

func TestFetcherRunReturnsOnContextCancel(t *testing.T) {
	r := &blockingReader{unblock: make(chan struct{})}
	f := New("echo", "w1", r, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	close(r.unblock)
}

func TestFetcherFlushEmitsNoLogWhenEmpty(t *testing.T) {
	f := New("echo", "w1", strings.NewReader(""), 10)
	require.NoError(t, f.Run(context.Background()))
	f.Flush(nil) // must not panic with an empty ring
}
