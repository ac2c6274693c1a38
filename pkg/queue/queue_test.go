package queue

import (
	"testing"
	"time"

	"github.com/cuemby/hoststack/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpstream struct {
	chunks [][]byte
	choked bool
	err    error
}

func (f *fakeUpstream) Chunk(data []byte) { f.chunks = append(f.chunks, data) }
func (f *fakeUpstream) Choke()            { f.choked = true }
func (f *fakeUpstream) Fail(err error)    { f.err = err }

func item(name string) PendingItem {
	return PendingItem{Event: types.Event{Name: name, Born: time.Now()}, Upstream: &fakeUpstream{}}
}

func TestQueueBoundedPushRejects(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(item("a")))
	require.NoError(t, q.Push(item("b")))
	err := q.Push(item("c"))
	assert.ErrorIs(t, err, types.ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestQueueFIFOOrder(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Push(item("a")))
	require.NoError(t, q.Push(item("b")))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", first.Event.Name)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", second.Event.Name)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueDrainAll(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Push(item("a")))
	require.NoError(t, q.Push(item("b")))

	drained := q.DrainAll()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
}

func TestQueueOldestAge(t *testing.T) {
	q := New(0)
	assert.Equal(t, time.Duration(0), q.OldestAge())

	require.NoError(t, q.Push(item("a")))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, q.OldestAge() >= 5*time.Millisecond)
}
