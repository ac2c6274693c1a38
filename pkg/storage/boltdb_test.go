package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStorePutGetList(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("manifests", "echo", []byte(`{"name":"echo"}`)))
	require.NoError(t, s.Put("manifests", "resize", []byte(`{"name":"resize"}`)))

	blob, err := s.Get("manifests", "echo")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"echo"}`, string(blob))

	keys, err := s.List("manifests")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo", "resize"}, keys)
}

func TestBoltStoreGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get("manifests", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStoreRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("apps", "a", []byte("1")))
	require.NoError(t, s.Remove("apps", "a"))

	_, err = s.Get("apps", "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
