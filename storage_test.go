package storysync

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStorageRoundTrip(t *testing.T) {
	s := NewFileStorage(t.TempDir(), nil)

	_, ok := s.Get(NamespaceCache, "missing")
	assert.False(t, ok)

	s.Set(NamespaceCache, "k", "v1")
	v, ok := s.Get(NamespaceCache, "k")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	s.Set(NamespaceCache, "k", "v2")
	v, _ = s.Get(NamespaceCache, "k")
	assert.Equal(t, "v2", v)

	s.Remove(NamespaceCache, "k")
	_, ok = s.Get(NamespaceCache, "k")
	assert.False(t, ok)

	// Removing again is a no-op.
	s.Remove(NamespaceCache, "k")
}

func TestFileStorageAuthPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	dir := t.TempDir()
	s := NewFileStorage(dir, nil)
	s.Set(NamespaceAuth, sessionStorageKey, "secret")

	info, err := os.Stat(filepath.Join(dir, NamespaceAuth, sessionStorageKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Join(dir, NamespaceAuth))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())
}

func TestFileStorageNamespacesIsolated(t *testing.T) {
	s := NewFileStorage(t.TempDir(), nil)
	s.Set(NamespaceAuth, "k", "secret")
	s.Set(NamespaceCache, "k", "public")

	v, _ := s.Get(NamespaceAuth, "k")
	assert.Equal(t, "secret", v)
	v, _ = s.Get(NamespaceCache, "k")
	assert.Equal(t, "public", v)

	s.Remove(NamespaceAuth, "k")
	_, ok := s.Get(NamespaceCache, "k")
	assert.True(t, ok)
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	s := NewMemoryStorage()
	s.Set(NamespaceCache, "k", "v")
	v, ok := s.Get(NamespaceCache, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	s.Remove(NamespaceCache, "k")
	_, ok = s.Get(NamespaceCache, "k")
	assert.False(t, ok)
}
