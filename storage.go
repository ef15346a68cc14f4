package storysync

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Storage namespaces. The auth namespace is expected to live on a secure
// backing store when the platform offers one; the file implementation
// approximates that with owner-only permissions.
const (
	NamespaceAuth  = "auth"
	NamespaceCache = "cache"
)

// Storage is durable key-value storage used to survive process restarts.
// Implementations are best-effort: Set and Remove never fail loudly, the
// in-memory state stays authoritative for the current process.
type Storage interface {
	Get(namespace, key string) (string, bool)
	Set(namespace, key, value string)
	Remove(namespace, key string)
}

// ============================================================================
// FileStorage
// ============================================================================

// FileStorage persists each key as a file under <dir>/<namespace>/<key>.
type FileStorage struct {
	dir string
	log *zap.Logger
}

// NewFileStorage creates a file-backed storage rooted at dir.
func NewFileStorage(dir string, log *zap.Logger) *FileStorage {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStorage{dir: dir, log: log}
}

func (s *FileStorage) path(namespace, key string) string {
	return filepath.Join(s.dir, namespace, key)
}

func (s *FileStorage) Get(namespace, key string) (string, bool) {
	data, err := os.ReadFile(s.path(namespace, key))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("storage read failed", zap.String("namespace", namespace), zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	return string(data), true
}

func (s *FileStorage) Set(namespace, key, value string) {
	dirMode := os.FileMode(0o755)
	fileMode := os.FileMode(0o644)
	if namespace == NamespaceAuth {
		dirMode = 0o700
		fileMode = 0o600
	}
	dir := filepath.Join(s.dir, namespace)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		s.log.Warn("storage mkdir failed", zap.String("namespace", namespace), zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path(namespace, key), []byte(value), fileMode); err != nil {
		s.log.Warn("storage write failed", zap.String("namespace", namespace), zap.String("key", key), zap.Error(err))
	}
}

func (s *FileStorage) Remove(namespace, key string) {
	if err := os.Remove(s.path(namespace, key)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("storage remove failed", zap.String("namespace", namespace), zap.String("key", key), zap.Error(err))
	}
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe volatile Storage, used when no durable
// backing is wanted and in tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (s *MemoryStorage) Get(namespace, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[namespace+"/"+key]
	return v, ok
}

func (s *MemoryStorage) Set(namespace, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[namespace+"/"+key] = value
}

func (s *MemoryStorage) Remove(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, namespace+"/"+key)
}
