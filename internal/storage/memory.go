package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Object is a stored blob with its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore is an in-process ObjectStore used by tests and the local
// development driver.
type MemoryStore struct {
	mu             sync.RWMutex
	objects        map[string]Object
	publicEndpoint string

	// PutHook, when set, runs before every Put and may fail it.
	PutHook func(key string) error
}

func NewMemoryStore(publicEndpoint string) *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object), publicEndpoint: publicEndpoint}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	key = applyPrefix("", key)
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.Data)), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	key = applyPrefix("", key)
	if m.PutHook != nil {
		if err := m.PutHook(key); err != nil {
			return fmt.Errorf("upload object %s: %w", key, err)
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("upload object %s: %w", key, err)
	}
	m.mu.Lock()
	m.objects[key] = Object{Data: data, ContentType: contentType}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	key = applyPrefix("", key)
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = applyPrefix("", prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) PublicURL(key string) string {
	key = applyPrefix("", key)
	if u := joinPublicURL(m.publicEndpoint, key); u != "" {
		return u
	}
	return "memory://" + key
}

// Object returns a stored object for inspection.
func (m *MemoryStore) Object(key string) (Object, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[applyPrefix("", key)]
	return obj, ok
}
