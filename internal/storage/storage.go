// Package storage provides the object store used for raw uploads and the
// published HLS renditions.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("storage: object not found")

// ObjectStore is a flat key/value blob store addressed by POSIX-style keys.
type ObjectStore interface {
	// Get opens the object for reading. Callers must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes size bytes from body under key. A negative size means unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	// List returns every key beginning with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// PublicURL returns the externally resolvable address of key.
	PublicURL(key string) string
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func stripPrefix(prefix, key string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

func joinPublicURL(base, key string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}
