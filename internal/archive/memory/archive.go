// Package memory stores raw payload archives in-memory for development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Archive stores blobs in a map and returns pseudo URIs.
type Archive struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewArchive creates an in-memory archive.
func NewArchive() *Archive {
	return &Archive{data: make(map[string][]byte)}
}

// PutObject persists the content and returns a memory:// URI.
func (a *Archive) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[path] = append([]byte(nil), data...)
	return "memory://" + path, nil
}

// Object returns a stored blob (tests).
func (a *Archive) Object(path string) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	blob, ok := a.data[path]
	return blob, ok
}
