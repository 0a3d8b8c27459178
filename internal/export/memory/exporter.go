// Package memory keeps exported snapshots in memory for tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Exporter stores objects in a map keyed by path.
type Exporter struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns a memory Exporter.
func New() *Exporter {
	return &Exporter{objects: make(map[string][]byte)}
}

// PutObject stores data under path and returns a mem:// URI.
func (e *Exporter) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	e.objects[path] = stored
	return "mem://" + path, nil
}

// Object returns the stored bytes for path.
func (e *Exporter) Object(path string) ([]byte, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	data, ok := e.objects[path]
	return data, ok
}
