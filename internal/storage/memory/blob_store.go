// Package memory keeps batches, results and artifacts in-process for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/article-batch-orchestrator/internal/orchestrator"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string]object),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Publish persists the content and returns a memory:// URI.
func (s *BlobStore) Publish(_ context.Context, key, contentType string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{
		data:        append([]byte(nil), byteData...),
		contentType: contentType,
		modified:    s.now(),
	}
	return "memory://" + key, nil
}

// Delete removes every object under prefix.
func (s *BlobStore) Delete(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			delete(s.objects, key)
			n++
		}
	}
	return n, nil
}

// List reports every object under prefix in key order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]orchestrator.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orchestrator.ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, orchestrator.ObjectInfo{Key: key, LastModified: obj.modified, Size: int64(len(obj.data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Object returns a copy of a stored object's bytes and content type.
func (s *BlobStore) Object(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}
