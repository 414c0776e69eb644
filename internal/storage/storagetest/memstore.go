// Package storagetest provides an in-memory object store for tests.
package storagetest

import (
	"context"
	"sync"

	"github.com/me/zoocwl/internal/storage"
)

// Object is one stored object.
type Object struct {
	Data        []byte
	ContentType string
}

// MemStore is an ObjectStore backed by a map, shared by every client the
// factory builds. It records the credential set of each build.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]Object
	builds  []storage.CredentialSet
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]Object)}
}

// Factory returns a ClientFactory whose clients all read and write m.
func (m *MemStore) Factory() storage.ClientFactory {
	return func(_ context.Context, creds storage.CredentialSet) (storage.ObjectStore, error) {
		m.mu.Lock()
		m.builds = append(m.builds, creds)
		m.mu.Unlock()
		return &memClient{store: m}, nil
	}
}

// Builds returns the credential sets clients were built with, in order.
func (m *MemStore) Builds() []storage.CredentialSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.CredentialSet(nil), m.builds...)
}

// Put stores an object directly.
func (m *MemStore) Put(bucket, key, content, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = Object{Data: []byte(content), ContentType: contentType}
}

// Get returns a stored object.
func (m *MemStore) Get(bucket, key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[bucket+"/"+key]
	return o, ok
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type memClient struct {
	store *MemStore
}

func (c *memClient) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	o, ok := c.store.Get(bucket, key)
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return append([]byte(nil), o.Data...), nil
}

func (c *memClient) PutObject(_ context.Context, bucket, key string, data []byte, contentType string) error {
	c.store.Put(bucket, key, string(data), contentType)
	return nil
}
