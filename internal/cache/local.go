package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nidhogg/memory-substrate/internal/memory"
)

var _ memory.ViewCache = (*Local)(nil)

// Local is an in-process view cache. Values are stored JSON-encoded so
// readers never share mutable state with the writer.
type Local struct {
	cache *ristretto.Cache
}

// NewLocal creates a cache bounded to maxBytes of encoded views.
func NewLocal(maxBytes int64) (*Local, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create view cache: %w", err)
	}
	return &Local{cache: c}, nil
}

// Put stores v under key for ttl. A zero ttl never expires.
func (l *Local) Put(_ context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode view %s: %w", key, err)
	}
	l.cache.SetWithTTL(key, data, int64(len(data)), ttl)
	// Sets are buffered; make the view visible to the next reader.
	l.cache.Wait()
	return nil
}

// Get decodes the value under key into dst.
func (l *Local) Get(_ context.Context, key string, dst any) (bool, error) {
	v, ok := l.cache.Get(key)
	if !ok {
		return false, nil
	}
	data, ok := v.([]byte)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode view %s: %w", key, err)
	}
	return true, nil
}

// Close stops the cache's background goroutines.
func (l *Local) Close() {
	l.cache.Close()
}

// LocalLocker serializes jobs inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker returns an empty locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// Lock takes name unless it is already held. The ttl is ignored: a process
// that dies releases its locks with it.
func (l *LocalLocker) Lock(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	return func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}, true, nil
}

// Extend reports whether name is still held. Local locks never expire.
func (l *LocalLocker) Extend(_ context.Context, name string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name], nil
}
