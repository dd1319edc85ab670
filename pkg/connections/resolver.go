// Package connections turns connection records into live query handles.
package connections

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/beak-insights/BeakDashX/pkg/models"
)

// QueryHandle executes SQL against one data source
type QueryHandle interface {
	Execute(ctx context.Context, sql string, timeout time.Duration) ([]map[string]any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Resolver produces a live handle for a connection id. Callers Close the
// handle when they are done with it.
type Resolver interface {
	Resolve(ctx context.Context, connectionID int64) (QueryHandle, error)
}

// Source looks up connection records
type Source interface {
	GetConnection(ctx context.Context, id int64) (*models.Connection, error)
}

// OpenFunc opens a handle for a connection record
type OpenFunc func(ctx context.Context, conn *models.Connection) (QueryHandle, error)

// CachedResolver keeps recently used handles open in an LRU. Resolve hands
// out leases on the cached handle; an evicted or invalidated handle is
// closed once its last lease is released.
type CachedResolver struct {
	source Source
	open   OpenFunc

	mu    sync.Mutex
	cache *lru.Cache[int64, *entry]
}

// entry is a cached handle and the number of leases out on it
type entry struct {
	id      int64
	handle  QueryHandle
	mu      sync.Mutex
	leases  int
	evicted bool
}

func (e *entry) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false
	}
	e.leases++
	return true
}

func (e *entry) release() {
	e.mu.Lock()
	e.leases--
	done := e.evicted && e.leases == 0
	e.mu.Unlock()
	if done {
		e.close()
	}
}

func (e *entry) evict() {
	e.mu.Lock()
	e.evicted = true
	idle := e.leases == 0
	e.mu.Unlock()
	if idle {
		e.close()
	}
}

func (e *entry) close() {
	if err := e.handle.Close(); err != nil {
		logrus.Warnf("Failed to close handle for connection %d: %v", e.id, err)
	}
}

// lease is one caller's use of a cached handle. Close releases it.
type lease struct {
	*entry
	once sync.Once
}

func (l *lease) Execute(ctx context.Context, sql string, timeout time.Duration) ([]map[string]any, error) {
	return l.handle.Execute(ctx, sql, timeout)
}

func (l *lease) Ping(ctx context.Context) error {
	return l.handle.Ping(ctx)
}

func (l *lease) Close() error {
	l.once.Do(l.release)
	return nil
}

var _ Resolver = (*CachedResolver)(nil)

// NewCachedResolver creates a resolver holding at most size open handles
func NewCachedResolver(source Source, open OpenFunc, size int) (*CachedResolver, error) {
	if size <= 0 {
		size = 64
	}
	cache, err := lru.NewWithEvict[int64, *entry](size, func(_ int64, e *entry) {
		e.evict()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create handle cache: %w", err)
	}
	return &CachedResolver{source: source, open: open, cache: cache}, nil
}

// Resolve leases a cached handle or opens a new one. Every failure is
// reported as ErrConnectionUnavailable.
func (r *CachedResolver) Resolve(ctx context.Context, connectionID int64) (QueryHandle, error) {
	if e, ok := r.cache.Get(connectionID); ok && e.acquire() {
		return &lease{entry: e}, nil
	}

	// Serialize opens so concurrent runs on one connection share a handle
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache.Get(connectionID); ok && e.acquire() {
		return &lease{entry: e}, nil
	}

	conn, err := r.source.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: connection %d: %w", models.ErrConnectionUnavailable, connectionID, err)
	}
	h, err := r.open(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %s (%s): %w", models.ErrConnectionUnavailable, conn.Name, conn.Type, err)
	}

	logrus.Infof("Opened %s connection %d (%s)", conn.Type, conn.ID, conn.Name)
	e := &entry{id: connectionID, handle: h, leases: 1}
	r.cache.Add(connectionID, e)
	return &lease{entry: e}, nil
}

// Invalidate forgets the cached handle of a connection and closes it once
// no run is using it
func (r *CachedResolver) Invalidate(connectionID int64) {
	r.cache.Remove(connectionID)
}

// Close evicts every cached handle
func (r *CachedResolver) Close() {
	r.cache.Purge()
}

// Source returns where connection records are looked up
func (r *CachedResolver) Source() Source {
	return r.source
}

// Len reports how many handles are open
func (r *CachedResolver) Len() int {
	return r.cache.Len()
}

// ChainSource tries each source in order and returns the first hit
type ChainSource []Source

// GetConnection implements Source
func (c ChainSource) GetConnection(ctx context.Context, id int64) (*models.Connection, error) {
	for _, s := range c {
		conn, err := s.GetConnection(ctx, id)
		if err == nil {
			return conn, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("connection %d: %w", id, models.ErrNotFound)
}
