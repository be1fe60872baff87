// Package lock provides the advisory locks that keep cross-station operations
// (smart-charging runs per site area, imports) from running twice at once.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when the key is held by someone else.
var ErrNotAcquired = errors.New("cannot acquire lock")

type Handle struct {
	Key     string
	release func(ctx context.Context) error
}

type Manager interface {
	Acquire(ctx context.Context, key string) (*Handle, error)
	Release(ctx context.Context, h *Handle) error
}

func SiteAreaKey(siteAreaID string) string {
	return "smart-charging:site-area:" + siteAreaID
}

func ImportKey(kind, tenantID string) string {
	return "import:" + kind + ":" + tenantID
}

func release(ctx context.Context, h *Handle) error {
	if h == nil || h.release == nil {
		return nil
	}
	fn := h.release
	h.release = nil
	return fn(ctx)
}

// Memory is a process-local Manager for single instance deployments and tests.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

func (m *Memory) Acquire(_ context.Context, key string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrNotAcquired
	}
	m.held[key] = struct{}{}
	return &Handle{Key: key, release: func(context.Context) error {
		m.mu.Lock()
		delete(m.held, key)
		m.mu.Unlock()
		return nil
	}}, nil
}

func (m *Memory) Release(ctx context.Context, h *Handle) error {
	return release(ctx, h)
}
