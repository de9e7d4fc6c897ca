package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/feng04-qyq/backend/pkg/i18n"
)

// Pool keeps one handle per identity, created on first use.
type Pool struct {
	mu       sync.RWMutex
	handles  map[string]Handle
	lastSeen map[string]time.Time
	factory  Factory
	now      func() time.Time
}

func NewPool(factory Factory) *Pool {
	return &Pool{
		handles:  make(map[string]Handle),
		lastSeen: make(map[string]time.Time),
		factory:  factory,
		now:      time.Now,
	}
}

// GetOrCreate returns the handle for identity, creating it if needed.
func (p *Pool) GetOrCreate(identity string) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[identity]; ok {
		p.lastSeen[identity] = p.now()
		return h, nil
	}
	h, err := p.factory(identity)
	if err != nil {
		return nil, err
	}
	p.handles[identity] = h
	p.lastSeen[identity] = p.now()
	return h, nil
}

// Get returns the handle for identity without creating one.
func (p *Pool) Get(identity string) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handles[identity]
	return h, ok
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handles)
}

// CleanupIdle drops handles unused for longer than ttl. Running handles are
// kept regardless of age.
func (p *Pool) CleanupIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	cutoff := p.now().Add(-ttl)

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, seen := range p.lastSeen {
		if !seen.Before(cutoff) || p.handles[id].Running() {
			continue
		}
		delete(p.handles, id)
		delete(p.lastSeen, id)
		removed++
	}
	return removed
}

// RunCleanup calls CleanupIdle every interval until ctx is done.
func (p *Pool) RunCleanup(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.CleanupIdle(ttl); n > 0 {
				log.Printf("[ENGINE] "+i18n.Get("EngineIdleCleanup"), n)
			}
		}
	}
}

// StopAll stops every running handle.
func (p *Pool) StopAll(ctx context.Context) {
	p.mu.RLock()
	running := make([]Handle, 0, len(p.handles))
	for _, h := range p.handles {
		if h.Running() {
			running = append(running, h)
		}
	}
	p.mu.RUnlock()

	for _, h := range running {
		_ = h.Stop(ctx)
	}
}
