package session

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/mailbridge/internal/util"
)

const sweepInterval = 5 * time.Minute

type memorySession struct {
	store          *MemoryStore
	expiresAt      time.Time
	lastAccessedAt time.Time
}

// MemoryProvider is a thread-safe in-memory Provider.
// Sessions are lost on server restart.
type MemoryProvider struct {
	mu          sync.Mutex
	data        map[string]*memorySession
	maxAge      time.Duration
	idleTimeout time.Duration
	now         func() time.Time
	stopOnce    sync.Once
	stopCh      chan struct{}
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an in-memory provider. maxAge bounds a session's
// total lifetime; idleTimeout of 0 disables idle timeout checking. A
// background goroutine sweeps expired sessions until Close is called.
func NewMemoryProvider(maxAge, idleTimeout time.Duration) *MemoryProvider {
	p := &MemoryProvider{
		data:        make(map[string]*memorySession),
		maxAge:      maxAge,
		idleTimeout: idleTimeout,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Close stops the background sweep goroutine.
func (p *MemoryProvider) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *MemoryProvider) Create(_ context.Context) (string, Store, error) {
	token, err := util.RandomToken()
	if err != nil {
		return "", nil, err
	}
	now := p.now()
	s := &memorySession{
		store:          NewMemoryStore(),
		expiresAt:      now.Add(p.maxAge),
		lastAccessedAt: now,
	}
	p.mu.Lock()
	p.data[token] = s
	p.mu.Unlock()
	return token, s.store, nil
}

func (p *MemoryProvider) Open(_ context.Context, token string) (Store, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.data[token]
	if !ok {
		return nil, false
	}
	now := p.now()
	if p.expiredLocked(s, now) {
		delete(p.data, token)
		return nil, false
	}
	s.lastAccessedAt = now
	return s.store, true
}

func (p *MemoryProvider) Destroy(_ context.Context, token string) {
	p.mu.Lock()
	delete(p.data, token)
	p.mu.Unlock()
}

// Len returns the number of live sessions, including ones not yet swept.
func (p *MemoryProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

func (p *MemoryProvider) expiredLocked(s *memorySession, now time.Time) bool {
	if now.After(s.expiresAt) {
		return true
	}
	return p.idleTimeout > 0 && now.Sub(s.lastAccessedAt) > p.idleTimeout
}

func (p *MemoryProvider) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *MemoryProvider) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for token, s := range p.data {
		if p.expiredLocked(s, now) {
			delete(p.data, token)
		}
	}
}
