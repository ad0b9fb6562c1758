// Package local implements an in-process tick lease. A lease is held for one
// tick so the same job never runs twice at once; only the token returned by
// TryAcquire releases it.
package local

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/article-batch-orchestrator/internal/id/uuid"
)

type holder struct {
	token   string
	expires time.Time
}

// Lease grants named leases within one process.
type Lease struct {
	mu      sync.Mutex
	held    map[string]holder
	now     func() time.Time
	newUUID func() (string, error)
}

// New returns an empty Lease table.
func New() *Lease {
	gen := uuid.New()
	return &Lease{
		held:    make(map[string]holder),
		now:     time.Now,
		newUUID: gen.NewToken,
	}
}

// TryAcquire takes the named lease for ttl if it is free or expired.
func (l *Lease) TryAcquire(_ context.Context, name string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, errors.New("lease ttl must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[name]; ok && now.Before(h.expires) {
		return "", false, nil
	}
	token, err := l.newUUID()
	if err != nil {
		return "", false, err
	}
	l.held[name] = holder{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release frees the lease when token still holds it.
func (l *Lease) Release(_ context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[name]; ok && h.token == token {
		delete(l.held, name)
	}
	return nil
}
