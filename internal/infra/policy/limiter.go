package policy

import (
	"sync"
	"time"

	"mcporch/internal/domain"
)

// Limiter evaluates per-server sliding rate windows. Call records are kept
// only long enough to cover the window; pruning happens lazily on each
// Allow, so dropped records never affect correctness beyond rate accounting.
type Limiter struct {
	mu      sync.Mutex
	records map[string][]time.Time

	now func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		records: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow checks whether one more call to serverID fits inside the policy's
// window and records it if so. A rejection happens before any transport I/O
// and does not count toward the window itself.
func (l *Limiter) Allow(serverID string, pol domain.ExecutionPolicy) error {
	if pol.MaxCallsPerWindow <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-pol.Window)

	kept := l.records[serverID]
	for len(kept) > 0 && kept[0].Before(cutoff) {
		kept = kept[1:]
	}

	if len(kept) >= pol.MaxCallsPerWindow {
		l.records[serverID] = kept
		return domain.E(domain.CodeRateLimited, "policy.Allow", "", domain.ErrRateLimited).WithServer(serverID)
	}

	l.records[serverID] = append(kept, now)
	return nil
}
