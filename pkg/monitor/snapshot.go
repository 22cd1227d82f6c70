package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scalarorg/svm-aptos-relayer/pkg/events"
	"github.com/scalarorg/svm-aptos-relayer/pkg/store"
	"github.com/scalarorg/svm-aptos-relayer/pkg/types"
)

// Summary is the aggregate view served by /api/v1/status.
type Summary struct {
	Counts           map[types.Status]int64
	InFlight         int64
	Uptime           time.Duration
	LastSettlementAt *time.Time
}

// Snapshot is the monitor's in-memory read model of aggregate settlement
// counts, kept current by subscribing to pkg/events and periodically
// reconciled against the store so a missed or dropped event self-heals.
type Snapshot struct {
	mu               sync.RWMutex
	counts           map[types.Status]int64
	lastSettlementAt *time.Time
	startedAt        time.Time
}

// NewSnapshot returns an empty snapshot; call Run to start reconciling it.
func NewSnapshot() *Snapshot {
	return &Snapshot{counts: make(map[types.Status]int64), startedAt: time.Now()}
}

// Counts returns a copy of the current per-status counts.
func (s *Snapshot) Counts() map[types.Status]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.Status]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Summary returns the full aggregate view: counts, in-flight (non-terminal)
// total, process uptime, and the most recent terminal transition time.
func (s *Snapshot) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[types.Status]int64, len(s.counts))
	var inFlight int64
	for k, v := range s.counts {
		counts[k] = v
		if !k.Terminal() {
			inFlight += v
		}
	}
	return Summary{
		Counts:           counts,
		InFlight:         inFlight,
		Uptime:           time.Since(s.startedAt),
		LastSettlementAt: s.lastSettlementAt,
	}
}

func (s *Snapshot) replace(counts map[types.Status]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = counts
}

func (s *Snapshot) noteSettlement(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSettlementAt == nil || at.After(*s.lastSettlementAt) {
		s.lastSettlementAt = &at
	}
}

// Run subscribes to bus for live nudges and reconciles the full picture
// against st every interval, until ctx is canceled.
func (s *Snapshot) Run(ctx context.Context, st store.Store, bus *events.Bus, interval time.Duration) {
	changes, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	s.reconcile(ctx, st)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-changes:
			if change.To.Terminal() {
				s.noteSettlement(change.At)
			}
			s.reconcile(ctx, st)
		case <-ticker.C:
			s.reconcile(ctx, st)
		}
	}
}

func (s *Snapshot) reconcile(ctx context.Context, st store.Store) {
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("monitor: snapshot reconcile failed")
		return
	}
	s.replace(counts)
}
