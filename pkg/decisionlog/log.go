// Package decisionlog persists global commit decisions.
//
// A decision is recorded after every branch voted prepared and before the
// first phase-2 commit is sent. Recovery commits an in-doubt branch only if
// its global transaction has a recorded decision; everything else is rolled
// back (presumed abort).
package decisionlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baxromumarov/shard-xa/pkg/protocol"
)

// Decision is the durable outcome of one global transaction.
type Decision struct {
	GlobalID string           `json:"global_id"`
	Outcome  protocol.Outcome `json:"outcome"`
	Shards   []string         `json:"shards"`
	LoggedAt time.Time        `json:"logged_at"`
}

// Log stores decisions until every branch has acknowledged them.
type Log interface {
	Record(ctx context.Context, d Decision) error
	Lookup(ctx context.Context, globalID string) (Decision, bool, error)
	Remove(ctx context.Context, globalID string) error
	List(ctx context.Context) ([]Decision, error)
	Close() error
}

// MemoryLog keeps decisions in process memory. Decisions do not survive a
// restart, so recovery after a crash rolls every in-doubt branch back.
type MemoryLog struct {
	mu        sync.RWMutex
	decisions map[string]Decision
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{decisions: make(map[string]Decision)}
}

func (l *MemoryLog) Record(ctx context.Context, d Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decisions[d.GlobalID] = d
	return nil
}

func (l *MemoryLog) Lookup(ctx context.Context, globalID string) (Decision, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.decisions[globalID]
	return d, ok, nil
}

func (l *MemoryLog) Remove(ctx context.Context, globalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.decisions, globalID)
	return nil
}

func (l *MemoryLog) List(ctx context.Context) ([]Decision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedDecisions(l.decisions), nil
}

func (l *MemoryLog) Close() error { return nil }

func sortedDecisions(m map[string]Decision) []Decision {
	out := make([]Decision, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoggedAt.Equal(out[j].LoggedAt) {
			return out[i].GlobalID < out[j].GlobalID
		}
		return out[i].LoggedAt.Before(out[j].LoggedAt)
	})
	return out
}
