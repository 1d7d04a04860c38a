package sched

import (
	"context"
	"sync"
	"time"
)

// RunRecord is one completed run.
type RunRecord struct {
	RID      string
	Params   map[string]any
	Status   string
	Message  string
	Started  time.Time
	Finished time.Time
}

// History stores completed runs.
type History interface {
	// Record stores rec, replacing any record with the same RID.
	Record(ctx context.Context, rec RunRecord) error

	// Recent returns up to limit records, most recently finished first.
	Recent(ctx context.Context, limit int) ([]RunRecord, error)

	Close() error
}

// MemoryHistory keeps the most recent runs in memory.
type MemoryHistory struct {
	keep int

	mut  sync.Mutex
	recs []RunRecord
}

// NewMemoryHistory builds a history retaining the keep most recent runs.
func NewMemoryHistory(keep int) *MemoryHistory {
	if keep <= 0 {
		keep = 100
	}
	return &MemoryHistory{keep: keep}
}

func (h *MemoryHistory) Record(ctx context.Context, rec RunRecord) error {
	h.mut.Lock()
	defer h.mut.Unlock()
	for i := range h.recs {
		if h.recs[i].RID == rec.RID {
			h.recs[i] = rec
			return nil
		}
	}
	h.recs = append(h.recs, rec)
	if len(h.recs) > h.keep {
		h.recs = append([]RunRecord{}, h.recs[len(h.recs)-h.keep:]...)
	}
	return nil
}

func (h *MemoryHistory) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	h.mut.Lock()
	defer h.mut.Unlock()
	out := make([]RunRecord, 0, limit)
	for i := len(h.recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h.recs[i])
	}
	return out, nil
}

func (h *MemoryHistory) Close() error { return nil }
