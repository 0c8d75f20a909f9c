package apstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Updates are serialised by a single
// mutex held across the update function.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]APPosition
	history map[string][]HistoryEntry
	nextID  int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]APPosition),
		history: make(map[string][]HistoryEntry),
	}
}

func (s *MemoryStore) Get(ctx context.Context, bssid string) (*APPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[bssid]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]APPosition, error) {
	s.mu.Lock()
	out := make([]APPosition, 0, len(s.records))
	for _, rec := range s.records {
		if rec.ConfidencePct >= opts.MinConfidence {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sortPositions(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) History(ctx context.Context, bssid string, limit int) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[bssid]
	out := make([]HistoryEntry, 0, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out = append(out, h[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, bssid string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *APPosition
	if rec, ok := s.records[bssid]; ok {
		cur = &rec
	}
	m, err := fn(cur)
	if err != nil {
		return err
	}
	if m.Record.BSSID != bssid {
		return fmt.Errorf("update %s: record bssid %q does not match", bssid, m.Record.BSSID)
	}
	s.records[bssid] = m.Record
	if m.History != nil {
		s.nextID++
		h := *m.History
		h.ID = s.nextID
		s.history[bssid] = append(s.history[bssid], h)
	}
	return nil
}

// sortPositions orders by confidence descending, then BSSID.
func sortPositions(p []APPosition) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].ConfidencePct != p[j].ConfidencePct {
			return p[i].ConfidencePct > p[j].ConfidencePct
		}
		return p[i].BSSID < p[j].BSSID
	})
}
