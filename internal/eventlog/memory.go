package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gateline/internal/domain"
)

// MemStore is an in-process Store used by tests and dry runs.
type MemStore struct {
	mu     sync.RWMutex
	events []domain.Event
	keys   map[string]int64
	Now    func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{keys: map[string]int64{}, Now: time.Now}
}

func (m *MemStore) AppendBatch(_ context.Context, expectLast int64, events []domain.Event) ([]int64, error) {
	if err := validateBatch(events); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]int64{}
	}
	if _, ok := m.keys[events[0].Key]; ok {
		seqs := make([]int64, len(events))
		for i, e := range events {
			seq, ok := m.keys[e.Key]
			if !ok {
				return nil, fmt.Errorf("%w: batch partially recorded at %s", ErrDuplicateKey, e.Key)
			}
			seqs[i] = seq
		}
		return seqs, nil
	}
	for _, e := range events {
		if _, ok := m.keys[e.Key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key)
		}
	}
	last := int64(len(m.events))
	if expectLast != AnyLast && last != expectLast {
		return nil, ErrSeqConflict
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	ts := now().UTC()
	seqs := make([]int64, 0, len(events))
	for _, e := range events {
		last++
		e.Seq = last
		if e.TS.IsZero() {
			e.TS = ts
		}
		if len(e.Payload) == 0 {
			e.Payload = []byte("{}")
		}
		m.events = append(m.events, e)
		m.keys[e.Key] = e.Seq
		seqs = append(seqs, e.Seq)
	}
	return seqs, nil
}

func (m *MemStore) Read(_ context.Context, after int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if after < 0 {
		after = 0
	}
	if after >= int64(len(m.events)) {
		return nil, nil
	}
	tail := m.events[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]domain.Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (m *MemStore) Latest(_ context.Context, q Query) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []domain.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if q.matches(m.events[i]) {
			out = append(out, m.events[i])
		}
	}
	return out, nil
}

func (m *MemStore) LastSeq(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}
