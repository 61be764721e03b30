// Package eventlog is the append-only record of every gateline state change.
// Everything else in the system is a projection of these events.
package eventlog

import (
	"context"
	"errors"

	"gateline/internal/domain"
)

// AnyLast disables the optimistic sequence check of AppendBatch.
const AnyLast int64 = -1

var (
	// ErrSeqConflict means another writer appended since the caller last read the log.
	ErrSeqConflict = errors.New("event log advanced past expected sequence")
	// ErrDuplicateKey means part of a batch was already recorded under the same keys.
	ErrDuplicateKey = errors.New("event key already recorded")
)

// Store persists events under a single global sequence.
type Store interface {
	// AppendBatch atomically writes events if the last sequence equals expectLast.
	// A batch whose first key is already recorded returns the existing sequence numbers.
	AppendBatch(ctx context.Context, expectLast int64, events []domain.Event) ([]int64, error)
	// Read returns up to limit events with seq > after, ascending. limit <= 0 reads all.
	Read(ctx context.Context, after int64, limit int) ([]domain.Event, error)
	// Latest returns the newest events matching q, descending.
	Latest(ctx context.Context, q Query) ([]domain.Event, error)
	LastSeq(ctx context.Context) (int64, error)
}

// Query filters Latest.
type Query struct {
	Limit   int
	Before  int64
	StoryID string
	Wave    int
	Kinds   []domain.EventKind
}

func (q Query) matches(e domain.Event) bool {
	if q.Before > 0 && e.Seq >= q.Before {
		return false
	}
	if q.StoryID != "" && e.StoryID != q.StoryID {
		return false
	}
	if q.Wave > 0 && e.Wave != q.Wave {
		return false
	}
	return kindMatches(q.Kinds, e.Kind)
}

func kindMatches(kinds []domain.EventKind, k domain.EventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// Append writes a single event without a sequence check.
func Append(ctx context.Context, s Store, e domain.Event) (int64, error) {
	seqs, err := s.AppendBatch(ctx, AnyLast, []domain.Event{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// ReadAll returns the whole log in order.
func ReadAll(ctx context.Context, s Store) ([]domain.Event, error) {
	return s.Read(ctx, 0, 0)
}

func validateBatch(events []domain.Event) error {
	if len(events) == 0 {
		return errors.New("empty event batch")
	}
	seen := make(map[string]bool, len(events))
	for _, e := range events {
		if e.Kind == "" {
			return errors.New("event kind is required")
		}
		if e.Key == "" {
			return errors.New("event key is required")
		}
		if seen[e.Key] {
			return errors.New("duplicate key within batch: " + e.Key)
		}
		seen[e.Key] = true
	}
	return nil
}
