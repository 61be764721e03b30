package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gateline/internal/domain"
)

// SQLStore keeps the log in the events table.
type SQLStore struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

func (s *SQLStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *SQLStore) AppendBatch(ctx context.Context, expectLast int64, events []domain.Event) ([]int64, error) {
	if err := validateBatch(events); err != nil {
		return nil, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := seqForKey(ctx, tx, events[0].Key)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		seqs := make([]int64, len(events))
		for i, e := range events {
			seq, err := seqForKey(ctx, tx, e.Key)
			if err != nil {
				return nil, err
			}
			if seq == 0 {
				return nil, fmt.Errorf("%w: batch partially recorded at %s", ErrDuplicateKey, e.Key)
			}
			seqs[i] = seq
		}
		return seqs, nil
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events`).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}
	if expectLast != AnyLast && last != expectLast {
		return nil, ErrSeqConflict
	}

	ts := s.now().UTC()
	seqs := make([]int64, 0, len(events))
	for _, e := range events {
		if e.TS.IsZero() {
			e.TS = ts
		}
		payload := string(e.Payload)
		if payload == "" {
			payload = "{}"
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,story_id,wave,kind,key,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			e.TS.Format(time.RFC3339Nano), nullable(e.StoryID), e.Wave, string(e.Kind), e.Key, nullable(e.ActorID), payload)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key)
			}
			return nil, fmt.Errorf("insert %s event: %w", e.Kind, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return seqs, nil
}

func seqForKey(ctx context.Context, tx *sql.Tx, key string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT seq FROM events WHERE key=?`, key).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s *SQLStore) Read(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	query := `SELECT seq,ts,story_id,wave,kind,key,actor_id,payload_json FROM events WHERE seq>? ORDER BY seq ASC`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) Latest(ctx context.Context, q Query) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if q.Before > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, q.Before)
	}
	if q.StoryID != "" {
		clauses = append(clauses, "story_id=?")
		args = append(args, q.StoryID)
	}
	if q.Wave > 0 {
		clauses = append(clauses, "wave=?")
		args = append(args, q.Wave)
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(marks, ",")+")")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT seq,ts,story_id,wave,kind,key,actor_id,payload_json FROM events WHERE %s ORDER BY seq DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	return s.query(ctx, query, args...)
}

func (s *SQLStore) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM events`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts, kind, payload string
		var storyID, actorID sql.NullString
		if err := rows.Scan(&e.Seq, &ts, &storyID, &e.Wave, &kind, &e.Key, &actorID, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", e.Seq, err)
		}
		e.TS = parsed
		e.Kind = domain.EventKind(kind)
		e.StoryID = storyID.String
		e.ActorID = actorID.String
		e.Payload = []byte(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
