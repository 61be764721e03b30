// Package engine is the orchestrator: it validates inbound operations against
// the projected state and turns them into event batches.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/escalation"
	"gateline/internal/eventlog"
	"gateline/internal/gates"
	"gateline/internal/metrics"
	"gateline/internal/projection"
)

const maxAppendRetries = 8

type Engine struct {
	Store    eventlog.Store
	Config   *config.Config
	Gates    *gates.Table
	Triggers *escalation.Evaluator
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time

	mu    sync.Mutex
	state *projection.State
}

func New(store eventlog.Store, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	table, err := gates.FromConfig(cfg)
	if err != nil {
		return nil, &ConfigurationError{Op: "load config", Err: err}
	}
	return &Engine{
		Store:    store,
		Config:   cfg,
		Gates:    table,
		Triggers: escalation.NewEvaluator(cfg),
		Logger:   zap.NewNop(),
		Now:      time.Now,
		state:    projection.New(),
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// catchUp folds events appended since the last read. Callers hold e.mu.
func (e *Engine) catchUp(ctx context.Context) error {
	for {
		events, err := e.Store.Read(ctx, e.state.LastSeq, 500)
		if err != nil {
			return fmt.Errorf("read event log: %w", err)
		}
		for _, evt := range events {
			if err := e.state.Apply(evt); err != nil {
				return err
			}
		}
		if len(events) < 500 {
			return nil
		}
	}
}

// Snapshot returns a private copy of the current projection.
func (e *Engine) Snapshot(ctx context.Context) (*projection.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.catchUp(ctx); err != nil {
		return nil, err
	}
	return e.state.Clone(), nil
}

// decision is what an operation wants to append, decided against a state.
type decision struct {
	events []domain.Event
}

func (d *decision) add(evt domain.Event, err error) error {
	if err != nil {
		return err
	}
	d.events = append(d.events, evt)
	return nil
}

// write runs decide against the caught-up state and appends its events with the
// state's last sequence as expectation. On a concurrent append it catches up and
// decides again, so the decision always reflects the log it lands on.
func (e *Engine) write(ctx context.Context, decide func(st *projection.State) (*decision, error)) ([]domain.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		if err := e.catchUp(ctx); err != nil {
			return nil, err
		}
		d, err := decide(e.state)
		if err != nil {
			return nil, err
		}
		if d == nil || len(d.events) == 0 {
			return nil, nil
		}
		ts := e.now()
		for i := range d.events {
			if d.events[i].TS.IsZero() {
				d.events[i].TS = ts
			}
		}
		before := e.state.LastSeq
		seqs, err := e.Store.AppendBatch(ctx, before, d.events)
		if errors.Is(err, eventlog.ErrSeqConflict) {
			e.Metrics.Retried()
			e.log().Debug("concurrent append, retrying", zap.Int64("expected", before), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append events: %w", err)
		}
		if err := e.catchUp(ctx); err != nil {
			return nil, err
		}
		written := make([]domain.Event, len(d.events))
		for i, evt := range d.events {
			evt.Seq = seqs[i]
			written[i] = evt
			if seqs[i] > before {
				e.observe(evt)
			}
		}
		return written, nil
	}
	return nil, fmt.Errorf("append events: %w after %d attempts", eventlog.ErrSeqConflict, maxAppendRetries)
}

func (e *Engine) observe(evt domain.Event) {
	e.Metrics.Appended(string(evt.Kind))
	switch evt.Kind {
	case domain.KindEscalationOpened:
		if p, err := domain.DecodePayload[domain.EscalationOpenedPayload](evt); err == nil {
			e.Metrics.Escalated(string(p.Severity))
			e.log().Warn("escalation opened", zap.String("escalation", p.ID), zap.String("story", evt.StoryID),
				zap.Int("wave", evt.Wave), zap.String("trigger", p.Trigger), zap.String("reason", p.Reason))
		}
	case domain.KindGateResult:
		if p, err := domain.DecodePayload[domain.GateResultPayload](evt); err == nil {
			e.Metrics.GateResult(e.Gates.Name(p.Gate), string(p.Outcome))
			e.log().Info("gate result", zap.String("story", evt.StoryID), zap.Int("gate", p.Gate),
				zap.Int("attempt", p.Attempt), zap.String("outcome", string(p.Outcome)), zap.Strings("reasons", p.Reasons))
		}
	default:
		e.log().Debug("event appended", zap.Int64("seq", evt.Seq), zap.String("kind", string(evt.Kind)), zap.String("story", evt.StoryID))
	}
	active := 0
	for _, st := range e.state.Stories {
		if st.Status == domain.StatusInProgress {
			active++
		}
	}
	e.Metrics.SetActive(active)
}

func lookupStory(st *projection.State, id string) (*domain.Story, error) {
	s, ok := st.Stories[id]
	if !ok {
		return nil, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// escalationBlock reports open escalations holding a story back, including its wave's.
func escalationBlock(st *projection.State, s *domain.Story) error {
	ids := append([]string(nil), s.OpenEscalations...)
	if w, ok := st.Waves[s.Wave]; ok && w.Blocked {
		ids = append(ids, openWaveEscalations(st, s.Wave)...)
	}
	if len(ids) == 0 {
		return nil
	}
	return &EscalationRequired{StoryID: s.ID, Wave: s.Wave, Escalations: ids}
}
