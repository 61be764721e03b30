package eventlog

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"gateline/internal/domain"
)

const (
	defaultPollInterval = time.Second
	defaultPollBatch    = 100
)

// Filter selects event kinds. The zero value matches everything.
type Filter struct {
	all bool
	set map[domain.EventKind]struct{}
}

// NewFilter builds a filter from kind names; empty or "*" matches all kinds.
func NewFilter(kinds []string) Filter {
	set := make(map[domain.EventKind]struct{}, len(kinds))
	for _, k := range kinds {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if key == "*" {
			return Filter{all: true}
		}
		set[domain.EventKind(key)] = struct{}{}
	}
	if len(set) == 0 {
		return Filter{all: true}
	}
	return Filter{set: set}
}

func (f Filter) Match(kind domain.EventKind) bool {
	if f.all || f.set == nil {
		return true
	}
	_, ok := f.set[kind]
	return ok
}

// Cursor walks the log from After, delivering matching events in order.
type Cursor struct {
	Store     Store
	After     int64
	Filter    Filter
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger
}

// Run polls until ctx is done or fn returns an error. The cursor only advances
// past events fn accepted, so a failed delivery is retried on the next tick.
func (c *Cursor) Run(ctx context.Context, fn func(domain.Event) error) error {
	interval := c.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.drain(ctx, fn); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Cursor) drain(ctx context.Context, fn func(domain.Event) error) error {
	batch := c.BatchSize
	if batch <= 0 {
		batch = defaultPollBatch
	}
	for {
		events, err := c.Store.Read(ctx, c.After, batch)
		if err != nil {
			c.logger().Warn("event cursor read failed", zap.Int64("after", c.After), zap.Error(err))
			return nil
		}
		for _, evt := range events {
			if c.Filter.Match(evt.Kind) {
				if err := fn(evt); err != nil {
					return err
				}
			}
			c.After = evt.Seq
		}
		if len(events) < batch {
			return nil
		}
	}
}

func (c *Cursor) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Subscribe streams matching events with seq > after until ctx is cancelled.
func Subscribe(ctx context.Context, store Store, after int64, kinds []string, interval time.Duration) <-chan domain.Event {
	out := make(chan domain.Event, defaultPollBatch)
	cur := &Cursor{Store: store, After: after, Filter: NewFilter(kinds), Interval: interval}
	go func() {
		defer close(out)
		_ = cur.Run(ctx, func(evt domain.Event) error {
			select {
			case out <- evt:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return out
}
