package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/eventlog"
)

const defaultSubjectPrefix = "gateline"

// NATSPublisher mirrors log events onto <prefix>.<kind> subjects.
type NATSPublisher struct {
	Conn     *nats.Conn
	Store    eventlog.Store
	Prefix   string
	Project  string
	Filter   eventlog.Filter
	Interval time.Duration
	Logger   *zap.Logger
}

// ConnectNATS dials cfg.NATS.URL; it returns nil, nil when no URL is configured.
func ConnectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	if cfg == nil || cfg.NATS.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("gateline"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	if logger != nil {
		logger.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, store eventlog.Store, cfg *config.Config, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &NATSPublisher{Conn: nc, Store: store, Prefix: defaultSubjectPrefix, Logger: logger.Named("nats")}
	if cfg != nil {
		p.Project = cfg.Project.ID
		p.Filter = eventlog.NewFilter(cfg.NATS.Events)
		if cfg.NATS.SubjectPrefix != "" {
			p.Prefix = cfg.NATS.SubjectPrefix
		}
	}
	return p
}

// Subject returns the subject an event kind is published on.
func (p *NATSPublisher) Subject(kind domain.EventKind) string {
	return p.Prefix + "." + string(kind)
}

// Run publishes events appended after the current end of the log until ctx is done.
func (p *NATSPublisher) Run(ctx context.Context) error {
	start, err := p.Store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("nats: init cursor: %w", err)
	}
	cur := &eventlog.Cursor{Store: p.Store, After: start, Filter: p.Filter, Interval: p.Interval, Logger: p.Logger}
	for {
		err := cur.Run(ctx, p.Publish)
		if ctx.Err() != nil {
			return nil
		}
		p.Logger.Warn("nats publish failed", zap.Int64("after", cur.After), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// Publish sends one event.
func (p *NATSPublisher) Publish(evt domain.Event) error {
	data, err := json.Marshal(newDelivery(p.Project, evt))
	if err != nil {
		return err
	}
	if err := p.Conn.Publish(p.Subject(evt.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(evt.Kind), err)
	}
	return nil
}
