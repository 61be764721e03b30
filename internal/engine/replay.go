package engine

import (
	"context"
	"fmt"

	"gateline/internal/eventlog"
	"gateline/internal/projection"
)

// ReplayReport compares two independent folds of the same log prefix.
type ReplayReport struct {
	Seq     int64  `json:"seq"`
	Events  int    `json:"events"`
	Digest  string `json:"digest"`
	Matches bool   `json:"matches"`
}

// VerifyReplay folds the log up to seq twice and compares the state digests.
// seq <= 0 means the whole log.
func VerifyReplay(ctx context.Context, store eventlog.Store, seq int64) (ReplayReport, error) {
	events, err := store.Read(ctx, 0, int(seq))
	if err != nil {
		return ReplayReport{}, err
	}
	first, err := projection.Replay(events)
	if err != nil {
		return ReplayReport{}, err
	}
	second, err := projection.Replay(events)
	if err != nil {
		return ReplayReport{}, err
	}
	a, err := first.Digest()
	if err != nil {
		return ReplayReport{}, err
	}
	b, err := second.Digest()
	if err != nil {
		return ReplayReport{}, err
	}
	if a != b {
		return ReplayReport{Seq: first.LastSeq, Events: len(events), Digest: a}, fmt.Errorf("replay digests differ: %s != %s", a, b)
	}
	return ReplayReport{Seq: first.LastSeq, Events: len(events), Digest: a, Matches: true}, nil
}
