package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type EventKind string

const (
	KindStoryCreated       EventKind = "story_created"
	KindWaveLaunched       EventKind = "wave_launched"
	KindWaveReplanned      EventKind = "wave_replanned"
	KindGateAttemptStarted EventKind = "gate_attempt_started"
	KindGateResult         EventKind = "gate_result"
	KindOwnershipClaim     EventKind = "ownership_claim"
	KindOwnershipRelease   EventKind = "ownership_release"
	KindAnomalyRaised      EventKind = "anomaly_raised"
	KindEscalationOpened   EventKind = "escalation_opened"
	KindEscalationResolved EventKind = "escalation_resolved"
	KindRollbackExecuted   EventKind = "rollback_executed"
	KindUsageRecorded      EventKind = "usage_recorded"
)

// AllKinds lists every event kind in declaration order.
var AllKinds = []EventKind{
	KindStoryCreated, KindWaveLaunched, KindWaveReplanned, KindGateAttemptStarted, KindGateResult,
	KindOwnershipClaim, KindOwnershipRelease, KindAnomalyRaised, KindEscalationOpened,
	KindEscalationResolved, KindRollbackExecuted, KindUsageRecorded,
}

// Event is an immutable log record. Seq is assigned by the store.
type Event struct {
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts" format:"date-time"`
	StoryID string          `json:"story_id,omitempty"`
	Wave    int             `json:"wave,omitempty"`
	Kind    EventKind       `json:"kind"`
	Key     string          `json:"key"`
	ActorID string          `json:"actor_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an event without a sequence number.
func NewEvent(kind EventKind, storyID string, wave int, key, actorID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		StoryID: storyID,
		Wave:    wave,
		Kind:    kind,
		Key:     key,
		ActorID: actorID,
		Payload: data,
	}, nil
}

// DecodePayload unmarshals the event payload into T.
func DecodePayload[T any](e Event) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload (seq %d): %w", e.Kind, e.Seq, err)
	}
	return out, nil
}

// GateKey builds the idempotency key story|gate|attempt|kind.
func GateKey(storyID string, gate, attempt int, kind EventKind) string {
	return storyID + "|" + strconv.Itoa(gate) + "|" + strconv.Itoa(attempt) + "|" + string(kind)
}

type StoryCreatedPayload struct {
	Story StoryDefinition `json:"story"`
}

type WaveLaunchedPayload struct {
	Wave   int        `json:"wave"`
	Phases [][]string `json:"phases"`
	Budget float64    `json:"budget,omitempty"`
}

// WaveReplannedPayload replaces the phases of a launched wave. BlockedBy holds
// the re-pointed dependency lists; Stories the ids created by the same batch.
type WaveReplannedPayload struct {
	Wave      int                 `json:"wave"`
	Phases    [][]string          `json:"phases"`
	BlockedBy map[string][]string `json:"blocked_by,omitempty"`
	Stories   []string            `json:"stories,omitempty"`
}

type AttemptStartedPayload struct {
	Gate       int    `json:"gate"`
	Attempt    int    `json:"attempt"`
	Agent      string `json:"agent"`
	AgentClass string `json:"agent_class,omitempty"`
}

type GateResultPayload struct {
	Gate       int                    `json:"gate"`
	Attempt    int                    `json:"attempt"`
	Outcome    Outcome                `json:"outcome"`
	Reported   Outcome                `json:"reported,omitempty"`
	Checklist  map[string]CheckResult `json:"checklist,omitempty"`
	Criteria   []string               `json:"criteria,omitempty"`
	Reasons    []string               `json:"reasons,omitempty"`
	DataImpact DataImpact             `json:"data_impact,omitempty"`
	NextGate   int                    `json:"next_gate"`
	Complete   bool                   `json:"complete,omitempty"`
	Held       bool                   `json:"held,omitempty"`
}

type OwnershipPayload struct {
	Paths []string `json:"paths"`
	Agent string   `json:"agent,omitempty"`
}

type AnomalyPayload struct {
	ID          string   `json:"id"`
	Class       string   `json:"class"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
	Gate        *int     `json:"gate,omitempty"`
}

type EscalationOpenedPayload struct {
	ID        string          `json:"id"`
	Scope     EscalationScope `json:"scope"`
	Severity  Severity        `json:"severity"`
	Trigger   string          `json:"trigger"`
	Reason    string          `json:"reason"`
	Gate      *int            `json:"gate,omitempty"`
	AnomalyID string          `json:"anomaly_id,omitempty"`
}

type EscalationResolvedPayload struct {
	ID           string   `json:"id"`
	Decision     Decision `json:"decision"`
	Gate         *int     `json:"gate,omitempty"`
	ResetRetries bool     `json:"reset_retries,omitempty"`
	Note         string   `json:"note,omitempty"`
}

type RollbackPayload struct {
	DataImpact DataImpact `json:"data_impact"`
	Reason     string     `json:"reason,omitempty"`
	Dependents []string   `json:"dependents,omitempty"`
}

type UsagePayload struct {
	Amount float64 `json:"amount"`
	Note   string  `json:"note,omitempty"`
}
