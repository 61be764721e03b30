package server

import (
	"encoding/json"
	"time"

	"gateline/internal/domain"
	"gateline/internal/plan"
)

// Request payloads

type CreateStoriesRequest struct {
	Stories []domain.StoryDefinition `json:"stories" minItems:"1"`
}

// ReplanRequest adds stories to a launched wave and re-points blocked_by lists.
type ReplanRequest struct {
	Stories   []domain.StoryDefinition `json:"stories,omitempty"`
	BlockedBy map[string][]string      `json:"blocked_by,omitempty"`
}

type DispatchRequest struct {
	AgentClass string `json:"agent_class"`
}

type GateReportRequest struct {
	Gate       int                           `json:"gate" minimum:"0"`
	Attempt    int                           `json:"attempt" minimum:"1"`
	Outcome    string                        `json:"outcome,omitempty" enum:"pass,fail"`
	Checklist  map[string]domain.CheckResult `json:"checklist"`
	Criteria   []string                      `json:"criteria,omitempty"`
	DataImpact string                        `json:"data_impact,omitempty" enum:"none,reversible,irreversible"`
}

type AnomalyRequest struct {
	StoryID     string `json:"story_id,omitempty"`
	Wave        int    `json:"wave,omitempty"`
	Class       string `json:"class"`
	Severity    string `json:"severity" enum:"minor,major,critical"`
	Description string `json:"description,omitempty"`
	Gate        *int   `json:"gate,omitempty"`
	Key         string `json:"key,omitempty"`
}

type UsageRequest struct {
	Amount float64 `json:"amount" exclusiveMinimum:"0"`
	Note   string  `json:"note,omitempty"`
	Key    string  `json:"key,omitempty"`
}

type ResolveRequest struct {
	Decision    string `json:"decision" enum:"resume,rollback"`
	Gate        *int   `json:"gate,omitempty"`
	KeepRetries bool   `json:"keep_retries,omitempty"`
	Note        string `json:"note,omitempty"`
}

type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type StoriesResponse struct {
	Stories []domain.Story `json:"stories"`
}

type PhaseResponse struct {
	Index   int          `json:"index"`
	Stories []string     `json:"stories"`
	Groups  []plan.Group `json:"groups"`
}

type PlanResponse struct {
	Wave   int             `json:"wave"`
	Phases []PhaseResponse `json:"phases"`
}

type ReplanResponse struct {
	Plan     PlanResponse `json:"plan"`
	Created  []string     `json:"created"`
	Released []string     `json:"released"`
}

type EscalationsResponse struct {
	Items []domain.Escalation `json:"items"`
}

type AnomaliesResponse struct {
	Items []domain.Anomaly `json:"items"`
}

type EventResponse struct {
	Seq     int64           `json:"seq"`
	TS      string          `json:"ts"`
	Kind    string          `json:"kind"`
	StoryID string          `json:"story_id,omitempty"`
	Wave    int             `json:"wave,omitempty"`
	Key     string          `json:"key"`
	ActorID string          `json:"actor_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func planResponse(p plan.Plan) PlanResponse {
	out := PlanResponse{Wave: p.Wave, Phases: []PhaseResponse{}}
	for _, ph := range p.Phases {
		out.Phases = append(out.Phases, PhaseResponse{Index: ph.Index, Stories: nonNilSlice(ph.Stories), Groups: nonNilSlice(ph.Groups)})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return EventResponse{
		Seq:     e.Seq,
		TS:      e.TS.UTC().Format(time.RFC3339Nano),
		Kind:    string(e.Kind),
		StoryID: e.StoryID,
		Wave:    e.Wave,
		Key:     e.Key,
		ActorID: e.ActorID,
		Payload: payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
