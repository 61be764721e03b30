package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"gateline/internal/domain"
	"gateline/internal/projection"
)

type Scope string

const (
	ScopeStory Scope = "story"
	ScopeWave  Scope = "wave"
	ScopeAll   Scope = "all"
)

// StatusQuery selects what Status reports. ID is a story id for ScopeStory and a
// wave number for ScopeWave.
type StatusQuery struct {
	Scope Scope
	ID    string
}

type Blocker struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	Ref    string `json:"ref,omitempty"`
}

const (
	BlockerFailingItem   = "failing_item"
	BlockerDependency    = "unmet_dependency"
	BlockerOwnership     = "ownership_conflict"
	BlockerEscalation    = "open_escalation"
	BlockerWaveBlocked   = "wave_blocked"
	BlockerHeld          = "held"
	BlockerInactivePhase = "inactive_phase"
	BlockerNotLaunched   = "wave_not_launched"
)

type StoryStatus struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	Wave       int                `json:"wave"`
	Phase      int                `json:"phase"`
	Gate       int                `json:"gate"`
	GateName   string             `json:"gate_name"`
	Status     domain.StoryStatus `json:"status"`
	Agent      string             `json:"agent,omitempty"`
	AgentClass string             `json:"agent_class"`
	Attempt    int                `json:"attempt"`
	Retries    int                `json:"retries"`
	Held       bool               `json:"held,omitempty"`
	Blockers   []Blocker          `json:"blockers,omitempty"`
}

type PhaseProgress struct {
	Index    int `json:"index"`
	Total    int `json:"total"`
	Terminal int `json:"terminal"`
}

type WaveStatus struct {
	Number          int             `json:"number"`
	Launched        bool            `json:"launched"`
	ActivePhase     int             `json:"active_phase"`
	Phases          []PhaseProgress `json:"phases"`
	Complete        bool            `json:"complete"`
	Blocked         bool            `json:"blocked"`
	Budget          float64         `json:"budget,omitempty"`
	Used            float64         `json:"used,omitempty"`
	OpenEscalations []string        `json:"open_escalations,omitempty"`
}

type StatusReport struct {
	Scope   Scope         `json:"scope"`
	Seq     int64         `json:"seq"`
	Waves   []WaveStatus  `json:"waves,omitempty"`
	Stories []StoryStatus `json:"stories"`
}

// Status reports progress and every blocking reason for the requested scope.
func (e *Engine) Status(ctx context.Context, q StatusQuery) (StatusReport, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	if q.Scope == "" {
		q.Scope = ScopeAll
	}
	rep := StatusReport{Scope: q.Scope, Seq: snap.LastSeq}
	switch q.Scope {
	case ScopeStory:
		s, err := lookupStory(snap, q.ID)
		if err != nil {
			return StatusReport{}, err
		}
		rep.Stories = append(rep.Stories, e.storyStatus(snap, s))
	case ScopeWave:
		var n int
		if _, err := fmt.Sscanf(q.ID, "%d", &n); err != nil || n <= 0 {
			return StatusReport{}, invalid("wave scope needs a wave number, got %q", q.ID)
		}
		ws, ok := waveStatus(snap, n)
		if !ok {
			return StatusReport{}, fmt.Errorf("wave %d: %w", n, ErrNotFound)
		}
		rep.Waves = append(rep.Waves, ws)
		for _, id := range snap.StoryIDs() {
			if s := snap.Stories[id]; s.Wave == n {
				rep.Stories = append(rep.Stories, e.storyStatus(snap, s))
			}
		}
	case ScopeAll:
		seen := map[int]bool{}
		for _, id := range snap.StoryIDs() {
			s := snap.Stories[id]
			seen[s.Wave] = true
			rep.Stories = append(rep.Stories, e.storyStatus(snap, s))
		}
		for _, n := range sortedWaves(snap) {
			seen[n] = true
		}
		numbers := make([]int, 0, len(seen))
		for n := range seen {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
		for _, n := range numbers {
			if ws, ok := waveStatus(snap, n); ok {
				rep.Waves = append(rep.Waves, ws)
			}
		}
	default:
		return StatusReport{}, invalid("unknown scope %q", q.Scope)
	}
	return rep, nil
}

func waveStatus(st *projection.State, n int) (WaveStatus, bool) {
	w, launched := st.Waves[n]
	if !launched || w.LaunchedSeq == 0 {
		for _, s := range st.Stories {
			if s.Wave == n {
				return WaveStatus{Number: n, ActivePhase: -1, OpenEscalations: openEscalationsIn(st, n)}, true
			}
		}
		return WaveStatus{}, false
	}
	ws := WaveStatus{
		Number:          n,
		Launched:        true,
		ActivePhase:     activePhase(st, w),
		Complete:        waveComplete(st, w),
		Blocked:         w.Blocked,
		Budget:          w.Budget,
		Used:            w.Used,
		OpenEscalations: openEscalationsIn(st, n),
	}
	for i, phase := range w.Phases {
		pp := PhaseProgress{Index: i, Total: len(phase)}
		for _, id := range phase {
			if s, ok := st.Stories[id]; ok && s.Status.Terminal() {
				pp.Terminal++
			}
		}
		ws.Phases = append(ws.Phases, pp)
	}
	return ws, true
}

func (e *Engine) storyStatus(st *projection.State, s *domain.Story) StoryStatus {
	out := StoryStatus{
		ID:         s.ID,
		Title:      s.Title,
		Wave:       s.Wave,
		Phase:      -1,
		Gate:       s.Gate,
		GateName:   e.Gates.Name(s.Gate),
		Status:     s.Status,
		Agent:      s.Agent,
		AgentClass: s.AgentClass,
		Attempt:    s.Attempt,
		Retries:    s.RetryCount(s.Gate),
		Held:       s.Held,
	}
	w, launched := st.Waves[s.Wave]
	if launched {
		out.Phase = w.PhaseOf(s.ID)
	}
	if s.Status.Terminal() {
		return out
	}
	out.Blockers = blockers(st, s, w, launched)
	return out
}

func blockers(st *projection.State, s *domain.Story, w *domain.Wave, launched bool) []Blocker {
	var out []Blocker
	for _, id := range s.OpenEscalations {
		detail := id
		if esc, ok := st.Escalations[id]; ok {
			detail = fmt.Sprintf("%s (%s): %s", esc.Trigger, esc.Severity, esc.Reason)
		}
		out = append(out, Blocker{Kind: BlockerEscalation, Detail: detail, Ref: id})
	}
	if !launched || w.LaunchedSeq == 0 {
		return append(out, Blocker{Kind: BlockerNotLaunched, Detail: fmt.Sprintf("wave %d has not been launched", s.Wave)})
	}
	if w.Blocked {
		for _, id := range openWaveEscalations(st, s.Wave) {
			out = append(out, Blocker{Kind: BlockerWaveBlocked, Detail: "wave blocked by escalation " + id, Ref: id})
		}
	}
	if s.Held {
		out = append(out, Blocker{Kind: BlockerHeld, Detail: fmt.Sprintf("gate %d pass held until the wave escalation resolves", s.Gate)})
	}
	for _, dep := range unmetDependencies(st, s) {
		status := "unknown"
		if d, ok := st.Stories[dep]; ok {
			status = string(d.Status)
		}
		detail := fmt.Sprintf("%s is %s", dep, status)
		if status == string(domain.StatusRolledBack) {
			detail += "; replan the wave"
		}
		out = append(out, Blocker{Kind: BlockerDependency, Detail: detail, Ref: dep})
	}
	if lr := s.LastResult; lr != nil && lr.Outcome == domain.OutcomeFail && s.Status == domain.StatusBlocked && !s.AttemptOpen {
		for _, reason := range lr.Reasons {
			item := reason
			if i := strings.Index(reason, ":"); i > 0 {
				item = reason[:i]
			}
			out = append(out, Blocker{Kind: BlockerFailingItem, Detail: fmt.Sprintf("gate %d attempt %d: %s", lr.Gate, lr.Attempt, reason), Ref: item})
		}
	}
	if s.Status == domain.StatusReady && s.Agent == "" {
		if active := activePhase(st, w); active >= 0 && w.PhaseOf(s.ID) > active {
			out = append(out, Blocker{Kind: BlockerInactivePhase, Detail: fmt.Sprintf("phase %d waits for phase %d", w.PhaseOf(s.ID), active)})
		}
		if c := ownershipConflict(st, s); c != nil {
			out = append(out, Blocker{Kind: BlockerOwnership, Detail: fmt.Sprintf("%s held by %s", strings.Join(c.Paths, ","), c.Holder), Ref: c.Holder})
		}
	}
	return out
}
