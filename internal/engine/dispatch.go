package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/eventlog"
	"gateline/internal/ownership"
	"gateline/internal/plan"
	"gateline/internal/projection"
)

// Skip records a candidate passed over during dispatch.
type Skip struct {
	StoryID string   `json:"story_id"`
	Reason  string   `json:"reason"`
	Holder  string   `json:"holder,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// Assignment is the answer to a dispatch request. Story is nil when the agent
// has no dispatchable work.
type Assignment struct {
	Story   *domain.Story `json:"story,omitempty"`
	Resumed bool          `json:"resumed"`
	Skipped []Skip        `json:"skipped,omitempty"`
}

// Dispatch hands the next phase-ready story of agentClass to agentID. An agent
// that still holds a non-terminal story gets that story back. Ownership is
// claimed here; a conflicting candidate stays ready and the next one is tried.
func (e *Engine) Dispatch(ctx context.Context, agentID, agentClass string) (Assignment, error) {
	if agentID == "" {
		return Assignment{}, invalid("agent id is required")
	}
	if !e.Config.HasAgentClass(agentClass) {
		return Assignment{}, configErr("dispatch", "unknown agent class %q", agentClass)
	}
	var out Assignment
	var picked string
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		out = Assignment{}
		picked = ""
		if held := heldBy(st, agentID); held != nil {
			out.Resumed = true
			picked = held.ID
			return nil, nil
		}
		for _, cand := range dispatchCandidates(st, agentClass) {
			if conflict := st.Owners.Check(cand.ID, cand.OwnedPaths); conflict != nil {
				out.Skipped = append(out.Skipped, Skip{StoryID: cand.ID, Reason: "ownership_conflict", Holder: conflict.Holder, Paths: conflict.Paths})
				continue
			}
			picked = cand.ID
			attempt := cand.Attempts[cand.Gate] + 1
			d := &decision{}
			if err := d.add(domain.NewEvent(domain.KindOwnershipClaim, cand.ID, cand.Wave, storyKey(cand.ID, "ownership_claim|"+agentID), agentID,
				domain.OwnershipPayload{Paths: cand.OwnedPaths, Agent: agentID})); err != nil {
				return nil, err
			}
			if err := d.add(domain.NewEvent(domain.KindGateAttemptStarted, cand.ID, cand.Wave,
				domain.GateKey(cand.ID, cand.Gate, attempt, domain.KindGateAttemptStarted), agentID,
				domain.AttemptStartedPayload{Gate: cand.Gate, Attempt: attempt, Agent: agentID, AgentClass: agentClass})); err != nil {
				return nil, err
			}
			return d, nil
		}
		return nil, nil
	})
	if err != nil {
		return Assignment{}, err
	}
	for range out.Skipped {
		e.Metrics.Conflict()
	}
	if picked == "" {
		return out, nil
	}
	s, err := e.Story(ctx, picked)
	if err != nil {
		return Assignment{}, err
	}
	out.Story = &s
	if !out.Resumed {
		e.Metrics.Dispatched(agentClass)
		e.log().Info("story dispatched", zap.String("story", s.ID), zap.String("agent", agentID), zap.String("class", agentClass))
	}
	return out, nil
}

func heldBy(st *projection.State, agentID string) *domain.Story {
	for _, id := range st.StoryIDs() {
		s := st.Stories[id]
		if s.Agent == agentID && !s.Status.Terminal() {
			return s
		}
	}
	return nil
}

// dispatchCandidates lists stories an agent of class could take right now,
// before ownership is checked, in dispatch order.
func dispatchCandidates(st *projection.State, class string) []domain.Story {
	var out []domain.Story
	for _, id := range dispatchable(st) {
		s := st.Stories[id]
		if class == "" || s.AgentClass == class {
			out = append(out, *s)
		}
	}
	plan.SortForDispatch(out)
	return out
}

// dispatchable returns ready, unassigned stories of every launched, unblocked
// wave's active phase whose hard dependencies are complete.
func dispatchable(st *projection.State) []string {
	var ids []string
	for _, n := range sortedWaves(st) {
		w := st.Waves[n]
		if w.Blocked || w.LaunchedSeq == 0 {
			continue
		}
		active := activePhase(st, w)
		if active < 0 {
			continue
		}
		for _, id := range w.Phases[active] {
			s, ok := st.Stories[id]
			if !ok || s.Status != domain.StatusReady || s.Agent != "" || len(s.OpenEscalations) > 0 {
				continue
			}
			if len(unmetDependencies(st, s)) > 0 {
				continue
			}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func unmetDependencies(st *projection.State, s *domain.Story) []string {
	var out []string
	for _, dep := range s.BlockedBy {
		d, ok := st.Stories[dep]
		if !ok || d.Status != domain.StatusComplete {
			out = append(out, dep)
		}
	}
	return out
}

func sortedWaves(st *projection.State) []int {
	out := make([]int, 0, len(st.Waves))
	for n := range st.Waves {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// StartAttempt opens the next attempt of the story's current gate after a
// failure or a resumed escalation.
func (e *Engine) StartAttempt(ctx context.Context, storyID, agentID string) (domain.Story, error) {
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		s, err := lookupStory(st, storyID)
		if err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return nil, invalid("story %s is %s", s.ID, s.Status)
		}
		if s.Agent == "" {
			return nil, invalid("story %s has not been dispatched", s.ID)
		}
		if agentID != s.Agent {
			return nil, invalid("story %s is assigned to %s", s.ID, s.Agent)
		}
		if err := escalationBlock(st, s); err != nil {
			return nil, err
		}
		if s.Held {
			return nil, invalid("story %s is held until its wave escalation resolves", s.ID)
		}
		if s.AttemptOpen {
			return nil, invalid("story %s already has attempt %d open at gate %d", s.ID, s.Attempt, s.Gate)
		}
		if deps := unmetDependencies(st, s); len(deps) > 0 {
			return nil, invalid("story %s is blocked by incomplete %v", s.ID, deps)
		}
		attempt := s.Attempts[s.Gate] + 1
		d := &decision{}
		return d, d.add(domain.NewEvent(domain.KindGateAttemptStarted, s.ID, s.Wave,
			domain.GateKey(s.ID, s.Gate, attempt, domain.KindGateAttemptStarted), agentID,
			domain.AttemptStartedPayload{Gate: s.Gate, Attempt: attempt, Agent: agentID, AgentClass: s.AgentClass}))
	})
	if err != nil {
		return domain.Story{}, err
	}
	return e.Story(ctx, storyID)
}

// StoryChange is a story touched since the poll cursor.
type StoryChange struct {
	ID     string             `json:"id"`
	Gate   int                `json:"gate"`
	Status domain.StoryStatus `json:"status"`
	Seq    int64              `json:"seq"`
}

// Delta describes readiness changes between two log positions.
type Delta struct {
	Since        int64         `json:"since"`
	Seq          int64         `json:"seq"`
	Dispatchable []string      `json:"dispatchable"`
	Added        []string      `json:"added,omitempty"`
	Removed      []string      `json:"removed,omitempty"`
	Changed      []StoryChange `json:"changed,omitempty"`
	Completed    []int         `json:"completed_waves,omitempty"`
}

// Poll compares readiness at log position since with the current state.
func (e *Engine) Poll(ctx context.Context, since int64) (Delta, error) {
	now, err := e.Snapshot(ctx)
	if err != nil {
		return Delta{}, err
	}
	if since < 0 || since > now.LastSeq {
		return Delta{}, invalid("poll cursor %d outside log (last %d)", since, now.LastSeq)
	}
	var prefix []domain.Event
	if since > 0 {
		prefix, err = e.Store.Read(ctx, 0, int(since))
		if err != nil {
			return Delta{}, err
		}
	}
	then, err := projection.Replay(prefix)
	if err != nil {
		return Delta{}, err
	}
	before := toSet(dispatchable(then))
	current := dispatchable(now)
	d := Delta{Since: since, Seq: now.LastSeq, Dispatchable: current}
	for _, id := range current {
		if !before[id] {
			d.Added = append(d.Added, id)
		}
		delete(before, id)
	}
	for id := range before {
		d.Removed = append(d.Removed, id)
	}
	sort.Strings(d.Removed)
	for _, id := range now.StoryIDs() {
		s := now.Stories[id]
		if s.UpdatedSeq > since {
			d.Changed = append(d.Changed, StoryChange{ID: id, Gate: s.Gate, Status: s.Status, Seq: s.UpdatedSeq})
		}
	}
	for _, n := range sortedWaves(now) {
		w := now.Waves[n]
		if !waveComplete(now, w) {
			continue
		}
		if pw, ok := then.Waves[n]; !ok || !waveComplete(then, pw) {
			d.Completed = append(d.Completed, n)
		}
	}
	return d, nil
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// Subscribe streams events of the given kinds appended after seq.
func (e *Engine) Subscribe(ctx context.Context, after int64, kinds []string) <-chan domain.Event {
	return eventlog.Subscribe(ctx, e.Store, after, kinds, 0)
}

// ownershipConflict reports the conflict a ready story would hit at dispatch.
func ownershipConflict(st *projection.State, s *domain.Story) *ownership.ConflictError {
	return st.Owners.Check(s.ID, s.OwnedPaths)
}
