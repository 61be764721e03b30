package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/escalation"
	"gateline/internal/projection"
)

// Resolution is the human decision closing an escalation.
type Resolution struct {
	ID       string          `json:"id"`
	Decision domain.Decision `json:"decision"`
	// Gate optionally moves a resumed story back to an earlier gate.
	Gate *int `json:"gate,omitempty"`
	// KeepRetries leaves failure counts untouched on resume.
	KeepRetries bool   `json:"keep_retries,omitempty"`
	Note        string `json:"note,omitempty"`
	ActorID     string `json:"actor_id,omitempty"`
}

type ResolveResult struct {
	Escalation domain.Escalation `json:"escalation"`
	RolledBack []string          `json:"rolled_back,omitempty"`
	Resumed    []string          `json:"resumed,omitempty"`
}

// ResolveEscalation records a decision. resume unblocks the story or wave;
// rollback runs the rollback procedure on the escalated target.
func (e *Engine) ResolveEscalation(ctx context.Context, r Resolution) (ResolveResult, error) {
	switch r.Decision {
	case domain.DecisionResume, domain.DecisionRollback:
	default:
		return ResolveResult{}, invalid("unknown decision %q", r.Decision)
	}
	var out ResolveResult
	var refusal *IrreversibleRollbackRefusal
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		out = ResolveResult{}
		refusal = nil
		esc, ok := st.Escalations[r.ID]
		if !ok {
			return nil, fmt.Errorf("escalation %s: %w", r.ID, ErrNotFound)
		}
		if !esc.Open {
			if esc.Decision == r.Decision {
				return nil, nil
			}
			return nil, invalid("escalation %s already resolved with %s", esc.ID, esc.Decision)
		}
		d := &decision{}
		if r.Decision == domain.DecisionRollback {
			var targets []*domain.Story
			if esc.Scope == domain.ScopeWave {
				for _, id := range st.StoryIDs() {
					if s := st.Stories[id]; s.Wave == esc.Wave && !s.Status.Terminal() {
						targets = append(targets, s)
					}
				}
			} else {
				s, err := lookupStory(st, esc.StoryID)
				if err != nil {
					return nil, err
				}
				targets = append(targets, s)
			}
			ref, err := e.decideRollback(st, d, targets, r.Note, r.ActorID, esc)
			if err != nil {
				return nil, err
			}
			if ref != nil {
				refusal = ref
				return d, nil
			}
			for _, s := range targets {
				out.RolledBack = append(out.RolledBack, s.ID)
			}
			return d, nil
		}

		payload := domain.EscalationResolvedPayload{ID: esc.ID, Decision: r.Decision, ResetRetries: !r.KeepRetries, Note: r.Note}
		if esc.Scope == domain.ScopeStory && r.Gate != nil {
			s, err := lookupStory(st, esc.StoryID)
			if err != nil {
				return nil, err
			}
			if *r.Gate < 0 || *r.Gate > s.Gate {
				return nil, invalid("resume gate %d must be between 0 and the story's gate %d", *r.Gate, s.Gate)
			}
			payload.Gate = r.Gate
		}
		if err := d.add(domain.NewEvent(domain.KindEscalationResolved, esc.StoryID, esc.Wave, esc.ID+"|escalation_resolved", r.ActorID, payload)); err != nil {
			return nil, err
		}
		if esc.Scope == domain.ScopeWave && len(openWaveEscalations(st, esc.Wave)) == 1 {
			resumed, err := releaseHeld(st, d, esc.Wave, r.ActorID)
			if err != nil {
				return nil, err
			}
			out.Resumed = resumed
		} else if esc.Scope == domain.ScopeStory {
			out.Resumed = []string{esc.StoryID}
		}
		return d, nil
	})
	if err != nil {
		return ResolveResult{}, err
	}
	if refusal != nil {
		e.log().Error("rollback refused", zap.String("story", refusal.StoryID), zap.String("escalation", refusal.EscalationID))
		return ResolveResult{}, refusal
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return ResolveResult{}, err
	}
	if esc, ok := snap.Escalations[r.ID]; ok {
		out.Escalation = *esc
	}
	return out, nil
}

// releaseHeld starts the next attempt of every story whose pass was held by the
// wave escalation being resolved, or releases ownership when that pass completed it.
func releaseHeld(st *projection.State, d *decision, wave int, actor string) ([]string, error) {
	var ids []string
	for _, id := range st.StoryIDs() {
		s := st.Stories[id]
		if s.Wave != wave || !s.Held {
			continue
		}
		ids = append(ids, s.ID)
		if s.HeldComplete {
			if err := d.add(domain.NewEvent(domain.KindOwnershipRelease, s.ID, s.Wave, storyKey(s.ID, "ownership_release"), actor,
				domain.OwnershipPayload{Paths: st.Owners.Held(s.ID), Agent: s.Agent})); err != nil {
				return nil, err
			}
			continue
		}
		if len(s.OpenEscalations) > 0 {
			continue
		}
		attempt := s.Attempts[s.HeldNext] + 1
		if err := d.add(domain.NewEvent(domain.KindGateAttemptStarted, s.ID, s.Wave,
			domain.GateKey(s.ID, s.HeldNext, attempt, domain.KindGateAttemptStarted), actor,
			domain.AttemptStartedPayload{Gate: s.HeldNext, Attempt: attempt, Agent: s.Agent, AgentClass: s.AgentClass})); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Rollback rolls a story back outside of an escalation resolution.
func (e *Engine) Rollback(ctx context.Context, storyID, reason, actorID string) (domain.RollbackRecord, error) {
	var refusal *IrreversibleRollbackRefusal
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		refusal = nil
		s, err := lookupStory(st, storyID)
		if err != nil {
			return nil, err
		}
		if s.Status == domain.StatusRolledBack {
			return nil, nil
		}
		d := &decision{}
		ref, err := e.decideRollback(st, d, []*domain.Story{s}, reason, actorID, nil)
		if err != nil {
			return nil, err
		}
		refusal = ref
		return d, nil
	})
	if err != nil {
		return domain.RollbackRecord{}, err
	}
	if refusal != nil {
		e.log().Error("rollback refused", zap.String("story", refusal.StoryID), zap.String("escalation", refusal.EscalationID))
		return domain.RollbackRecord{}, refusal
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return domain.RollbackRecord{}, err
	}
	for i := len(snap.Rollbacks) - 1; i >= 0; i-- {
		if snap.Rollbacks[i].StoryID == storyID {
			return snap.Rollbacks[i], nil
		}
	}
	return domain.RollbackRecord{}, fmt.Errorf("rollback of %s: %w", storyID, ErrNotFound)
}

// triggerDependencyRolledBack marks escalations opened on the dependents of a
// rolled back story. ReplanWave resolves them.
const triggerDependencyRolledBack = "dependency-rolled-back"

// decideRollback runs the rollback decision procedure for targets. When any
// target carries irreversible data impact nothing is rolled back: a critical
// escalation is opened instead and a refusal returned. via is the escalation
// being resolved, if any.
func (e *Engine) decideRollback(st *projection.State, d *decision, targets []*domain.Story, reason, actor string, via *domain.Escalation) (*IrreversibleRollbackRefusal, error) {
	targetSet := map[string]bool{}
	for _, s := range targets {
		if s.Status.Terminal() {
			return nil, invalid("story %s is %s and cannot be rolled back", s.ID, s.Status)
		}
		targetSet[s.ID] = true
	}
	waveStories := map[int][]domain.Story{}
	for _, id := range st.StoryIDs() {
		s := st.Stories[id]
		waveStories[s.Wave] = append(waveStories[s.Wave], *s)
	}
	plans := make([]escalation.RollbackPlan, len(targets))
	for i, s := range targets {
		plans[i] = escalation.DecideRollback(*s, waveStories[s.Wave])
		if plans[i].Allowed {
			continue
		}
		finding := escalation.Finding{
			Trigger:  "irreversible-rollback",
			Scope:    domain.ScopeStory,
			Severity: domain.SeverityCritical,
			Reason:   fmt.Sprintf("rollback of %s refused: %s", s.ID, plans[i].Reason),
		}
		id, err := openEscalation(d, fmt.Sprintf("%s|rollback_refused|%d", s.ID, st.LastSeq), s.ID, s.Wave, actor, finding, nil, "")
		if err != nil {
			return nil, err
		}
		return &IrreversibleRollbackRefusal{StoryID: s.ID, EscalationID: id}, nil
	}

	if via != nil {
		if err := d.add(domain.NewEvent(domain.KindEscalationResolved, via.StoryID, via.Wave, via.ID+"|escalation_resolved", actor,
			domain.EscalationResolvedPayload{ID: via.ID, Decision: domain.DecisionRollback, Note: reason})); err != nil {
			return nil, err
		}
	}
	for i, s := range targets {
		for _, escID := range s.OpenEscalations {
			if via != nil && escID == via.ID {
				continue
			}
			if err := d.add(domain.NewEvent(domain.KindEscalationResolved, s.ID, s.Wave, escID+"|escalation_resolved", actor,
				domain.EscalationResolvedPayload{ID: escID, Decision: domain.DecisionRollback, Note: "story rolled back"})); err != nil {
				return nil, err
			}
		}
		var dependents []string
		for _, dep := range plans[i].Dependents {
			if !targetSet[dep] {
				dependents = append(dependents, dep)
			}
		}
		if err := d.add(domain.NewEvent(domain.KindRollbackExecuted, s.ID, s.Wave, storyKey(s.ID, "rollback_executed"), actor,
			domain.RollbackPayload{DataImpact: plans[i].DataImpact, Reason: reason, Dependents: dependents})); err != nil {
			return nil, err
		}
		if held := st.Owners.Held(s.ID); len(held) > 0 {
			if err := d.add(domain.NewEvent(domain.KindOwnershipRelease, s.ID, s.Wave, storyKey(s.ID, "ownership_release"), actor,
				domain.OwnershipPayload{Paths: held, Agent: s.Agent})); err != nil {
				return nil, err
			}
		}
		for _, dep := range dependents {
			finding := escalation.Finding{
				Trigger:  triggerDependencyRolledBack,
				Scope:    domain.ScopeStory,
				Severity: domain.SeverityMajor,
				Reason:   fmt.Sprintf("hard dependency %s was rolled back; replan the wave", s.ID),
			}
			if _, err := openEscalation(d, storyKey(dep, "rollback_dependency|"+s.ID), dep, s.Wave, actor, finding, nil, ""); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// Escalations lists escalations in the order they were opened.
func (e *Engine) Escalations(ctx context.Context, openOnly bool) ([]domain.Escalation, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Escalation
	for _, esc := range sortedEscalations(snap) {
		if openOnly && !esc.Open {
			continue
		}
		out = append(out, *esc)
	}
	return out, nil
}

// Anomalies lists recorded anomalies, optionally for one story.
func (e *Engine) Anomalies(ctx context.Context, storyID string) ([]domain.Anomaly, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Anomaly
	for _, a := range snap.Anomalies {
		if storyID == "" || a.StoryID == storyID {
			out = append(out, a)
		}
	}
	return out, nil
}

func sortedEscalations(st *projection.State) []*domain.Escalation {
	out := make([]*domain.Escalation, 0, len(st.Escalations))
	for _, esc := range st.Escalations {
		out = append(out, esc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedSeq != out[j].OpenedSeq {
			return out[i].OpenedSeq < out[j].OpenedSeq
		}
		return out[i].ID < out[j].ID
	})
	return out
}
