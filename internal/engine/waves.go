package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/plan"
	"gateline/internal/projection"
)

// PlanWave computes the phase plan of a wave without launching it.
func (e *Engine) PlanWave(ctx context.Context, wave int) (plan.Plan, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return plan.Plan{}, err
	}
	return planWave(snap, wave)
}

func planWave(st *projection.State, wave int) (plan.Plan, error) {
	op := fmt.Sprintf("launch wave %d", wave)
	var members []domain.Story
	for _, id := range st.StoryIDs() {
		s := st.Stories[id]
		if s.Wave == wave {
			members = append(members, *s)
		}
	}
	if len(members) == 0 {
		return plan.Plan{}, configErr(op, "wave has no stories")
	}
	p, err := plan.Build(wave, members, func(id string) (domain.Story, bool) {
		s, ok := st.Stories[id]
		if !ok {
			return domain.Story{}, false
		}
		return *s, true
	})
	if err != nil {
		return plan.Plan{}, &ConfigurationError{Op: op, Err: err}
	}
	return p, nil
}

// LaunchWave plans the wave and records it. A wave launches once; relaunching
// returns the recorded plan.
func (e *Engine) LaunchWave(ctx context.Context, wave int, actorID string) (plan.Plan, error) {
	var out plan.Plan
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		if w, ok := st.Waves[wave]; ok && w.LaunchedSeq > 0 {
			out = recordedPlan(st, w)
			return nil, nil
		}
		p, err := planWave(st, wave)
		if err != nil {
			return nil, err
		}
		out = p
		d := &decision{}
		return d, d.add(domain.NewEvent(domain.KindWaveLaunched, "", wave, fmt.Sprintf("wave-%d|wave_launched", wave), actorID,
			domain.WaveLaunchedPayload{Wave: wave, Phases: p.IDs(), Budget: e.Config.WaveBudget(wave)}))
	})
	if err != nil {
		return plan.Plan{}, err
	}
	e.log().Info("wave launched", zap.Int("wave", wave), zap.Int("phases", len(out.Phases)))
	return out, nil
}

// Replan changes the plan of a launched wave. Stories join the wave, typically
// the corrected replacement of a rolled back story, and BlockedBy re-points
// the hard dependencies of existing stories.
type Replan struct {
	Wave      int                      `json:"wave"`
	Stories   []domain.StoryDefinition `json:"stories,omitempty"`
	BlockedBy map[string][]string      `json:"blocked_by,omitempty"`
	ActorID   string                   `json:"actor_id,omitempty"`
}

type ReplanResult struct {
	Plan    plan.Plan `json:"plan"`
	Created []string  `json:"created,omitempty"`
	// Released are stories whose rolled-back-dependency escalations the new plan resolved.
	Released []string `json:"released,omitempty"`
}

// ReplanWave recomputes the phases of a launched wave after its stories or
// their dependencies changed. No story may remain blocked by a rolled back
// story. Dependency escalations opened by a rollback are resolved with resume
// once the story no longer depends on anything rolled back.
func (e *Engine) ReplanWave(ctx context.Context, r Replan) (ReplanResult, error) {
	op := fmt.Sprintf("replan wave %d", r.Wave)
	defs := make([]domain.StoryDefinition, len(r.Stories))
	for i, def := range r.Stories {
		if def.Wave == 0 {
			def.Wave = r.Wave
		}
		defs[i] = normalizeDefinition(def)
	}
	var out ReplanResult
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		out = ReplanResult{}
		w, ok := st.Waves[r.Wave]
		if !ok || w.LaunchedSeq == 0 {
			return nil, configErr(op, "wave is not launched")
		}
		if len(defs) == 0 && len(r.BlockedBy) == 0 {
			return nil, configErr(op, "no stories or dependencies to change")
		}
		batch, err := newBatch(st, op, defs)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if def.Wave != r.Wave {
				return nil, configErr(op, "story %s belongs to wave %d", def.ID(), def.Wave)
			}
			if err := e.validateDefinition(st, def, batch); err != nil {
				return nil, err
			}
		}
		repointed, err := repointDependencies(st, op, r, batch)
		if err != nil {
			return nil, err
		}

		var members []domain.Story
		for _, id := range st.StoryIDs() {
			s := *st.Stories[id]
			if s.Wave != r.Wave {
				continue
			}
			if deps, ok := repointed[id]; ok {
				s.BlockedBy = deps
			}
			members = append(members, s)
		}
		for _, def := range defs {
			members = append(members, domain.Story{ID: def.ID(), StoryDefinition: def, Status: domain.StatusDraft})
		}
		for _, s := range members {
			if s.Status.Terminal() {
				continue
			}
			if dep := rolledBackDependency(st, s); dep != "" {
				return nil, configErr(op, "story %s is still blocked by rolled back story %s", s.ID, dep)
			}
		}
		p, err := plan.Build(r.Wave, members, func(id string) (domain.Story, bool) {
			s, ok := st.Stories[id]
			if !ok {
				return domain.Story{}, false
			}
			return *s, true
		})
		if err != nil {
			return nil, &ConfigurationError{Op: op, Err: err}
		}
		out.Plan = p

		d := &decision{}
		for _, def := range defs {
			id := def.ID()
			out.Created = append(out.Created, id)
			if err := d.add(domain.NewEvent(domain.KindStoryCreated, id, def.Wave, id+"|story_created", r.ActorID,
				domain.StoryCreatedPayload{Story: def})); err != nil {
				return nil, err
			}
		}
		if err := d.add(domain.NewEvent(domain.KindWaveReplanned, "", r.Wave, fmt.Sprintf("wave-%d|wave_replanned|%d", r.Wave, st.LastSeq), r.ActorID,
			domain.WaveReplannedPayload{Wave: r.Wave, Phases: p.IDs(), BlockedBy: repointed, Stories: out.Created})); err != nil {
			return nil, err
		}
		for _, esc := range sortedEscalations(st) {
			if !esc.Open || esc.Scope != domain.ScopeStory || esc.Wave != r.Wave || esc.Trigger != triggerDependencyRolledBack {
				continue
			}
			if err := d.add(domain.NewEvent(domain.KindEscalationResolved, esc.StoryID, esc.Wave, esc.ID+"|escalation_resolved", r.ActorID,
				domain.EscalationResolvedPayload{ID: esc.ID, Decision: domain.DecisionResume, Note: "wave re-planned"})); err != nil {
				return nil, err
			}
			out.Released = append(out.Released, esc.StoryID)
		}
		return d, nil
	})
	if err != nil {
		return ReplanResult{}, err
	}
	e.log().Info("wave replanned", zap.Int("wave", r.Wave), zap.Int("phases", len(out.Plan.Phases)),
		zap.Strings("created", out.Created), zap.Strings("released", out.Released))
	return out, nil
}

// repointDependencies validates the requested blocked_by replacements.
func repointDependencies(st *projection.State, op string, r Replan, batch map[string]bool) (map[string][]string, error) {
	if len(r.BlockedBy) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(r.BlockedBy))
	for id, deps := range r.BlockedBy {
		s, err := lookupStory(st, id)
		if err != nil {
			return nil, err
		}
		if s.Wave != r.Wave {
			return nil, configErr(op, "story %s belongs to wave %d", id, s.Wave)
		}
		if s.Status.Terminal() {
			return nil, configErr(op, "story %s is %s", id, s.Status)
		}
		seen := map[string]bool{}
		clean := []string{}
		for _, dep := range deps {
			dep = strings.TrimSpace(dep)
			if dep == "" || seen[dep] {
				continue
			}
			if dep == id {
				return nil, configErr(op, "story %s depends on itself", id)
			}
			if _, ok := st.Stories[dep]; !ok && !batch[dep] {
				return nil, configErr(op, "blocked_by of %s references unknown story %s", id, dep)
			}
			seen[dep] = true
			clean = append(clean, dep)
		}
		out[id] = clean
	}
	return out, nil
}

func rolledBackDependency(st *projection.State, s domain.Story) string {
	for _, dep := range s.BlockedBy {
		if d, ok := st.Stories[dep]; ok && d.Status == domain.StatusRolledBack {
			return dep
		}
	}
	return ""
}

func recordedPlan(st *projection.State, w *domain.Wave) plan.Plan {
	p := plan.Plan{Wave: w.Number}
	for i, ids := range w.Phases {
		stories := make([]domain.Story, 0, len(ids))
		for _, id := range ids {
			if s, ok := st.Stories[id]; ok {
				stories = append(stories, *s)
			}
		}
		p.Phases = append(p.Phases, plan.Phase{Index: i, Stories: append([]string(nil), ids...), Groups: plan.GroupByClass(stories)})
	}
	return p
}

// activePhase is the lowest phase holding a non-terminal story, or -1 when every
// story is terminal.
func activePhase(st *projection.State, w *domain.Wave) int {
	for i, phase := range w.Phases {
		for _, id := range phase {
			if s, ok := st.Stories[id]; ok && !s.Status.Terminal() {
				return i
			}
		}
	}
	return -1
}

// openWaveEscalations lists open wave-scope escalations of a wave.
func openWaveEscalations(st *projection.State, wave int) []string {
	var ids []string
	for _, esc := range sortedEscalations(st) {
		if esc.Open && esc.Scope == domain.ScopeWave && esc.Wave == wave {
			ids = append(ids, esc.ID)
		}
	}
	return ids
}

// openEscalationsIn lists every open escalation touching a wave, story scope included.
func openEscalationsIn(st *projection.State, wave int) []string {
	var ids []string
	for _, esc := range sortedEscalations(st) {
		if esc.Open && esc.Wave == wave {
			ids = append(ids, esc.ID)
		}
	}
	return ids
}

// waveComplete reports whether every story is terminal and nothing is escalated.
func waveComplete(st *projection.State, w *domain.Wave) bool {
	return activePhase(st, w) == -1 && len(openEscalationsIn(st, w.Number)) == 0
}
