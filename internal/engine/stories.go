package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/ownership"
	"gateline/internal/projection"
)

// CreateStories validates and records story definitions in one batch. Hard
// dependencies may point at stories created earlier or in the same batch.
func (e *Engine) CreateStories(ctx context.Context, defs []domain.StoryDefinition, actorID string) ([]domain.Story, error) {
	if len(defs) == 0 {
		return nil, configErr("create story", "no stories given")
	}
	normalized := make([]domain.StoryDefinition, len(defs))
	ids := make([]string, len(defs))
	for i, def := range defs {
		normalized[i] = normalizeDefinition(def)
		ids[i] = normalized[i].ID()
	}
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		batch, err := newBatch(st, "create story", normalized)
		if err != nil {
			return nil, err
		}
		d := &decision{}
		for _, def := range normalized {
			if err := e.validateDefinition(st, def, batch); err != nil {
				return nil, err
			}
			if _, launched := st.Waves[def.Wave]; launched {
				return nil, configErr("create story "+def.ID(), "wave %d already launched; replan the wave to add stories", def.Wave)
			}
			id := def.ID()
			if err := d.add(domain.NewEvent(domain.KindStoryCreated, id, def.Wave, id+"|story_created", actorID,
				domain.StoryCreatedPayload{Story: def})); err != nil {
				return nil, err
			}
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Story, 0, len(ids))
	for _, id := range ids {
		out = append(out, *snap.Stories[id])
	}
	e.log().Info("stories created", zap.Strings("stories", ids))
	return out, nil
}

// CreateStory records a single story definition.
func (e *Engine) CreateStory(ctx context.Context, def domain.StoryDefinition, actorID string) (domain.Story, error) {
	out, err := e.CreateStories(ctx, []domain.StoryDefinition{def}, actorID)
	if err != nil {
		return domain.Story{}, err
	}
	return out[0], nil
}

// newBatch checks that the normalized definitions introduce fresh, distinct ids.
func newBatch(st *projection.State, op string, defs []domain.StoryDefinition) (map[string]bool, error) {
	batch := make(map[string]bool, len(defs))
	for _, def := range defs {
		id := def.ID()
		if _, exists := st.Stories[id]; exists || batch[id] {
			return nil, configErr(op, "story %s already exists", id)
		}
		batch[id] = true
	}
	return batch, nil
}

func normalizeDefinition(def domain.StoryDefinition) domain.StoryDefinition {
	def.Epic = strings.ToUpper(strings.TrimSpace(def.Epic))
	def.Type = strings.ToUpper(strings.TrimSpace(def.Type))
	def.Title = strings.TrimSpace(def.Title)
	def.AgentClass = strings.TrimSpace(def.AgentClass)
	def.OwnedPaths = ownership.NormalizeAll(def.OwnedPaths)
	if def.DataImpact == "" {
		def.DataImpact = domain.DataImpactNone
	}
	return def
}

func (e *Engine) validateDefinition(st *projection.State, def domain.StoryDefinition, batch map[string]bool) error {
	id := def.ID()
	op := "create story " + id
	if def.Epic == "" || def.Type == "" {
		return configErr(op, "epic and type are required")
	}
	if def.Sequence <= 0 {
		return configErr(op, "sequence must be > 0")
	}
	if def.Title == "" {
		return configErr(op, "title is required")
	}
	if def.Wave <= 0 {
		return configErr(op, "wave must be > 0")
	}
	if !e.Config.HasAgentClass(def.AgentClass) {
		return configErr(op, "unknown agent class %q", def.AgentClass)
	}
	if !def.DataImpact.Valid() {
		return configErr(op, "unknown data impact %q", def.DataImpact)
	}
	if len(def.Criteria) == 0 {
		return configErr(op, "at least one acceptance criterion is required")
	}
	seen := map[string]bool{}
	for _, c := range def.Criteria {
		if strings.TrimSpace(c.ID) == "" {
			return configErr(op, "acceptance criterion without id")
		}
		if seen[c.ID] {
			return configErr(op, "acceptance criterion %s declared twice", c.ID)
		}
		seen[c.ID] = true
		if strings.TrimSpace(c.Trigger) == "" || strings.TrimSpace(c.Behavior) == "" {
			return configErr(op, "acceptance criterion %s needs trigger and behavior", c.ID)
		}
	}
	for _, dep := range append(append([]string(nil), def.BlockedBy...), def.Dependencies...) {
		if dep == id {
			return configErr(op, "story depends on itself")
		}
	}
	for _, dep := range def.BlockedBy {
		if _, ok := st.Stories[dep]; !ok && !batch[dep] {
			return configErr(op, "blocked_by references unknown story %s", dep)
		}
	}
	return nil
}

// Story returns the projected state of one story.
func (e *Engine) Story(ctx context.Context, id string) (domain.Story, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return domain.Story{}, err
	}
	s, err := lookupStory(snap, id)
	if err != nil {
		return domain.Story{}, err
	}
	return *s, nil
}

// Stories lists stories, optionally restricted to one wave, sorted by id.
func (e *Engine) Stories(ctx context.Context, wave int) ([]domain.Story, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Story
	for _, id := range snap.StoryIDs() {
		s := snap.Stories[id]
		if wave > 0 && s.Wave != wave {
			continue
		}
		out = append(out, *s)
	}
	return out, nil
}

func storyKey(id, suffix string) string {
	return fmt.Sprintf("%s|%s", id, suffix)
}
