package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/eventlog"
)

type testEnv struct {
	Engine *engine.Engine
	Store  *eventlog.MemStore
	Ctx    context.Context
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default("proj-1"))
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	store := eventlog.NewMemStore()
	eng, err := engine.New(store, cfg)
	require.NoError(t, err)
	env := &testEnv{Engine: eng, Store: store, Ctx: context.Background(), clock: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng.Now = func() time.Time { return env.clock }
	return env
}

func (env *testEnv) advance(d time.Duration) { env.clock = env.clock.Add(d) }

type storyOpt func(*domain.StoryDefinition)

func priority(p int) storyOpt { return func(d *domain.StoryDefinition) { d.Priority = p } }

func blockedBy(ids ...string) storyOpt { return func(d *domain.StoryDefinition) { d.BlockedBy = ids } }

func paths(ps ...string) storyOpt { return func(d *domain.StoryDefinition) { d.OwnedPaths = ps } }

func impact(i domain.DataImpact) storyOpt { return func(d *domain.StoryDefinition) { d.DataImpact = i } }

func class(c string) storyOpt { return func(d *domain.StoryDefinition) { d.AgentClass = c } }

func def(seq int, opts ...storyOpt) domain.StoryDefinition {
	d := domain.StoryDefinition{
		Epic:       "AUTH",
		Type:       "FEAT",
		Sequence:   seq,
		Title:      fmt.Sprintf("story %d", seq),
		Wave:       1,
		Priority:   1,
		AgentClass: "backend",
		OwnedPaths: []string{fmt.Sprintf("/svc/story%d.go", seq)},
		Criteria: []domain.AcceptanceCriterion{
			{ID: "AC-1", Trigger: "given a request", Behavior: "it succeeds"},
			{ID: "AC-2", Trigger: "given bad input", Behavior: "it fails cleanly"},
		},
	}
	for _, o := range opts {
		o(&d)
	}
	return d
}

func id(seq int) string { return fmt.Sprintf("AUTH-FEAT-%03d", seq) }

func (env *testEnv) create(t *testing.T, defs ...domain.StoryDefinition) {
	t.Helper()
	_, err := env.Engine.CreateStories(env.Ctx, defs, "pm")
	require.NoError(t, err)
}

func (env *testEnv) launch(t *testing.T, wave int) {
	t.Helper()
	_, err := env.Engine.LaunchWave(env.Ctx, wave, "pm")
	require.NoError(t, err)
}

func (env *testEnv) dispatch(t *testing.T, agent, class string) *domain.Story {
	t.Helper()
	a, err := env.Engine.Dispatch(env.Ctx, agent, class)
	require.NoError(t, err)
	return a.Story
}

func (env *testEnv) story(t *testing.T, storyID string) domain.Story {
	t.Helper()
	s, err := env.Engine.Story(env.Ctx, storyID)
	require.NoError(t, err)
	return s
}

func score(v float64) *float64 { return &v }

// passing builds a checklist satisfying every item of the gate.
func passing(t *testing.T, eng *engine.Engine, gate int) map[string]domain.CheckResult {
	t.Helper()
	g, ok := eng.Gates.Gate(gate)
	require.True(t, ok)
	out := map[string]domain.CheckResult{}
	for _, item := range g.Items {
		res := domain.CheckResult{Pass: true}
		if item.MinScore != nil {
			res.Score = score(*item.MinScore)
		}
		out[item.Name] = res
	}
	return out
}

// failing builds a checklist whose first required item fails.
func failing(t *testing.T, eng *engine.Engine, gate int) map[string]domain.CheckResult {
	t.Helper()
	out := passing(t, eng, gate)
	g, _ := eng.Gates.Gate(gate)
	for _, item := range g.Items {
		if !item.Optional {
			out[item.Name] = domain.CheckResult{Pass: false}
			break
		}
	}
	return out
}

func (env *testEnv) report(t *testing.T, storyID string, checklist map[string]domain.CheckResult) engine.Verdict {
	t.Helper()
	s := env.story(t, storyID)
	v, err := env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{
		StoryID:   storyID,
		Gate:      s.Gate,
		Attempt:   s.Attempt,
		AgentID:   s.Agent,
		Checklist: checklist,
		Criteria:  []string{"AC-1", "AC-2"},
	})
	require.NoError(t, err)
	return v
}

// passUntil passes gates until the story reaches gate target (or completes when target > final).
func (env *testEnv) passUntil(t *testing.T, storyID string, target int) {
	t.Helper()
	for {
		s := env.story(t, storyID)
		if s.Status.Terminal() || s.Gate >= target {
			return
		}
		v := env.report(t, storyID, passing(t, env.Engine, s.Gate))
		require.Equal(t, domain.OutcomePass, v.Outcome, "gate %d: %v", s.Gate, v.Reasons)
	}
}

func (env *testEnv) complete(t *testing.T, storyID string) {
	t.Helper()
	for {
		s := env.story(t, storyID)
		if s.Status == domain.StatusComplete {
			return
		}
		require.False(t, s.Status.Terminal())
		v := env.report(t, storyID, passing(t, env.Engine, s.Gate))
		require.Equal(t, domain.OutcomePass, v.Outcome, "gate %d: %v", s.Gate, v.Reasons)
	}
}

func (env *testEnv) events(t *testing.T) []domain.Event {
	t.Helper()
	all, err := eventlog.ReadAll(env.Ctx, env.Store)
	require.NoError(t, err)
	return all
}

func kinds(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}
