package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/projection"
)

func TestPhasesReleaseDependentsInSamePoll(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1), def(2, blockedBy(id(1))), def(3, blockedBy(id(1)), class("frontend")))

	p, err := env.Engine.LaunchWave(env.Ctx, 1, "pm")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{id(1)}, {id(2), id(3)}}, p.IDs())

	a := env.dispatch(t, "agent-a", "backend")
	require.NotNil(t, a)
	assert.Equal(t, id(1), a.ID)
	assert.Nil(t, env.dispatch(t, "agent-b", "backend"), "B waits for phase 0")
	assert.Nil(t, env.dispatch(t, "agent-c", "frontend"), "C waits for phase 0")

	env.passUntil(t, id(1), env.Engine.Gates.Final())
	before := env.story(t, id(1)).UpdatedSeq
	env.complete(t, id(1))

	delta, err := env.Engine.Poll(env.Ctx, before)
	require.NoError(t, err)
	assert.Equal(t, []string{id(2), id(3)}, delta.Added)
	assert.Equal(t, []string{id(2), id(3)}, delta.Dispatchable)

	b := env.dispatch(t, "agent-b", "backend")
	require.NotNil(t, b)
	assert.Equal(t, id(2), b.ID)
	c := env.dispatch(t, "agent-c", "frontend")
	require.NotNil(t, c)
	assert.Equal(t, id(3), c.ID)
}

func TestRetryLimitEscalatesBeforeFourthAttempt(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-x", "backend"))
	env.passUntil(t, id(1), domain.GateBuild)

	for i := 1; i <= 3; i++ {
		if i > 1 {
			_, err := env.Engine.StartAttempt(env.Ctx, id(1), "agent-x")
			require.NoError(t, err)
		}
		v := env.report(t, id(1), failing(t, env.Engine, domain.GateBuild))
		require.Equal(t, domain.OutcomeFail, v.Outcome)
		s := env.story(t, id(1))
		assert.Equal(t, domain.GateBuild, s.Gate, "build failures retry in place")
		assert.Equal(t, domain.StatusBlocked, s.Status)
		if i < 3 {
			assert.Empty(t, v.Escalations)
		} else {
			require.Len(t, v.Escalations, 1)
		}
	}

	_, err := env.Engine.StartAttempt(env.Ctx, id(1), "agent-x")
	var required *engine.EscalationRequired
	require.True(t, errors.As(err, &required), "got %v", err)

	events := env.events(t)
	var results, anomalyAt, escalationAt int
	for i, e := range events {
		switch e.Kind {
		case domain.KindGateResult:
			p, err := domain.DecodePayload[domain.GateResultPayload](e)
			require.NoError(t, err)
			if p.Gate == domain.GateBuild {
				results++
			}
		case domain.KindAnomalyRaised:
			anomalyAt = i
			p, err := domain.DecodePayload[domain.AnomalyPayload](e)
			require.NoError(t, err)
			assert.True(t, p.Severity.AtLeast(domain.SeverityMajor))
		case domain.KindEscalationOpened:
			escalationAt = i
		case domain.KindGateAttemptStarted:
			p, err := domain.DecodePayload[domain.AttemptStartedPayload](e)
			require.NoError(t, err)
			if p.Gate == domain.GateBuild {
				assert.LessOrEqual(t, p.Attempt, 3, "no fourth attempt without resolution")
			}
		}
	}
	assert.Equal(t, 3, results)
	assert.NotZero(t, anomalyAt)
	assert.Greater(t, escalationAt, anomalyAt)

	escs, err := env.Engine.Escalations(env.Ctx, true)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	res, err := env.Engine.ResolveEscalation(env.Ctx, engine.Resolution{ID: escs[0].ID, Decision: domain.DecisionResume, ActorID: "lead"})
	require.NoError(t, err)
	assert.False(t, res.Escalation.Open)

	s := env.story(t, id(1))
	assert.Equal(t, domain.StatusReady, s.Status)
	assert.Zero(t, s.RetryCount(domain.GateBuild))
	again := env.dispatch(t, "agent-x", "backend")
	require.NotNil(t, again, "the holding agent gets its story back")
	assert.Equal(t, id(1), again.ID)
	s, err = env.Engine.StartAttempt(env.Ctx, id(1), "agent-x")
	require.NoError(t, err)
	assert.Equal(t, 4, s.Attempt)
}

func TestOwnershipConflictDelaysDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1, priority(5), paths("/auth/login.ts")), def(2, paths("auth/login.ts", "/auth/other.ts")))
	env.launch(t, 1)

	y := env.dispatch(t, "agent-1", "backend")
	require.NotNil(t, y)
	assert.Equal(t, id(1), y.ID)

	a, err := env.Engine.Dispatch(env.Ctx, "agent-2", "backend")
	require.NoError(t, err)
	assert.Nil(t, a.Story)
	require.Len(t, a.Skipped, 1)
	assert.Equal(t, engine.Skip{StoryID: id(2), Reason: "ownership_conflict", Holder: id(1), Paths: []string{"/auth/login.ts"}}, a.Skipped[0])
	assert.Equal(t, domain.StatusReady, env.story(t, id(2)).Status)

	rep, err := env.Engine.Status(env.Ctx, engine.StatusQuery{Scope: engine.ScopeStory, ID: id(2)})
	require.NoError(t, err)
	require.Len(t, rep.Stories, 1)
	require.NotEmpty(t, rep.Stories[0].Blockers)
	assert.Equal(t, engine.BlockerOwnership, rep.Stories[0].Blockers[0].Kind)

	env.complete(t, id(1))
	z := env.dispatch(t, "agent-2", "backend")
	require.NotNil(t, z)
	assert.Equal(t, id(2), z.ID)
}

func TestIrreversibleRollbackIsRefused(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1, impact(domain.DataImpactIrreversible)))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))

	_, err := env.Engine.Rollback(env.Ctx, id(1), "bad migration", "lead")
	var refusal *engine.IrreversibleRollbackRefusal
	require.True(t, errors.As(err, &refusal), "got %v", err)

	for _, e := range env.events(t) {
		assert.NotEqual(t, domain.KindRollbackExecuted, e.Kind)
	}
	escs, err := env.Engine.Escalations(env.Ctx, true)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, refusal.EscalationID, escs[0].ID)
	assert.Equal(t, domain.SeverityCritical, escs[0].Severity)
	assert.Equal(t, domain.StatusBlocked, env.story(t, id(1)).Status)

	_, err = env.Engine.ResolveEscalation(env.Ctx, engine.Resolution{ID: escs[0].ID, Decision: domain.DecisionRollback})
	require.True(t, errors.As(err, &refusal))
	for _, e := range env.events(t) {
		assert.NotEqual(t, domain.KindRollbackExecuted, e.Kind)
	}
}

func TestImpactReportedAtGateDrivesRollbackDecision(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	s := env.dispatch(t, "agent-1", "backend")
	require.NotNil(t, s)
	_, err := env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{
		StoryID: s.ID, Gate: s.Gate, Attempt: s.Attempt, AgentID: "agent-1",
		Checklist: passing(t, env.Engine, s.Gate), DataImpact: domain.DataImpactIrreversible,
	})
	require.NoError(t, err)
	_, err = env.Engine.Rollback(env.Ctx, s.ID, "", "lead")
	var refusal *engine.IrreversibleRollbackRefusal
	require.True(t, errors.As(err, &refusal))
}

func TestRecordedImpactNeverDecreases(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	s := env.dispatch(t, "agent-1", "backend")
	require.NotNil(t, s)
	_, err := env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{
		StoryID: s.ID, Gate: s.Gate, Attempt: s.Attempt, AgentID: "agent-1",
		Checklist: passing(t, env.Engine, s.Gate), DataImpact: domain.DataImpactIrreversible,
	})
	require.NoError(t, err)

	next := env.story(t, s.ID)
	require.Equal(t, 1, next.Gate)
	_, err = env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{
		StoryID: s.ID, Gate: next.Gate, Attempt: next.Attempt, AgentID: "agent-1",
		Checklist: passing(t, env.Engine, next.Gate), Criteria: []string{"AC-1", "AC-2"}, DataImpact: domain.DataImpactNone,
	})
	var vErr *engine.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Equal(t, domain.DataImpactIrreversible, env.story(t, s.ID).DataImpact)

	env.report(t, s.ID, passing(t, env.Engine, next.Gate))
	assert.Equal(t, domain.DataImpactIrreversible, env.story(t, s.ID).DataImpact, "a report without impact keeps the recorded one")

	_, err = env.Engine.Rollback(env.Ctx, s.ID, "", "lead")
	var refusal *engine.IrreversibleRollbackRefusal
	require.True(t, errors.As(err, &refusal), "got %v", err)
	for _, e := range env.events(t) {
		assert.NotEqual(t, domain.KindRollbackExecuted, e.Kind)
	}
}

func TestReplanReleasesDependentsOfRolledBackStory(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1, impact(domain.DataImpactReversible)), def(2, blockedBy(id(1))))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	_, err := env.Engine.Rollback(env.Ctx, id(1), "wrong schema", "lead")
	require.NoError(t, err)
	require.Len(t, env.story(t, id(2)).OpenEscalations, 1)

	rep, err := env.Engine.Status(env.Ctx, engine.StatusQuery{Scope: engine.ScopeStory, ID: id(2)})
	require.NoError(t, err)
	require.Len(t, rep.Stories, 1)
	var depDetail string
	for _, b := range rep.Stories[0].Blockers {
		if b.Kind == engine.BlockerDependency {
			depDetail = b.Detail
		}
	}
	assert.Contains(t, depDetail, "replan")

	_, err = env.Engine.CreateStory(env.Ctx, def(3), "pm")
	var cfgErr *engine.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "launched waves only grow through a replan")

	before := len(env.events(t))
	_, err = env.Engine.ReplanWave(env.Ctx, engine.Replan{Wave: 1, Stories: []domain.StoryDefinition{def(3)}, ActorID: "lead"})
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Contains(t, err.Error(), "rolled back")
	assert.Len(t, env.events(t), before)

	res, err := env.Engine.ReplanWave(env.Ctx, engine.Replan{
		Wave:      1,
		Stories:   []domain.StoryDefinition{def(3, impact(domain.DataImpactReversible))},
		BlockedBy: map[string][]string{id(2): {id(3)}},
		ActorID:   "lead",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{id(3)}, res.Created)
	assert.Equal(t, []string{id(2)}, res.Released)
	assert.Equal(t, [][]string{{id(1), id(3)}, {id(2)}}, res.Plan.IDs())

	dep := env.story(t, id(2))
	assert.Equal(t, []string{id(3)}, dep.BlockedBy)
	assert.Empty(t, dep.OpenEscalations)
	assert.Equal(t, domain.StatusReady, dep.Status)
	assert.Equal(t, domain.StatusReady, env.story(t, id(3)).Status)

	s := env.dispatch(t, "agent-2", "backend")
	require.NotNil(t, s)
	assert.Equal(t, id(3), s.ID, "the replacement runs first")
	env.complete(t, id(3))

	s = env.dispatch(t, "agent-3", "backend")
	require.NotNil(t, s)
	assert.Equal(t, id(2), s.ID)

	all := env.events(t)
	st, err := projection.Replay(all)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{id(1), id(3)}, {id(2)}}, st.Waves[1].Phases)
	assert.NotZero(t, st.Waves[1].ReplannedSeq)
}

func TestReplanRequiresLaunchedWave(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	_, err := env.Engine.ReplanWave(env.Ctx, engine.Replan{Wave: 1, Stories: []domain.StoryDefinition{def(2)}})
	var cfgErr *engine.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)

	env.launch(t, 1)
	_, err = env.Engine.ReplanWave(env.Ctx, engine.Replan{Wave: 1, BlockedBy: map[string][]string{id(1): {id(1)}}})
	require.True(t, errors.As(err, &cfgErr), "self dependency")
	_, err = env.Engine.ReplanWave(env.Ctx, engine.Replan{Wave: 1})
	require.True(t, errors.As(err, &cfgErr), "nothing to change")
}

func TestCreateStoriesLeavesInputUntouched(t *testing.T) {
	env := newTestEnv(t)
	d := def(1)
	d.Epic = " auth "
	defs := []domain.StoryDefinition{d}
	out, err := env.Engine.CreateStories(env.Ctx, defs, "pm")
	require.NoError(t, err)
	assert.Equal(t, id(1), out[0].ID)
	assert.Equal(t, " auth ", defs[0].Epic)
}

func TestRollbackBlocksSameWaveDependents(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1, impact(domain.DataImpactReversible)), def(2, blockedBy(id(1))), def(3))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))

	rec, err := env.Engine.Rollback(env.Ctx, id(1), "wrong approach", "lead")
	require.NoError(t, err)
	assert.Equal(t, []string{id(2)}, rec.Dependents)
	assert.Equal(t, domain.DataImpactReversible, rec.DataImpact)

	assert.Equal(t, domain.StatusRolledBack, env.story(t, id(1)).Status)
	dep := env.story(t, id(2))
	assert.Equal(t, domain.StatusBlocked, dep.Status)
	require.Len(t, dep.OpenEscalations, 1)
	assert.Equal(t, domain.StatusReady, env.story(t, id(3)).Status)

	snap, err := env.Engine.Snapshot(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Owners.Held(id(1)), "rollback releases ownership")

	_, err = env.Engine.StartAttempt(env.Ctx, id(1), "agent-1")
	require.Error(t, err, "rolled back stories never re-enter the pipeline")
}

func TestLaunchRejectsCycleWithoutAppending(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1, blockedBy(id(2))), def(2, blockedBy(id(1))), def(3))
	before := len(env.events(t))

	_, err := env.Engine.LaunchWave(env.Ctx, 1, "pm")
	var cfgErr *engine.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Contains(t, err.Error(), "cycle")
	assert.Len(t, env.events(t), before)
	assert.Nil(t, env.dispatch(t, "agent-1", "backend"))
}

func TestCreateStoryValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]domain.StoryDefinition{
		"unknown class": def(1, class("wizard")),
		"no criteria": func() domain.StoryDefinition {
			d := def(1)
			d.Criteria = nil
			return d
		}(),
		"unknown dependency": def(1, blockedBy("NOPE-FEAT-001")),
		"bad impact":         def(1, impact("maybe")),
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.CreateStory(env.Ctx, d, "pm")
			var cfgErr *engine.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
		})
	}
	assert.Empty(t, env.events(t))

	env.create(t, def(1))
	_, err := env.Engine.CreateStory(env.Ctx, def(1), "pm")
	require.Error(t, err, "duplicate id")
	env.launch(t, 1)
	_, err = env.Engine.CreateStory(env.Ctx, def(2), "pm")
	require.Error(t, err, "wave already launched")
}

func TestReviewFailureReturnsToSelfVerify(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	env.passUntil(t, id(1), domain.GateQA)

	v := env.report(t, id(1), failing(t, env.Engine, domain.GateQA))
	require.Equal(t, domain.OutcomeFail, v.Outcome)
	s := env.story(t, id(1))
	assert.Equal(t, domain.GateSelfVerify, s.Gate)
	assert.Equal(t, 1, s.RetryCount(domain.GateQA))

	s, err := env.Engine.StartAttempt(env.Ctx, id(1), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GateSelfVerify, s.Gate)
	assert.Equal(t, 2, s.Attempt, "second attempt at self-verify")

	env.passUntil(t, id(1), env.Engine.Gates.Final())
	v = env.report(t, id(1), failing(t, env.Engine, env.Engine.Gates.Final()))
	require.Equal(t, domain.OutcomeFail, v.Outcome)
	assert.Equal(t, domain.GateBuild, env.story(t, id(1)).Gate)
}

func TestGateMovesFollowTable(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	env.passUntil(t, id(1), domain.GateQA)
	env.report(t, id(1), failing(t, env.Engine, domain.GateQA))
	_, err := env.Engine.StartAttempt(env.Ctx, id(1), "agent-1")
	require.NoError(t, err)
	env.complete(t, id(1))

	state := projection.New()
	last := map[string]int{}
	for _, e := range env.events(t) {
		require.NoError(t, state.Apply(e))
		s, ok := state.Stories[e.StoryID]
		if !ok {
			continue
		}
		if prev, seen := last[s.ID]; seen {
			assert.True(t, env.Engine.Gates.Allowed(prev, s.Gate), "gate %d -> %d at seq %d", prev, s.Gate, e.Seq)
		}
		last[s.ID] = s.Gate
	}
	assert.Equal(t, domain.StatusComplete, state.Stories[id(1)].Status)
}

func TestCriteriaCoverageRequiredAtTestGate(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	env.passUntil(t, id(1), domain.GateTest)

	s := env.story(t, id(1))
	v, err := env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{
		StoryID: s.ID, Gate: s.Gate, Attempt: s.Attempt, AgentID: s.Agent,
		Checklist: passing(t, env.Engine, domain.GateTest), Criteria: []string{"AC-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFail, v.Outcome)
	assert.Contains(t, v.Reasons, "criteria not covered: AC-2")

	_, err = env.Engine.StartAttempt(env.Ctx, s.ID, s.Agent)
	require.NoError(t, err)
	s = env.story(t, id(1))
	v, err = env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{
		StoryID: s.ID, Gate: s.Gate, Attempt: s.Attempt, AgentID: s.Agent,
		Checklist: passing(t, env.Engine, domain.GateTest), Criteria: []string{"AC-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePass, v.Outcome, "coverage accumulates across test results")
}

func TestThresholdIsInclusive(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	env.passUntil(t, id(1), domain.GateTest)

	checklist := passing(t, env.Engine, domain.GateTest)
	checklist["coverage"] = domain.CheckResult{Pass: true, Score: score(79.9)}
	v := env.report(t, id(1), checklist)
	assert.Equal(t, domain.OutcomeFail, v.Outcome)

	_, err := env.Engine.StartAttempt(env.Ctx, id(1), "agent-1")
	require.NoError(t, err)
	checklist["coverage"] = domain.CheckResult{Pass: true, Score: score(80)}
	v = env.report(t, id(1), checklist)
	assert.Equal(t, domain.OutcomePass, v.Outcome)
}

func TestMalformedReportsAreRejected(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	s := env.dispatch(t, "agent-1", "backend")
	require.NotNil(t, s)
	before := len(env.events(t))

	cases := map[string]engine.GateReport{
		"unknown item":  {StoryID: s.ID, Gate: 0, Attempt: 1, Checklist: map[string]domain.CheckResult{"vibes": {Pass: true}}},
		"wrong attempt": {StoryID: s.ID, Gate: 0, Attempt: 2, Checklist: passing(t, env.Engine, 0)},
		"wrong gate":    {StoryID: s.ID, Gate: 1, Attempt: 1, Checklist: passing(t, env.Engine, 1)},
		"wrong agent":   {StoryID: s.ID, Gate: 0, Attempt: 1, AgentID: "someone", Checklist: passing(t, env.Engine, 0)},
		"bad criterion": {StoryID: s.ID, Gate: 0, Attempt: 1, Checklist: passing(t, env.Engine, 0), Criteria: []string{"AC-9"}},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.ReportGateCheck(env.Ctx, r)
			var verr *engine.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
		})
	}
	_, err := env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{StoryID: "NOPE-FEAT-001"})
	require.True(t, errors.Is(err, engine.ErrNotFound))
	assert.Len(t, env.events(t), before)
}

func TestDuplicateReportIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	s := env.dispatch(t, "agent-1", "backend")
	require.NotNil(t, s)
	r := engine.GateReport{StoryID: s.ID, Gate: 0, Attempt: 1, AgentID: "agent-1", Checklist: passing(t, env.Engine, 0)}
	first, err := env.Engine.ReportGateCheck(env.Ctx, r)
	require.NoError(t, err)
	n := len(env.events(t))
	again, err := env.Engine.ReportGateCheck(env.Ctx, r)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Len(t, env.events(t), n)
}

func TestScoreTriggerEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	env.passUntil(t, id(1), domain.GateQA)

	checklist := passing(t, env.Engine, domain.GateQA)
	checklist["safety_score"] = domain.CheckResult{Pass: true, Score: score(0.8)}
	v := env.report(t, id(1), checklist)
	assert.Equal(t, domain.OutcomeFail, v.Outcome)
	require.Len(t, v.Escalations, 1)

	escs, err := env.Engine.Escalations(env.Ctx, true)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, "safety-score", escs[0].Trigger)
	assert.Equal(t, domain.SeverityCritical, escs[0].Severity)
	_, err = env.Engine.StartAttempt(env.Ctx, id(1), "agent-1")
	var required *engine.EscalationRequired
	require.True(t, errors.As(err, &required))
}

func TestCriticalAnomalyEscalatesStory(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))

	res, err := env.Engine.ReportAnomaly(env.Ctx, engine.AnomalyReport{StoryID: id(1), Class: "lint", Severity: domain.SeverityMinor})
	require.NoError(t, err)
	assert.Empty(t, res.Escalations)

	res, err = env.Engine.ReportAnomaly(env.Ctx, engine.AnomalyReport{StoryID: id(1), Class: "secret-leak", Severity: domain.SeverityCritical, Description: "token in repo"})
	require.NoError(t, err)
	require.Len(t, res.Escalations, 1)
	assert.Equal(t, domain.StatusBlocked, env.story(t, id(1)).Status)

	anomalies, err := env.Engine.Anomalies(env.Ctx, id(1))
	require.NoError(t, err)
	assert.Len(t, anomalies, 2)
}

func TestWaveEscalationHoldsPassUntilResolved(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Waves = map[int]config.WaveConfig{1: {Budget: 100}}
	env := newTestEnvWithConfig(t, cfg)
	env.create(t, def(1), def(2))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))

	usage, err := env.Engine.ReportUsage(env.Ctx, engine.UsageReport{Wave: 1, Amount: 100})
	require.NoError(t, err)
	require.Len(t, usage.Escalations, 1)

	assert.Nil(t, env.dispatch(t, "agent-2", "backend"), "blocked wave dispatches nothing")

	v := env.report(t, id(1), passing(t, env.Engine, 0))
	assert.Equal(t, domain.OutcomePass, v.Outcome)
	assert.True(t, v.Held)
	s := env.story(t, id(1))
	assert.Equal(t, 0, s.Gate)
	assert.Equal(t, domain.StatusBlocked, s.Status)

	rep, err := env.Engine.Status(env.Ctx, engine.StatusQuery{Scope: engine.ScopeWave, ID: "1"})
	require.NoError(t, err)
	require.Len(t, rep.Waves, 1)
	assert.True(t, rep.Waves[0].Blocked)

	res, err := env.Engine.ResolveEscalation(env.Ctx, engine.Resolution{ID: usage.Escalations[0], Decision: domain.DecisionResume})
	require.NoError(t, err)
	assert.Equal(t, []string{id(1)}, res.Resumed)

	s = env.story(t, id(1))
	assert.Equal(t, domain.GateSelfVerify, s.Gate)
	assert.Equal(t, domain.StatusInProgress, s.Status)
	assert.True(t, s.AttemptOpen)
	assert.False(t, s.Held)
	require.NotNil(t, env.dispatch(t, "agent-2", "backend"))
}

func TestSweepTimeoutsFailsStaleAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))

	expired, err := env.Engine.SweepTimeouts(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	env.advance(2 * time.Hour)
	expired, err = env.Engine.SweepTimeouts(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id(1)}, expired)

	s := env.story(t, id(1))
	assert.Equal(t, domain.StatusBlocked, s.Status)
	assert.Equal(t, 1, s.RetryCount(0))
	require.NotNil(t, s.LastResult)
	assert.Contains(t, s.LastResult.Reasons[0], "timeout")

	v, err := env.Engine.ReportGateCheck(env.Ctx, engine.GateReport{StoryID: s.ID, Gate: 0, Attempt: 1, AgentID: "agent-1", Checklist: passing(t, env.Engine, 0)})
	require.NoError(t, err)
	assert.True(t, v.Duplicate, "a late report does not override the timeout")
	assert.Equal(t, domain.OutcomeFail, v.Outcome)
}

func TestRunSweeperStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	env.advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan error, 1)
	go func() { done <- env.Engine.RunSweeper(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return env.story(t, id(1)).Status == domain.StatusBlocked
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1), def(2, blockedBy(id(1))), def(3, paths("/svc/story1.go")))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))
	a, err := env.Engine.Dispatch(env.Ctx, "agent-3", "backend")
	require.NoError(t, err)
	require.Nil(t, a.Story)
	env.passUntil(t, id(1), domain.GateBuild)
	env.report(t, id(1), failing(t, env.Engine, domain.GateBuild))

	live, err := env.Engine.Snapshot(env.Ctx)
	require.NoError(t, err)
	replayed, err := projection.Replay(env.events(t))
	require.NoError(t, err)
	want, err := live.Digest()
	require.NoError(t, err)
	got, err := replayed.Digest()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	rep, err := engine.VerifyReplay(env.Ctx, env.Store, 0)
	require.NoError(t, err)
	assert.True(t, rep.Matches)
	assert.Equal(t, live.LastSeq, rep.Seq)

	half, err := engine.VerifyReplay(env.Ctx, env.Store, live.LastSeq/2)
	require.NoError(t, err)
	assert.Equal(t, live.LastSeq/2, half.Seq)
}

func TestEnginesSharingStoreKeepOwnershipExclusive(t *testing.T) {
	env := newTestEnv(t)
	var defs []domain.StoryDefinition
	for i := 1; i <= 6; i++ {
		defs = append(defs, def(i, paths("/shared/schema.sql", "/svc/"+id(i))))
	}
	env.create(t, defs...)
	env.launch(t, 1)

	other, err := engine.New(env.Store, config.Default("proj-1"))
	require.NoError(t, err)
	engines := []*engine.Engine{env.Engine, other}

	var wg sync.WaitGroup
	got := make(chan string, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := engines[i%2].Dispatch(env.Ctx, "agent-"+string(rune('a'+i)), "backend")
			if err == nil && a.Story != nil {
				got <- a.Story.ID
			}
		}(i)
	}
	wg.Wait()
	close(got)
	var assigned []string
	for s := range got {
		assigned = append(assigned, s)
	}
	require.Len(t, assigned, 1, "only one story may hold the shared path")

	state, err := projection.Replay(env.events(t))
	require.NoError(t, err)
	inProgress := 0
	for _, s := range state.Stories {
		if s.Status == domain.StatusInProgress {
			inProgress++
		}
	}
	assert.Equal(t, 1, inProgress)
}

func TestStatusReportsWaveProgress(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, def(1), def(2, blockedBy(id(1))))
	env.launch(t, 1)
	require.NotNil(t, env.dispatch(t, "agent-1", "backend"))

	rep, err := env.Engine.Status(env.Ctx, engine.StatusQuery{Scope: engine.ScopeAll})
	require.NoError(t, err)
	require.Len(t, rep.Waves, 1)
	w := rep.Waves[0]
	assert.Equal(t, 0, w.ActivePhase)
	assert.False(t, w.Complete)
	require.Len(t, rep.Stories, 2)
	b := rep.Stories[1]
	kindsSeen := map[string]bool{}
	for _, bl := range b.Blockers {
		kindsSeen[bl.Kind] = true
	}
	assert.True(t, kindsSeen[engine.BlockerDependency])
	assert.True(t, kindsSeen[engine.BlockerInactivePhase])

	env.complete(t, id(1))
	b2 := env.dispatch(t, "agent-2", "backend")
	require.NotNil(t, b2)
	env.complete(t, id(2))
	rep, err = env.Engine.Status(env.Ctx, engine.StatusQuery{Scope: engine.ScopeWave, ID: "1"})
	require.NoError(t, err)
	assert.True(t, rep.Waves[0].Complete)
	assert.Equal(t, -1, rep.Waves[0].ActivePhase)

	_, err = env.Engine.Status(env.Ctx, engine.StatusQuery{Scope: engine.ScopeWave, ID: "9"})
	require.True(t, errors.Is(err, engine.ErrNotFound))
}
