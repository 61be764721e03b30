package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/escalation"
	"gateline/internal/gates"
	"gateline/internal/projection"
)

// GateReport is an agent's result for one gate attempt.
type GateReport struct {
	StoryID    string                        `json:"story_id"`
	Gate       int                           `json:"gate"`
	Attempt    int                           `json:"attempt"`
	AgentID    string                        `json:"agent_id"`
	Outcome    domain.Outcome                `json:"outcome,omitempty"`
	Checklist  map[string]domain.CheckResult `json:"checklist"`
	Criteria   []string                      `json:"criteria,omitempty"`
	DataImpact domain.DataImpact             `json:"data_impact,omitempty"`
}

// Verdict is the recorded effect of a gate report.
type Verdict struct {
	Story       domain.Story   `json:"story"`
	Outcome     domain.Outcome `json:"outcome"`
	Reasons     []string       `json:"reasons,omitempty"`
	Escalations []string       `json:"escalations,omitempty"`
	Held        bool           `json:"held"`
	Duplicate   bool           `json:"duplicate"`
	Seq         int64          `json:"seq"`
}

// ReportGateCheck evaluates a report against the gate's checklist schema and
// records the effective outcome with everything it triggers in one batch.
// Failing is not an error; it is recorded and drives the retry rules.
func (e *Engine) ReportGateCheck(ctx context.Context, r GateReport) (Verdict, error) {
	var v Verdict
	written, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		v = Verdict{}
		s, err := lookupStory(st, r.StoryID)
		if err != nil {
			return nil, err
		}
		if lr := s.LastResult; lr != nil && lr.Gate == r.Gate && lr.Attempt == r.Attempt {
			v = Verdict{Outcome: lr.Outcome, Reasons: lr.Reasons, Duplicate: true, Seq: lr.Seq, Held: s.Held}
			return nil, nil
		}
		if s.Status.Terminal() {
			return nil, invalid("story %s is %s", s.ID, s.Status)
		}
		if len(s.OpenEscalations) > 0 {
			return nil, &EscalationRequired{StoryID: s.ID, Wave: s.Wave, Escalations: s.OpenEscalations}
		}
		if !s.AttemptOpen {
			return nil, invalid("story %s has no open attempt", s.ID)
		}
		if r.Gate != s.Gate || r.Attempt != s.Attempt {
			return nil, invalid("story %s is at gate %d attempt %d, report is for gate %d attempt %d", s.ID, s.Gate, s.Attempt, r.Gate, r.Attempt)
		}
		if r.AgentID != "" && r.AgentID != s.Agent {
			return nil, invalid("story %s is assigned to %s", s.ID, s.Agent)
		}
		if !r.DataImpact.Valid() {
			return nil, invalid("unknown data impact %q", r.DataImpact)
		}
		if r.DataImpact != "" && r.DataImpact.Below(s.DataImpact) {
			return nil, invalid("story %s already recorded %s data impact, report says %s", s.ID, s.DataImpact, r.DataImpact)
		}
		eval, err := e.Gates.Evaluate(r.Gate, gates.Report{Outcome: r.Outcome, Checklist: r.Checklist, Criteria: r.Criteria}, *s)
		if err != nil {
			var schema *gates.SchemaError
			if errors.As(err, &schema) {
				return nil, &ValidationError{Problems: schema.Problems}
			}
			return nil, err
		}
		d := &decision{}
		res, err := e.decideResult(st, d, s, r, eval)
		if err != nil {
			return nil, err
		}
		v = res
		return d, nil
	})
	if err != nil {
		return Verdict{}, err
	}
	if len(written) > 0 {
		v.Seq = written[0].Seq
	}
	s, err := e.Story(ctx, r.StoryID)
	if err != nil {
		return Verdict{}, err
	}
	v.Story = s
	return v, nil
}

// decideResult appends the gate_result of s and its consequences to d.
func (e *Engine) decideResult(st *projection.State, d *decision, s *domain.Story, r GateReport, eval gates.Evaluation) (Verdict, error) {
	g, _ := e.Gates.Gate(r.Gate)
	trans := e.Gates.Next(r.Gate, eval.Outcome, s.Failures[r.Gate])
	w := st.Waves[s.Wave]
	held := eval.Outcome == domain.OutcomePass && w != nil && w.Blocked
	payload := domain.GateResultPayload{
		Gate:       r.Gate,
		Attempt:    r.Attempt,
		Outcome:    eval.Outcome,
		Reported:   r.Outcome,
		Checklist:  r.Checklist,
		Reasons:    eval.Reasons,
		DataImpact: r.DataImpact,
		NextGate:   trans.Gate,
		Complete:   trans.Status == domain.StatusComplete,
		Held:       held,
	}
	if g.RequireCriteria {
		payload.Criteria = eval.Covered
	}
	actor := r.AgentID
	if actor == "" {
		actor = s.Agent
	}
	if err := d.add(domain.NewEvent(domain.KindGateResult, s.ID, s.Wave,
		domain.GateKey(s.ID, r.Gate, r.Attempt, domain.KindGateResult), actor, payload)); err != nil {
		return Verdict{}, err
	}
	v := Verdict{Outcome: eval.Outcome, Reasons: eval.Reasons, Held: held}
	gate := r.Gate

	if trans.Escalate {
		finding := e.Triggers.RetryLimitReached(g.Name, trans.Failures)
		anomalyKey := domain.GateKey(s.ID, r.Gate, r.Attempt, domain.KindAnomalyRaised)
		anomalyID := escalation.ID("ANM", anomalyKey)
		if err := d.add(domain.NewEvent(domain.KindAnomalyRaised, s.ID, s.Wave, anomalyKey, actor, domain.AnomalyPayload{
			ID: anomalyID, Class: "retry_limit", Severity: finding.Severity, Description: finding.Reason, Gate: &gate,
		})); err != nil {
			return Verdict{}, err
		}
		id, err := openEscalation(d, domain.GateKey(s.ID, r.Gate, r.Attempt, domain.KindEscalationOpened)+"|"+finding.Trigger,
			s.ID, s.Wave, actor, finding, &gate, anomalyID)
		if err != nil {
			return Verdict{}, err
		}
		v.Escalations = append(v.Escalations, id)
	}
	for _, finding := range e.Triggers.Scores(r.Checklist) {
		id, err := openEscalation(d, domain.GateKey(s.ID, r.Gate, r.Attempt, domain.KindEscalationOpened)+"|"+finding.Trigger,
			s.ID, s.Wave, actor, finding, &gate, "")
		if err != nil {
			return Verdict{}, err
		}
		v.Escalations = append(v.Escalations, id)
	}

	if eval.Outcome != domain.OutcomePass || held {
		return v, nil
	}
	if trans.Status == domain.StatusComplete {
		return v, d.add(domain.NewEvent(domain.KindOwnershipRelease, s.ID, s.Wave, storyKey(s.ID, "ownership_release"), actor,
			domain.OwnershipPayload{Paths: st.Owners.Held(s.ID), Agent: s.Agent}))
	}
	if len(v.Escalations) > 0 {
		return v, nil
	}
	next := trans.Gate
	attempt := s.Attempts[next] + 1
	return v, d.add(domain.NewEvent(domain.KindGateAttemptStarted, s.ID, s.Wave,
		domain.GateKey(s.ID, next, attempt, domain.KindGateAttemptStarted), actor,
		domain.AttemptStartedPayload{Gate: next, Attempt: attempt, Agent: s.Agent, AgentClass: s.AgentClass}))
}

func openEscalation(d *decision, key, storyID string, wave int, actor string, f escalation.Finding, gate *int, anomalyID string) (string, error) {
	id := escalation.ID("ESC", key)
	err := d.add(domain.NewEvent(domain.KindEscalationOpened, storyID, wave, key, actor, domain.EscalationOpenedPayload{
		ID: id, Scope: f.Scope, Severity: f.Severity, Trigger: f.Trigger, Reason: f.Reason, Gate: gate, AnomalyID: anomalyID,
	}))
	return id, err
}

// AnomalyReport is raised by an external detector against a story or a wave.
type AnomalyReport struct {
	StoryID     string          `json:"story_id,omitempty"`
	Wave        int             `json:"wave,omitempty"`
	Class       string          `json:"class"`
	Severity    domain.Severity `json:"severity"`
	Description string          `json:"description,omitempty"`
	Gate        *int            `json:"gate,omitempty"`
	// Key makes retried reports idempotent; derived from the log position when empty.
	Key     string `json:"key,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

type AnomalyResult struct {
	Anomaly     domain.Anomaly `json:"anomaly"`
	Escalations []string       `json:"escalations,omitempty"`
}

// ReportAnomaly records an anomaly and opens the escalations its class triggers.
func (e *Engine) ReportAnomaly(ctx context.Context, r AnomalyReport) (AnomalyResult, error) {
	if r.Class == "" {
		return AnomalyResult{}, invalid("anomaly class is required")
	}
	if !r.Severity.Valid() {
		return AnomalyResult{}, invalid("unknown severity %q", r.Severity)
	}
	var out AnomalyResult
	written, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		out = AnomalyResult{}
		wave := r.Wave
		terminal := false
		if r.StoryID != "" {
			s, err := lookupStory(st, r.StoryID)
			if err != nil {
				return nil, err
			}
			wave = s.Wave
			terminal = s.Status.Terminal()
		} else if _, ok := st.Waves[wave]; !ok {
			return nil, fmt.Errorf("wave %d: %w", wave, ErrNotFound)
		}
		key := r.Key
		if key == "" {
			key = fmt.Sprintf("anomaly|%s|%d|%s|%d", r.StoryID, wave, r.Class, st.LastSeq)
		}
		a := domain.Anomaly{
			ID: escalation.ID("ANM", key), StoryID: r.StoryID, Wave: wave, Class: r.Class,
			Severity: r.Severity, Description: r.Description, Gate: r.Gate,
		}
		out.Anomaly = a
		d := &decision{}
		if err := d.add(domain.NewEvent(domain.KindAnomalyRaised, r.StoryID, wave, key, r.ActorID, domain.AnomalyPayload{
			ID: a.ID, Class: a.Class, Severity: a.Severity, Description: a.Description, Gate: a.Gate,
		})); err != nil {
			return nil, err
		}
		if terminal {
			return d, nil
		}
		for _, f := range e.Triggers.Anomaly(a) {
			id, err := openEscalation(d, key+"|escalation_opened|"+f.Trigger, r.StoryID, wave, r.ActorID, f, r.Gate, a.ID)
			if err != nil {
				return nil, err
			}
			out.Escalations = append(out.Escalations, id)
		}
		return d, nil
	})
	if err != nil {
		return AnomalyResult{}, err
	}
	if len(written) > 0 {
		out.Anomaly.Seq = written[0].Seq
	}
	return out, nil
}

// UsageReport adds consumption against a wave budget.
type UsageReport struct {
	Wave    int     `json:"wave"`
	Amount  float64 `json:"amount"`
	Note    string  `json:"note,omitempty"`
	Key     string  `json:"key,omitempty"`
	ActorID string  `json:"actor_id,omitempty"`
}

type UsageResult struct {
	Wave        int      `json:"wave"`
	Used        float64  `json:"used"`
	Budget      float64  `json:"budget"`
	Escalations []string `json:"escalations,omitempty"`
}

// ReportUsage records wave consumption and evaluates the budget triggers.
func (e *Engine) ReportUsage(ctx context.Context, r UsageReport) (UsageResult, error) {
	if r.Amount <= 0 {
		return UsageResult{}, invalid("usage amount must be > 0")
	}
	var out UsageResult
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		w, ok := st.Waves[r.Wave]
		if !ok || w.LaunchedSeq == 0 {
			return nil, fmt.Errorf("wave %d: %w", r.Wave, ErrNotFound)
		}
		key := r.Key
		if key == "" {
			key = fmt.Sprintf("usage|%d|%d", r.Wave, st.LastSeq)
		}
		out = UsageResult{Wave: r.Wave, Used: w.Used + r.Amount, Budget: w.Budget}
		d := &decision{}
		if err := d.add(domain.NewEvent(domain.KindUsageRecorded, "", r.Wave, key, r.ActorID, domain.UsagePayload{Amount: r.Amount, Note: r.Note})); err != nil {
			return nil, err
		}
		for _, f := range e.Triggers.Budget(w.Budget, w.Used, w.Used+r.Amount) {
			id, err := openEscalation(d, key+"|escalation_opened|"+f.Trigger, "", r.Wave, r.ActorID, f, nil, "")
			if err != nil {
				return nil, err
			}
			out.Escalations = append(out.Escalations, id)
		}
		return d, nil
	})
	if err != nil {
		return UsageResult{}, err
	}
	return out, nil
}

// SweepTimeouts fails every attempt older than the configured budget with
// reason timeout. The usual retry and escalation rules apply.
func (e *Engine) SweepTimeouts(ctx context.Context) ([]string, error) {
	timeout := e.Config.AttemptTimeout()
	if timeout <= 0 {
		return nil, nil
	}
	var expired []string
	_, err := e.write(ctx, func(st *projection.State) (*decision, error) {
		expired = nil
		now := e.now()
		d := &decision{}
		for _, id := range st.StoryIDs() {
			s := st.Stories[id]
			if !s.AttemptOpen || now.Sub(s.AttemptStartedAt) < timeout {
				continue
			}
			eval := gates.Evaluation{
				Outcome: domain.OutcomeFail,
				Reasons: []string{fmt.Sprintf("timeout: no report within %s", timeout.Round(time.Second))},
			}
			r := GateReport{StoryID: s.ID, Gate: s.Gate, Attempt: s.Attempt, AgentID: "gateline"}
			if _, err := e.decideResult(st, d, s, r, eval); err != nil {
				return nil, err
			}
			expired = append(expired, s.ID)
		}
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		e.log().Warn("gate attempts timed out", zap.Strings("stories", expired))
	}
	return expired, nil
}

// RunSweeper calls SweepTimeouts every interval until ctx is done. Sweep
// errors are logged and the loop keeps going.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := e.SweepTimeouts(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.log().Error("timeout sweep failed", zap.Error(err))
				continue
			}
			if len(expired) > 0 {
				e.log().Warn("attempts timed out", zap.Strings("stories", expired))
			}
		}
	}
}
