// Package escalation evaluates the declarative escalation triggers and the
// rollback decision procedure. It only detects; resolution is always external.
package escalation

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"gateline/internal/config"
	"gateline/internal/domain"
)

// Finding is a trigger that fired and must become an escalation_opened event.
type Finding struct {
	Trigger  string
	Kind     string
	Scope    domain.EscalationScope
	Severity domain.Severity
	Reason   string
}

// Evaluator checks configured triggers against fresh facts.
type Evaluator struct {
	Triggers   []config.TriggerConfig
	RetryLimit int
}

func NewEvaluator(cfg *config.Config) *Evaluator {
	return &Evaluator{Triggers: cfg.Escalation.Triggers, RetryLimit: cfg.RetryLimit}
}

func (ev *Evaluator) byKind(kind string) []config.TriggerConfig {
	var out []config.TriggerConfig
	for _, t := range ev.Triggers {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// RetryLimitReached builds the finding for a story whose failures at gate reached the limit.
// A configured gate_failures trigger only overrides its name and severity; the
// escalation itself is unconditional.
func (ev *Evaluator) RetryLimitReached(gateName string, failures int) Finding {
	f := Finding{
		Trigger:  "retry-limit",
		Kind:     config.TriggerGateFailures,
		Scope:    domain.ScopeStory,
		Severity: domain.SeverityMajor,
		Reason:   fmt.Sprintf("gate %s failed %d times (limit %d)", gateName, failures, ev.RetryLimit),
	}
	if ts := ev.byKind(config.TriggerGateFailures); len(ts) > 0 {
		f.Trigger = ts[0].Name
		if sev := domain.Severity(ts[0].Severity); sev.AtLeast(domain.SeverityMajor) {
			f.Severity = sev
		}
	}
	return f
}

// Scores evaluates score_below triggers against a checklist. Items are visited in
// name order so findings come out deterministic.
func (ev *Evaluator) Scores(checklist map[string]domain.CheckResult) []Finding {
	var out []Finding
	for _, t := range ev.byKind(config.TriggerScoreBelow) {
		res, ok := checklist[t.Item]
		if !ok || res.Score == nil {
			continue
		}
		if *res.Score < t.Threshold {
			out = append(out, Finding{
				Trigger:  t.Name,
				Kind:     t.Kind,
				Scope:    domain.ScopeStory,
				Severity: domain.Severity(t.Severity),
				Reason:   fmt.Sprintf("%s score %g below %g", t.Item, *res.Score, t.Threshold),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

// Anomaly evaluates anomaly_class triggers. Story anomalies escalate the story,
// wave anomalies without a story escalate the wave.
func (ev *Evaluator) Anomaly(a domain.Anomaly) []Finding {
	scope := domain.ScopeStory
	if a.StoryID == "" {
		scope = domain.ScopeWave
	}
	var out []Finding
	for _, t := range ev.byKind(config.TriggerAnomalyClass) {
		if !a.Severity.AtLeast(domain.Severity(t.MinSeverity)) {
			continue
		}
		out = append(out, Finding{
			Trigger:  t.Name,
			Kind:     t.Kind,
			Scope:    scope,
			Severity: maxSeverity(domain.Severity(t.Severity), a.Severity),
			Reason:   fmt.Sprintf("%s anomaly %s: %s", a.Severity, a.Class, a.Description),
		})
	}
	return out
}

// Budget evaluates budget triggers when a wave's usage moves from before to after.
// A trigger fires once, on the usage record that crosses its threshold.
func (ev *Evaluator) Budget(budget, before, after float64) []Finding {
	if budget <= 0 {
		return nil
	}
	var out []Finding
	for _, t := range ev.byKind(config.TriggerBudget) {
		limit := budget * t.Percent / 100
		if before < limit && after >= limit {
			out = append(out, Finding{
				Trigger:  t.Name,
				Kind:     t.Kind,
				Scope:    domain.ScopeWave,
				Severity: domain.Severity(t.Severity),
				Reason:   fmt.Sprintf("budget %.0f%% consumed (%g of %g)", after/budget*100, after, budget),
			})
		}
	}
	return out
}

func maxSeverity(a, b domain.Severity) domain.Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ID derives a stable identifier from an event key so retried appends reuse it.
func ID(prefix, key string) string {
	return prefix + "-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:8]
}
