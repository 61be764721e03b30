// Package gates holds the gate table: checklist schemas, failure actions and
// the transition rules a story follows after each gate result.
package gates

import (
	"fmt"
	"sort"
	"strings"

	"gateline/internal/config"
	"gateline/internal/domain"
)

type Gate struct {
	Ordinal         int
	Name            string
	Items           []config.ChecklistItem
	OnFail          config.FailAction
	RequireCriteria bool
}

func (g Gate) item(name string) (config.ChecklistItem, bool) {
	for _, it := range g.Items {
		if it.Name == name {
			return it, true
		}
	}
	return config.ChecklistItem{}, false
}

// Table is the ordered list of gates with the retry limit shared by all of them.
type Table struct {
	gates      []Gate
	RetryLimit int
}

func FromConfig(cfg *config.Config) (*Table, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Table{RetryLimit: cfg.RetryLimit}
	for _, g := range cfg.Gates {
		t.gates = append(t.gates, Gate{
			Ordinal:         g.Ordinal,
			Name:            g.Name,
			Items:           g.Items,
			OnFail:          g.OnFail,
			RequireCriteria: g.RequireCriteria,
		})
	}
	return t, nil
}

// Default returns the built-in eight gate topology.
func Default() *Table {
	t, err := FromConfig(config.Default("default"))
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Table) Len() int { return len(t.gates) }

// Final is the ordinal of the last gate; passing it completes the story.
func (t *Table) Final() int { return len(t.gates) - 1 }

func (t *Table) Gate(ordinal int) (Gate, bool) {
	if ordinal < 0 || ordinal >= len(t.gates) {
		return Gate{}, false
	}
	return t.gates[ordinal], true
}

func (t *Table) Name(ordinal int) string {
	if g, ok := t.Gate(ordinal); ok {
		return g.Name
	}
	return fmt.Sprintf("gate-%d", ordinal)
}

// FailureTarget returns where a failed story goes when retries remain.
func (t *Table) FailureTarget(ordinal int) int {
	g, ok := t.Gate(ordinal)
	if !ok || g.OnFail.Action != config.FailReturn {
		return ordinal
	}
	return g.OnFail.ReturnTo
}

// Allowed reports whether a story may move from one gate to another: forward by
// one, staying in place, or along the configured back-edge.
func (t *Table) Allowed(from, to int) bool {
	return to == from || to == from+1 || to == t.FailureTarget(from)
}

// SchemaError lists the reasons a report does not fit the gate's checklist schema.
type SchemaError struct {
	Gate     string
	Problems []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("gate %s report rejected: %s", e.Gate, strings.Join(e.Problems, "; "))
}

// Report is what an agent submits for a gate attempt.
type Report struct {
	Outcome   domain.Outcome
	Checklist map[string]domain.CheckResult
	Criteria  []string
}

// Evaluation is the engine's verdict on a report.
type Evaluation struct {
	Outcome domain.Outcome
	Reasons []string
	// Covered lists acceptance criteria referenced by this report.
	Covered []string
}

// Evaluate computes the effective outcome of a report. Required items must pass,
// every min_score must be met, and coverage gates need every criterion referenced
// across this and earlier results.
func (t *Table) Evaluate(ordinal int, r Report, story domain.Story) (Evaluation, error) {
	g, ok := t.Gate(ordinal)
	if !ok {
		return Evaluation{}, &SchemaError{Gate: fmt.Sprint(ordinal), Problems: []string{"unknown gate"}}
	}
	var problems []string
	names := make([]string, 0, len(r.Checklist))
	for name := range r.Checklist {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := g.item(name); !ok {
			problems = append(problems, fmt.Sprintf("unknown checklist item %q", name))
		}
	}
	switch r.Outcome {
	case "", domain.OutcomePass, domain.OutcomeFail:
	default:
		problems = append(problems, fmt.Sprintf("unknown outcome %q", r.Outcome))
	}
	known := make(map[string]bool, len(story.Criteria))
	for _, c := range story.Criteria {
		known[c.ID] = true
	}
	var covered []string
	for _, id := range r.Criteria {
		if !known[id] {
			problems = append(problems, fmt.Sprintf("unknown acceptance criterion %q", id))
			continue
		}
		covered = append(covered, id)
	}
	if len(problems) > 0 {
		return Evaluation{}, &SchemaError{Gate: g.Name, Problems: problems}
	}

	var reasons []string
	if r.Outcome == domain.OutcomeFail {
		reasons = append(reasons, "reported fail")
	}
	for _, item := range g.Items {
		res, present := r.Checklist[item.Name]
		if !present {
			if !item.Optional {
				reasons = append(reasons, fmt.Sprintf("%s: missing", item.Name))
			}
			continue
		}
		if !item.Optional && !res.Pass {
			reasons = append(reasons, fmt.Sprintf("%s: failed", item.Name))
		}
		if item.MinScore != nil {
			if res.Score == nil {
				reasons = append(reasons, fmt.Sprintf("%s: score missing (min %g)", item.Name, *item.MinScore))
			} else if *res.Score < *item.MinScore {
				reasons = append(reasons, fmt.Sprintf("%s: score %g below %g", item.Name, *res.Score, *item.MinScore))
			}
		}
	}
	if g.RequireCriteria {
		seen := make(map[string]bool, len(story.Covered)+len(covered))
		for id, ok := range story.Covered {
			if ok {
				seen[id] = true
			}
		}
		for _, id := range covered {
			seen[id] = true
		}
		var missing []string
		for _, c := range story.Criteria {
			if !seen[c.ID] {
				missing = append(missing, c.ID)
			}
		}
		if len(missing) > 0 {
			reasons = append(reasons, "criteria not covered: "+strings.Join(missing, ","))
		}
	}
	out := Evaluation{Outcome: domain.OutcomePass, Reasons: reasons, Covered: covered}
	if len(reasons) > 0 {
		out.Outcome = domain.OutcomeFail
	}
	return out, nil
}

// Transition is the state a story moves to after a gate result.
type Transition struct {
	Gate     int
	Status   domain.StoryStatus
	Failures int
	// Escalate is set when the failure count reached the retry limit.
	Escalate bool
}

// Next applies a result at gate ordinal given the failures already recorded there.
func (t *Table) Next(ordinal int, outcome domain.Outcome, priorFailures int) Transition {
	if outcome == domain.OutcomePass {
		if ordinal >= t.Final() {
			return Transition{Gate: ordinal, Status: domain.StatusComplete, Failures: priorFailures}
		}
		return Transition{Gate: ordinal + 1, Status: domain.StatusInProgress, Failures: priorFailures}
	}
	failures := priorFailures + 1
	if t.RetryLimit > 0 && failures >= t.RetryLimit {
		return Transition{Gate: ordinal, Status: domain.StatusBlocked, Failures: failures, Escalate: true}
	}
	return Transition{Gate: t.FailureTarget(ordinal), Status: domain.StatusBlocked, Failures: failures}
}
