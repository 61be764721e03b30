package domain

import (
	"fmt"
	"strings"
	"time"
)

type StoryStatus string

const (
	StatusDraft      StoryStatus = "draft"
	StatusReady      StoryStatus = "ready"
	StatusInProgress StoryStatus = "in_progress"
	StatusBlocked    StoryStatus = "blocked"
	StatusComplete   StoryStatus = "complete"
	StatusRolledBack StoryStatus = "rolled_back"
)

// Terminal reports whether the status is absorbing.
func (s StoryStatus) Terminal() bool {
	return s == StatusComplete || s == StatusRolledBack
}

type DataImpact string

const (
	DataImpactNone         DataImpact = "none"
	DataImpactReversible   DataImpact = "reversible"
	DataImpactIrreversible DataImpact = "irreversible"
)

func (d DataImpact) Valid() bool {
	switch d {
	case "", DataImpactNone, DataImpactReversible, DataImpactIrreversible:
		return true
	}
	return false
}

func (d DataImpact) rank() int {
	switch d {
	case DataImpactReversible:
		return 1
	case DataImpactIrreversible:
		return 2
	}
	return 0
}

// Below reports whether d records less impact than other. An empty impact is none.
func (d DataImpact) Below(other DataImpact) bool {
	return d.rank() < other.rank()
}

// MaxImpact returns the stronger of two impacts. Applied work cannot be undone
// by a later report, so recorded impact only ever rises.
func MaxImpact(a, b DataImpact) DataImpact {
	if a.Below(b) {
		return b
	}
	return a
}

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityMajor:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

func (s Severity) Valid() bool { return s.Rank() > 0 }

// Gate ordinals of the default topology.
const (
	GatePreflight    = 0
	GateSelfVerify   = 1
	GateBuild        = 2
	GateTest         = 3
	GateQA           = 4
	GatePM           = 5
	GateArchitecture = 6
	GateMerge        = 7
)

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

type AcceptanceCriterion struct {
	ID           string   `json:"id" yaml:"id"`
	Trigger      string   `json:"trigger" yaml:"trigger"`
	Behavior     string   `json:"behavior" yaml:"behavior"`
	Verification string   `json:"verification,omitempty" yaml:"verification"`
	Threshold    *float64 `json:"threshold,omitempty" yaml:"threshold"`
}

// StoryDefinition is the authored part of a story, recorded once by story_created.
type StoryDefinition struct {
	Epic         string                `json:"epic" yaml:"epic"`
	Type         string                `json:"type" yaml:"type"`
	Sequence     int                   `json:"sequence" yaml:"sequence"`
	Title        string                `json:"title" yaml:"title"`
	Wave         int                   `json:"wave" yaml:"wave"`
	Priority     int                   `json:"priority" yaml:"priority"`
	OwnedPaths   []string              `json:"owned_paths,omitempty" yaml:"owned_paths"`
	Dependencies []string              `json:"dependencies,omitempty" yaml:"dependencies"`
	BlockedBy    []string              `json:"blocked_by,omitempty" yaml:"blocked_by"`
	AgentClass   string                `json:"agent_class" yaml:"agent_class"`
	Criteria     []AcceptanceCriterion `json:"criteria" yaml:"criteria"`
	DataImpact   DataImpact            `json:"data_impact,omitempty" yaml:"data_impact"`
}

// ID renders the story identity as EPIC-TYPE-NNN.
func (d StoryDefinition) ID() string {
	return fmt.Sprintf("%s-%s-%03d", strings.ToUpper(d.Epic), strings.ToUpper(d.Type), d.Sequence)
}

// Story is the projected state of a story.
type Story struct {
	ID string `json:"id"`
	StoryDefinition
	Gate             int             `json:"gate"`
	Status           StoryStatus     `json:"status"`
	Agent            string          `json:"agent,omitempty"`
	Attempt          int             `json:"attempt"`
	Attempts         map[int]int     `json:"attempts,omitempty"`
	AttemptOpen      bool            `json:"attempt_open"`
	AttemptStartedAt time.Time       `json:"attempt_started_at,omitempty"`
	Failures         map[int]int     `json:"failures,omitempty"`
	Covered          map[string]bool `json:"covered,omitempty"`
	Held             bool            `json:"held,omitempty"`
	HeldNext         int             `json:"held_next,omitempty"`
	HeldComplete     bool            `json:"held_complete,omitempty"`
	BlockReason      string          `json:"block_reason,omitempty"`
	LastResult       *GateOutcome    `json:"last_result,omitempty"`
	OpenEscalations  []string        `json:"open_escalations,omitempty"`
	UpdatedSeq       int64           `json:"updated_seq"`
}

// RetryCount returns the number of recorded failures at a gate.
func (s Story) RetryCount(gate int) int {
	return s.Failures[gate]
}

// UncoveredCriteria lists acceptance criteria not referenced by a test result yet.
func (s Story) UncoveredCriteria() []string {
	var out []string
	for _, c := range s.Criteria {
		if !s.Covered[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}

// GateOutcome summarizes the most recent gate_result of a story.
type GateOutcome struct {
	Gate    int      `json:"gate"`
	Attempt int      `json:"attempt"`
	Outcome Outcome  `json:"outcome"`
	Reasons []string `json:"reasons,omitempty"`
	Seq     int64    `json:"seq"`
}

// Wave is a launched wave. ReplannedSeq is the seq of the latest
// wave_replanned, 0 while the launch plan stands.
type Wave struct {
	Number       int        `json:"number"`
	Phases       [][]string `json:"phases"`
	Budget       float64    `json:"budget,omitempty"`
	Used         float64    `json:"used,omitempty"`
	LaunchedSeq  int64      `json:"launched_seq"`
	ReplannedSeq int64      `json:"replanned_seq,omitempty"`
	Blocked      bool       `json:"blocked"`
}

// PhaseOf returns the phase index containing the story or -1.
func (w Wave) PhaseOf(storyID string) int {
	for i, phase := range w.Phases {
		for _, id := range phase {
			if id == storyID {
				return i
			}
		}
	}
	return -1
}

type CheckResult struct {
	Pass  bool     `json:"pass"`
	Score *float64 `json:"score,omitempty"`
}

type Anomaly struct {
	ID          string   `json:"id"`
	StoryID     string   `json:"story_id,omitempty"`
	Wave        int      `json:"wave,omitempty"`
	Class       string   `json:"class"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description,omitempty"`
	Gate        *int     `json:"gate,omitempty"`
	Seq         int64    `json:"seq"`
}

type EscalationScope string

const (
	ScopeStory EscalationScope = "story"
	ScopeWave  EscalationScope = "wave"
)

type Decision string

const (
	DecisionResume   Decision = "resume"
	DecisionRollback Decision = "rollback"
)

type Escalation struct {
	ID          string          `json:"id"`
	StoryID     string          `json:"story_id,omitempty"`
	Wave        int             `json:"wave,omitempty"`
	Scope       EscalationScope `json:"scope"`
	Severity    Severity        `json:"severity"`
	Trigger     string          `json:"trigger"`
	Reason      string          `json:"reason"`
	Gate        *int            `json:"gate,omitempty"`
	Open        bool            `json:"open"`
	Decision    Decision        `json:"decision,omitempty"`
	OpenedSeq   int64           `json:"opened_seq"`
	ResolvedSeq int64           `json:"resolved_seq,omitempty"`
}

type RollbackRecord struct {
	StoryID    string     `json:"story_id"`
	Wave       int        `json:"wave"`
	DataImpact DataImpact `json:"data_impact"`
	Reason     string     `json:"reason,omitempty"`
	Dependents []string   `json:"dependents,omitempty"`
	Seq        int64      `json:"seq"`
}
