package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FailRetry  = "retry"
	FailReturn = "return"

	TriggerScoreBelow   = "score_below"
	TriggerGateFailures = "gate_failures"
	TriggerBudget       = "budget"
	TriggerAnomalyClass = "anomaly_class"
)

// Config models gateline.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	RetryLimit            int            `yaml:"retry_limit" json:"retry_limit"`
	AttemptTimeoutSeconds int            `yaml:"attempt_timeout_seconds" json:"attempt_timeout_seconds"`
	AgentClasses          []string       `yaml:"agent_classes" json:"agent_classes"`
	Gates                 []GateConfig   `yaml:"gates" json:"gates"`
	Escalation            struct {
		Triggers []TriggerConfig `yaml:"triggers" json:"triggers"`
	} `yaml:"escalation" json:"escalation"`
	Waves    map[int]WaveConfig `yaml:"waves" json:"waves,omitempty"`
	Webhooks []WebhookConfig    `yaml:"webhooks" json:"webhooks,omitempty"`
	NATS     NATSConfig         `yaml:"nats" json:"nats"`
}

type GateConfig struct {
	Ordinal         int             `yaml:"ordinal" json:"ordinal"`
	Name            string          `yaml:"name" json:"name"`
	Items           []ChecklistItem `yaml:"items" json:"items"`
	OnFail          FailAction      `yaml:"on_fail" json:"on_fail"`
	RequireCriteria bool            `yaml:"require_criteria" json:"require_criteria,omitempty"`
}

type ChecklistItem struct {
	Name     string   `yaml:"name" json:"name"`
	Optional bool     `yaml:"optional" json:"optional,omitempty"`
	MinScore *float64 `yaml:"min_score" json:"min_score,omitempty"`
}

type FailAction struct {
	Action   string `yaml:"action" json:"action"`
	ReturnTo int    `yaml:"return_to" json:"return_to,omitempty"`
}

type TriggerConfig struct {
	Name        string  `yaml:"name" json:"name"`
	Kind        string  `yaml:"kind" json:"kind"`
	Item        string  `yaml:"item" json:"item,omitempty"`
	Threshold   float64 `yaml:"threshold" json:"threshold,omitempty"`
	Percent     float64 `yaml:"percent" json:"percent,omitempty"`
	MinSeverity string  `yaml:"min_severity" json:"min_severity,omitempty"`
	Severity    string  `yaml:"severity" json:"severity"`
}

type WaveConfig struct {
	Budget float64 `yaml:"budget" json:"budget"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	// MaxPerSecond caps deliveries to this hook; zero means unlimited.
	MaxPerSecond   float64  `yaml:"max_per_second" json:"max_per_second,omitempty"`
}

type NATSConfig struct {
	URL           string   `yaml:"url" json:"url,omitempty"`
	SubjectPrefix string   `yaml:"subject_prefix" json:"subject_prefix,omitempty"`
	Events        []string `yaml:"events" json:"events,omitempty"`
}

// AttemptTimeout returns the wall-clock budget of a gate attempt; zero disables timeouts.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSeconds) * time.Second
}

// HasAgentClass reports whether class is declared.
func (c *Config) HasAgentClass(class string) bool {
	for _, ac := range c.AgentClasses {
		if ac == class {
			return true
		}
	}
	return false
}

// WaveBudget returns the configured budget of a wave, zero when unbounded.
func (c *Config) WaveBudget(wave int) float64 {
	if c.Waves == nil {
		return 0
	}
	return c.Waves[wave].Budget
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.RetryLimit <= 0 {
		return fmt.Errorf("config.retry_limit must be > 0")
	}
	if c.AttemptTimeoutSeconds < 0 {
		return fmt.Errorf("config.attempt_timeout_seconds must be >= 0")
	}
	if len(c.AgentClasses) == 0 {
		return fmt.Errorf("config.agent_classes is required")
	}
	seenClass := map[string]bool{}
	for _, ac := range c.AgentClasses {
		if ac == "" {
			return fmt.Errorf("config.agent_classes contains empty class")
		}
		if seenClass[ac] {
			return fmt.Errorf("agent class %s declared twice", ac)
		}
		seenClass[ac] = true
	}
	if len(c.Gates) == 0 {
		return fmt.Errorf("config.gates is required")
	}
	seenGate := map[string]bool{}
	for i, g := range c.Gates {
		if g.Ordinal != i {
			return fmt.Errorf("gate %q has ordinal %d; gates must be listed in order starting at 0", g.Name, g.Ordinal)
		}
		if g.Name == "" {
			return fmt.Errorf("gate %d has empty name", i)
		}
		if seenGate[g.Name] {
			return fmt.Errorf("gate name %s declared twice", g.Name)
		}
		seenGate[g.Name] = true
		switch g.OnFail.Action {
		case FailRetry:
		case FailReturn:
			if g.OnFail.ReturnTo < 0 || g.OnFail.ReturnTo >= g.Ordinal {
				return fmt.Errorf("gate %s returns to %d; back-edges must target an earlier gate", g.Name, g.OnFail.ReturnTo)
			}
		default:
			return fmt.Errorf("gate %s has unknown on_fail action %q", g.Name, g.OnFail.Action)
		}
		items := map[string]bool{}
		for _, item := range g.Items {
			if item.Name == "" {
				return fmt.Errorf("gate %s has checklist item with empty name", g.Name)
			}
			if items[item.Name] {
				return fmt.Errorf("gate %s declares item %s twice", g.Name, item.Name)
			}
			items[item.Name] = true
		}
	}
	for _, t := range c.Escalation.Triggers {
		if t.Name == "" {
			return fmt.Errorf("escalation trigger with empty name")
		}
		switch t.Kind {
		case TriggerScoreBelow:
			if t.Item == "" {
				return fmt.Errorf("trigger %s: item is required", t.Name)
			}
		case TriggerBudget:
			if t.Percent <= 0 {
				return fmt.Errorf("trigger %s: percent must be > 0", t.Name)
			}
		case TriggerGateFailures, TriggerAnomalyClass:
		default:
			return fmt.Errorf("trigger %s has unknown kind %q", t.Name, t.Kind)
		}
		if !validSeverity(t.Severity) {
			return fmt.Errorf("trigger %s has invalid severity %q", t.Name, t.Severity)
		}
		if t.Kind == TriggerAnomalyClass && !validSeverity(t.MinSeverity) {
			return fmt.Errorf("trigger %s has invalid min_severity %q", t.Name, t.MinSeverity)
		}
	}
	for _, h := range c.Webhooks {
		if h.MaxPerSecond < 0 {
			return fmt.Errorf("webhook %s: max_per_second must be >= 0", h.URL)
		}
	}
	for wave, wc := range c.Waves {
		if wc.Budget < 0 {
			return fmt.Errorf("wave %d budget must be >= 0", wave)
		}
	}
	return nil
}

func validSeverity(s string) bool {
	switch s {
	case "minor", "major", "critical":
		return true
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(projectID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s

retry_limit: 3
attempt_timeout_seconds: 3600

agent_classes: [backend, frontend, fullstack, qa, devops]

gates:
  - ordinal: 0
    name: preflight
    items:
      - name: requirements_understood
      - name: owned_paths_confirmed
    on_fail: {action: retry}
  - ordinal: 1
    name: self-verify
    items:
      - name: self_review
      - name: criteria_mapped
    on_fail: {action: retry}
  - ordinal: 2
    name: build
    items:
      - name: compiles
      - name: lint_clean
      - name: security_scan
        optional: true
    on_fail: {action: retry}
  - ordinal: 3
    name: test
    items:
      - name: tests_pass
      - name: coverage
        min_score: 80
    on_fail: {action: retry}
    require_criteria: true
  - ordinal: 4
    name: qa
    items:
      - name: acceptance_verified
      - name: regression_free
      - name: safety_score
        optional: true
        min_score: 0.85
    on_fail: {action: return, return_to: 1}
  - ordinal: 5
    name: pm
    items:
      - name: pm_approved
    on_fail: {action: return, return_to: 1}
  - ordinal: 6
    name: architecture
    items:
      - name: architecture_approved
      - name: safety_score
        optional: true
        min_score: 0.85
    on_fail: {action: return, return_to: 1}
  - ordinal: 7
    name: merge
    items:
      - name: ci_green
      - name: merged
    on_fail: {action: return, return_to: 2}

escalation:
  triggers:
    - name: retry-limit
      kind: gate_failures
      severity: major
    - name: safety-score
      kind: score_below
      item: safety_score
      threshold: 0.85
      severity: critical
    - name: budget-exhausted
      kind: budget
      percent: 100
      severity: major
    - name: critical-anomaly
      kind: anomaly_class
      min_severity: critical
      severity: critical
`
