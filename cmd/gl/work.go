package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gateline/internal/domain"
	"gateline/internal/engine"
)

func dispatchCmd() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Request the next story for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				a, err := e.Dispatch(ctx, actorID(), class)
				if err != nil {
					return err
				}
				return printJSONOrTable(a, func() {
					if a.Story == nil {
						fmt.Println("No dispatchable story.")
					} else {
						fmt.Printf("%s %q gate %d attempt %d (resumed=%t)\n", a.Story.ID, a.Story.Title, a.Story.Gate, a.Story.Attempt, a.Resumed)
					}
					for _, s := range a.Skipped {
						fmt.Printf("  skipped %s: %s %s\n", s.StoryID, s.Reason, s.Holder)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "agent class")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func attemptCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "attempt", Short: "Gate attempts"}
	cmd.AddCommand(&cobra.Command{
		Use:   "start <story>",
		Short: "Open the next attempt after a failure or a resumed escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.StartAttempt(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(s, func() { fmt.Printf("%s gate %d attempt %d\n", s.ID, s.Gate, s.Attempt) })
			})
		},
	})
	return cmd
}

// parseCheck parses name=pass, name=fail or name=pass:0.91.
func parseCheck(raw string) (string, domain.CheckResult, error) {
	name, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return "", domain.CheckResult{}, fmt.Errorf("invalid check %q: want name=pass|fail[:score]", raw)
	}
	verdict, scoreRaw, hasScore := strings.Cut(value, ":")
	var res domain.CheckResult
	switch strings.ToLower(strings.TrimSpace(verdict)) {
	case "pass":
		res.Pass = true
	case "fail":
	default:
		return "", domain.CheckResult{}, fmt.Errorf("invalid check %q: verdict must be pass or fail", raw)
	}
	if hasScore {
		score, err := strconv.ParseFloat(scoreRaw, 64)
		if err != nil {
			return "", domain.CheckResult{}, fmt.Errorf("invalid check %q: %w", raw, err)
		}
		res.Score = &score
	}
	return strings.TrimSpace(name), res, nil
}

func reportCmd() *cobra.Command {
	var gate, attempt int
	var checks, criteria []string
	var outcome, impact string
	cmd := &cobra.Command{
		Use:   "report <story>",
		Short: "Report a gate check result",
		Long:  "Each --check is name=pass|fail with an optional :score, e.g. --check coverage=pass:86.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checklist := map[string]domain.CheckResult{}
			for _, raw := range checks {
				name, res, err := parseCheck(raw)
				if err != nil {
					return err
				}
				checklist[name] = res
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				r := engine.GateReport{
					StoryID:    args[0],
					Gate:       gate,
					Attempt:    attempt,
					AgentID:    actorID(),
					Outcome:    domain.Outcome(outcome),
					Checklist:  checklist,
					Criteria:   criteria,
					DataImpact: domain.DataImpact(impact),
				}
				if !cmd.Flags().Changed("gate") || !cmd.Flags().Changed("attempt") {
					s, err := e.Story(ctx, args[0])
					if err != nil {
						return err
					}
					if !cmd.Flags().Changed("gate") {
						r.Gate = s.Gate
					}
					if !cmd.Flags().Changed("attempt") {
						r.Attempt = s.Attempt
					}
				}
				v, err := e.ReportGateCheck(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(v, func() {
					fmt.Printf("%s gate %d: %s", v.Story.ID, r.Gate, v.Outcome)
					if v.Duplicate {
						fmt.Print(" (already recorded)")
					}
					fmt.Println()
					for _, reason := range v.Reasons {
						fmt.Printf("  - %s\n", reason)
					}
					for _, id := range v.Escalations {
						fmt.Printf("  escalation %s opened\n", id)
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&gate, "gate", 0, "gate ordinal (defaults to the story's current gate)")
	cmd.Flags().IntVar(&attempt, "attempt", 0, "attempt number (defaults to the open attempt)")
	cmd.Flags().StringArrayVar(&checks, "check", nil, "checklist item result name=pass|fail[:score]")
	cmd.Flags().StringSliceVar(&criteria, "criteria", nil, "acceptance criteria covered by this result")
	cmd.Flags().StringVar(&outcome, "outcome", "", "claimed outcome (pass|fail)")
	cmd.Flags().StringVar(&impact, "data-impact", "", "data impact discovered (none|reversible|irreversible)")
	return cmd
}

func anomalyCmd() *cobra.Command {
	var r engine.AnomalyReport
	var severity string
	var gate int
	cmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Report an anomaly against a story or a wave",
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Severity = domain.Severity(severity)
			r.ActorID = actorID()
			if cmd.Flags().Changed("gate") {
				r.Gate = &gate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ReportAnomaly(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					fmt.Printf("anomaly %s recorded\n", res.Anomaly.ID)
					for _, id := range res.Escalations {
						fmt.Printf("  escalation %s opened\n", id)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&r.StoryID, "story", "", "story id")
	cmd.Flags().IntVar(&r.Wave, "wave", 0, "wave (when no story is given)")
	cmd.Flags().StringVar(&r.Class, "class", "", "anomaly class")
	cmd.Flags().StringVar(&severity, "severity", "minor", "minor|major|critical")
	cmd.Flags().StringVar(&r.Description, "description", "", "description")
	cmd.Flags().IntVar(&gate, "gate", 0, "gate the anomaly was found at")
	cmd.Flags().StringVar(&r.Key, "key", "", "idempotency key")
	_ = cmd.MarkFlagRequired("class")
	return cmd
}

func usageCmd() *cobra.Command {
	var r engine.UsageReport
	cmd := &cobra.Command{
		Use:   "usage <wave>",
		Short: "Record consumption against a wave budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wave, err := parseWave(args[0])
			if err != nil {
				return err
			}
			r.Wave = wave
			r.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ReportUsage(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					fmt.Printf("wave %d used %.2f of %.2f\n", res.Wave, res.Used, res.Budget)
					for _, id := range res.Escalations {
						fmt.Printf("  escalation %s opened\n", id)
					}
				})
			})
		},
	}
	cmd.Flags().Float64Var(&r.Amount, "amount", 0, "amount consumed")
	cmd.Flags().StringVar(&r.Note, "note", "", "note")
	cmd.Flags().StringVar(&r.Key, "key", "", "idempotency key")
	return cmd
}

func escalationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "escalation", Short: "List and resolve escalations"}
	cmd.AddCommand(escalationListCmd())
	cmd.AddCommand(escalationResolveCmd())
	return cmd
}

func escalationListCmd() *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Escalations(ctx, open)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Scope", "Target", "Severity", "Trigger", "Open", "Reason"})
					for _, esc := range items {
						target := esc.StoryID
						if esc.Scope == domain.ScopeWave {
							target = fmt.Sprintf("wave %d", esc.Wave)
						}
						tw.AppendRow(table.Row{esc.ID, esc.Scope, target, esc.Severity, esc.Trigger, esc.Open, esc.Reason})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only open escalations")
	return cmd
}

func escalationResolveCmd() *cobra.Command {
	var decision, note string
	var gate int
	var keepRetries bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve an escalation with resume or rollback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := engine.Resolution{
				ID:          args[0],
				Decision:    domain.Decision(decision),
				KeepRetries: keepRetries,
				Note:        note,
				ActorID:     actorID(),
			}
			if cmd.Flags().Changed("gate") {
				r.Gate = &gate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ResolveEscalation(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					fmt.Printf("%s resolved with %s\n", res.Escalation.ID, res.Escalation.Decision)
					if len(res.Resumed) > 0 {
						fmt.Printf("  resumed: %s\n", strings.Join(res.Resumed, ", "))
					}
					if len(res.RolledBack) > 0 {
						fmt.Printf("  rolled back: %s\n", strings.Join(res.RolledBack, ", "))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "resume|rollback")
	cmd.Flags().IntVar(&gate, "gate", 0, "gate to resume the story at")
	cmd.Flags().BoolVar(&keepRetries, "keep-retries", false, "keep failure counts on resume")
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func rollbackCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <story>",
		Short: "Roll a story back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Rollback(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec, func() {
					fmt.Printf("%s rolled back (data impact %s)\n", rec.StoryID, rec.DataImpact)
					if len(rec.Dependents) > 0 {
						fmt.Printf("  dependents escalated: %s\n", strings.Join(rec.Dependents, ", "))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func statusCmd() *cobra.Command {
	var storyID string
	var wave int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress and blocking reasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := engine.StatusQuery{Scope: engine.ScopeAll}
			switch {
			case storyID != "":
				q = engine.StatusQuery{Scope: engine.ScopeStory, ID: storyID}
			case wave > 0:
				q = engine.StatusQuery{Scope: engine.ScopeWave, ID: strconv.Itoa(wave)}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := e.Status(ctx, q)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep, func() { renderStatus(rep) })
			})
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().IntVar(&wave, "wave", 0, "wave number")
	return cmd
}

func renderStatus(rep engine.StatusReport) {
	for _, w := range rep.Waves {
		state := "not launched"
		switch {
		case w.Complete:
			state = "complete"
		case w.Blocked:
			state = "blocked"
		case w.Launched:
			state = fmt.Sprintf("phase %d active", w.ActivePhase)
		}
		fmt.Printf("Wave %d: %s", w.Number, state)
		if w.Budget > 0 {
			fmt.Printf(" (budget %.2f/%.2f)", w.Used, w.Budget)
		}
		fmt.Println()
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Story", "Wave", "Phase", "Gate", "Status", "Agent", "Retries", "Blockers"})
	for _, s := range rep.Stories {
		var blockers []string
		for _, b := range s.Blockers {
			blockers = append(blockers, b.Kind+": "+b.Detail)
		}
		tw.AppendRow(table.Row{s.ID, s.Wave, s.Phase, s.GateName, s.Status, s.Agent, s.Retries, strings.Join(blockers, "\n")})
	}
	tw.Render()
}
