package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/plan"
)

func storyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "story", Short: "Manage stories"}
	cmd.AddCommand(storyCreateCmd())
	cmd.AddCommand(storyListCmd())
	cmd.AddCommand(storyShowCmd())
	return cmd
}

func storyCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create -f stories.yml",
		Short: "Create stories from a YAML file",
		Long:  "All stories of the file are validated together and recorded in one batch; nothing is recorded if any of them is invalid.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			defs, err := config.LoadStories(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stories, err := e.CreateStories(ctx, defs, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(stories, func() { renderStories(stories) })
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with a stories list")
	return cmd
}

func storyListCmd() *cobra.Command {
	var wave int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stories, err := e.Stories(ctx, wave)
				if err != nil {
					return err
				}
				return printJSONOrTable(stories, func() { renderStories(stories) })
			})
		},
	}
	cmd.Flags().IntVar(&wave, "wave", 0, "wave filter")
	return cmd
}

func storyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Story(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func renderStories(stories []domain.Story) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Wave", "Class", "Gate", "Status", "Agent"})
	for _, s := range stories {
		tw.AppendRow(table.Row{s.ID, s.Title, s.Wave, s.AgentClass, s.Gate, s.Status, s.Agent})
	}
	tw.Render()
}

func waveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "wave", Short: "Plan, launch and re-plan waves"}
	cmd.AddCommand(wavePlanCmd())
	cmd.AddCommand(waveLaunchCmd())
	cmd.AddCommand(waveReplanCmd())
	return cmd
}

func parseWave(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid wave %q", arg)
	}
	return n, nil
}

func wavePlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <wave>",
		Short: "Show the phase plan a launch would fix, without launching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wave, err := parseWave(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.PlanWave(ctx, wave)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, func() { renderPlan(p) })
			})
		},
	}
}

func waveLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch <wave>",
		Short: "Launch a wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wave, err := parseWave(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.LaunchWave(ctx, wave, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p, func() { renderPlan(p) })
			})
		},
	}
}

func waveReplanCmd() *cobra.Command {
	var file string
	var blockedBy []string
	cmd := &cobra.Command{
		Use:   "replan <wave>",
		Short: "Re-plan a launched wave, adding stories or re-pointing blocked_by",
		Long: "Adds the stories of -f to a launched wave and replaces blocked_by lists given as\n" +
			"--blocked-by STORY=DEP1,DEP2 (an empty list clears them), then recomputes the phases.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wave, err := parseWave(args[0])
			if err != nil {
				return err
			}
			r := engine.Replan{Wave: wave, ActorID: actorID()}
			if file != "" {
				if r.Stories, err = config.LoadStories(file); err != nil {
					return err
				}
			}
			if r.BlockedBy, err = parseBlockedBy(blockedBy); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.ReplanWave(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func() {
					renderPlan(res.Plan)
					if len(res.Released) > 0 {
						fmt.Printf("released: %s\n", strings.Join(res.Released, ", "))
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file with stories to add")
	cmd.Flags().StringArrayVar(&blockedBy, "blocked-by", nil, "STORY=DEP1,DEP2 (repeatable)")
	return cmd
}

// parseBlockedBy reads STORY=DEP1,DEP2 pairs.
func parseBlockedBy(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string][]string, len(pairs))
	for _, pair := range pairs {
		story, deps, ok := strings.Cut(pair, "=")
		story = strings.TrimSpace(story)
		if !ok || story == "" {
			return nil, fmt.Errorf("invalid --blocked-by %q, want STORY=DEP1,DEP2", pair)
		}
		if _, dup := out[story]; dup {
			return nil, fmt.Errorf("--blocked-by given twice for %s", story)
		}
		list := []string{}
		for _, dep := range strings.Split(deps, ",") {
			if dep = strings.TrimSpace(dep); dep != "" {
				list = append(list, dep)
			}
		}
		out[story] = list
	}
	return out, nil
}

func renderPlan(p plan.Plan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("Wave %d", p.Wave))
	tw.AppendHeader(table.Row{"Phase", "Agent class", "Stories"})
	for _, ph := range p.Phases {
		for _, g := range ph.Groups {
			tw.AppendRow(table.Row{ph.Index, g.AgentClass, strings.Join(g.Stories, ", ")})
		}
	}
	tw.Render()
}
