package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gateline/internal/app"
	"gateline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Gateline CLI",
	Long: `Gateline orchestrates agents through quality gates.
- Stories: units of work named EPIC-TYPE-NNN, each with owned paths, dependencies and acceptance criteria.
- Waves: batches of stories; launching a wave fixes its phase plan from the dependency graph.
- Gates: eight checkpoints (preflight to merge); agents report a checklist per attempt.
- Escalations: raised on retry limits, low scores, budgets and critical anomalies; a human resolves them with resume or rollback.
- Event log: every change is an event; state is a replay of the log ('gl log tail', 'gl replay --verify').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("GATELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "jwt-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(waveCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(attemptCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(anomalyCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(escalationCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create gateline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(cmd.Context(), viper.GetString("workspace"), projectID, force)
			if err != nil {
				return err
			}
			fmt.Printf("Initialized %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "default", "project id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing gateline.yml")
	return cmd
}

// --- helpers ---

func openWorkspace(ctx context.Context, metrics bool) (*app.Workspace, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
		Metrics:   metrics,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	ws, err := openWorkspace(ctx, false)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") || table == nil {
		return printJSON(v)
	}
	table()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode distinguishes operator-actionable failures for scripts.
func exitCode(err error) int {
	var (
		cfgErr  *engine.ConfigurationError
		valErr  *engine.ValidationError
		escErr  *engine.EscalationRequired
		refusal *engine.IrreversibleRollbackRefusal
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &valErr):
		return 2
	case errors.As(err, &escErr), errors.As(err, &refusal):
		return 3
	case errors.Is(err, engine.ErrNotFound):
		return 4
	}
	return 1
}
