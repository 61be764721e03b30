package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/eventlog"
	"gateline/internal/notify"
	"gateline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLocal, devLogin bool
	var sweepEvery time.Duration
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, timeout sweeper and notifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowLocal {
				return fmt.Errorf("GATELINE_JWT_SECRET is required for bearer auth (or pass --allow-local-actor)")
			}
			ws, err := openWorkspace(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer ws.Close()
			logger := ws.Logger

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Logger:   logger.Named("http"),
				Auth: server.AuthConfig{
					JWTSecret:       secret,
					AllowLocalActor: allowLocal,
					DevLogin:        devLogin,
				},
				AllowedOrigins: origins,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("serving gateline API", zap.String("addr", addr), zap.String("base_path", basePath))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return ws.Engine.RunSweeper(ctx, sweepEvery)
			})
			if d := notify.NewWebhookDispatcher(ws.Store, ws.Config, logger); d != nil {
				g.Go(func() error { return d.Run(ctx) })
			}
			nc, err := notify.ConnectNATS(ws.Config, logger)
			if err != nil {
				return err
			}
			if nc != nil {
				defer nc.Drain()
				pub := notify.NewNATSPublisher(nc, ws.Store, ws.Config, logger)
				g.Go(func() error { return pub.Run(ctx) })
			}
			fmt.Printf("Serving Gateline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLocal, "allow-local-actor", false, "accept unauthenticated X-Actor-Id headers (local development only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login to mint tokens (local development only)")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", 30*time.Second, "how often to fail timed out attempts")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "origins allowed to open the event stream websocket")
	return cmd
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), actorID(), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{server.RoleAgent}, "roles (agent, approver)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 for no expiry")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to stories, waves, gates and escalations is an event in this log.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logFollowCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n, wave int
	var kinds []string
	var storyID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				q := eventlog.Query{Limit: n, StoryID: storyID, Wave: wave}
				for _, k := range kinds {
					q.Kinds = append(q.Kinds, domain.EventKind(k))
				}
				events, err := e.Store.Latest(ctx, q)
				if err != nil {
					return err
				}
				return printJSONOrTable(events, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Seq", "Time", "Kind", "Story", "Wave", "Actor"})
					for _, evt := range events {
						tw.AppendRow(table.Row{evt.Seq, evt.TS.Format(time.RFC3339), evt.Kind, evt.StoryID, evt.Wave, evt.ActorID})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "event kinds")
	cmd.Flags().StringVar(&storyID, "story", "", "story id")
	cmd.Flags().IntVar(&wave, "wave", 0, "wave")
	return cmd
}

func logFollowCmd() *cobra.Command {
	var after int64
	var kinds []string
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print events as they are appended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if !cmd.Flags().Changed("after") {
					last, err := e.Store.LastSeq(ctx)
					if err != nil {
						return err
					}
					after = last
				}
				for evt := range e.Subscribe(ctx, after, kinds) {
					if viper.GetBool("json") {
						if err := printJSON(evt); err != nil {
							return err
						}
						continue
					}
					fmt.Printf("%d %s %-22s %s %s\n", evt.Seq, evt.TS.Format(time.RFC3339), evt.Kind, evt.StoryID, strings.TrimSpace(string(evt.Payload)))
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "start after this sequence (default: end of log)")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "event kinds")
	return cmd
}

func replayCmd() *cobra.Command {
	var seq int64
	var verify bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the log",
		Long:  "Folds the log from the first event; with --verify the fold runs twice and both digests must match the live state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rep, err := engine.VerifyReplay(ctx, e.Store, seq)
				if err != nil {
					return err
				}
				if verify && seq <= 0 {
					live, err := e.Snapshot(ctx)
					if err != nil {
						return err
					}
					digest, err := live.Digest()
					if err != nil {
						return err
					}
					if digest != rep.Digest {
						return fmt.Errorf("replay digest %s differs from live state %s", rep.Digest, digest)
					}
				}
				return printJSONOrTable(rep, func() {
					fmt.Printf("replayed %d events up to seq %d, digest %s\n", rep.Events, rep.Seq, rep.Digest)
				})
			})
		},
	}
	cmd.Flags().Int64Var(&seq, "seq", 0, "replay up to this sequence (default: whole log)")
	cmd.Flags().BoolVar(&verify, "verify", false, "compare against the live projection")
	return cmd
}
