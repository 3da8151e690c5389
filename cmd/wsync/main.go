package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wastesync/internal/app"
	"wastesync/internal/config"
	"wastesync/internal/domain"
	"wastesync/internal/engine"
	"wastesync/internal/feed"
	"wastesync/internal/metrics"
	"wastesync/internal/repo"
	"wastesync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wsync",
	Short: "wastesync CLI",
	Long: `wastesync keeps the work items of a waste management service consistent
between their active and archive tables, orders status changes by time,
publishes one notification per item and streams row changes to clients.
Core concepts:
- Kind: a workflow (report, schedule, feedback, ...) with an active table, an archive table and a status machine, declared in wastesync.yml.
- Move: archive or restore; the destination is written first under a deterministic key, the source is deleted second.
- Pending move: a move whose source delete failed; the sweeper retries it and escalates what it cannot finish.
- Transition: a status change, applied only when its timestamp is newer than the stored one.
- Feed: every row change of the kind tables and notifications, followed with 'wsync feed tail' or 'wsync watch'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WASTESYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(purgeCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(warningsCmd())
	rootCmd.AddCommand(feedCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage wastesync.yml",
		Long:  "Config declares the workflow kinds with their tables and status machines, the sweeper retry policy, feed tuning, roles, webhooks and NATS.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default wastesync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate wastesync.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func itemCmd() *cobra.Command {
	c := &cobra.Command{Use: "item", Short: "Manage work items"}
	c.AddCommand(itemCreateCmd())
	c.AddCommand(itemListCmd())
	c.AddCommand(itemShowCmd())
	return c
}

func itemCreateCmd() *cobra.Command {
	var kind, id, owner, payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item in the first status of its kind",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			var raw []byte
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be JSON")
				}
				raw = []byte(payload)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.CreateItem(ctx, engine.CreateItemOptions{
					ID:       id,
					Kind:     kind,
					OwnerRef: owner,
					Payload:  raw,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "work item kind")
	cmd.Flags().StringVar(&id, "id", "", "id (generated when empty)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner reference")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON object")
	return cmd
}

func itemListCmd() *cobra.Command {
	var kind string
	var archived bool
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active or archived work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind == "" {
				return fmt.Errorf("--kind required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				if archived {
					recs, err := e.ListArchived(ctx, kind, f)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(recs)
					}
					tw.AppendHeader(table.Row{"Source", "Status", "Owner", "Archived", "Key"})
					for _, a := range recs {
						tw.AppendRow(table.Row{a.SourceID, a.Status, deref(a.OwnerRef), a.ArchivedAt, a.ID})
					}
					tw.Render()
					return nil
				}
				items, err := e.ListItems(ctx, kind, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw.AppendHeader(table.Row{"ID", "Status", "Owner", "Updated"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Status, deref(it.OwnerRef), it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "work item kind")
	cmd.Flags().BoolVar(&archived, "archived", false, "list the archive table")
	cmd.Flags().StringVar(&f.OwnerRef, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <kind> <id>",
		Short: "Show a work item with its latest status event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out := map[string]any{}
				it, err := e.GetItem(ctx, args[0], args[1])
				switch {
				case err == nil:
					out["item"] = it
					if se, err := e.GetStatus(ctx, args[0], args[1]); err == nil {
						out["status"] = se
					}
				case errors.Is(err, engine.ErrNotFound):
					a, aerr := e.Store.GetArchivedBySource(ctx, args[0], args[1])
					if aerr != nil {
						return err
					}
					out["archived"] = a
				default:
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func archiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <kind> <id>",
		Short: "Move an active work item to the archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printMove(e.Archive(ctx, args[0], args[1], viper.GetString("actor-id")))
			})
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <kind> <source-id>",
		Short: "Move an archived work item back to the active table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printMove(e.Restore(ctx, args[0], args[1], viper.GetString("actor-id")))
			})
		},
	}
}

// printMove reports a partial move as a warning; the destination exists and
// the sweeper owns the rest.
func printMove(res engine.MoveResult, err error) error {
	if err != nil && engine.Code(err) != engine.CodePartialMove {
		return err
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	return printJSONOrTable(res)
}

func transitionCmd() *cobra.Command {
	var opts engine.TransitionOptions
	var at string
	cmd := &cobra.Command{
		Use:   "transition <kind> <id> <status>",
		Short: "Change the status of an active work item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind, opts.WorkItemID, opts.Target = args[0], args[1], args[2]
			opts.ActorID = viper.GetString("actor-id")
			if at != "" {
				t, err := domain.ParseTime(at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				opts.At = t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Transition(ctx, opts)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", w.Code, w.Message)
				}
				if !res.Applied && res.Superseded {
					fmt.Fprintf(os.Stderr, "superseded: stored status %s is newer\n", res.Event.Status)
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Response, "response", "", "response text")
	cmd.Flags().StringVar(&at, "at", "", "writer timestamp (RFC3339), defaults to now")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "allow any configured status")
	cmd.Flags().BoolVar(&opts.SkipNotify, "skip-notify", false, "do not notify the owner")
	return cmd
}

func purgeCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "purge <kind> <id>",
		Short: "Permanently delete a work item of a deletable kind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Purge(ctx, args[0], args[1], from, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("purged %s %s from %s\n", args[0], args[1], from)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", engine.StoreActive, "store to delete from (active, archive)")
	return cmd
}

func notifyCmd() *cobra.Command {
	c := &cobra.Command{Use: "notify", Short: "Manage notifications"}
	c.AddCommand(notifyPublishCmd())
	c.AddCommand(notifyListCmd())
	c.AddCommand(notifyReadCmd())
	return c
}

func notifyPublishCmd() *cobra.Command {
	var opts engine.PublishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the notification of a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Publish(ctx, opts)
				if errors.Is(err, engine.ErrNotificationDegraded) {
					fmt.Fprintln(os.Stderr, "warning: queued for retry:", err)
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkItemID, "item", "", "work item id")
	cmd.Flags().StringVar(&opts.OwnerRef, "owner", "", "owner reference")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "work item kind")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status")
	cmd.Flags().StringVar(&opts.Response, "response", "", "response text")
	cmd.Flags().StringVar(&opts.Message, "message", "", "message (defaults to the kind template)")
	_ = cmd.MarkFlagRequired("item")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func notifyListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Item", "Owner", "Status", "Read", "Message"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.WorkItemID, n.OwnerRef, n.Status, n.Read, n.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerRef, "owner", "", "owner filter")
	cmd.Flags().BoolVar(&f.UnreadOnly, "unread", false, "only unread")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func notifyReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.MarkRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Retry pending moves and notifications, repair status drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := &engine.Sweeper{Engine: e, Logger: e.Logger}
				if loop {
					err := s.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				rep, err := s.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep sweeping at the configured interval")
	return cmd
}

func warningsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warnings",
		Short: "List findings escalated for manual review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.StaleWarnings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ws)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Kind", "Entity", "Message"})
				for _, w := range ws {
					tw.AppendRow(table.Row{w.Code, w.Kind, w.EntityID, w.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func feedCmd() *cobra.Command {
	c := &cobra.Command{Use: "feed", Short: "Follow the change feed"}
	c.AddCommand(feedTailCmd())
	c.AddCommand(feedPruneCmd())
	return c
}

func feedPruneCmd() *cobra.Command {
	var keep int64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop old change feed entries, keeping the newest --keep",
		Long:  "Subscribers that were offline while entries were pruned reload from the store, so pruning never loses state, only history.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), nil, func(ctx context.Context, ws *app.Workspace) error {
				latest, err := ws.Repo.LatestFeedID(ctx)
				if err != nil {
					return err
				}
				if latest <= keep {
					fmt.Println("nothing to prune")
					return nil
				}
				n, err := ws.Repo.PruneFeed(ctx, latest-keep)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&keep, "keep", 10000, "entries to keep")
	return cmd
}

func feedTailCmd() *cobra.Command {
	var kinds []string
	var userID string
	var notifications bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print change events as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), nil, func(ctx context.Context, ws *app.Workspace) error {
				if len(kinds) == 0 {
					kinds = ws.Config.KindNames()
				}
				f, err := feed.FilterForKinds(ws.Config, kinds, userID, notifications)
				if err != nil {
					return err
				}
				hub := newHub(ws, nil)
				sub := hub.Subscribe(f)
				defer sub.Close()
				go hub.Run(ctx)
				enc := json.NewEncoder(os.Stdout)
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-sub.C:
						if !ok {
							return nil
						}
						if viper.GetBool("json") {
							if err := enc.Encode(ev); err != nil {
								return err
							}
							continue
						}
						fmt.Printf("%6d %-8s %-22s %-38s %s\n", ev.Seq, ev.Type, ev.Table, ev.RowID, ev.Reason)
					}
				}
			})
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "kinds to follow (default all)")
	cmd.Flags().StringVar(&userID, "user", "", "only rows owned by this user (plus unowned rows)")
	cmd.Flags().BoolVar(&notifications, "notifications", true, "include the notifications table")
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the sync log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.LogFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent sync log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), nil, func(ctx context.Context, ws *app.Workspace) error {
				entries, err := ws.Repo.ListLog(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Kind", "Entity", "Actor", "Payload"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Kind, e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.Type, "type", "", "entry type filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, change stream and sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			m := metrics.New(reg)
			return withWorkspace(cmd.Context(), m, func(ctx context.Context, ws *app.Workspace) error {
				logger := ws.Engine.Logger
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: allowActorHeader,
					Logger:           logger,
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("WASTESYNC_JWT_SECRET is required for bearer auth")
				}
				rt, err := server.NewRuntime(ws.Engine, ws.Repo, m, logger)
				if err != nil {
					return err
				}
				handler, err := server.New(server.Config{
					Engine:   ws.Engine,
					Repo:     ws.Repo,
					Hub:      rt.Hub,
					BasePath: basePath,
					Auth:     authCfg,
					Gatherer: reg,
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				bgCtx, cancel := context.WithCancel(ctx)
				rt.Start(bgCtx)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving wastesync API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				err = srv.ListenAndServe()
				cancel()
				rt.Wait()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "dev-actor-header", false, "accept X-Actor-Id/X-Role without a token (development only)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetBool("json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func withWorkspace(ctx context.Context, m *metrics.Metrics, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), newLogger(), m)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, nil, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

func newHub(ws *app.Workspace, m *metrics.Metrics) *feed.Hub {
	return feed.NewHub(feed.RepoSource{Repo: ws.Repo}, feed.Options{
		PollInterval: ws.Config.Feed.PollInterval,
		BatchSize:    ws.Config.Feed.BatchSize,
		Buffer:       ws.Config.Feed.Buffer,
		Config:       ws.Config,
		Logger:       ws.Engine.Logger,
		Metrics:      m,
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
