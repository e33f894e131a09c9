package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"issueforge/internal/app"
	"issueforge/internal/config"
	"issueforge/internal/domain"
	"issueforge/internal/engine"
	"issueforge/internal/migrate"
	"issueforge/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "issueforge turns labelled issues into generated repositories",
	Long: `issueforge watches a repository for issues carrying the configured labels,
records each one as a request, and waits for a reviewer to approve it. Approved
requests are handed to a code generator; the output is pushed to a fresh
repository and the issue gets a comment with the link.

Run 'forge serve' for the service and the reviewer commands (pending, approve,
reject, requeue) against the same database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(domain.ExitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultFile, "config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("reviewer", os.Getenv("USER"), "reviewer recorded on decisions")
	rootCmd.PersistentFlags().String("db-path", "", "database file (overrides db_path)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("reviewer", rootCmd.PersistentFlags().Lookup("reviewer"))
	_ = viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(pendingCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(decideCmd("approve", "Approve a pending request", engine.Queue.Approve))
	rootCmd.AddCommand(decideCmd("reject", "Reject a pending request", engine.Queue.Reject))
	rootCmd.AddCommand(decideCmd("requeue", "Authorise another attempt after a failed or cancelled run", engine.Queue.Requeue))
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
}

// readConfig loads the layered configuration. An explicit --config must
// exist.
func readConfig(cmd *cobra.Command, validate bool) (*config.Config, error) {
	path := viper.GetString("config")
	explicit := cmd.Flags().Changed("config") || os.Getenv(config.EnvPrefix+"_CONFIG") != ""
	if validate {
		return config.Load(viper.GetViper(), path, explicit)
	}
	cfg, err := config.Read(viper.GetViper(), path, explicit)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		return nil, config.Error{Err: errors.New("db_path is required")}
	}
	return cfg, nil
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	cfg, err := readConfig(cmd, false)
	if err != nil {
		return err
	}
	a, err := app.Open(cfg, app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run discovery, generation and publication until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(cmd, true)
			if err != nil {
				return err
			}
			logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			a, err := app.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			logger.Info("issueforge starting", "repo", cfg.HostingRepo, "labels", cfg.LabelSet, "workdir_root", cfg.WorkdirRoot)
			return a.Serve(cmd.Context())
		},
	}
	cmd.Flags().String("api-addr", "", "reviewer API listen address (overrides api_addr)")
	_ = viper.BindPFlag("api_addr", cmd.Flags().Lookup("api-addr"))
	cmd.Flags().Bool("dev-login", false, "serve POST /v1/auth/dev/login for local testing (overrides api_dev_login)")
	_ = viper.BindPFlag("api_dev_login", cmd.Flags().Lookup("dev-login"))
	return cmd
}

func requestsCmd() *cobra.Command {
	var decision, runState, since, until string
	var limit int
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List recorded requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.RequestFilter{Decision: domain.DecisionState(decision), RunState: domain.RunState(runState), Limit: limit}
			var err error
			if f.Since, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if f.Until, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Store.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Source", "Title", "Priority", "Kind", "Effort", "Discovered"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.SourceRef, r.Title, r.Priority, r.Extracted.SystemKind, r.Extracted.Effort, r.DiscoveredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "decision state filter")
	cmd.Flags().StringVar(&runState, "run-state", "", "only requests with a run in this state")
	cmd.Flags().StringVar(&since, "since", "", "discovered at or after (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "discovered before (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List requests awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				items, err := a.Queue.ListPending(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Source", "Title", "Requester", "Priority", "Kind", "Effort", "Discovered"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.SourceRef, s.Title, s.Requester, s.Priority, s.SystemKind, s.Effort, s.DiscoveredAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request with its decision, runs and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := a.Queue.Show(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

type decideFunc func(q engine.Queue, ctx context.Context, requestID int64, reviewer, notes string) error

func decideCmd(use, short string, decide decideFunc) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			reviewer := viper.GetString("reviewer")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := decide(a.Queue, ctx, id, reviewer, notes); err != nil {
					return err
				}
				d, err := a.Store.GetDecision(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("request %d: %s by %s (attempts authorised: %d)\n", id, d.State, deref(d.Reviewer), d.Attempts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire [request-id]",
		Short: "Expire one pending request, or every one older than approval_ttl",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var ids []int64
				if len(args) == 1 {
					id, err := parseID(args[0])
					if err != nil {
						return err
					}
					if err := a.Queue.Expire(ctx, id); err != nil {
						return err
					}
					ids = []int64{id}
				} else {
					var err error
					if ids, err = a.Queue.ExpireStale(ctx, a.Config.ApprovalTTLDur()); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"expired": nonNil(ids)})
				}
				fmt.Printf("expired %d request(s)\n", len(ids))
				return nil
			})
		},
	}
}

func runsCmd() *cobra.Command {
	var requestID int64
	var states []string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List generation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.RunFilter{RequestID: requestID, Limit: limit}
			for _, s := range states {
				st := domain.RunState(s)
				if !st.Valid() {
					return fmt.Errorf("invalid run state %q", s)
				}
				f.States = append(f.States, st)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				runs, err := a.Store.ListRuns(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Run", "Request", "Attempt", "State", "Exit", "Started", "Ended", "Workdir"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.RequestID, r.Attempt, r.State, r.ExitReason, deref(r.StartedAt), deref(r.EndedAt), deref(r.Workdir)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&requestID, "request", 0, "request id filter")
	cmd.Flags().StringSliceVar(&states, "state", nil, "run state filter (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func auditCmd() *cobra.Command {
	var f repo.AuditFilter
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Tail the audit log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Store.AuditTail(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Time", "Kind", "Subject", "Message"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Kind, e.SubjectID, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "entry kind filter, e.g. decision.approved")
	cmd.Flags().Int64Var(&f.SubjectID, "subject", 0, "subject id filter")
	cmd.Flags().Int64Var(&f.BeforeID, "before", 0, "only entries older than this id")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "max rows")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration is layered: built-in defaults, then the YAML file, then ISSUEFORGE_* environment variables.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with credentials redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(cmd, false)
			if err != nil {
				return err
			}
			red := cfg.Redacted()
			if viper.GetBool("json") {
				return printJSON(red)
			}
			out, err := yaml.Marshal(red)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			fmt.Printf("hosting_credentials: %s\n", red.HostingCredentials)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := readConfig(cmd, true)
			if viper.GetBool("json") {
				if perr := printJSON(map[string]any{"ok": err == nil, "error": errString(err)}); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var hostingRepo, workdirRoot string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if hostingRepo == "" {
				return fmt.Errorf("--repo required")
			}
			if workdirRoot == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workdirRoot = wd + string(os.PathSeparator) + "runs"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(hostingRepo, workdirRoot)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&hostingRepo, "repo", "", "watched repository (owner/name)")
	cmd.Flags().StringVar(&workdirRoot, "workdir-root", "", "absolute directory for run workdirs (default ./runs)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(cmd, false)
			if err != nil {
				return err
			}
			conn, err := app.OpenStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer conn.Close()
			v, err := migrate.Current(conn)
			if err != nil {
				return err
			}
			latest, err := migrate.Latest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"db_path": cfg.DBPath, "schema_version": v, "latest_version": latest})
			}
			fmt.Printf("%s at schema version %d (latest %d)\n", cfg.DBPath, v, latest)
			return nil
		},
	}
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid request id %q", s)
	}
	return id, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
