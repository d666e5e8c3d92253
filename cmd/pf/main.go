package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planforge/internal/app"
	"planforge/internal/config"
	"planforge/internal/domain"
	"planforge/internal/metrics"
	"planforge/internal/prompts"
	"planforge/internal/repo"
	"planforge/internal/server"
	planforgesdk "planforge/sdk/go"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pf",
		Short: "planforge CLI",
		Long: `planforge turns a free-text goal into a validated action plan.
A request moves through a fixed pipeline of model calls:
- analyze_complexity: summary, category and complexity of the goal.
- generate_steps: ordered steps with estimates and dependencies.
- identify_risks: risks with severity and mitigation.
- determine_next_action: the one thing to do in the next 24-48 hours.
Every answer is schema-checked; a step that keeps failing ends the run.
Runs and their step journal are stored in the workspace (.planforge).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.LoadEnv(viper.GetString("workspace"))
		},
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags(root)
	root.AddCommand(serveCmd())
	root.AddCommand(planCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(promptsCmd())
	root.AddCommand(tokenCmd())
	return root
}

func initConfig() {
	viper.SetEnvPrefix("PLANFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	root.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("config", "", "config file (default <workspace>/planforge.yml)")
	root.PersistentFlags().String("log-level", "warn", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", root.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
}

func newLogger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "planforge",
		Level:  hclog.LevelFromString(viper.GetString("log-level")),
		Output: w,
	})
}

func options(logger hclog.Logger, m *metrics.Metrics) app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
		Metrics:    m,
	}
}

func withWorkspace(cmd *cobra.Command, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(cmd.Context(), options(newLogger(cmd.ErrOrStderr()), nil))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(cmd.Context(), ws)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(cmd.ErrOrStderr())
			m := metrics.New()
			ws, err := app.Open(cmd.Context(), options(logger, m))
			if err != nil {
				return err
			}
			defer ws.Close()
			if !cmd.Flags().Changed("addr") {
				addr = ws.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
				basePath = ws.Config.Server.BasePath
			}
			if ws.Config.Gateway.APIKey() == "" {
				logger.Warn("gateway api key not set; plan requests will fail", "env", ws.Config.Gateway.APIKeyEnv)
			}
			authCfg := server.AuthConfig{JWTSecret: ws.Config.Server.JWTSecret()}
			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Metrics:  m,
				Logger:   logger.Named("http"),
			})
			if err != nil {
				return err
			}
			if err := server.StartWebhooks(cmd.Context(), ws.Engine, logger, server.DefaultWebhookInterval); err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			auth := "off"
			if authCfg.Enabled() {
				auth = "bearer"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving planforge API on http://%s%s (auth %s, OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, auth, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func planCmd() *cobra.Command {
	var goal, priority, timeAvailable, serverURL, token string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a goal locally or against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var window *string
			if cmd.Flags().Changed("time") {
				window = &timeAvailable
			}
			if serverURL != "" {
				c := planforgesdk.New(serverURL)
				c.BearerToken = token
				plan, runID, err := c.Plan(cmd.Context(), planforgesdk.PlanRequest{Goal: goal, Priority: priority, TimeAvailable: window})
				if err != nil {
					if runID != "" {
						fmt.Fprintln(cmd.ErrOrStderr(), "run:", runID)
					}
					return err
				}
				var resp domain.AgentResponse
				if err := convert(plan, &resp); err != nil {
					return err
				}
				return printPlan(cmd.OutOrStdout(), runID, resp)
			}
			return withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace) error {
				raw := map[string]any{"goal": goal, "priority": priority}
				if window != nil {
					raw["timeAvailable"] = *window
				}
				res, err := ws.Engine.Plan(ctx, raw)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "run:", res.RunID)
					return err
				}
				return printPlan(cmd.OutOrStdout(), res.RunID, res.Response)
			})
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "goal to plan")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&timeAvailable, "time", "", "time available, e.g. \"2 weeks\"")
	cmd.Flags().StringVar(&serverURL, "server", "", "planforge server URL; plans locally when empty")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for --server")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect journaled runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.ListRuns(ctx, repo.RunFilters{Limit: limit, Status: status})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"ID", "Status", "Priority", "Goal", "Failed Step", "Duration", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Status, r.Priority, truncate(r.Goal, 40), r.FailedStep, time.Duration(r.DurationMS) * time.Millisecond, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", repo.DefaultListLimit, "max runs to list")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its step journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd, func(ctx context.Context, ws *app.Workspace) error {
				run, err := ws.Engine.GetRun(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("run %s not found", args[0])
					}
					return err
				}
				out := cmd.OutOrStdout()
				if viper.GetBool("json") {
					return printJSON(out, run)
				}
				fmt.Fprintf(out, "Run %s: %s (%s priority)\n", run.ID, run.Status, run.Priority)
				fmt.Fprintf(out, "Goal: %s\n", run.Goal)
				if run.Status == domain.RunFailed {
					fmt.Fprintf(out, "Failed at %s: %s %s\n", run.FailedStep, run.ErrorCode, run.Error)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Step", "Attempt", "Payload"})
				for _, e := range run.Events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Step, e.Attempt, truncate(string(e.Payload), 60)})
				}
				tw.Render()
				if run.Response != nil {
					return printPlan(out, run.ID, *run.Response)
				}
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage planforge.yml"}
	cfgCmd.AddCommand(configInitCmd())
	cfgCmd.AddCommand(configShowCmd())
	cfgCmd.AddCommand(configValidateCmd())
	return cfgCmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default planforge.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options(nil, nil))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config and prompt overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options(nil, nil))
			if err != nil {
				return err
			}
			if _, err := prompts.Load(cfg.Prompts.Dir); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config ok")
			if cfg.Gateway.APIKey() == "" {
				fmt.Fprintf(out, "warning: %s is not set\n", cfg.Gateway.APIKeyEnv)
			}
			return nil
		},
	}
}

func promptsCmd() *cobra.Command {
	p := &cobra.Command{Use: "prompts", Short: "Inspect prompt templates"}
	var dir string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the built-in templates to a directory for editing",
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := prompts.Export(dir)
			if err != nil {
				return err
			}
			for _, f := range written {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	export.Flags().StringVar(&dir, "dir", "prompts", "target directory; existing files are kept")
	p.AddCommand(export)
	return p
}

func tokenCmd() *cobra.Command {
	var sub string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options(nil, nil))
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret()
			if secret == "" {
				return fmt.Errorf("no JWT secret; set server.jwt_secret_env and export that variable")
			}
			tok, err := server.IssueToken(secret, sub, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func printPlan(w io.Writer, runID string, resp domain.AgentResponse) error {
	if viper.GetBool("json") {
		return printJSON(w, resp)
	}
	a := resp.GoalAnalysis
	fmt.Fprintf(w, "Run %s\n%s [%s, %s]\n\n", runID, a.Summary, a.Category, a.Complexity)

	steps := table.NewWriter()
	steps.SetOutputMirror(w)
	steps.SetTitle("Action steps (total " + resp.TotalEstimatedTime + ")")
	steps.AppendHeader(table.Row{"#", "Title", "Estimate", "Depends on"})
	for _, s := range resp.ActionSteps {
		steps.AppendRow(table.Row{s.StepNumber, s.Title, s.EstimatedTime, strings.Join(s.Dependencies, ", ")})
	}
	steps.Render()

	if len(resp.Risks) > 0 {
		risks := table.NewWriter()
		risks.SetOutputMirror(w)
		risks.SetTitle("Risks")
		risks.AppendHeader(table.Row{"ID", "Severity", "Risk", "Mitigation"})
		for _, r := range resp.Risks {
			risks.AppendRow(table.Row{r.ID, r.Severity, r.Title, truncate(r.Mitigation, 60)})
		}
		risks.Render()
	}
	n := resp.NextImmediateAction
	fmt.Fprintf(w, "\nNext (%s): %s\n  %s\n", n.Timeframe, n.Action, n.Reasoning)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func convert(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
