package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"launchpath/internal/app"
	"launchpath/internal/config"
	"launchpath/internal/domain"
	"launchpath/internal/engine"
	"launchpath/internal/server"
	"launchpath/internal/stages"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from an idea",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts.OwnerID = actorID()
				p, err := a.Engine.InitProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&opts.Idea, "idea", "", "the business idea")
	cmd.Flags().StringVar(&opts.Audience, "audience", "", "target audience")
	cmd.Flags().StringVar(&opts.BusinessType, "business-type", "", "business type")
	cmd.Flags().StringVar(&opts.Geography, "geography", "", "target geography")
	cmd.Flags().StringVar(&opts.FounderType, "founder-type", "", "founder profile")
	_ = cmd.MarkFlagRequired("idea")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the actor's projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Idea", "Status", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, truncate(p.Idea, 50), p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func stageCmd() *cobra.Command {
	st := &cobra.Command{
		Use:   "stage",
		Short: "Inspect and change stage status",
		Long:  "Locking freezes a stage. Unlocking returns it to draft and marks every locked stage after it outdated.",
	}
	st.AddCommand(stageShowCmd())
	st.AddCommand(stageTransitionCmd("lock", "Lock a stage", engine.Engine.LockStage))
	st.AddCommand(stageTransitionCmd("unlock", "Unlock a stage and mark locked downstream stages outdated", engine.Engine.UnlockStage))
	st.AddCommand(stageTransitionCmd("invalidate", "Mark locked stages after this one outdated", engine.Engine.InvalidateDownstream))
	st.AddCommand(stageCheckCmd())
	return st
}

func stageShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show stage statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.StageStatus(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printStatuses(st.Statuses)
				fmt.Printf("version %d\n", st.Version)
				return nil
			})
		},
	}
}

type transitionFunc func(engine.Engine, context.Context, string, domain.Stage, string) (stages.Transition, error)

func stageTransitionCmd(use, short string, apply transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <stage>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			stage, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tr, err := apply(a.Engine, ctx, id, stage, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tr)
				}
				printStatuses(tr.Statuses)
				if len(tr.Affected) > 0 {
					fmt.Printf("marked outdated: %s\n", joinStages(tr.Affected))
				}
				return nil
			})
		},
	}
}

func stageCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <stage>",
		Short: "Report whether every earlier stage is locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			stage, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				chk, err := a.Engine.CheckUpstream(ctx, id, stage)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chk)
				}
				if chk.Locked {
					fmt.Println("upstream locked")
					return nil
				}
				fmt.Printf("not locked yet: %s\n", joinStages(chk.Pending))
				return nil
			})
		},
	}
}

func generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <stage>",
		Short: "Generate every artifact of a stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			stage, err := domain.ParseStage(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.GenerateStage(ctx, id, stage, actorID())
				if run.RunID != "" {
					if perr := printRun(run); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func featureCmd() *cobra.Command {
	f := &cobra.Command{Use: "feature", Short: "Work with single features"}
	f.AddCommand(&cobra.Command{
		Use:   "generate <feature>",
		Short: "Regenerate one feature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.RunFeature(ctx, id, args[0], actorID())
				if run.RunID != "" {
					if perr := printRun(run); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	})
	f.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the feature catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tw := newTable("Stage", "Mode", "Feature", "Tier")
				for _, s := range domain.StageOrder {
					plan := a.Engine.Plans[s]
					for _, name := range plan.Features {
						feat, _ := a.Engine.Catalog.Lookup(name)
						tw.AppendRow(table.Row{s, plan.Mode, name, feat.Tier})
					}
				}
				tw.Render()
				return nil
			})
		},
	})
	return f
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{Use: "artifact", Short: "Read generated artifacts"}
	art.AddCommand(&cobra.Command{
		Use:   "show <feature>",
		Short: "Show one artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				item, err := a.Engine.Artifact(ctx, id, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	})
	var stage string
	list := &cobra.Command{
		Use:   "list",
		Short: "List artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireProject()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListArtifacts(ctx, id, domain.Stage(stage))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Stage", "Feature", "Completeness", "Model", "Tokens", "Updated")
				for _, it := range items {
					tw.AppendRow(table.Row{it.Stage, it.Feature, it.Completeness, it.Model, it.Tokens, it.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&stage, "stage", "", "only this stage")
	art.AddCommand(list)
	return art
}

func budgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show today's token usage against the ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.BudgetStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				state := "allowed"
				if !rep.Allowed {
					state = "denied: " + rep.Reason
				}
				fmt.Printf("%d / %d tokens (%d%%) since %s, %s\n", rep.Used, rep.Limit, rep.Percent, rep.Since, state)
				tw := newTable("Feature", "Tokens")
				for name, n := range rep.ByFeature {
					tw.AppendRow(table.Row{name, n})
				}
				tw.SortBy([]table.SortBy{{Name: "Tokens", Mode: table.DscNumeric}})
				tw.Render()
				return nil
			})
		},
	}
}

func operatorCmd() *cobra.Command {
	op := &cobra.Command{
		Use:   "operator",
		Short: "Flip runtime switches stored in Redis",
		Long:  "Needs operator.redis_url in launchpath.yml or --redis-url.",
	}
	withOperator := func(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
			if a.Operator == nil {
				return errors.New("operator settings need a redis url")
			}
			return fn(ctx, a)
		})
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Show effective operator settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Operator.Settings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	kill := &cobra.Command{
		Use:       "kill-switch <on|off>",
		Short:     "Turn AI generation off or back on",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			return withOperator(cmd, func(ctx context.Context, a *app.App) error {
				return a.Operator.SetKillSwitch(ctx, on)
			})
		},
	}
	limit := &cobra.Command{
		Use:   "limit <tokens>",
		Short: "Set the daily token ceiling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid token limit %q", args[0])
			}
			return withOperator(cmd, func(ctx context.Context, a *app.App) error {
				return a.Operator.SetDailyTokenLimit(ctx, n)
			})
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Drop Redis overrides and fall back to config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, func(ctx context.Context, a *app.App) error {
				return a.Operator.Reset(ctx)
			})
		},
	}
	op.AddCommand(show, kill, limit, reset)
	return op
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Stage transitions, generation runs and budget warnings.",
	}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			project := viper.GetString("project")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.ListEvents(ctx, project, n, 0)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := newTable("ID", "Time", "Type", "Project", "Entity", "Actor")
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	log.AddCommand(tail)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv(a.Config.Server.JWTSecretEnv), Logger: a.Logger}
				if authCfg.JWTSecret == "" {
					a.Logger.Warn("no JWT secret set; trusting X-Actor-Id", "env", a.Config.Server.JWTSecretEnv)
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Launchpath API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "launchpath.yml sets the provider, model tiers, token budget, retry policy and security limits. Missing keys keep their defaults.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default launchpath.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate launchpath.yml",
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
	cfg.AddCommand(initCmd, show, validate)
	return cfg
}

func printRun(run engine.StageRun) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Printf("run %s: stage %s (%s), success=%t\n", run.RunID, run.Stage, run.Mode, run.Success)
	tw := newTable("Step", "Status", "Completeness", "Tokens", "Error")
	for _, s := range run.Steps {
		var completeness domain.Completeness
		var tokens int64
		if s.Result != nil {
			completeness, tokens = s.Result.Completeness, s.Result.Tokens
		}
		tw.AppendRow(table.Row{s.Name, s.Status, completeness, tokens, truncate(s.Error, 60)})
	}
	tw.Render()
	if !run.UpstreamLocked {
		fmt.Printf("note: earlier stages not locked: %s\n", joinStages(run.PendingUpstream))
	}
	if len(run.Invalidated) > 0 {
		fmt.Printf("marked outdated: %s\n", joinStages(run.Invalidated))
	}
	return nil
}

func printStatuses(m domain.StageStatusMap) {
	tw := newTable("#", "Stage", "Status")
	for i, s := range domain.StageOrder {
		tw.AppendRow(table.Row{i + 1, s, m[s]})
	}
	tw.Render()
}

func joinStages(items []domain.Stage) string {
	parts := make([]string, 0, len(items))
	for _, s := range items {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
