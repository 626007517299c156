package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"launchpath/internal/app"
)

var rootCmd = &cobra.Command{
	Use:   "lp",
	Short: "Launchpath CLI",
	Long: `Launchpath walks a business idea through five ordered stages and asks a
language model for the artifacts of each one.
- Stages: idea_check -> market_reality -> build_plan -> launch_plan -> decision.
- Status: a stage is draft, locked or outdated. Unlocking a stage, or
  regenerating it, marks every locked stage after it outdated.
- Generation: each stage runs its features in parallel or as a chain.
  Inputs are screened for prompt injection and every call is checked
  against the daily token ceiling first.
- Workspace: .launchpath/ holds the SQLite database; launchpath.yml is optional.`,
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LAUNCHPATH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "caller identifier")
	flags.String("project", "", "project id")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("redis-url", "", "redis URL for operator settings (overrides config)")
	flags.Bool("kill-switch", false, "disable AI generation (overrides config)")
	flags.Int64("daily-token-limit", 0, "daily token ceiling (overrides config)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "redis-url", "kill-switch", "daily-token-limit"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(featureCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	opts := app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
		RedisURL:  viper.GetString("redis-url"),
	}
	// IsSet ignores flag defaults, so only explicit flags or env vars override.
	if viper.IsSet("kill-switch") {
		v := viper.GetBool("kill-switch")
		opts.KillSwitch = &v
	}
	if viper.IsSet("daily-token-limit") {
		v := viper.GetInt64("daily-token-limit")
		opts.DailyTokenLimit = &v
	}
	a, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func requireProject() (string, error) {
	id := strings.TrimSpace(viper.GetString("project"))
	if id == "" {
		return "", fmt.Errorf("--project required")
	}
	return id, nil
}

func actorID() string {
	return viper.GetString("actor-id")
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}
