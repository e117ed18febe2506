package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"chained/internal/app"
	"chained/internal/config"
	"chained/internal/db"
	"chained/internal/domain"
	"chained/internal/engine"
	"chained/internal/migrate"
	"chained/internal/patterns"
	"chained/internal/registry"
	"chained/internal/server"
	"chained/internal/tui"
)

var errAuth = errors.New("authentication not configured")

var rootCmd = &cobra.Command{
	Use:   "chd",
	Short: "Chained dispatch CLI",
	Long: `Chained matches incoming tasks to specialized workers and evolves the
worker pool from outcome feedback.
Core concepts:
- Workspace: a directory with chained.yaml (engine config), patterns.yaml
  (the rule table), workers/ (definitions) and a .chained/ data dir.
- Pattern table: lexical tokens mapped to candidate workers and weights;
  it is data, reloaded on every invocation, never code.
- Dispatch: extract signal, score candidates against the registry
  snapshot, select deterministically or fall back flagged for triage.
- Outcomes: recorded exactly once per task; counters drive the derived
  lifecycle status (active, hall_of_fame, elimination_risk, eliminated).
- Protection: a maintainer override that keeps a worker out of
  elimination regardless of its numbers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error classes to distinguishable process exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalid):
		return 2
	case errors.Is(err, registry.ErrNotFound):
		return 3
	case errors.Is(err, registry.ErrVersionConflict):
		return 4
	case errors.Is(err, engine.ErrOrphanOutcome):
		return 5
	case errors.Is(err, errAuth):
		return 6
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("CHAINED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-operator", "actor identifier for the journal")
	rootCmd.PersistentFlags().String("patterns", "", "pattern table path (default <workspace>/patterns.yaml)")
	rootCmd.PersistentFlags().String("config", "", "engine config path (default <workspace>/chained.yaml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("patterns", rootCmd.PersistentFlags().Lookup("patterns"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(recordOutcomeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reindexCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(patternsCmd())
	rootCmd.AddCommand(standingsCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates chained.yaml, a starter patterns.yaml, a workers/ directory, the database schema, and the protected fallback worker. Re-running leaves existing files untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := app.Init(cmd.Context(), viper.GetString("workspace"), viper.GetString("actor"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"workspace": res.Workspace, "db": res.DBPath, "created": res.Created})
			}
			fmt.Printf("Workspace %s ready (db %s)\n", res.Workspace, res.DBPath)
			for _, p := range res.Created {
				fmt.Println("  created", p)
			}
			return nil
		},
	}
}

// taskDoc is the task document accepted by `chd dispatch`.
type taskDoc struct {
	ID        string   `yaml:"id" json:"id"`
	Title     string   `yaml:"title" json:"title"`
	Body      string   `yaml:"body" json:"body"`
	Locations []string `yaml:"locations" json:"locations"`
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <taskFile>",
		Short: "Ingest a task document and assign a worker",
		Long:  "Reads a YAML task document (title, body, locations, optional id) and computes its assignment. Re-dispatching the same document returns the stored assignment unchanged.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc taskDoc
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("%w: invalid task document: %v", engine.ErrInvalid, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tbl, err := loadTable()
				if err != nil {
					return err
				}
				res, err := e.Dispatch(ctx, tbl, engine.DispatchOptions{
					ID:        doc.ID,
					Title:     doc.Title,
					Body:      doc.Body,
					Locations: doc.Locations,
					ActorID:   viper.GetString("actor"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Fallback {
					fmt.Printf("Task %s -> %s (fallback, score 0.00, triage: %s)\n", res.TaskID, res.WorkerID, res.TriageReason)
					return nil
				}
				fmt.Printf("Task %s -> %s (score %.2f; pattern %.2f, location %.2f, performance %.2f)\n",
					res.TaskID, res.WorkerID, res.Score, res.Breakdown.Pattern, res.Breakdown.Location, res.Breakdown.Performance)
				return nil
			})
		},
	}
	return cmd
}

func recordOutcomeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record-outcome <taskId> <success|failure>",
		Short: "Record a task's terminal outcome",
		Long:  "Folds the outcome into the assigned worker's record exactly once; duplicate deliveries are no-ops.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RecordOutcome(ctx, args[0], args[1], viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				worker := ""
				if t.AssignedWorker != nil {
					worker = *t.AssignedWorker
				}
				outcome := ""
				if t.Outcome != nil {
					outcome = *t.Outcome
				}
				fmt.Printf("Task %s completed (%s) by %s\n", t.ID, outcome, worker)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workerId>",
		Short: "Show a worker's record and recent missions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, missions, err := e.WorkerStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"worker": w, "record": w.Record(), "recent_missions": missions})
				}
				fmt.Printf("Worker %s: %s", w.ID, w.Status)
				if w.Protected {
					fmt.Print(" (protected)")
				}
				fmt.Printf("\nMissions: %d total, %d successful (rate %.2f)\n", w.TotalMissions, w.SuccessfulMissions, w.SuccessRate)
				if len(w.SpecializationTokens) > 0 {
					fmt.Printf("Specialization: %s\n", strings.Join(w.SpecializationTokens, ", "))
				}
				if len(w.LocationAffinity) > 0 {
					fmt.Printf("Location affinity: %s\n", strings.Join(w.LocationAffinity, ", "))
				}
				if len(missions) == 0 {
					return nil
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Task", "Title", "Status", "Outcome", "Score"})
				for _, m := range missions {
					outcome := ""
					if m.Outcome != nil {
						outcome = *m.Outcome
					}
					tw.AppendRow(table.Row{shortID(m.ID), m.Title, m.Status, outcome, fmt.Sprintf("%.2f", m.MatchScore)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Re-derive every worker's lifecycle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				transitions, err := e.Reindex(ctx, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if transitions == nil {
						transitions = []engine.Transition{}
					}
					return printJSON(transitions)
				}
				if len(transitions) == 0 {
					fmt.Println("No status changes")
					return nil
				}
				for _, tr := range transitions {
					fmt.Printf("%s: %s -> %s\n", tr.WorkerID, tr.From, tr.To)
				}
				return nil
			})
		},
	}
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
		Long:  "Workers are authored as YAML definitions and synced into the registry. Their lifecycle status is derived from outcome counters, never set by hand; protection is the one maintainer override.",
	}
	w.AddCommand(workerSyncCmd())
	w.AddCommand(workerListCmd())
	w.AddCommand(workerShowCmd())
	w.AddCommand(workerProtectCmd())
	w.AddCommand(workerReinstateCmd())
	return w
}

func workerSyncCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert worker definitions from the workers directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = config.WorkersDir(viper.GetString("workspace"))
			}
			defs, err := config.LoadWorkerDefs(dir)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				return fmt.Errorf("%w: no worker definitions in %s", engine.ErrInvalid, dir)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				synced, err := e.SyncWorkers(ctx, defs, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(synced)
				}
				fmt.Printf("Synced %d worker(s)\n", len(synced))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "definitions directory (default <workspace>/workers)")
	return cmd
}

func workerListCmd() *cobra.Command {
	var status string
	var protectedOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filters := registry.WorkerFilters{Status: status}
				if protectedOnly {
					v := true
					filters.Protected = &v
				}
				workers, err := e.Registry.ListWorkers(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Status", "Missions", "Rate", "Protected"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Status, w.TotalMissions, fmt.Sprintf("%.2f", w.SuccessRate), w.Protected})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, hall_of_fame, elimination_risk, eliminated)")
	cmd.Flags().BoolVar(&protectedOnly, "protected", false, "only protected workers")
	return cmd
}

func workerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a worker record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Registry.GetWorker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
}

func workerProtectCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "protect <id>",
		Short: "Set or clear the elimination-protection override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ProtectWorker(ctx, args[0], !off, viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Worker %s protected=%v (status %s)\n", w.ID, w.Protected, w.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "clear protection instead of setting it")
	return cmd
}

func workerReinstateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reinstate <id>",
		Short: "Reinstate a worker with reset counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ReinstateWorker(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Worker %s reinstated (status %s)\n", w.ID, w.Status)
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f registry.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Registry.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Worker", "Score", "Triage"})
				for _, t := range tasks {
					worker := ""
					if t.AssignedWorker != nil {
						worker = *t.AssignedWorker
					}
					triage := ""
					if t.TriageReason != nil {
						triage = *t.TriageReason
					}
					tw.AppendRow(table.Row{shortID(t.ID), t.Title, t.Status, worker, fmt.Sprintf("%.2f", t.MatchScore), triage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Worker, "worker", "", "assigned worker filter")
	cmd.Flags().BoolVar(&f.Triage, "triage", false, "only tasks flagged for manual triage")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Registry.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func patternsCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "patterns",
		Short: "Inspect the pattern table",
		Long:  "The pattern table is configuration, so coverage gaps are a data problem. `check` lints the table against the registry before they become silent near-zero scores.",
	}
	p.AddCommand(patternsShowCmd())
	p.AddCommand(patternsCheckCmd())
	return p
}

func patternsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the loaded rule table",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tbl)
			}
			fmt.Printf("Pattern table version %s (%d rules)\n", tbl.Version, len(tbl.Rules))
			tw := newTable()
			tw.AppendHeader(table.Row{"Token", "Match", "Weight", "Candidates"})
			for _, r := range tbl.Rules {
				tw.AppendRow(table.Row{r.Token, r.Match, fmt.Sprintf("%.2f", r.Weight), strings.Join(r.Candidates, ", ")})
			}
			tw.Render()
			return nil
		},
	}
}

func patternsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Lint the pattern table against the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			tbl, err := loadTable()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workers, err := e.Registry.ListWorkers(ctx, registry.WorkerFilters{})
				if err != nil {
					return err
				}
				known := make(map[string]bool, len(workers))
				for _, w := range workers {
					known[w.ID] = true
				}
				issues := tbl.Lint(known)
				if viper.GetBool("json") {
					if issues == nil {
						issues = []patterns.Issue{}
					}
					if err := printJSON(issues); err != nil {
						return err
					}
				} else {
					for _, issue := range issues {
						fmt.Printf("%s: %s\n", issue.Token, issue.Detail)
					}
				}
				if len(issues) > 0 {
					return fmt.Errorf("%w: pattern table has %d issue(s)", engine.ErrInvalid, len(issues))
				}
				if !viper.GetBool("json") {
					fmt.Printf("Pattern table OK (%d rules)\n", len(tbl.Rules))
				}
				return nil
			})
		},
	}
}

func standingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "standings",
		Short: "Ranked worker performance table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				standings, err := e.Registry.Standings(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(standings)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Worker", "Status", "Missions", "Wins", "Rate", "Protected"})
				for _, s := range standings {
					tw.AppendRow(table.Row{s.Rank, s.WorkerID, s.Status, s.TotalMissions, s.SuccessfulMissions, fmt.Sprintf("%.2f", s.SuccessRate), s.Protected})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func boardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Live standings board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return tui.Run(e)
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect and apply engine config",
	}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective engine config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				schema, err := migrate.Current(e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"config": e.Config, "schema_version": schema})
				}
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				fmt.Printf("# schema version %d\n", schema)
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Validate the config file and refresh the stored snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return fmt.Errorf("%w: %v", engine.ErrInvalid, err)
			}
			return withRegistry(cmd.Context(), func(ctx context.Context, r registry.Registry) error {
				if err := r.UpsertConfigSnapshot(ctx, cfg); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				fmt.Printf("Applied %s\n", path)
				return nil
			})
		},
	})
	return c
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Journal feed",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Registry.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, evt := range items {
					fmt.Printf("%s  %-24s %s/%s  %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter (task, worker, registry)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auth",
		Short: "Maintainer API keys and bearer tokens",
	}
	a.AddCommand(authAddKeyCmd())
	a.AddCommand(authListKeysCmd())
	a.AddCommand(authRemoveKeyCmd())
	a.AddCommand(authTokenCmd())
	return a
}

func authAddKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add-key",
		Short: "Create a maintainer API key",
		Long:  "Prints the key once; only its SHA-256 hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, r registry.Registry) error {
				raw := "chd_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					Name:    name,
					KeyHash: registry.HashKey(raw),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "name": key.Name, "key": raw})
				}
				fmt.Printf("Key %s created. Store it now; it is not recoverable:\n%s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name (becomes the actor id on API calls)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func authListKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-keys",
		Short: "List maintainer API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, r registry.Registry) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func authRemoveKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-key <id>",
		Short: "Delete a maintainer API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRegistry(cmd.Context(), func(ctx context.Context, r registry.Registry) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("Key removed")
				return nil
			})
		},
	}
}

func authTokenCmd() *cobra.Command {
	var subject string
	var maintainer bool
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := os.Getenv(e.Config.Server.JWTEnv)
				if secret == "" {
					return fmt.Errorf("%w: %s is not set", errAuth, e.Config.Server.JWTEnv)
				}
				if subject == "" {
					subject = viper.GetString("actor")
				}
				token, err := server.MintToken(secret, subject, maintainer, ttl)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"token": token, "subject": subject, "maintainer": maintainer})
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor)")
	cmd.Flags().BoolVar(&maintainer, "maintainer", false, "grant the maintainer claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := app.Open(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := os.Getenv(cfg.Server.JWTEnv)
			if secret == "" {
				return fmt.Errorf("%w: %s is required for bearer auth", errAuth, cfg.Server.JWTEnv)
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:    e,
				Workspace: workspace,
				BasePath:  basePath,
				Auth:      server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			server.StartForwarder(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			stop, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			go func() {
				<-stop.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Chained API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	var cfg *config.Config
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = app.ResolveConfig(ctx, workspace, registry.Registry{DB: conn})
	}
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRegistry(ctx context.Context, fn func(context.Context, registry.Registry) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, registry.Registry{DB: conn})
}

// loadTable reads the pattern table fresh on every command.
func loadTable() (*patterns.Table, error) {
	if path := viper.GetString("patterns"); path != "" {
		return patterns.FromFile(path)
	}
	return patterns.Load(viper.GetString("workspace"))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
