package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/foundermode/drover/internal/config"
	"github.com/foundermode/drover/internal/executor"
	"github.com/foundermode/drover/internal/history"
	"github.com/foundermode/drover/internal/models"
	"github.com/foundermode/drover/internal/monitor"
	"github.com/foundermode/drover/internal/pipeline"
	"github.com/foundermode/drover/internal/prompt"
	"github.com/foundermode/drover/internal/statestore"
	"github.com/foundermode/drover/internal/tui"
	"github.com/foundermode/drover/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Background task runner for prompt-driven agent work",
		Long: "Drover runs prompts against a non-interactive model backend in a\n" +
			"bounded iteration loop, persists resumable state per task, and ships\n" +
			"a read-only monitor for watching progress from restricted contexts.",
		RunE: runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newPipelineCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env bundles everything the commands need, wired once from config.
type env struct {
	cfg   *config.Config
	store *statestore.Store
	ws    *workspace.Workspace
	hist  *history.Store
}

func setup(workDir string) (*env, error) {
	cfg, err := config.New(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	hist, err := history.New(cfg.HistoryDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open history index: %w", err)
	}

	ws := workspace.New(cfg.TasksDir())

	return &env{
		cfg:   cfg,
		store: statestore.New(ws),
		ws:    ws,
		hist:  hist,
	}, nil
}

func (e *env) Close() {
	if e.hist != nil {
		e.hist.Close()
	}
}

func (e *env) executor(command string, args []string) *executor.Executor {
	if command == "" {
		command = e.cfg.Backend
	}
	if args == nil {
		args = e.cfg.BackendArgs
	}
	return executor.New(e.store, e.ws, e.hist, executor.NewCLIBackend(command, args))
}

func runTUI(cmd *cobra.Command, args []string) error {
	e, err := setup("")
	if err != nil {
		return err
	}
	defer e.Close()

	app := tui.NewApp(e.store, e.ws, e.hist)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <prompt-file>",
		Short: "Start a new task from a prompt file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, _ := cmd.Flags().GetString("dir")

			e, err := setup(workDir)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := prompt.Load(args[0])
			if err != nil {
				return err
			}

			task, backend, backendArgs := resolveTask(cmd, e.cfg, p)

			fmt.Printf("Starting task %q (max %d iteration(s))\n", task.ID, task.MaxIterations)
			fmt.Printf("Log: %s\n", e.ws.LogPath(task.ID))

			exec := e.executor(backend, backendArgs)
			state, err := exec.Start(cmd.Context(), task)
			if err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			return reportOutcome(state)
		},
	}

	cmd.Flags().StringP("dir", "d", "", "Working directory for the task (default: current directory)")
	cmd.Flags().String("backend", "", "Backend command (default from config)")
	cmd.Flags().StringArray("backend-arg", nil, "Extra backend argument (repeatable)")
	cmd.Flags().Bool("loop", false, "Loop until the completion marker appears or the cap is reached")
	cmd.Flags().Int("max-iterations", 0, "Iteration cap for --loop")
	cmd.Flags().String("marker", "", "Completion marker pattern")
	return cmd
}

// resolveTask layers settings: config defaults, then prompt
// frontmatter, then explicit flags.
func resolveTask(cmd *cobra.Command, cfg *config.Config, p *prompt.Prompt) (executor.Task, string, []string) {
	backend := cfg.Backend
	backendArgs := cfg.BackendArgs
	loop := p.Options.Loop
	maxIterations := cfg.MaxIterations
	marker := cfg.CompletionMarker

	if p.Options.Backend != "" {
		backend = p.Options.Backend
	}
	if len(p.Options.BackendArgs) > 0 {
		backendArgs = p.Options.BackendArgs
	}
	if p.Options.MaxIterations > 0 {
		maxIterations = p.Options.MaxIterations
	}
	if p.Options.CompletionMarker != "" {
		marker = p.Options.CompletionMarker
	}

	flags := cmd.Flags()
	if flags.Changed("backend") {
		backend, _ = flags.GetString("backend")
	}
	if flags.Changed("backend-arg") {
		backendArgs, _ = flags.GetStringArray("backend-arg")
	}
	if flags.Changed("loop") {
		loop, _ = flags.GetBool("loop")
	}
	if flags.Changed("max-iterations") {
		maxIterations, _ = flags.GetInt("max-iterations")
	}
	if flags.Changed("marker") {
		marker, _ = flags.GetString("marker")
	}

	if !loop {
		maxIterations = 1
	}

	workDir, _ := flags.GetString("dir")
	if workDir == "" {
		workDir = cfg.WorkDir
	}

	return executor.Task{
		ID:               p.ID,
		Prompt:           p.Body,
		WorkDir:          workDir,
		MaxIterations:    maxIterations,
		CompletionMarker: marker,
	}, backend, backendArgs
}

func reportOutcome(state *models.ExecutionState) error {
	fmt.Printf("Task %s finished with status: %s (%d iteration(s))\n",
		state.ID, state.Status, state.Iteration)

	printNextSteps(state)

	if state.Status != models.StatusCompleted {
		return fmt.Errorf("task %s ended in %s", state.ID, state.Status)
	}
	return nil
}

func printNextSteps(state *models.ExecutionState) {
	if len(state.SuggestedNextSteps) == 0 {
		return
	}
	fmt.Println("Suggested next steps:")
	shown := state.SuggestedNextSteps
	if len(shown) > models.MaxDisplayedNextSteps {
		shown = shown[:models.MaxDisplayedNextSteps]
	}
	for _, step := range shown {
		fmt.Printf("  - %s\n", step)
	}
}

func newResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <prompt-file>",
		Short: "Resume an interrupted task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workDir, _ := cmd.Flags().GetString("dir")

			e, err := setup(workDir)
			if err != nil {
				return err
			}
			defer e.Close()

			p, err := prompt.Load(args[0])
			if err != nil {
				return err
			}

			task, backend, backendArgs := resolveTask(cmd, e.cfg, p)

			fmt.Printf("Resuming task %q\n", task.ID)

			exec := e.executor(backend, backendArgs)
			state, err := exec.Resume(cmd.Context(), task)
			if err != nil {
				return fmt.Errorf("resume failed: %w", err)
			}

			return reportOutcome(state)
		},
	}

	cmd.Flags().StringP("dir", "d", "", "Working directory for the task (default: current directory)")
	cmd.Flags().String("backend", "", "Backend command (default from config)")
	cmd.Flags().StringArray("backend-arg", nil, "Extra backend argument (repeatable)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			state, err := e.store.Load(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Task %s\n", state.ID)
			fmt.Printf("Status: %s\n", state.Status)
			if state.FailureReason != "" {
				fmt.Printf("Failure reason: %s\n", state.FailureReason)
			}
			fmt.Printf("Iteration: %d/%d\n", state.Iteration, state.MaxIterations)
			if state.CompletionMarker != "" {
				fmt.Printf("Completion marker: %s\n", state.CompletionMarker)
			}
			fmt.Printf("Last updated: %s\n", state.LastUpdatedAt.Local().Format("2006-01-02 15:04:05"))

			if len(state.History) > 0 {
				fmt.Println("\nIterations:")
				for _, rec := range state.History {
					line := fmt.Sprintf("  %d. exit %d at %s",
						rec.Iteration, rec.ExitCode, rec.Timestamp.Local().Format("15:04:05"))
					if rec.RetryReason != "" {
						line += " (" + rec.RetryReason + ")"
					}
					fmt.Println(line)
				}
			}

			printNextSteps(state)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks and recent invocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := e.ws.ListTaskIDs()
			if err != nil {
				return err
			}

			if len(ids) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			for _, id := range ids {
				state, err := e.store.Load(id)
				if err != nil {
					fmt.Printf("%-24s (state unreadable: %v)\n", id, err)
					continue
				}
				fmt.Printf("%-24s [%s] %d/%d\n",
					state.ID, state.Status, state.Iteration, state.MaxIterations)
			}

			invs, err := e.hist.ListRecent(10)
			if err != nil {
				return err
			}
			if len(invs) > 0 {
				fmt.Println("\nRecent invocations:")
				for _, inv := range invs {
					fmt.Printf("  %s %-24s [%s] %d iteration(s), started %s\n",
						inv.ID[:8], inv.TaskID, inv.Status, inv.Iterations,
						history.FormatTimeAgo(inv.StartedAt))
				}
			}

			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Watch a task read-only and report progress",
		Long: "Watch polls a task's log (and state file, when available) and prints\n" +
			"a report whenever something changes. It never writes and never spawns\n" +
			"processes, so it is safe to run from restricted contexts.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logPath, _ := cmd.Flags().GetString("log")
			statePath, _ := cmd.Flags().GetString("state")
			marker, _ := cmd.Flags().GetString("marker")
			interval, _ := cmd.Flags().GetDuration("interval")
			budget, _ := cmd.Flags().GetDuration("budget")

			// Watching is strictly read-only, so no setup(): resolve
			// config and paths without creating anything on disk.
			cfg, err := config.New("")
			if err != nil {
				return err
			}
			ws := workspace.New(cfg.TasksDir())

			if len(args) == 1 {
				id := args[0]
				if logPath == "" {
					logPath = ws.LogPath(id)
				}
				if statePath == "" {
					statePath = ws.StatePath(id)
				}
			}
			if logPath == "" {
				return fmt.Errorf("either a task id or --log is required")
			}
			if interval <= 0 {
				interval = cfg.PollInterval
			}
			if budget <= 0 {
				budget = cfg.SessionBudget
			}
			if marker == "" {
				marker = cfg.CompletionMarker
			}

			mon, err := monitor.New(monitor.Config{
				LogPath:          logPath,
				StatePath:        statePath,
				CompletionMarker: marker,
				PollInterval:     interval,
				SessionBudget:    budget,
			})
			if err != nil {
				return err
			}

			return mon.Run(cmd.Context(), func(r monitor.Report) {
				fmt.Println(r.String())
			})
		},
	}

	cmd.Flags().String("log", "", "Path to the task log (required without a task id)")
	cmd.Flags().String("state", "", "Path to the state file (optional)")
	cmd.Flags().String("marker", "", "Completion marker for log-only heuristics")
	cmd.Flags().Duration("interval", 0, "Poll interval (default from config)")
	cmd.Flags().Duration("budget", 0, "Session budget before giving up (default from config)")
	return cmd
}

func newPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline <script.lua> <prompt>",
		Short: "Run a Lua pipeline chaining multiple tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptPath := args[0]
			promptText := args[1]

			if !pipeline.IsPipelineScript(scriptPath) {
				return fmt.Errorf("not a pipeline script: %s", scriptPath)
			}

			workDir, _ := cmd.Flags().GetString("dir")

			e, err := setup(workDir)
			if err != nil {
				return err
			}
			defer e.Close()

			exec := e.executor("", nil)
			rt := pipeline.NewRuntime(exec, e.cfg.WorkDir, e.cfg.MaxIterations, e.cfg.CompletionMarker)

			if err := rt.Execute(cmd.Context(), scriptPath, promptText); err != nil {
				for _, line := range rt.GetLogs() {
					fmt.Println("  " + line)
				}
				return err
			}

			for _, line := range rt.GetLogs() {
				fmt.Println("  " + line)
			}
			fmt.Println("Pipeline completed.")
			return nil
		},
	}

	cmd.Flags().StringP("dir", "d", "", "Working directory for tasks (default: current directory)")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task's state, log, and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			e, err := setup("")
			if err != nil {
				return err
			}
			defer e.Close()

			state, err := e.store.Load(id)
			if err == nil && !state.Status.Terminal() {
				return fmt.Errorf("task %s is still %s; refusing to delete in-flight work", id, state.Status)
			}

			if err := e.ws.RemoveTask(id); err != nil {
				return fmt.Errorf("failed to remove task files: %w", err)
			}
			if err := e.hist.DeleteForTask(id); err != nil {
				return fmt.Errorf("failed to clear history: %w", err)
			}

			fmt.Printf("Deleted task %s\n", id)
			return nil
		},
	}
}
