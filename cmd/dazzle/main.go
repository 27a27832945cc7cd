// Package main provides the dazzle operator CLI for inspecting and
// steering process runs, human tasks, versions and migrations.
//
// Usage:
//
//	dazzle get <run_id> [--db <url>]
//	dazzle list [--db <url>] [--status <status>] [--process <name>] [--version <id>] [--limit <n>]
//	dazzle cancel <run_id> [--db <url>] [--reason <text>]
//	dazzle signal <run_id> <name> [<json>] [--db <url>]
//	dazzle task <task_id> [--db <url>]
//	dazzle tasks [--db <url>] [--run <run_id>] [--assignee <id>] [--status <status>]
//	dazzle complete-task <task_id> <outcome> [<json>] [--db <url>]
//	dazzle versions [--db <url>]
//	dazzle deploy <label> <dir> [--db <url>]
//	dazzle migration <status|start|complete|rollback|suspend-rest> ... [--db <url>]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/manwithacat/dazzle-sub009/internal/notify"
	"github.com/manwithacat/dazzle-sub009/internal/storage"
	"github.com/manwithacat/dazzle-sub009/version"
)

var dbURL string

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	cmdArgs := os.Args[2:]

	switch cmd {
	case "get":
		fs := newFlagSet("get")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 1 {
			fail("Usage: dazzle get <run_id> [--db <url>]")
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdGet(ctx, st, args[0])
		})

	case "list":
		fs := newFlagSet("list")
		statusFlag := fs.String("status", "", "Filter by run status")
		processFlag := fs.String("process", "", "Filter by process name")
		versionFlag := fs.String("version", "", "Filter by DSL version")
		limitFlag := fs.Int("limit", 50, "Maximum rows")
		_ = fs.Parse(cmdArgs)
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdList(ctx, st, *statusFlag, *processFlag, *versionFlag, *limitFlag)
		})

	case "cancel":
		fs := newFlagSet("cancel")
		reasonFlag := fs.String("reason", "cancelled by operator", "Cancellation reason")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 1 {
			fail("Usage: dazzle cancel <run_id> [--reason <text>] [--db <url>]")
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdCancel(ctx, st, args[0], *reasonFlag)
		})

	case "signal":
		fs := newFlagSet("signal")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 2 {
			fail("Usage: dazzle signal <run_id> <name> [<json>] [--db <url>]")
		}
		payload := "{}"
		if len(args) > 2 {
			payload = args[2]
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdSignal(ctx, st, args[0], args[1], payload)
		})

	case "task":
		fs := newFlagSet("task")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 1 {
			fail("Usage: dazzle task <task_id> [--db <url>]")
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdTask(ctx, st, args[0])
		})

	case "tasks":
		fs := newFlagSet("tasks")
		runFlag := fs.String("run", "", "Filter by run ID")
		assigneeFlag := fs.String("assignee", "", "Filter by assignee")
		statusFlag := fs.String("status", "", "Filter by task status")
		_ = fs.Parse(cmdArgs)
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdTasks(ctx, st, *runFlag, *assigneeFlag, *statusFlag)
		})

	case "complete-task":
		fs := newFlagSet("complete-task")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 2 {
			fail("Usage: dazzle complete-task <task_id> <outcome> [<json>] [--db <url>]")
		}
		outcomeData := "{}"
		if len(args) > 2 {
			outcomeData = args[2]
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdCompleteTask(ctx, st, args[0], args[1], outcomeData)
		})

	case "versions":
		fs := newFlagSet("versions")
		_ = fs.Parse(cmdArgs)
		run(cmdVersions)

	case "deploy":
		fs := newFlagSet("deploy")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 2 {
			fail("Usage: dazzle deploy <label> <dir> [--db <url>]")
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdDeploy(ctx, st, args[0], args[1])
		})

	case "migration":
		fs := newFlagSet("migration")
		_ = fs.Parse(cmdArgs)
		args := fs.Args()
		if len(args) < 1 {
			fail("Usage: dazzle migration <status|start|complete|rollback|suspend-rest> ...")
		}
		run(func(ctx context.Context, st storage.Storage) error {
			return cmdMigration(ctx, st, args[0], args[1:])
		})

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&dbURL, "db", "dazzle.db", "Database path/URL")
	return fs
}

func fail(msg string) {
	fmt.Println(msg)
	os.Exit(1)
}

func run(fn func(ctx context.Context, st storage.Storage) error) {
	st, err := storage.NewStorage(dbURL)
	if err != nil {
		fmt.Printf("Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	if err := fn(context.Background(), st); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Dazzle CLI - Inspect and steer process runs")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  dazzle <command> [arguments] [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  get <run_id>                          Show run details and step results")
	fmt.Println("  list                                  List process runs")
	fmt.Println("  cancel <run_id>                       Cancel a run and its open tasks")
	fmt.Println("  signal <run_id> <name> [json]         Deliver a signal to a run")
	fmt.Println("  task <task_id>                        Show task details")
	fmt.Println("  tasks                                 List human tasks")
	fmt.Println("  complete-task <task_id> <outcome>     Record a task outcome")
	fmt.Println("  versions                              List deployed versions")
	fmt.Println("  deploy <label> <dir>                  Deploy a version from a spec directory")
	fmt.Println("  migration status <id>                 Show migration drain progress")
	fmt.Println("  migration start <from> <to>           Start draining from one version to another")
	fmt.Println("  migration complete <id>               Activate the target version")
	fmt.Println("  migration rollback <id>               Roll a migration back")
	fmt.Println("  migration suspend-rest <version>      Suspend runs still on a draining version")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --db <url>          Database path/URL (default: dazzle.db)")
	fmt.Println("  --status <status>   Filter runs/tasks by status")
	fmt.Println("  --process <name>    Filter runs by process name")
	fmt.Println("  --version <id>      Filter runs by DSL version")
	fmt.Println()
	fmt.Println("Run Status Values:")
	fmt.Println("  pending, running, waiting, suspended, completed, failed, cancelled")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  dazzle get run-123abc")
	fmt.Println("  dazzle list --status waiting --process checkout")
	fmt.Println("  dazzle signal run-123abc payment.confirmed '{\"tx\":\"TX-001\"}'")
	fmt.Println("  dazzle complete-task task-9 approved '{\"note\":\"looks good\"}'")
	fmt.Println("  dazzle migration start v-1a2b3c4d5e6f v-f6e5d4c3b2a1")
}

func cmdGet(ctx context.Context, st storage.Storage, runID string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	fmt.Println("=== Process Run ===")
	fmt.Printf("Run ID:       %s\n", run.RunID)
	fmt.Printf("Process:      %s\n", run.ProcessName)
	fmt.Printf("DSL Version:  %s\n", run.DSLVersion)
	fmt.Printf("Status:       %s\n", run.Status)
	fmt.Printf("Created:      %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", run.UpdatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if run.ErrorMessage != "" {
		fmt.Printf("Error:        %s\n", run.ErrorMessage)
	}

	if len(run.Inputs) > 0 {
		fmt.Println()
		fmt.Println("--- Inputs ---")
		prettyPrintJSON(run.Inputs)
	}
	if len(run.Context) > 0 {
		fmt.Println()
		fmt.Println("--- Context ---")
		prettyPrintJSON(run.Context)
	}

	tasks, err := st.ListTasks(ctx, storage.ListTasksOptions{RunID: runID})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(tasks) > 0 {
		fmt.Println()
		fmt.Println("--- Tasks ---")
		for _, task := range tasks {
			fmt.Printf("%s  %-10s assignee=%s outcome=%s\n",
				task.TaskID, task.Status, orDash(task.AssigneeID), orDash(task.Outcome))
		}
	}
	return nil
}

func cmdList(ctx context.Context, st storage.Storage, status, processName, dslVersion string, limit int) error {
	runs, err := st.ListRuns(ctx, storage.ListRunsOptions{
		Limit:        limit,
		StatusFilter: storage.RunStatus(status),
		ProcessName:  processName,
		DSLVersion:   dslVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("(no runs)")
		return nil
	}

	fmt.Printf("%-38s %-20s %-12s %-14s %s\n", "RUN ID", "PROCESS", "VERSION", "STATUS", "CREATED")
	for _, r := range runs {
		fmt.Printf("%-38s %-20s %-12s %-14s %s\n",
			r.RunID, r.ProcessName, orDash(r.DSLVersion), r.Status,
			r.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// cmdCancel is an administrative cancel: it closes open tasks and marks
// the run cancelled at the storage layer. Compensations registered in the
// application run only when the run is cancelled through the application.
func cmdCancel(ctx context.Context, st storage.Storage, runID, reason string) error {
	txCtx, err := st.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	cancelled, err := st.CancelTasksForRun(txCtx, runID)
	if err != nil {
		_ = st.RollbackTransaction(txCtx)
		return fmt.Errorf("failed to cancel tasks: %w", err)
	}
	if err := st.CancelRun(txCtx, runID, reason); err != nil {
		_ = st.RollbackTransaction(txCtx)
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if err := st.CommitTransaction(txCtx); err != nil {
		return err
	}

	fmt.Printf("Run %s cancelled (%d open tasks closed)\n", runID, cancelled)
	return nil
}

func cmdSignal(ctx context.Context, st storage.Storage, runID, name, payloadJSON string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}

	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run not found: %s", runID)
	}

	doc := make(map[string]any)
	if len(run.Context) > 0 {
		if err := json.Unmarshal(run.Context, &doc); err != nil {
			return fmt.Errorf("failed to decode run context: %w", err)
		}
	}
	signals, _ := doc["signals"].(map[string]any)
	if signals == nil {
		signals = make(map[string]any)
	}
	signals[name] = payload
	doc["signals"] = signals
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	txCtx, err := st.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	if err := st.UpdateRunContext(txCtx, runID, encoded); err != nil {
		_ = st.RollbackTransaction(txCtx)
		return fmt.Errorf("failed to store signal: %w", err)
	}

	requeued := false
	waitingTask, _ := doc["waiting_task"].(string)
	if run.Status == storage.RunWaiting && waitingTask == "" {
		requeued, err = st.RequeueRun(txCtx, runID, storage.RunWaiting)
		if err != nil {
			_ = st.RollbackTransaction(txCtx)
			return fmt.Errorf("failed to requeue run: %w", err)
		}
		if requeued {
			notifyWorkers(txCtx, st, runID, run.ProcessName)
		}
	}
	if err := st.CommitTransaction(txCtx); err != nil {
		return err
	}

	if requeued {
		fmt.Printf("Signal %q delivered to run %s; run requeued\n", name, runID)
	} else {
		fmt.Printf("Signal %q stored for run %s (status %s)\n", name, runID, run.Status)
	}
	return nil
}

func cmdTask(ctx context.Context, st storage.Storage, taskID string) error {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	fmt.Println("=== Human Task ===")
	fmt.Printf("Task ID:   %s\n", task.TaskID)
	fmt.Printf("Run ID:    %s\n", task.RunID)
	fmt.Printf("Status:    %s\n", task.Status)
	fmt.Printf("Assignee:  %s\n", orDash(task.AssigneeID))
	fmt.Printf("Created:   %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", task.CompletedAt.Format(time.RFC3339))
		fmt.Printf("Outcome:   %s\n", task.Outcome)
	}
	if len(task.OutcomeData) > 0 {
		fmt.Println()
		fmt.Println("--- Outcome Data ---")
		prettyPrintJSON(task.OutcomeData)
	}
	return nil
}

func cmdTasks(ctx context.Context, st storage.Storage, runID, assignee, status string) error {
	tasks, err := st.ListTasks(ctx, storage.ListTasksOptions{
		RunID:        runID,
		AssigneeID:   assignee,
		StatusFilter: storage.TaskStatus(status),
	})
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("(no tasks)")
		return nil
	}

	fmt.Printf("%-38s %-38s %-10s %-12s %s\n", "TASK ID", "RUN ID", "STATUS", "ASSIGNEE", "CREATED")
	for _, task := range tasks {
		fmt.Printf("%-38s %-38s %-10s %-12s %s\n",
			task.TaskID, task.RunID, task.Status, orDash(task.AssigneeID),
			task.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// cmdCompleteTask records the outcome at the storage layer and requeues
// the waiting run; the executor consumes the completed task when the run
// next executes.
func cmdCompleteTask(ctx context.Context, st storage.Storage, taskID, outcome, dataJSON string) error {
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return fmt.Errorf("invalid JSON outcome data: %w", err)
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}

	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task: %w", err)
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	txCtx, err := st.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	ok, err := st.CompleteTask(txCtx, taskID, outcome, encoded)
	if err != nil {
		_ = st.RollbackTransaction(txCtx)
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if !ok {
		_ = st.RollbackTransaction(txCtx)
		return fmt.Errorf("task %s is not open", taskID)
	}
	requeued, err := st.RequeueRun(txCtx, task.RunID, storage.RunWaiting)
	if err != nil {
		_ = st.RollbackTransaction(txCtx)
		return fmt.Errorf("failed to requeue run: %w", err)
	}
	if requeued {
		notifyWorkers(txCtx, st, task.RunID, "")
	}
	if err := st.CommitTransaction(txCtx); err != nil {
		return err
	}

	fmt.Printf("Task %s completed with outcome %q\n", taskID, outcome)
	if requeued {
		fmt.Printf("Run %s requeued\n", task.RunID)
	}
	return nil
}

func cmdVersions(ctx context.Context, st storage.Storage) error {
	versions, err := st.ListVersions(ctx, "", 0)
	if err != nil {
		return fmt.Errorf("failed to list versions: %w", err)
	}
	if len(versions) == 0 {
		fmt.Println("(no versions)")
		return nil
	}

	fmt.Printf("%-16s %-20s %-10s %s\n", "ID", "LABEL", "STATUS", "CREATED")
	for _, v := range versions {
		fmt.Printf("%-16s %-20s %-10s %s\n",
			v.ID, v.VersionLabel, v.Status, v.CreatedAt.Format(time.RFC3339))
	}

	migrations, err := st.ListMigrations(ctx, storage.MigrationInProgress, 0)
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(migrations) > 0 {
		fmt.Println()
		fmt.Println("--- In-Progress Migrations ---")
		for _, m := range migrations {
			fmt.Printf("%s  %s -> %s (started %s)\n",
				m.ID, m.FromVersion, m.ToVersion, m.StartedAt.Format(time.RFC3339))
		}
	}
	return nil
}

func cmdDeploy(ctx context.Context, st storage.Storage, label, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read spec directory: %w", err)
	}
	files := make(map[string][]byte)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}
		files[entry.Name()] = content
	}
	if len(files) == 0 {
		return fmt.Errorf("no spec files in %s", dir)
	}

	mgr := version.NewManager(st, st)
	record, err := mgr.DeployVersion(ctx, label, files, nil)
	if err != nil {
		return fmt.Errorf("failed to deploy version: %w", err)
	}

	fmt.Printf("Deployed version %s (label %s, status %s)\n", record.ID, record.VersionLabel, record.Status)
	return nil
}

func cmdMigration(ctx context.Context, st storage.Storage, sub string, args []string) error {
	mgr := version.NewManager(st, st)

	switch sub {
	case "status":
		if len(args) < 1 {
			return fmt.Errorf("usage: dazzle migration status <migration_id>")
		}
		status, err := mgr.CheckMigrationStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Migration:      %s\n", status.Migration.ID)
		fmt.Printf("From -> To:     %s -> %s\n", status.Migration.FromVersion, status.Migration.ToVersion)
		fmt.Printf("Status:         %s\n", status.Migration.Status)
		fmt.Printf("Runs remaining: %d\n", status.RunsRemaining)
		return nil

	case "start":
		if len(args) < 2 {
			return fmt.Errorf("usage: dazzle migration start <from_version> <to_version>")
		}
		record, remaining, err := mgr.StartMigration(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Migration %s started: %s -> %s, %d runs draining\n",
			record.ID, record.FromVersion, record.ToVersion, remaining)
		return nil

	case "complete":
		if len(args) < 1 {
			return fmt.Errorf("usage: dazzle migration complete <migration_id>")
		}
		if err := mgr.CompleteMigration(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Migration %s completed; target version is now active\n", args[0])
		return nil

	case "rollback":
		if len(args) < 1 {
			return fmt.Errorf("usage: dazzle migration rollback <migration_id>")
		}
		if err := mgr.RollbackMigration(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Migration %s rolled back\n", args[0])
		return nil

	case "suspend-rest":
		if len(args) < 1 {
			return fmt.Errorf("usage: dazzle migration suspend-rest <version_id>")
		}
		n, err := mgr.SuspendRemainingProcesses(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Suspended %d runs still on version %s\n", n, args[0])
		return nil

	default:
		return fmt.Errorf("unknown migration subcommand %q", sub)
	}
}

// notifyWorkers fires a run_queued notification inside the current
// transaction so distributed workers wake on commit. No-op off postgres.
func notifyWorkers(txCtx context.Context, st storage.Storage, runID, processName string) {
	if st.Dialect().DriverName() != "postgres" {
		return
	}
	err := notify.Publish(txCtx, st.Conn(txCtx), notify.ChannelRunQueued,
		notify.RunNotification{RunID: runID, ProcessName: processName})
	if err != nil {
		fmt.Printf("Warning: failed to notify workers: %v\n", err)
	}
}

func prettyPrintJSON(data []byte) {
	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(pretty))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
