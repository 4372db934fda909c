package crawlctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oremus-labs/ol-crawl-gateway/internal/taskclient"
	"github.com/spf13/cobra"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Create and inspect crawl tasks",
}

var (
	taskKind        string
	taskData        string
	taskFile        string
	taskWatch       bool
	taskListStatus  string
	taskListLimit   int
	taskWatchTries  int
	taskWatchMaxAge time.Duration
)

var tasksCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a task and optionally follow its stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cctx, err := mustClient()
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd.InOrStdin())
		if err != nil {
			return err
		}
		kind := kindOrDefault(cctx)
		created, err := client.CreateTask(cmd.Context(), kind, payload)
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		if !taskWatch {
			if asJSON {
				return printJSON(cmd.OutOrStdout(), created)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s created (kind %s).\n", created.TaskID, created.Kind)
			return nil
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Task %s created, following stream...\n", created.TaskID)
		return watchTask(cmd, client, kind, created.TaskID)
	},
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <taskId>",
	Short: "Show the upstream status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cctx, err := mustClient()
		if err != nil {
			return err
		}
		status, err := client.TaskStatus(cmd.Context(), kindOrDefault(cctx), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), status)
	},
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks recorded by the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := mustClient()
		if err != nil {
			return err
		}
		tasks, err := client.ListTasks(cmd.Context(), taskclient.ListOptions{
			Kind:   taskKind,
			Status: taskListStatus,
			Limit:  taskListLimit,
		})
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), tasks)
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
			return nil
		}
		t := newTable(cmd.OutOrStdout(), "ID", "KIND", "STATUS", "MESSAGE", "UPDATED")
		for _, task := range tasks {
			t.row(task.ID, task.Kind, task.Status, truncate(task.Message, 48), ago(task.UpdatedAt))
		}
		t.flush()
		return nil
	},
}

var tasksWatchCmd = &cobra.Command{
	Use:   "watch <taskId>",
	Short: "Follow a task stream and print each progress step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cctx, err := mustClient()
		if err != nil {
			return err
		}
		return watchTask(cmd, client, kindOrDefault(cctx), args[0])
	},
}

var tasksProgressCmd = &cobra.Command{
	Use:   "progress <taskId>",
	Short: "Show the progress log tracked by the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cctx, err := mustClient()
		if err != nil {
			return err
		}
		progress, err := client.Progress(cmd.Context(), kindOrDefault(cctx), args[0])
		if err != nil {
			return err
		}
		asJSON, err := jsonOutput()
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), progress)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Task:    %s\n", progress.Task.ID)
		fmt.Fprintf(out, "Kind:    %s\n", progress.Task.Kind)
		fmt.Fprintf(out, "Status:  %s\n", progress.Task.Status)
		if progress.Task.Error != "" {
			fmt.Fprintf(out, "Error:   %s\n", progress.Task.Error)
		}
		if len(progress.Steps) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		t := newTable(out, "SEQ", "EVENT", "STATE", "MESSAGE")
		for _, step := range progress.Steps {
			t.row(strconv.Itoa(step.Seq), step.EventType, step.State, truncate(step.Message, 64))
		}
		t.flush()
		return nil
	},
}

func init() {
	tasksCmd.PersistentFlags().StringVar(&taskKind, "kind", "", "Task kind (defaults to the context's kind)")

	tasksCreateCmd.Flags().StringVar(&taskData, "data", "", "Inline JSON payload")
	tasksCreateCmd.Flags().StringVarP(&taskFile, "file", "f", "", "Read the JSON payload from a file ('-' for stdin)")
	tasksCreateCmd.Flags().BoolVarP(&taskWatch, "watch", "w", false, "Follow the task stream after creation")

	tasksListCmd.Flags().StringVar(&taskListStatus, "status", "", "Filter by status")
	tasksListCmd.Flags().IntVar(&taskListLimit, "limit", 20, "Maximum tasks to return")

	for _, c := range []*cobra.Command{tasksCreateCmd, tasksWatchCmd} {
		c.Flags().IntVar(&taskWatchTries, "attempts", taskclient.DefaultRetryConfig().MaxAttempts, "Stream subscriptions before giving up")
		c.Flags().DurationVar(&taskWatchMaxAge, "timeout", 0, "Stop following after this long (0 waits indefinitely)")
	}

	tasksCmd.AddCommand(tasksCreateCmd)
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksWatchCmd)
	tasksCmd.AddCommand(tasksProgressCmd)
}

func kindOrDefault(cctx *Context) string {
	if taskKind != "" {
		return taskKind
	}
	return cctx.Kind
}

func readPayload(stdin io.Reader) (map[string]interface{}, error) {
	var raw []byte
	switch {
	case taskData != "" && taskFile != "":
		return nil, fmt.Errorf("use either --data or --file, not both")
	case taskData != "":
		raw = []byte(taskData)
	case taskFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = data
	case taskFile != "":
		data, err := os.ReadFile(taskFile)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return map[string]interface{}{}, nil
	}
	payload := map[string]interface{}{}
	if strings.TrimSpace(string(raw)) == "" {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func watchTask(cmd *cobra.Command, client *taskclient.Client, kind, taskID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if taskWatchMaxAge > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, taskWatchMaxAge)
		defer cancel()
	}

	asJSON, err := jsonOutput()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	retry := taskclient.DefaultRetryConfig()
	if taskWatchTries > 0 {
		retry.MaxAttempts = taskWatchTries
	}

	progress := taskclient.NewProgress()
	followErr := client.Follow(ctx, kind, taskID, progress, retry, func(tr taskclient.Transition) {
		if asJSON {
			return
		}
		printTransition(out, tr)
	})

	if asJSON {
		if err := printJSON(out, progress); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "Outcome: %s\n", progress.Outcome)
		if progress.Error != "" {
			fmt.Fprintf(out, "Error:   %s\n", progress.Error)
		}
	}
	switch progress.Outcome {
	case taskclient.OutcomeCompleted:
		return nil
	case taskclient.OutcomeFailed:
		return fmt.Errorf("task %s failed", taskID)
	}
	if followErr != nil {
		return fmt.Errorf("task %s incomplete: %w", taskID, followErr)
	}
	return fmt.Errorf("task %s incomplete: stream ended without a final event", taskID)
}

func printTransition(w io.Writer, tr taskclient.Transition) {
	if tr.Settled != nil {
		fmt.Fprintf(w, "  [%s] #%d %s\n", tr.Settled.State, tr.Settled.Seq, tr.Settled.Type)
	}
	msg := tr.Added.Message
	if msg == "" {
		msg = string(tr.Added.Type)
	}
	fmt.Fprintf(w, "[%s] #%d %s: %s\n", tr.Added.State, tr.Added.Seq, tr.Added.Type, msg)
}
