package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fleetsched/internal/task"
)

type createTaskRequest struct {
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Schedule     string          `json:"schedule,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	RunAt        time.Time       `json:"run_at,omitzero"`
}

func newSubmitCmd(g *globals) *cobra.Command {
	var (
		data     string
		schedule string
		priority string
		deps     []string
		runAt    string
	)
	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Schedule a task",
		Long: `Schedule a task for the executor registered under <name>.

--data takes inline JSON or @path to read it from a file ("@-" reads stdin).
--schedule is "once" (default), a duration such as "5m", or a cron expression.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := createTaskRequest{
				Name:         args[0],
				Schedule:     schedule,
				Priority:     priority,
				Dependencies: deps,
			}
			if data != "" {
				raw, err := readData(cmd.InOrStdin(), data)
				if err != nil {
					return err
				}
				req.Data = raw
			}
			if runAt != "" {
				at, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("--run-at: %w", err)
				}
				req.RunAt = at
			}

			resp, err := g.client.Post(cmd.Context(), "/api/v1/tasks/", req)
			if err != nil {
				return fmt.Errorf("schedule task: %w", err)
			}
			var created struct {
				ID string `json:"id"`
			}
			if err := decodeData(resp, &created); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task scheduled: %s\n", created.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "task payload as JSON, or @file")
	cmd.Flags().StringVarP(&schedule, "schedule", "s", "", "once, a duration, or a cron expression")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "low, normal, high or critical")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "task id that must complete first (repeatable)")
	cmd.Flags().StringVar(&runAt, "run-at", "", "first eligible time (RFC3339)")
	return cmd
}

// readData resolves the --data flag and checks it is JSON.
func readData(stdin io.Reader, v string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case v == "@-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case strings.HasPrefix(v, "@"):
		b, err := os.ReadFile(v[1:])
		if err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		raw = b
	default:
		raw = []byte(v)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := g.client.GetInto(cmd.Context(), "/api/v1/tasks/"+url.PathEscape(args[0]), &t); err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			printTask(cmd.OutOrStdout(), &t)
			return nil
		},
	}
}

func printTask(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "Task: %s\n", t.ID)
	fmt.Fprintf(w, "  Name:      %s\n", t.Name)
	fmt.Fprintf(w, "  Status:    %s\n", t.Status)
	fmt.Fprintf(w, "  Schedule:  %s\n", orDash(t.Schedule))
	fmt.Fprintf(w, "  Priority:  %s\n", t.Priority)
	fmt.Fprintf(w, "  Attempts:  %d\n", t.Attempts)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(w, "  Depends:   %s\n", strings.Join(t.Dependencies, ", "))
	}
	printTime(w, "Created", t.CreatedAt)
	printTime(w, "Next run", t.NextRun)
	printTime(w, "Started", t.StartedAt)
	printTime(w, "Completed", t.CompletedAt)
	printTime(w, "Failed", t.FailedAt)
	if t.NodeID != "" {
		fmt.Fprintf(w, "  Node:      %s\n", t.NodeID)
	}
	if len(t.Data) > 0 {
		fmt.Fprintf(w, "  Data:      %s\n", t.Data)
	}
	if len(t.Result) > 0 {
		fmt.Fprintf(w, "  Result:    %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", t.Error)
	}
}

func printTime(w io.Writer, label string, at time.Time) {
	if at.IsZero() {
		return
	}
	fmt.Fprintf(w, "  %-10s %s (%s)\n", label+":", at.Local().Format(time.RFC3339), humanize.Time(at))
}

func newListCmd(g *globals) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in one status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var tasks []task.Task
			path := "/api/v1/tasks/?status=" + url.QueryEscape(status)
			if err := g.client.GetInto(cmd.Context(), path, &tasks); err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintf(out, "No %s tasks.\n", status)
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-16s  %-9s  %-8s  %s\n", "ID", "NAME", "STATUS", "PRIORITY", "NEXT RUN")
			fmt.Fprintf(out, "%-36s  %-16s  %-9s  %-8s  %s\n", "--", "----", "------", "--------", "--------")
			for _, t := range tasks {
				next := "-"
				if !t.NextRun.IsZero() {
					next = humanize.Time(t.NextRun)
				}
				fmt.Fprintf(out, "%-36s  %-16s  %-9s  %-8s  %s\n", t.ID, t.Name, t.Status, t.Priority, next)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(task.StatusScheduled), "scheduled, running, completed or failed")
	return cmd
}

func newDepsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Manage task dependencies",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <task_id> <depends_on>",
		Short: "Make a task wait for another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/tasks/" + url.PathEscape(args[0]) + "/dependencies"
			resp, err := g.client.Post(cmd.Context(), path, map[string]string{"depends_on": args[1]})
			if err != nil {
				return fmt.Errorf("add dependency: %w", err)
			}
			var t task.Task
			if err := decodeData(resp, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s now depends on: %s\n", t.ID, strings.Join(t.Dependencies, ", "))
			return nil
		},
	})
	return cmd
}
