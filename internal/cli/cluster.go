package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/task/stats"
)

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counters of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s stats.Stats
			if err := g.client.GetInto(cmd.Context(), "/api/v1/stats", &s); err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			out := cmd.OutOrStdout()
			printCounters(out, "All tasks", s.Counters)
			names := s.Names()
			if len(names) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "%-20s  %10s  %10s  %10s  %8s  %s\n", "NAME", "SCHEDULED", "COMPLETED", "FAILED", "SUCCESS", "AVG RUN")
			for _, n := range names {
				c := s.ByTask[n]
				fmt.Fprintf(out, "%-20s  %10s  %10s  %10s  %7.1f%%  %s\n",
					n, humanize.Comma(int64(c.Scheduled)), humanize.Comma(int64(c.Completed)), humanize.Comma(int64(c.Failed)),
					c.SuccessRate*100, c.AverageRun.Round(time.Millisecond))
			}
			return nil
		},
	}
}

func printCounters(w io.Writer, title string, c stats.Counters) {
	fmt.Fprintf(w, "%s:\n", title)
	fmt.Fprintf(w, "  Scheduled:  %s\n", humanize.Comma(int64(c.Scheduled)))
	fmt.Fprintf(w, "  Completed:  %s\n", humanize.Comma(int64(c.Completed)))
	fmt.Fprintf(w, "  Failed:     %s\n", humanize.Comma(int64(c.Failed)))
	fmt.Fprintf(w, "  Success:    %.1f%%\n", c.SuccessRate*100)
	if c.Executions > 0 {
		fmt.Fprintf(w, "  Avg run:    %s over %s runs\n", c.AverageRun.Round(time.Millisecond), humanize.Comma(int64(c.Executions)))
	}
	if !c.LastEventAt.IsZero() {
		fmt.Fprintf(w, "  Last event: %s\n", humanize.Time(c.LastEventAt))
	}
}

func newNodesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List live nodes of the fleet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Self  string       `json:"self"`
				Nodes []coord.Node `json:"nodes"`
			}
			if err := g.client.GetInto(cmd.Context(), "/api/v1/nodes", &resp); err != nil {
				return fmt.Errorf("list nodes: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(resp.Nodes) == 0 {
				fmt.Fprintln(out, "No live nodes.")
				return nil
			}
			sort.Slice(resp.Nodes, func(i, j int) bool { return resp.Nodes[i].ID < resp.Nodes[j].ID })
			fmt.Fprintf(out, "  %-24s  %-20s  %-8s  %-16s  %s\n", "ID", "HOST", "STATUS", "HEARTBEAT", "STARTED")
			for _, n := range resp.Nodes {
				mark := " "
				if n.ID == resp.Self {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %-24s  %-20s  %-8s  %-16s  %s\n",
					mark, n.ID, orDash(n.Hostname), n.Status, humanize.Time(n.Heartbeat), humanize.Time(n.Started))
			}
			return nil
		},
	}
}

func newErrorsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show recent errors tracked by the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Summary errtrack.Summary `json:"summary"`
				Recent  []errtrack.Entry `json:"recent"`
			}
			if err := g.client.GetInto(cmd.Context(), "/api/v1/errors", &resp); err != nil {
				return fmt.Errorf("get errors: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Errors: %s total, %s log lines suppressed\n",
				humanize.Comma(int64(resp.Summary.Total)), humanize.Comma(int64(resp.Summary.Suppressed)))
			kinds := make([]string, 0, len(resp.Summary.ByKind))
			for k := range resp.Summary.ByKind {
				kinds = append(kinds, k)
			}
			sort.Strings(kinds)
			for _, k := range kinds {
				fmt.Fprintf(out, "  %-20s %s\n", k, humanize.Comma(int64(resp.Summary.ByKind[k])))
			}

			recent := resp.Recent
			if limit > 0 && len(recent) > limit {
				recent = recent[len(recent)-limit:]
			}
			if len(recent) == 0 {
				return nil
			}
			fmt.Fprintln(out, "Recent:")
			for i := len(recent) - 1; i >= 0; i-- {
				e := recent[i]
				fmt.Fprintf(out, "  %-14s  %-16s  %s\n", humanize.Time(e.At), e.Kind, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "show at most n recent errors (0 for all)")
	return cmd
}
