package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/hotslot/internal/cluster"
	"github.com/dreamware/hotslot/internal/config"
	"github.com/dreamware/hotslot/internal/coordinator"
	"github.com/dreamware/hotslot/internal/slotstats"
)

// cli carries the flags shared by every subcommand.
type cli struct {
	node        string
	coordinator string
	timeout     time.Duration
	logLevel    string
	logger      *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "slotctl",
		Short:         "Inspect and rebalance hash slot load",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := config.NewLogger(config.Log{Level: c.logLevel})
			if err != nil {
				return err
			}
			c.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = c.logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&c.node, "node", "http://127.0.0.1:8081", "node base URL")
	root.PersistentFlags().StringVar(&c.coordinator, "coordinator", "http://127.0.0.1:8080", "coordinator base URL")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level")

	root.AddCommand(c.statsCmd(), c.resetCmd(), c.execCmd(), c.hotCmd(), c.planCmd())
	return root
}

func (c *cli) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *cli) statsCmd() *cobra.Command {
	var (
		rangeFlag string
		orderBy   string
		limit     int
		asc       bool
		out       string
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a node's per-slot statistics",
		Long: `Runs CLUSTER SLOT-STATS on a node.

With --range the report lists every served slot in the range. With
--orderby it lists the top slots by a metric: key-count, cpu-usec,
network-bytes-in or network-bytes-out. Without either, every served
slot is listed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rangeFlag != "" && orderBy != "" {
				return fmt.Errorf("--range and --orderby are mutually exclusive")
			}
			q := url.Values{}
			switch {
			case rangeFlag != "":
				q.Set("range", rangeFlag)
			case orderBy != "":
				if _, err := slotstats.ParseMetric(orderBy); err != nil {
					return err
				}
				q.Set("orderby", orderBy)
				if limit > 0 {
					q.Set("limit", strconv.Itoa(limit))
				}
				if asc {
					q.Set("order", "asc")
				}
			}

			ctx, cancel := c.context(cmd)
			defer cancel()
			target := c.node + "/slot-stats"
			if len(q) > 0 {
				target += "?" + q.Encode()
			}
			var entries []slotstats.Entry
			if err := cluster.GetJSON(ctx, target, &entries); err != nil {
				return fmt.Errorf("fetch slot stats: %w", err)
			}
			c.logger.Debug("slot stats fetched", zap.String("node", c.node), zap.Int("entries", len(entries)))

			if out != "" {
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				if err := atomic.WriteFile(out, bytes.NewReader(append(data, '\n'))); err != nil {
					return fmt.Errorf("write %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d slots to %s\n", len(entries), out)
				return nil
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&rangeFlag, "range", "", "slot range, e.g. 0-100")
	cmd.Flags().StringVar(&orderBy, "orderby", "", "metric to order by")
	cmd.Flags().IntVar(&limit, "limit", 0, "number of slots with --orderby (default 16)")
	cmd.Flags().BoolVar(&asc, "asc", false, "ascending order with --orderby")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the report as JSON to this file")
	return cmd
}

var statColumns = []string{"key-count", "cpu-usec", "network-bytes-in", "network-bytes-out"}

func printEntries(w io.Writer, entries []slotstats.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprint(tw, "SLOT")
	for _, col := range statColumns {
		fmt.Fprintf(tw, "\t%s", col)
	}
	fmt.Fprintln(tw)
	for _, e := range entries {
		fmt.Fprintf(tw, "%d", e.Slot)
		for _, col := range statColumns {
			if v, ok := e.Stats[col]; ok {
				fmt.Fprintf(tw, "\t%d", v)
			} else {
				fmt.Fprint(tw, "\t-")
			}
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func (c *cli) resetCmd() *cobra.Command {
	var slot int
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero a node's slot statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("slot") {
				if !cluster.ValidSlot(slot) {
					return fmt.Errorf("invalid slot %d", slot)
				}
				body["slot"] = slot
			}
			ctx, cancel := c.context(cmd)
			defer cancel()
			if err := cluster.PostJSON(ctx, c.node+"/slot-stats/reset", body, nil); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			c.logger.Info("slot stats reset", zap.String("node", c.node))
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().IntVar(&slot, "slot", 0, "reset only this slot")
	return cmd
}

func (c *cli) execCmd() *cobra.Command {
	var client string
	cmd := &cobra.Command{
		Use:   "exec COMMAND [ARG...]",
		Short: "Run one command on a node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := c.context(cmd)
			defer cancel()
			var out cluster.CommandResponse
			req := cluster.CommandRequest{Client: client, Args: args}
			if err := cluster.PostJSON(ctx, c.node+"/command", req, &out); err != nil {
				return fmt.Errorf("exec: %w", err)
			}
			if out.Error != "" {
				return fmt.Errorf("%s", out.Error)
			}
			return printJSON(cmd.OutOrStdout(), out.Reply)
		},
	}
	cmd.Flags().StringVar(&client, "client", "slotctl", "client ID the command runs under")
	return cmd
}

func (c *cli) hotCmd() *cobra.Command {
	var (
		metric string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "hot",
		Short: "Rank the hottest slots across the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := slotstats.ParseMetric(metric); err != nil {
				return err
			}
			q := url.Values{"metric": {metric}, "limit": {strconv.Itoa(limit)}}
			ctx, cancel := c.context(cmd)
			defer cancel()
			var res struct {
				Slots []coordinator.HotSlot `json:"slots"`
			}
			if err := cluster.GetJSON(ctx, c.coordinator+"/hotslots?"+q.Encode(), &res); err != nil {
				return fmt.Errorf("hot slots: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "SLOT\tNODE\t%s\n", metric)
			for _, h := range res.Slots {
				fmt.Fprintf(tw, "%d\t%s\t%d\n", h.Slot, h.NodeID, h.Stats[metric])
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "cpu-usec", "metric to rank by")
	cmd.Flags().IntVar(&limit, "limit", slotstats.DefaultLimit, "number of slots")
	return cmd
}

func (c *cli) planCmd() *cobra.Command {
	var (
		metric string
		moves  int
		apply  bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Propose (or apply) slot moves that even out load",
		Long: `Asks the coordinator for a rebalancing plan over one metric. The plan
moves slots from the most loaded primaries to the least loaded ones. With
--apply the coordinator reassigns the slots and pushes the new layout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := slotstats.ParseMetric(metric); err != nil {
				return err
			}
			q := url.Values{"metric": {metric}, "moves": {strconv.Itoa(moves)}}
			target := c.coordinator + "/rebalance/plan?" + q.Encode()

			ctx, cancel := c.context(cmd)
			defer cancel()
			method := http.MethodGet
			if apply {
				method = http.MethodPost
			}
			req, err := http.NewRequestWithContext(ctx, method, target, nil)
			if err != nil {
				return err
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
				return fmt.Errorf("plan: %s: %s", res.Status, bytes.TrimSpace(msg))
			}
			var plan struct {
				coordinator.Plan
				Applied bool `json:"applied"`
			}
			if err := json.NewDecoder(res.Body).Decode(&plan); err != nil {
				return fmt.Errorf("decode plan: %w", err)
			}
			if plan.Applied {
				c.logger.Info("plan applied", zap.Int("moves", len(plan.Moves)))
			}
			return printPlan(cmd.OutOrStdout(), plan.Plan, plan.Applied)
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "cpu-usec", "metric to balance")
	cmd.Flags().IntVar(&moves, "moves", 16, "maximum number of moves")
	cmd.Flags().BoolVar(&apply, "apply", false, "apply the plan")
	return cmd
}

func printPlan(w io.Writer, plan coordinator.Plan, applied bool) error {
	if len(plan.Moves) == 0 {
		fmt.Fprintf(w, "%s is balanced, nothing to move\n", plan.Metric)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SLOT\tFROM\tTO\t%s\n", plan.Metric)
	for _, m := range plan.Moves {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", m.Slot, m.From, m.To, m.Load)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if applied {
		fmt.Fprintf(w, "applied %d moves\n", len(plan.Moves))
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
