package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/analytics"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/stage"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline and payment analytics",
}

// sinceFlag converts --since (a duration back from now) to a stored timestamp.
func sinceFlag(cmd *cobra.Command) string {
	s, _ := cmd.Flags().GetString("since")
	if s == "" {
		return ""
	}
	d := parseDuration(s, 0)
	if d <= 0 {
		return ""
	}
	return time.Now().UTC().Add(-d).Format(db.TimeLayout)
}

var analyticsFunnelCmd = &cobra.Command{
	Use:   "funnel",
	Short: "Runs per current stage and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		order := make([]string, len(stage.Order))
		for i, s := range stage.Order {
			order[i] = string(s)
		}
		rows, err := analytics.QueryFunnel(cmd.Context(), a.db, business, sinceFlag(cmd), order)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, rows)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNNING\tWAIT CUST\tWAIT OPS\tDONE\tFAILED\tCANCELED\tTOTAL")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				r.Stage, r.Running, r.WaitingCustomer, r.WaitingOps, r.Completed, r.Failed, r.Canceled, r.Total)
		}
		return w.Flush()
	},
}

var analyticsWaitingCmd = &cobra.Command{
	Use:   "waiting",
	Short: "Waiting runs by reason and age of the oldest",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := analytics.QueryWaiting(cmd.Context(), a.db, business, time.Now().UTC())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing is waiting.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REASON\tRUNS\tOLDEST")
		for _, r := range rows {
			age := time.Duration(r.OldestMinutes * float64(time.Minute)).Round(time.Minute)
			fmt.Fprintf(w, "%s\t%d\t%s\n", r.Reason, r.Count, age)
		}
		return w.Flush()
	},
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile evaluation times per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := analytics.QueryStageDurations(cmd.Context(), a.db, sinceFlag(cmd))
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, rows)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTEPS\tAVG ms\tP50 ms\tP95 ms")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
		}
		return w.Flush()
	},
}

var analyticsDecisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "How payment decisions split across labels",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := analytics.QueryDecisionMix(cmd.Context(), a.db, sinceFlag(cmd))
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, rows)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LABEL\tCOUNT\tSHARE\tDONE\tFAILED\tESCALATED\tAVG CONF")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%d\t%d\t%d\t%.2f\n",
				r.Label, r.Count, r.Share, r.Completed, r.Failed, r.Escalated, r.AvgConfidence)
		}
		return w.Flush()
	},
}

var analyticsPaymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "Transaction counts and amounts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := analytics.QueryPaymentOutcomes(cmd.Context(), a.db, sinceFlag(cmd))
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, rows)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tCOUNT\tAMOUNT\tAVG RETRIES")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\n", r.Status, r.Count, r.Amount, r.AvgRetries)
		}
		return w.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{
		analyticsFunnelCmd,
		analyticsWaitingCmd,
		analyticsStageDurationCmd,
		analyticsDecisionsCmd,
		analyticsPaymentsCmd,
	} {
		addFormatFlag(c)
		analyticsCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{analyticsFunnelCmd, analyticsStageDurationCmd, analyticsDecisionsCmd, analyticsPaymentsCmd} {
		c.Flags().String("since", "", "Only look back this far, e.g. 24h or 168h")
	}
	analyticsFunnelCmd.Flags().String("business", "", "Only runs for this business")
	analyticsWaitingCmd.Flags().String("business", "", "Only runs for this business")
}
