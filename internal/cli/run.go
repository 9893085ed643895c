package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/analytics"
	"github.com/lucasnoah/leadflow/internal/api"
	appctx "github.com/lucasnoah/leadflow/internal/context"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/export"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and drive lead-to-cash runs",
}

type stepsOutput struct {
	Run   api.RunView                `json:"run"`
	Steps []*orchestrator.StepResult `json:"steps"`
}

func printStepResults(w io.Writer, results []*orchestrator.StepResult) {
	for _, r := range results {
		target := r.NextStage
		if target == "" {
			target = r.Outcome
		}
		line := fmt.Sprintf("  [%d] %-18s %-12s", r.StepIndex, r.Stage, r.Action)
		if target != "" {
			line += " → " + target
		}
		if r.WaitReason != "" && r.WaitReason != "none" {
			line += " (waiting: " + r.WaitReason + ")"
		}
		if r.Message != "" {
			line += "  " + r.Message
		}
		fmt.Fprintln(w, line)
	}
}

func readPatch(path string) (appctx.Patch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return appctx.Patch{}, fmt.Errorf("reading patch file: %w", err)
	}
	return appctx.DecodePatch(data)
}

// finishSteps reloads the run and prints it with the steps just taken.
func finishSteps(cmd *cobra.Command, a *app, runID string, results []*orchestrator.StepResult) error {
	run, err := a.orch.Status(cmd.Context(), runID)
	if err != nil {
		return err
	}
	if jsonOutput(cmd) {
		return printJSON(cmd, stepsOutput{Run: api.NewRunView(run, true), Steps: results})
	}
	w := cmd.OutOrStdout()
	printStepResults(w, results)
	fmt.Fprintf(w, "Run %s: %s at %s\n", run.ID, paintStatus(run.Status, 0), run.CurrentStage)
	return nil
}

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a run from a lead",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		account, _ := cmd.Flags().GetString("account")
		customer, _ := cmd.Flags().GetString("customer")
		job, _ := cmd.Flags().GetString("job")
		lead, _ := cmd.Flags().GetString("lead")
		leadFile, _ := cmd.Flags().GetString("lead-file")
		actor, _ := cmd.Flags().GetString("actor")
		drive, _ := cmd.Flags().GetBool("drive")
		seedFile, _ := cmd.Flags().GetString("seed-file")

		var seed *appctx.Patch
		if seedFile != "" {
			p, err := readPatch(seedFile)
			if err != nil {
				return err
			}
			seed = &p
		}
		if leadFile != "" {
			data, err := os.ReadFile(leadFile)
			if err != nil {
				return fmt.Errorf("reading lead file: %w", err)
			}
			lead = string(data)
		}

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := a.orch.Create(cmd.Context(), orchestrator.CreateOpts{
			BusinessID: business,
			AccountID:  account,
			CustomerID: customer,
			JobID:      job,
			LeadText:   strings.TrimSpace(lead),
			Seed:       seed,
			Actor:      actor,
		})
		if err != nil {
			return err
		}

		var results []*orchestrator.StepResult
		if drive {
			results, err = a.orch.Drive(cmd.Context(), run.ID, 0)
			if err != nil {
				return err
			}
		}
		return finishSteps(cmd, a, run.ID, results)
	},
}

var runAdvanceCmd = &cobra.Command{
	Use:   "advance <run-id>",
	Short: "Evaluate the current stage once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.orch.RunNextStep(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return finishSteps(cmd, a, args[0], []*orchestrator.StepResult{res})
	},
}

var runDriveCmd = &cobra.Command{
	Use:   "drive <run-id>",
	Short: "Step a run until it waits, finishes or hits the step limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxSteps, _ := cmd.Flags().GetInt("max-steps")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := a.orch.Drive(cmd.Context(), args[0], maxSteps)
		if err != nil {
			return err
		}
		return finishSteps(cmd, a, args[0], results)
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		runs, err := a.orch.List(cmd.Context(), db.RunFilter{BusinessID: business, Status: status, Limit: limit})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			views := make([]api.RunView, len(runs))
			for i := range runs {
				views[i] = api.NewRunView(&runs[i], false)
			}
			return printJSON(cmd, views)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}
		renderRunTable(cmd.OutOrStdout(), runs)
		return nil
	},
}

var runStepsCmd = &cobra.Command{
	Use:   "steps <run-id>",
	Short: "Show the recorded steps of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		steps, err := a.orch.Steps(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			views := make([]api.StepView, len(steps))
			for i, s := range steps {
				views[i] = api.NewStepView(s)
			}
			return printJSON(cmd, views)
		}
		if len(steps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No steps recorded.")
			return nil
		}
		for _, s := range steps {
			fmt.Fprintln(cmd.OutOrStdout(), stepLine(s))
		}
		return nil
	},
}

var runTimelineCmd = &cobra.Command{
	Use:   "timeline <run-id>",
	Short: "Show steps, ops actions and customer messages in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := a.orch.Status(cmd.Context(), args[0]); err != nil {
			return err
		}
		entries, err := analytics.QueryRunTimeline(cmd.Context(), a.db, args[0])
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, entries)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tEVENT\tSTAGE\tACTOR\tDETAIL")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", e.Timestamp, e.Type, e.Event, e.Stage, e.Actor, truncate(e.Detail, 60))
		}
		return w.Flush()
	},
}

var runExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Write a run, its history and payments to a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = filepath.Join(".", "export-"+args[0])
		}

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := export.Run(cmd.Context(), a.db, args[0], dir, time.Now().UTC())
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported run %s to %s (%s)\n", m.RunID, dir, strings.Join(m.Files, ", "))
		return nil
	},
}

func init() {
	runCreateCmd.Flags().String("business", "", "Business the lead belongs to (required)")
	runCreateCmd.Flags().String("account", "", "Account id")
	runCreateCmd.Flags().String("customer", "", "Customer id, when already known")
	runCreateCmd.Flags().String("job", "", "Job id (generated when empty)")
	runCreateCmd.Flags().String("lead", "", "Raw lead text")
	runCreateCmd.Flags().String("lead-file", "", "Read the lead text from a file")
	runCreateCmd.Flags().String("actor", "cli", "Who is creating the run")
	runCreateCmd.Flags().String("seed-file", "", "JSON context patch to seed the run with")
	runCreateCmd.Flags().Bool("drive", false, "Drive the run after creating it")
	runCreateCmd.MarkFlagRequired("business")
	addFormatFlag(runCreateCmd)

	addFormatFlag(runAdvanceCmd)

	runDriveCmd.Flags().Int("max-steps", 0, "Step limit (0 uses the configured limit)")
	addFormatFlag(runDriveCmd)

	runListCmd.Flags().String("business", "", "Only runs for this business")
	runListCmd.Flags().String("status", "", "Only runs with this status")
	runListCmd.Flags().Int("limit", 50, "Maximum runs to show")
	addFormatFlag(runListCmd)

	addFormatFlag(runStepsCmd)
	addFormatFlag(runTimelineCmd)

	runExportCmd.Flags().String("dir", "", "Output directory (default ./export-<run-id>)")
	addFormatFlag(runExportCmd)

	runCmd.AddCommand(runCreateCmd)
	runCmd.AddCommand(runAdvanceCmd)
	runCmd.AddCommand(runDriveCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runStepsCmd)
	runCmd.AddCommand(runTimelineCmd)
	runCmd.AddCommand(runExportCmd)
}
