package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/api"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/stage"
)

var (
	styleHeader  = lipgloss.NewStyle().Bold(true).Underline(true)
	styleLabel   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	styleWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107")).Bold(true)
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F44336")).Bold(true)
	styleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case db.StatusRunning:
		return styleRunning
	case db.StatusWaitingCustomer, db.StatusWaitingOps:
		return styleWaiting
	case db.StatusCompleted:
		return styleDone
	case db.StatusFailed:
		return styleFailed
	default:
		return styleMuted
	}
}

// paintStatus pads before styling so escape codes do not break columns.
func paintStatus(status string, width int) string {
	return statusStyle(status).Render(fmt.Sprintf("%-*s", width, status))
}

type runDetail struct {
	Run   api.RunView    `json:"run"`
	Steps []api.StepView `json:"steps"`
}

func newRunDetail(run *db.Run, steps []db.Step) runDetail {
	d := runDetail{Run: api.NewRunView(run, true), Steps: make([]api.StepView, len(steps))}
	for i, s := range steps {
		d.Steps[i] = api.NewStepView(s)
	}
	return d
}

func terminal(status string) bool {
	return status == db.StatusCompleted || status == db.StatusFailed || status == db.StatusCanceled
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show in-flight runs, or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if len(args) == 1 {
			run, err := a.orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			steps, err := a.orch.Steps(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd, newRunDetail(run, steps))
			}
			renderRun(cmd.OutOrStdout(), run, steps)
			return nil
		}

		business, _ := cmd.Flags().GetString("business")
		runs, err := a.orch.List(cmd.Context(), db.RunFilter{BusinessID: business})
		if err != nil {
			return err
		}
		var active []db.Run
		for _, r := range runs {
			if !terminal(r.Status) {
				active = append(active, r)
			}
		}

		if jsonOutput(cmd) {
			views := make([]api.RunView, 0, len(active))
			for i := range active {
				views = append(views, api.NewRunView(&active[i], false))
			}
			return printJSON(cmd, views)
		}

		if len(active) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs in flight.")
			return nil
		}
		renderRunTable(cmd.OutOrStdout(), active)
		return nil
	},
}

func renderRunTable(w io.Writer, runs []db.Run) {
	fmt.Fprintf(w, "%-40s %-16s %-18s %-22s %s\n", "RUN", "STATUS", "STAGE", "WAITING ON", "UPDATED")
	fmt.Fprintf(w, "%-40s %-16s %-18s %-22s %s\n",
		strings.Repeat("-", 40),
		strings.Repeat("-", 16),
		strings.Repeat("-", 18),
		strings.Repeat("-", 22),
		strings.Repeat("-", 19))
	for _, r := range runs {
		fmt.Fprintf(w, "%-40s %s %-18s %-22s %s\n",
			r.ID, paintStatus(r.Status, 16), r.CurrentStage, truncate(r.WaitReason, 22), fmtTime(r.UpdatedAt))
	}
}

func renderRun(w io.Writer, run *db.Run, steps []db.Step) {
	field := func(label, value string) {
		if value == "" {
			value = "-"
		}
		fmt.Fprintf(w, "  %s %s\n", styleLabel.Render(fmt.Sprintf("%-14s", label)), value)
	}

	fmt.Fprintln(w, styleHeader.Render("Run "+run.ID))
	field("status", statusStyle(run.Status).Render(run.Status))
	field("stage", run.CurrentStage)
	field("business", run.BusinessID)
	field("customer", run.CustomerID)
	field("job", run.JobID)
	field("confidence", run.Confidence)
	field("waiting on", run.WaitReason)
	field("outcome", run.Outcome)
	if run.LastApprovedBy != "" {
		field("approved by", fmt.Sprintf("%s at %s", run.LastApprovedBy, fmtTime(run.LastApprovedAt)))
	}
	field("version", fmt.Sprintf("%d", run.Version))
	field("updated", fmtTime(run.UpdatedAt))

	if len(steps) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, styleHeader.Render("Steps"))
	for _, s := range steps {
		fmt.Fprintln(w, stepLine(s))
	}
}

// stepLine renders one step from its stored decision.
func stepLine(s db.Step) string {
	var d stage.Decision
	_ = json.Unmarshal([]byte(s.Decision), &d)

	next := string(d.NextStage)
	switch {
	case d.Terminal != "":
		next = d.Terminal
	case next == "" && d.Advance:
		next = "next"
	case next == "":
		next = "·"
	}
	line := fmt.Sprintf("  %3d  %-18s → %-18s %-8s %s", s.StepIndex, s.Stage, next, d.Confidence, d.WaitReason)
	if s.Error != "" {
		line += "  " + styleFailed.Render(truncate(s.Error, 60))
	}
	return line
}

func init() {
	statusCmd.Flags().String("business", "", "Only runs for this business")
	addFormatFlag(statusCmd)
}
