package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/api"
	"github.com/lucasnoah/leadflow/internal/orchestrator"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Human-in-the-loop approvals and overrides",
}

var opsApproveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve a run waiting on ops at a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _ := cmd.Flags().GetString("stage")
		actor, _ := cmd.Flags().GetString("actor")
		crew, _ := cmd.Flags().GetString("crew")
		marginOverride, _ := cmd.Flags().GetBool("margin-override")
		forceFeasible, _ := cmd.Flags().GetBool("force-feasible")
		patchFile, _ := cmd.Flags().GetString("patch-file")
		notes, _ := cmd.Flags().GetString("notes")

		approval := orchestrator.Approval{
			CrewID:         crew,
			MarginOverride: marginOverride,
			ForceFeasible:  forceFeasible,
			Notes:          notes,
		}
		if patchFile != "" {
			p, err := readPatch(patchFile)
			if err != nil {
				return err
			}
			approval.Patch = &p
		}

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.orch.Approve(cmd.Context(), orchestrator.ApproveOpts{
			RunID:    args[0],
			Stage:    st,
			Actor:    actor,
			Approval: approval,
		})
		if err != nil {
			return err
		}
		return finishSteps(cmd, a, args[0], []*orchestrator.StepResult{res})
	},
}

var opsOverrideCmd = &cobra.Command{
	Use:   "override <run-id>",
	Short: "Force a run to advance, revert, cancel or take injected context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		action, _ := cmd.Flags().GetString("action")
		actor, _ := cmd.Flags().GetString("actor")
		target, _ := cmd.Flags().GetString("target")
		contextFile, _ := cmd.Flags().GetString("context-file")
		reason, _ := cmd.Flags().GetString("reason")

		var patch json.RawMessage
		if contextFile != "" {
			data, err := os.ReadFile(contextFile)
			if err != nil {
				return fmt.Errorf("reading context file: %w", err)
			}
			patch = data
		}

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		run, err := a.orch.Override(cmd.Context(), orchestrator.OverrideOpts{
			RunID:       args[0],
			Action:      action,
			Actor:       actor,
			TargetStage: target,
			Context:     patch,
			Reason:      reason,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, api.NewRunView(run, true))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Override %s applied. Run %s: %s at %s\n",
			action, run.ID, paintStatus(run.Status, 0), run.CurrentStage)
		return nil
	},
}

func init() {
	opsApproveCmd.Flags().String("stage", "", "Stage being approved (must match the run's current stage)")
	opsApproveCmd.Flags().String("actor", "", "Who is approving")
	opsApproveCmd.Flags().String("crew", "", "Crew to assign at CREW_LOCK")
	opsApproveCmd.Flags().Bool("margin-override", false, "Accept a quote below the minimum margin")
	opsApproveCmd.Flags().Bool("force-feasible", false, "Accept a job the feasibility check rejected")
	opsApproveCmd.Flags().String("patch-file", "", "JSON context patch to apply with the approval")
	opsApproveCmd.Flags().String("notes", "", "Free-form approval notes")
	opsApproveCmd.MarkFlagRequired("stage")
	opsApproveCmd.MarkFlagRequired("actor")
	addFormatFlag(opsApproveCmd)

	opsOverrideCmd.Flags().String("action", "", "advance, revert, cancel or inject_context")
	opsOverrideCmd.Flags().String("actor", "", "Who is overriding")
	opsOverrideCmd.Flags().String("target", "", "Target stage for advance or revert (default: next or previous)")
	opsOverrideCmd.Flags().String("context-file", "", "JSON context patch for inject_context")
	opsOverrideCmd.Flags().String("reason", "", "Why the override is needed")
	opsOverrideCmd.MarkFlagRequired("action")
	opsOverrideCmd.MarkFlagRequired("actor")
	addFormatFlag(opsOverrideCmd)

	opsCmd.AddCommand(opsApproveCmd)
	opsCmd.AddCommand(opsOverrideCmd)
}
