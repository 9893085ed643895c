package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/payment"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Replay and sign payment provider callbacks",
}

var webhookReplayCmd = &cobra.Command{
	Use:   "replay <envelope.json>",
	Short: "Apply a stored provider callback without signature checks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading envelope: %w", err)
		}
		var env payment.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("decoding envelope: %w", err)
		}

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.recon.Process(cmd.Context(), env)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Event %s: %s", res.EventID, res.Status)
		if res.TransactionID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (transaction %s)", res.TransactionID)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		if res.Retry != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "  retry: %s\n", res.Retry.Reason)
		}
		return nil
	},
}

var webhookSignCmd = &cobra.Command{
	Use:   "sign <payload.json>",
	Short: "Print the signature header for a payload using the configured secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.WebhookSecret == "" {
			return fmt.Errorf("server.webhook_secret is not configured")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", payment.SignatureHeader, payment.Sign(cfg.Server.WebhookSecret, data, time.Now()))
		return nil
	},
}

func init() {
	addFormatFlag(webhookReplayCmd)

	webhookCmd.AddCommand(webhookReplayCmd)
	webhookCmd.AddCommand(webhookSignCmd)
}
