package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/orchestrator"
)

var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Feed customer messages into runs",
}

var messageSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Deliver an inbound customer message",
	Long: `Deliver an inbound customer message. When the customer has a run waiting on
them the reply is recorded on that run and the run resumes. Otherwise the
message is only stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		customer, _ := cmd.Flags().GetString("customer")
		channel, _ := cmd.Flags().GetString("channel")
		body, _ := cmd.Flags().GetString("body")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.orch.HandleInboundMessage(cmd.Context(), orchestrator.InboundMessage{
			BusinessID: business,
			CustomerID: customer,
			Channel:    channel,
			Body:       body,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, res)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Stored message %s\n", res.MessageID)
		if res.RunID == "" {
			fmt.Fprintln(w, "No run picked it up.")
			return nil
		}
		fmt.Fprintf(w, "Routed to run %s\n", res.RunID)
		if res.Step != nil {
			printStepResults(w, []*orchestrator.StepResult{res.Step})
		}
		return nil
	},
}

func init() {
	messageSendCmd.Flags().String("business", "", "Business receiving the message")
	messageSendCmd.Flags().String("customer", "", "Customer sending the message")
	messageSendCmd.Flags().String("channel", "sms", "Channel the message arrived on")
	messageSendCmd.Flags().String("body", "", "Message text")
	messageSendCmd.MarkFlagRequired("business")
	messageSendCmd.MarkFlagRequired("body")
	addFormatFlag(messageSendCmd)

	messageCmd.AddCommand(messageSendCmd)
}
