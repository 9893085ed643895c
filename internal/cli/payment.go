package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/leadflow/internal/adapters"
	"github.com/lucasnoah/leadflow/internal/config"
	"github.com/lucasnoah/leadflow/internal/db"
	"github.com/lucasnoah/leadflow/internal/payment"
)

var paymentCmd = &cobra.Command{
	Use:   "payment",
	Short: "Payment decisions, captures, retries and customer payment profiles",
}

func printSagaResult(cmd *cobra.Command, res *payment.SagaResult) {
	w := cmd.OutOrStdout()
	d := res.Decision
	fmt.Fprintf(w, "Decision %s: %s (confidence %.2f) → %s\n", res.DecisionID, d.Label, d.Confidence, res.Status)
	if len(d.RiskFlags) > 0 {
		flags := make([]string, len(d.RiskFlags))
		for i, f := range d.RiskFlags {
			flags[i] = string(f)
		}
		fmt.Fprintf(w, "  risk flags: %s\n", strings.Join(flags, ", "))
	}
	if d.Reason != "" {
		fmt.Fprintf(w, "  reason: %s\n", d.Reason)
	}
	for _, ev := range res.Events {
		line := fmt.Sprintf("  %-28s %s", ev.Type, ev.CommandKind)
		if ev.TransactionID != "" {
			line += " tx=" + ev.TransactionID
		}
		if ev.FailureCode != "" {
			line += " code=" + ev.FailureCode
		}
		if ev.Message != "" {
			line += "  " + ev.Message
		}
		fmt.Fprintln(w, line)
	}
	if res.Retry != nil {
		fmt.Fprintf(w, "  retry: %s\n", res.Retry.Reason)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", res.Error)
	}
}

var paymentCompleteCmd = &cobra.Command{
	Use:   "complete <job-id>",
	Short: "Record a finished job's amount and run the payment saga",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, _ := cmd.Flags().GetInt64("amount")
		currency, _ := cmd.Flags().GetString("currency")
		channel, _ := cmd.Flags().GetString("channel")
		trace, _ := cmd.Flags().GetString("trace")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.saga.CompleteJob(cmd.Context(), payment.JobCompletion{
			JobID:    args[0],
			Amount:   amount,
			Currency: currency,
			Channel:  channel,
			TraceID:  trace,
		})
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, res)
		}
		printSagaResult(cmd, res)
		return nil
	},
}

var paymentRetryDueCmd = &cobra.Command{
	Use:   "retry-due",
	Short: "Run every scheduled capture retry that is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := a.worker.RunDue(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ran %d due retr%s.\n", n, plural(n, "y", "ies"))
		return nil
	},
}

var paymentCompensateCmd = &cobra.Command{
	Use:   "compensate <decision-id>",
	Short: "Refund or void the money a decision moved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := a.saga.Compensate(cmd.Context(), args[0], actor, reason)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Compensated decision %s: %d refunded, %d voided\n",
			res.DecisionID, len(res.Refunded), len(res.Voided))
		return nil
	},
}

var paymentDecisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List payment decisions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		job, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		recs, err := a.db.ListDecisions(cmd.Context(), job, limit)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No decisions found.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DECISION\tJOB\tLABEL\tCONF\tAMOUNT\tSTATUS\tCREATED")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s %s\t%s\t%s\n",
				r.ID, r.EntityID, r.Label, r.Confidence, adapters.Cents(r.Amount), r.Currency, r.Status, fmtTime(r.CreatedAt))
		}
		return w.Flush()
	},
}

type jobPayments struct {
	Transactions []db.Transaction               `json:"transactions"`
	Retries      map[string][]db.ScheduledRetry `json:"retries"`
	Invoices     []db.Invoice                   `json:"invoices"`
	Sessions     []db.PaymentSession            `json:"sessions"`
}

var paymentTransactionsCmd = &cobra.Command{
	Use:   "transactions <job-id>",
	Short: "Show a job's transactions, retries, invoices and sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		out := jobPayments{Retries: map[string][]db.ScheduledRetry{}}
		if out.Transactions, err = a.db.ListTransactionsByJob(ctx, args[0]); err != nil {
			return err
		}
		for _, tx := range out.Transactions {
			retries, err := a.db.ListRetries(ctx, tx.ID)
			if err != nil {
				return err
			}
			if len(retries) > 0 {
				out.Retries[tx.ID] = retries
			}
		}
		if out.Invoices, err = a.db.ListInvoices(ctx, args[0]); err != nil {
			return err
		}
		if out.Sessions, err = a.db.ListPaymentSessions(ctx, args[0]); err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, out)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TRANSACTION\tAMOUNT\tSTATUS\tRETRIES\tFAILURE")
		for _, tx := range out.Transactions {
			fmt.Fprintf(w, "%s\t%s %s\t%s\t%d\t%s\n",
				tx.ID, adapters.Cents(tx.Amount), tx.Currency, tx.Status, tx.RetryCount, tx.FailureCode)
			for _, r := range out.Retries[tx.ID] {
				fmt.Fprintf(w, "  retry #%d\t\t%s\tdue %s\t%s\n", r.Attempt, r.Status, fmtTime(r.DueAt), r.Error)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d invoice(s), %d payment session(s)\n", len(out.Invoices), len(out.Sessions))
		return nil
	},
}

var paymentMethodCmd = &cobra.Command{
	Use:   "method",
	Short: "Manage stored payment methods",
}

var paymentMethodAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Tokenize and store a payment method for a customer",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := payment.AddMethodOpts{}
		opts.BusinessID, _ = cmd.Flags().GetString("business")
		opts.CustomerID, _ = cmd.Flags().GetString("customer")
		opts.Token, _ = cmd.Flags().GetString("token")
		opts.Kind, _ = cmd.Flags().GetString("kind")
		opts.Brand, _ = cmd.Flags().GetString("brand")
		opts.Last4, _ = cmd.Flags().GetString("last4")
		opts.MakePreferred, _ = cmd.Flags().GetBool("preferred")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := a.executor.AddPaymentMethod(cmd.Context(), opts)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s %s ending %s as %s\n", m.Kind, m.Brand, m.Last4, m.ID)
		return nil
	},
}

var paymentMethodListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a customer's stored payment methods",
	RunE: func(cmd *cobra.Command, args []string) error {
		customer, _ := cmd.Flags().GetString("customer")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		methods, err := a.db.ListPaymentMethods(cmd.Context(), customer)
		if err != nil {
			return err
		}
		profile, err := a.db.GetPaymentProfile(cmd.Context(), customer)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, struct {
				Profile *db.PaymentProfile `json:"profile"`
				Methods []db.PaymentMethod `json:"methods"`
			}{profile, methods})
		}

		preferred := ""
		if profile != nil {
			preferred = profile.PreferredMethodID
			fmt.Fprintf(cmd.OutOrStdout(), "Autopay: %t, consents: %d\n", profile.AutopayEnabled, len(profile.Consents))
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "METHOD\tKIND\tBRAND\tLAST4\tPREFERRED")
		for _, m := range methods {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", m.ID, m.Kind, m.Brand, m.Last4, m.ID == preferred)
		}
		return w.Flush()
	},
}

var paymentConsentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Record a customer's consent for a payment practice",
	RunE: func(cmd *cobra.Command, args []string) error {
		business, _ := cmd.Flags().GetString("business")
		customer, _ := cmd.Flags().GetString("customer")
		kind, _ := cmd.Flags().GetString("kind")
		source, _ := cmd.Flags().GetString("source")

		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := a.executor.GrantConsent(cmd.Context(), business, customer, kind, source)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s consent for %s (autopay %t)\n", kind, customer, p.AutopayEnabled)
		return nil
	},
}

var paymentPolicyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage per-business payment policies",
}

var paymentPolicyLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Load a YAML policy catalog into the database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := config.LoadPolicies(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		for _, p := range policies {
			if err := d.UpsertPaymentPolicy(cmd.Context(), policyRecord(p)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded policy v%d for %s\n", p.Version, p.BusinessID)
		}
		return nil
	},
}

var paymentPolicyShowCmd = &cobra.Command{
	Use:   "show <business-id>",
	Short: "Show the stored policy for a business",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := d.GetPaymentPolicy(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no payment policy for business %s", args[0])
		}
		if jsonOutput(cmd) {
			return printJSON(cmd, p)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Policy v%d for %s (%s) hash %s\n", p.Version, p.BusinessID, p.Currency, payment.PolicyHash(p))
		fmt.Fprintf(w, "  require setup on first service: %t\n", p.RequireSetupOnFirstService)
		fmt.Fprintf(w, "  max autopay:                    %s\n", centsLimit(p.MaxAutopayAmount))
		fmt.Fprintf(w, "  require confirmation above:     %s\n", centsLimit(p.RequireConfirmationAbove))
		fmt.Fprintf(w, "  invoice only above:             %s\n", centsLimit(p.InvoiceOnlyAbove))
		fmt.Fprintf(w, "  allow invoice fallback:         %t\n", p.AllowInvoiceFallback)
		return nil
	},
}

func policyRecord(p config.PaymentPolicy) *db.PaymentPolicy {
	return &db.PaymentPolicy{
		BusinessID:                 p.BusinessID,
		Version:                    p.Version,
		Currency:                   p.Currency,
		RequireSetupOnFirstService: p.RequireSetupOnFirstService,
		MaxAutopayAmount:           p.MaxAutopayCents,
		RequireConfirmationAbove:   p.RequireConfirmationAbove,
		InvoiceOnlyAbove:           p.InvoiceOnlyAbove,
		AllowInvoiceFallback:       p.AllowInvoiceFallback,
	}
}

// centsLimit renders a cents threshold where zero means unlimited.
func centsLimit(cents int64) string {
	if cents == 0 {
		return "unlimited"
	}
	return adapters.Cents(cents)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func init() {
	paymentCompleteCmd.Flags().Int64("amount", 0, "Final amount in minor units (cents)")
	paymentCompleteCmd.Flags().String("currency", "USD", "ISO currency code")
	paymentCompleteCmd.Flags().String("channel", "sms", "Channel to reach the customer on (sms, email, in_app)")
	paymentCompleteCmd.Flags().String("trace", "", "Trace id (generated when empty)")
	paymentCompleteCmd.MarkFlagRequired("amount")
	addFormatFlag(paymentCompleteCmd)

	paymentCompensateCmd.Flags().String("actor", "", "Who is compensating")
	paymentCompensateCmd.Flags().String("reason", "", "Why the money is being returned")
	paymentCompensateCmd.MarkFlagRequired("actor")
	addFormatFlag(paymentCompensateCmd)

	paymentDecisionsCmd.Flags().String("job", "", "Only decisions for this job")
	paymentDecisionsCmd.Flags().Int("limit", 50, "Maximum decisions to show")
	addFormatFlag(paymentDecisionsCmd)

	addFormatFlag(paymentTransactionsCmd)

	for _, c := range []*cobra.Command{paymentMethodAddCmd, paymentConsentCmd} {
		c.Flags().String("business", "", "Business id")
		c.MarkFlagRequired("business")
	}
	for _, c := range []*cobra.Command{paymentMethodAddCmd, paymentMethodListCmd, paymentConsentCmd} {
		c.Flags().String("customer", "", "Customer id")
		c.MarkFlagRequired("customer")
		addFormatFlag(c)
	}
	paymentMethodAddCmd.Flags().String("token", "", "Provider token for the instrument")
	paymentMethodAddCmd.Flags().String("kind", "card", "Method kind (card, ach, wallet)")
	paymentMethodAddCmd.Flags().String("brand", "", "Card brand or bank name")
	paymentMethodAddCmd.Flags().String("last4", "", "Last four digits")
	paymentMethodAddCmd.Flags().Bool("preferred", false, "Make this the preferred method")
	paymentMethodAddCmd.MarkFlagRequired("token")
	paymentConsentCmd.Flags().String("kind", "autopay", "Consent kind")
	paymentConsentCmd.Flags().String("source", "cli", "Where the consent was captured")

	addFormatFlag(paymentPolicyShowCmd)

	paymentMethodCmd.AddCommand(paymentMethodAddCmd)
	paymentMethodCmd.AddCommand(paymentMethodListCmd)
	paymentPolicyCmd.AddCommand(paymentPolicyLoadCmd)
	paymentPolicyCmd.AddCommand(paymentPolicyShowCmd)

	paymentCmd.AddCommand(paymentCompleteCmd)
	paymentCmd.AddCommand(paymentRetryDueCmd)
	paymentCmd.AddCommand(paymentCompensateCmd)
	paymentCmd.AddCommand(paymentDecisionsCmd)
	paymentCmd.AddCommand(paymentTransactionsCmd)
	paymentCmd.AddCommand(paymentMethodCmd)
	paymentCmd.AddCommand(paymentConsentCmd)
	paymentCmd.AddCommand(paymentPolicyCmd)
}
