package message

// Template names.
const (
	DetailsRequest      = "details_request"
	Quote               = "quote"
	ScheduleOptions     = "schedule_options"
	PaymentLink         = "payment_link"
	PaymentSetupLink    = "payment_setup_link"
	PaymentConfirmation = "payment_confirmation"
	PaymentFailure      = "payment_failure"
)

var builtin = map[string]string{
	DetailsRequest: `Hi{{#if name}} {{name}}{{/if}}, thanks for reaching out! To put a quote together we still need: {{missing}}.`,

	Quote: `Hi{{#if name}} {{name}}{{/if}}, your estimate is {{low}}-{{high}} {{currency}}.
{{#if assumptions}}Based on: {{assumptions}}.{{/if}}
Reply YES to book, or tell us what you'd like to change.`,

	ScheduleOptions: `Here are the times we can do:
{{windows}}
Reply with the number that works best.`,

	PaymentLink: `Your job is complete. Pay {{amount}} {{currency}} here: {{url}}`,

	PaymentSetupLink: `Please add a payment method for future visits: {{url}}`,

	PaymentConfirmation: `Thanks! We received your payment of {{amount}} {{currency}}.`,

	PaymentFailure: `We couldn't process your payment{{#if reason}} ({{reason}}){{/if}}. We'll follow up shortly.`,
}
