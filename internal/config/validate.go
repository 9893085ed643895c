package config

import (
	"fmt"
	"time"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedDrivers = map[string]bool{
	"sqlite3": true,
	"pgx":     true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if !recognizedDrivers[cfg.Database.Driver] {
		errs = append(errs, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unrecognized driver %q", cfg.Database.Driver),
		})
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, ValidationError{Field: "database.dsn", Message: "is required"})
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "must be between 0 and 65535"})
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"server.webhook_tolerance", cfg.Server.WebhookTolerance},
		{"orchestration.evaluator_timeout", cfg.Orchestration.EvaluatorTimeout},
		{"orchestration.memory_timeout", cfg.Orchestration.MemoryTimeout},
		{"payment.retry.base_delay", cfg.Payment.Retry.BaseDelay},
		{"payment.retry.max_delay", cfg.Payment.Retry.MaxDelay},
		{"payment.retry.poll_interval", cfg.Payment.Retry.PollInterval},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.value)})
		}
	}

	o := cfg.Orchestration
	if o.QuoteDeclineConfidence < 0 || o.QuoteDeclineConfidence > 1 {
		errs = append(errs, ValidationError{Field: "orchestration.quote_decline_confidence", Message: "must be within [0, 1]"})
	}
	if o.MinMarginPercent < 0 || o.MinMarginPercent >= 100 {
		errs = append(errs, ValidationError{Field: "orchestration.min_margin_percent", Message: "must be within [0, 100)"})
	}
	if o.Schedule.FirstWindowHour < 0 || o.Schedule.FirstWindowHour > 23 {
		errs = append(errs, ValidationError{Field: "orchestration.schedule.first_window_hour", Message: "must be within [0, 23]"})
	}
	if _, err := time.LoadLocation(o.Schedule.Timezone); err != nil {
		errs = append(errs, ValidationError{Field: "orchestration.schedule.timezone", Message: fmt.Sprintf("unknown timezone %q", o.Schedule.Timezone)})
	}

	if cfg.Pricing.Spread < 0 || cfg.Pricing.Spread >= 1 {
		errs = append(errs, ValidationError{Field: "pricing.spread", Message: "must be within [0, 1)"})
	}
	for name, svc := range cfg.Pricing.Services {
		if svc.Base < 0 || svc.PerThousandSqft < 0 || svc.LaborHours < 0 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pricing.services.%s", name),
				Message: "prices and labor hours must be non-negative",
			})
		}
	}
	for freq, d := range cfg.Pricing.FrequencyDiscount {
		if d < 0 || d >= 1 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pricing.frequency_discount.%s", freq),
				Message: "must be within [0, 1)",
			})
		}
	}

	p := cfg.Payment
	if p.ConfidenceThreshold <= 0 || p.ConfidenceThreshold > 1 {
		errs = append(errs, ValidationError{Field: "payment.confidence_threshold", Message: "must be within (0, 1]"})
	}
	if p.Retry.Multiplier < 1 {
		errs = append(errs, ValidationError{Field: "payment.retry.multiplier", Message: "must be >= 1"})
	}
	if p.Retry.MaxAttempts < 0 {
		errs = append(errs, ValidationError{Field: "payment.retry.max_attempts", Message: "must be >= 0"})
	}

	return errs
}
