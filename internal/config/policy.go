package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyCatalog is a YAML file of per-business payment policies.
type PolicyCatalog struct {
	Policies []PaymentPolicy `yaml:"policies"`
}

// PaymentPolicy is one business's collection policy. Amounts are minor units.
type PaymentPolicy struct {
	BusinessID                 string `yaml:"business_id"`
	Version                    int    `yaml:"version"`
	Currency                   string `yaml:"currency"`
	RequireSetupOnFirstService bool   `yaml:"require_setup_on_first_service"`
	MaxAutopayCents            int64  `yaml:"max_autopay_cents"`
	RequireConfirmationAbove   int64  `yaml:"require_confirmation_above_cents"`
	InvoiceOnlyAbove           int64  `yaml:"invoice_only_above_cents"`
	AllowInvoiceFallback       bool   `yaml:"allow_invoice_fallback"`
}

// LoadPolicies reads and validates a policy catalog.
func LoadPolicies(path string) ([]PaymentPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy catalog: %w", err)
	}
	var cat PolicyCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing policy catalog: %w", err)
	}

	seen := map[string]bool{}
	for i := range cat.Policies {
		p := &cat.Policies[i]
		if p.BusinessID == "" {
			return nil, fmt.Errorf("policy %d: business_id is required", i)
		}
		if seen[p.BusinessID] {
			return nil, fmt.Errorf("policy %d: duplicate business_id %q", i, p.BusinessID)
		}
		seen[p.BusinessID] = true
		if p.Version <= 0 {
			p.Version = 1
		}
		if p.Currency == "" {
			p.Currency = "USD"
		}
		if p.MaxAutopayCents < 0 || p.RequireConfirmationAbove < 0 || p.InvoiceOnlyAbove < 0 {
			return nil, fmt.Errorf("policy %s: thresholds must be non-negative", p.BusinessID)
		}
	}
	return cat.Policies, nil
}
