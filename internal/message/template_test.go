package message

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_Vars(t *testing.T) {
	got, err := Render("Pay {{amount}} {{currency}}", Vars{"amount": "12.00", "currency": "USD"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Pay 12.00 USD" {
		t.Errorf("got %q", got)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} {{b}} {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a, c") {
		t.Errorf("error = %v, want both missing names", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "Hi{{#if name}} {{name}}{{/if}}!", Vars{"name": "Ana"}, "Hi Ana!"},
		{"absent", "Hi{{#if name}} {{name}}{{/if}}!", Vars{}, "Hi!"},
		{"empty", "Hi{{#if name}} {{name}}{{/if}}!", Vars{"name": ""}, "Hi!"},
		{"nested", "{{#if a}}A{{#if b}}B{{/if}}{{/if}}", Vars{"a": "1"}, "A"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_Unbalanced(t *testing.T) {
	for _, tmpl := range []string{"{{/if}}", "{{#if a}}open"} {
		if _, err := Render(tmpl, Vars{"a": "1"}); err == nil {
			t.Errorf("Render(%q): expected error", tmpl)
		}
	}
}

func TestStore_BuiltinAndOverride(t *testing.T) {
	s := NewStore("")
	got, err := s.Render(PaymentConfirmation, Vars{"amount": "50.00", "currency": "USD"})
	if err != nil {
		t.Fatalf("Render builtin: %v", err)
	}
	if !strings.Contains(got, "50.00 USD") {
		t.Errorf("got %q", got)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, PaymentConfirmation+".txt"), []byte("Paid: {{amount}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = NewStore(dir).Render(PaymentConfirmation, Vars{"amount": "50.00"})
	if err != nil {
		t.Fatalf("Render override: %v", err)
	}
	if got != "Paid: 50.00" {
		t.Errorf("override = %q", got)
	}

	if _, err := NewStore(dir).Lookup("../secrets"); err == nil {
		t.Error("expected traversal to be rejected")
	}
	if _, err := s.Lookup("nope"); err == nil {
		t.Error("expected unknown template error")
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	vars := Vars{
		"name": "Ana", "missing": "address", "services": "mowing", "low": "90", "high": "110",
		"currency": "USD", "assumptions": "", "windows": "1) Mon 8am", "amount": "10.00",
		"url": "https://pay.test/x", "reason": "card declined",
	}
	for name := range builtin {
		if _, err := NewStore("").Render(name, vars); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}
