package validation

import (
	"strings"
	"testing"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"user@example.com", false},
		{"Alice <alice@example.com>", false},
		{"  padded@example.org  ", false},
		{"", true},
		{"noatsign", true},
		{"user@", true},
		{"@example.com", true},
		{"user@-bad-.com", true},
		{"a@example.com, b@example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := Address(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("Address(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	tests := []struct {
		name    string
		label   string
		wantErr bool
	}{
		{"simple", "Newsletter", false},
		{"nested", "Finance/Invoices", false},
		{"unicode", "Rechnungen ü", false},
		{"empty", "", true},
		{"spaces only", "   ", true},
		{"control char", "bad\x01label", true},
		{"too long", strings.Repeat("a", 129), true},
		{"max length", strings.Repeat("a", 128), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Label(tt.label)
			if (err != nil) != tt.wantErr {
				t.Errorf("Label(%q) error = %v, wantErr %v", tt.label, err, tt.wantErr)
			}
		})
	}
}

func TestRuleName(t *testing.T) {
	if err := RuleName("Newsletters"); err != nil {
		t.Errorf("RuleName() unexpected error: %v", err)
	}
	if err := RuleName(" "); err != ErrInvalidRuleName {
		t.Errorf("RuleName(blank) = %v, want ErrInvalidRuleName", err)
	}
	if err := RuleName(strings.Repeat("x", 101)); err != ErrInvalidRuleName {
		t.Errorf("RuleName(long) = %v, want ErrInvalidRuleName", err)
	}
}

func TestOwner(t *testing.T) {
	valid := []string{"user-1", "alice@example.com", "9f1c2d3e"}
	for _, o := range valid {
		if err := Owner(o); err != nil {
			t.Errorf("Owner(%q) unexpected error: %v", o, err)
		}
	}

	invalid := []string{"", "has space", "colon:sep", strings.Repeat("a", 129)}
	for _, o := range invalid {
		if err := Owner(o); err == nil {
			t.Errorf("Owner(%q) expected error", o)
		}
	}
}

func TestDomain(t *testing.T) {
	tests := []struct {
		domain  string
		wantErr bool
	}{
		{"example.com", false},
		{"sub.example.co.uk", false},
		{"localhost", false},
		{"", true},
		{"-example.com", true},
		{"example..com", true},
		{strings.Repeat("a", 64) + ".com", true},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			err := Domain(tt.domain)
			if (err != nil) != tt.wantErr {
				t.Errorf("Domain(%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}
