// Package validation provides input validation functions.
package validation

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidAddress is returned when an email address cannot be parsed
	ErrInvalidAddress = errors.New("invalid address: must be a single RFC 5322 address")
	// ErrInvalidLabel is returned when a label name is empty, too long or contains control characters
	ErrInvalidLabel = errors.New("invalid label: must be 1-128 printable characters")
	// ErrInvalidRuleName is returned when a rule name is empty or too long
	ErrInvalidRuleName = errors.New("invalid rule name: must be 1-100 characters")
	// ErrInvalidOwner is returned when an owner id is missing or malformed
	ErrInvalidOwner = errors.New("invalid owner id")
	// ErrInvalidDomain is returned when domain name is invalid
	ErrInvalidDomain = errors.New("invalid domain: must be valid domain name")
)

const (
	maxLabelLength    = 128
	maxRuleNameLength = 100
	maxOwnerLength    = 128

	// Domain name constraints (RFC 1035)
	maxDomainLength = 253
)

var (
	// Owner ids are opaque but must be safe to use as log fields and redis key parts
	ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._@+-]*$`)

	// RFC 1035 compliant domain name pattern
	// Labels: 1-63 chars, alphanumeric and hyphen, not starting/ending with hyphen
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Address checks that s is exactly one parseable mailbox address with a valid domain.
func Address(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return ErrInvalidAddress
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return ErrInvalidAddress
	}

	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ErrInvalidAddress
	}
	if err := Domain(addr.Address[at+1:]); err != nil {
		return ErrInvalidAddress
	}

	return nil
}

// Label checks a provider label name.
func Label(label string) error {
	if strings.TrimSpace(label) == "" || utf8.RuneCountInString(label) > maxLabelLength {
		return ErrInvalidLabel
	}
	for _, r := range label {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidLabel
		}
	}
	return nil
}

// RuleName checks a rule name.
func RuleName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxRuleNameLength {
		return ErrInvalidRuleName
	}
	return nil
}

// Owner checks an owner id.
func Owner(owner string) error {
	if len(owner) == 0 || len(owner) > maxOwnerLength {
		return ErrInvalidOwner
	}
	if !ownerPattern.MatchString(owner) {
		return ErrInvalidOwner
	}
	return nil
}

// Domain checks if a domain name is valid according to RFC 1035
func Domain(domain string) error {
	domain = strings.TrimSpace(strings.ToLower(domain))

	if len(domain) == 0 || len(domain) > maxDomainLength {
		return ErrInvalidDomain
	}

	if !domainPattern.MatchString(domain) {
		return ErrInvalidDomain
	}

	// Additional validation: check each label length (max 63 chars per RFC 1035)
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidDomain
		}
	}

	return nil
}
