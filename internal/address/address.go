// Package address validates and normalizes e-mail addresses at the pipeline
// boundaries. Syntax checking is deliberately local: no deliverability or DNS
// lookups happen here.
package address

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RFC 5321 length limits.
const (
	maxAddressLength   = 254
	maxLocalPartLength = 64
	maxDomainLength    = 255
)

// Normalize returns the canonical form of an address: NFC-normalized,
// trimmed, with the domain lowered. The local part's case is preserved.
func Normalize(addr string) string {
	addr = strings.TrimSpace(norm.NFC.String(addr))

	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}

	return addr[:at+1] + strings.ToLower(addr[at+1:])
}

// Validate checks an address for RFC 5322 syntax and RFC 5321 length limits.
func Validate(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if len(addr) > maxAddressLength {
		return fmt.Errorf("address exceeds %d octets", maxAddressLength)
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}

	// ParseAddress accepts display names; the pipeline carries bare addresses.
	if parsed.Address != addr {
		return fmt.Errorf("invalid address %q: display names not accepted", addr)
	}

	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return fmt.Errorf("invalid address %q: missing local part or domain", addr)
	}
	if at > maxLocalPartLength {
		return fmt.Errorf("invalid address %q: local part exceeds %d octets", addr, maxLocalPartLength)
	}

	domain := parsed.Address[at+1:]
	if len(domain) > maxDomainLength {
		return fmt.Errorf("invalid address %q: domain exceeds %d octets", addr, maxDomainLength)
	}
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("invalid address %q: domain %q is not qualified", addr, domain)
	}

	return nil
}

// Domain extracts the domain part of an address.
func Domain(addr string) (string, error) {
	if err := Validate(addr); err != nil {
		return "", err
	}

	at := strings.LastIndex(addr, "@")
	return strings.ToLower(strings.TrimSpace(addr[at+1:])), nil
}
