// Package email provides address helpers shared by the email channel and the
// sender-domain settings.
package email

import (
	"net/mail"
	"strings"
)

// ExtractDomain returns the lower-cased domain of an address, with or without
// a display name. It returns "" for addresses without a usable domain.
func ExtractDomain(address string) string {
	if addr, err := mail.ParseAddress(address); err == nil {
		address = addr.Address
	}
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// ExtractDomainOrDefault is ExtractDomain with a fallback for invalid addresses
func ExtractDomainOrDefault(address, defaultDomain string) string {
	if domain := ExtractDomain(address); domain != "" {
		return domain
	}
	return defaultDomain
}
