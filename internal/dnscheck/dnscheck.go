// Package dnscheck verifies the DNS records a tenant's sending domain needs
// for email to be accepted: SPF, the DKIM public key and DMARC.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Domain validation errors
var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid DKIM selector")
)

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid. Selectors follow the
// same rules as a domain label.
func ValidateSelector(selector string) error {
	if selector == "" || len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Resolver looks up TXT records; *net.Resolver satisfies it
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Status of a single check
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Checker runs the checks against a resolver
type Checker struct {
	resolver Resolver
}

// New creates a checker. A nil resolver uses net.DefaultResolver.
func New(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// CheckDomain checks SPF, DMARC and, when selector is set, the DKIM record.
// expectedDKIM is the record value the local key publishes; when non-empty the
// published public key must match it.
func (c *Checker) CheckDomain(ctx context.Context, domain, selector, expectedDKIM string) (*DomainCheckResult, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if selector != "" {
		if err := ValidateSelector(selector); err != nil {
			return nil, err
		}
	}

	result := &DomainCheckResult{Domain: domain}
	result.Results = append(result.Results, c.CheckSPF(ctx, domain))
	if selector != "" {
		result.Results = append(result.Results, c.CheckDKIM(ctx, domain, selector, expectedDKIM))
	}
	result.Results = append(result.Results, c.CheckDMARC(ctx, domain))

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}
	return result, nil
}

// lookup returns the joined TXT records of name, or a filled-in result when
// the lookup did not yield any
func (c *Checker) lookup(ctx context.Context, result *CheckResult) ([]string, bool) {
	records, err := c.resolver.LookupTXT(ctx, result.Name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = "No TXT record found"
			return nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return nil, false
	}
	if len(records) == 0 {
		result.Status = StatusNotFound
		result.Message = "No TXT record found"
		return nil, false
	}
	return records, true
}

// CheckSPF checks SPF record for a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF", Name: domain}

	records, ok := c.lookup(ctx, &result)
	if !ok {
		return result
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all (allows any sender)"
		case strings.Contains(txt, "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = "No SPF record found"
	return result
}

// CheckDKIM checks the DKIM record published for selector
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector, expected string) CheckResult {
	result := CheckResult{Type: "DKIM", Name: selector + "._domainkey." + domain}

	records, ok := c.lookup(ctx, &result)
	if !ok {
		return result
	}

	// Long keys are split across strings
	record := strings.Join(records, "")
	result.Value = truncate(record, 100)

	if !strings.Contains(record, "v=DKIM1") {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DKIM record"
		return result
	}

	published := tagValue(record, "p")
	if published == "" {
		result.Status = StatusWarning
		result.Message = "DKIM record has no public key (p=)"
		return result
	}
	if expected != "" && published != tagValue(expected, "p") {
		result.Status = StatusError
		result.Message = "Published key does not match the configured key"
		return result
	}

	result.Status = StatusOK
	result.Message = "DKIM key published"
	return result
}

// CheckDMARC checks DMARC record for a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC", Name: "_dmarc." + domain}

	records, ok := c.lookup(ctx, &result)
	if !ok {
		return result
	}

	record := strings.Join(records, "")
	result.Value = record
	if !strings.HasPrefix(record, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record is not a DMARC record"
		return result
	}

	result.Status = StatusOK
	switch tagValue(record, "p") {
	case "reject":
		result.Message = "DMARC configured with reject policy"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Status = StatusWarning
		result.Message = "DMARC configured with none policy (monitoring only)"
	}
	return result
}

// tagValue returns the value of tag in a "k=v; k=v" record
func tagValue(record, tag string) string {
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(k) == tag {
			return strings.Join(strings.Fields(v), "")
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
