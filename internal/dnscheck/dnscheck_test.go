package dnscheck

import (
	"context"
	"net"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	records, ok := f[name]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return records, nil
}

func TestValidateDomain(t *testing.T) {
	tests := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"valid simple", "example.com", false},
		{"valid subdomain", "sub.example.com", false},
		{"valid with dash", "my-domain.com", false},
		{"empty", "", true},
		{"too long", string(make([]byte, 254)), true},
		{"invalid chars", "example!.com", true},
		{"starts with dash", "-example.com", true},
		{"double dot", "example..com", true},
		{"path injection", "../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDomain(tt.domain)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDomain(%q) error = %v, wantErr %v", tt.domain, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSelector(t *testing.T) {
	tests := []struct {
		name     string
		selector string
		wantErr  bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "key2024", false},
		{"valid with dash", "dkim-key", false},
		{"empty", "", true},
		{"too long", string(make([]byte, 64)), true},
		{"invalid chars", "selector!", true},
		{"path separator", "a/b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSelector(tt.selector)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSelector(%q) error = %v, wantErr %v", tt.selector, err, tt.wantErr)
			}
		})
	}
}

func TestCheckDomain(t *testing.T) {
	resolver := fakeResolver{
		"example.com":                    {"google-site-verification=x", "v=spf1 include:amazonses.com -all"},
		"default._domainkey.example.com": {"v=DKIM1; k=rsa; p=MIIBIj", "ANBgkq"},
		"_dmarc.example.com":             {"v=DMARC1; p=none; rua=mailto:d@example.com"},
	}

	result, err := New(resolver).CheckDomain(context.Background(), "example.com", "default", "v=DKIM1; k=rsa; p=MIIBIjANBgkq")
	if err != nil {
		t.Fatalf("CheckDomain() error = %v", err)
	}

	if len(result.Results) != 3 {
		t.Fatalf("len(Results) = %d, want 3", len(result.Results))
	}
	want := map[string]string{"SPF": StatusOK, "DKIM": StatusOK, "DMARC": StatusWarning}
	for _, r := range result.Results {
		if r.Status != want[r.Type] {
			t.Errorf("%s status = %s, want %s (%s)", r.Type, r.Status, want[r.Type], r.Message)
		}
	}
	if result.Summary.OK != 2 || result.Summary.Warnings != 1 {
		t.Errorf("Summary = %+v, want 2 ok 1 warning", result.Summary)
	}
}

func TestCheckDKIMMismatch(t *testing.T) {
	resolver := fakeResolver{"s1._domainkey.example.com": {"v=DKIM1; k=rsa; p=AAAA"}}

	r := New(resolver).CheckDKIM(context.Background(), "example.com", "s1", "v=DKIM1; k=rsa; p=BBBB")
	if r.Status != StatusError {
		t.Errorf("Status = %s, want %s", r.Status, StatusError)
	}
}

func TestCheckMissingRecords(t *testing.T) {
	c := New(fakeResolver{})

	result, err := c.CheckDomain(context.Background(), "example.com", "", "")
	if err != nil {
		t.Fatalf("CheckDomain() error = %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2 without a selector", len(result.Results))
	}
	if result.Summary.NotFound != 2 {
		t.Errorf("NotFound = %d, want 2", result.Summary.NotFound)
	}
}

func TestTagValue(t *testing.T) {
	if got := tagValue("v=DKIM1; k=rsa; p=AB CD", "p"); got != "ABCD" {
		t.Errorf("tagValue() = %q, want ABCD", got)
	}
	if got := tagValue("v=DMARC1", "p"); got != "" {
		t.Errorf("tagValue() = %q, want empty", got)
	}
}
