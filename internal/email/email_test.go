package email

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		expected string
	}{
		{"simple", "user@example.com", "example.com"},
		{"with name", "Salon Ana <hola@salon-ana.es>", "salon-ana.es"},
		{"uppercase", "user@EXAMPLE.COM", "example.com"},
		{"subdomain", "user@mail.example.com", "mail.example.com"},
		{"invalid no at", "invalid", ""},
		{"empty before at", "@example.com", ""},
		{"empty after at", "user@", ""},
		{"empty", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractDomain(tc.address); got != tc.expected {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tc.address, got, tc.expected)
			}
		})
	}
}

func TestExtractDomainOrDefault(t *testing.T) {
	if got := ExtractDomainOrDefault("invalid", "localhost"); got != "localhost" {
		t.Errorf("ExtractDomainOrDefault() = %q, want localhost", got)
	}
	if got := ExtractDomainOrDefault("a@b.com", "localhost"); got != "b.com" {
		t.Errorf("ExtractDomainOrDefault() = %q, want b.com", got)
	}
}
