package automation

import (
	"testing"
	"time"
)

func TestOccasion(t *testing.T) {
	at := time.Date(2024, 6, 1, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"explicit key", Event{Type: TriggerPostSale, OccasionKey: "k1", Payload: map[string]any{"sale_id": "S-1"}}, "k1"},
		{"sale", Event{Type: TriggerPostSale, Payload: map[string]any{"sale_id": "S-1"}}, "S-1"},
		{"numeric booking", Event{Type: TriggerBookingConfirmed, Payload: map[string]any{"booking_id": 1234.0}}, "1234"},
		{"lead stage", Event{Type: TriggerLeadStageChange, Payload: map[string]any{"lead_id": "L1", "stage": "won"}}, "L1|won"},
		{"tier change", Event{Type: TriggerLoyaltyTierChange, OccurredAt: at, Payload: map[string]any{"new_tier": "gold"}}, "gold|2024-06-01"},
		{"birthday", Event{Type: TriggerBirthday, OccurredAt: at}, "2024-06-01"},
		{"birthday date", Event{Type: TriggerBirthday, OccurredAt: at, Payload: map[string]any{"date": "2024-06-02"}}, "2024-06-02"},
		{"inactivity", Event{Type: TriggerInactivity, Payload: map[string]any{"last_activity_at": "2024-01-01"}}, "2024-01-01"},
		{"welcome", Event{Type: TriggerWelcome, OccurredAt: at}, "welcome"},
		{"missing key uses event id", Event{ID: "ev-9", Type: TriggerPostSale}, "ev-9"},
		{"custom without id", Event{Type: TriggerCustom, OccurredAt: at}, "2024-06-01T15:30:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Occasion(&tt.ev); got != tt.want {
				t.Errorf("Occasion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("auto-1", "cust-1", "S-1")

	if len(a) != 64 {
		t.Errorf("len(Fingerprint()) = %d, want 64", len(a))
	}
	if a != Fingerprint("auto-1", "cust-1", "S-1") {
		t.Error("Fingerprint() is not stable")
	}
	for _, other := range []string{
		Fingerprint("auto-2", "cust-1", "S-1"),
		Fingerprint("auto-1", "cust-2", "S-1"),
		Fingerprint("auto-1", "cust-1", "S-2"),
		Fingerprint("auto-1|cust-1", "", "S-1"),
	} {
		if other == a {
			t.Errorf("Fingerprint() collision: %s", other)
		}
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	tests := []struct {
		name string
		a, b [3]string
	}{
		{"separator in customer", [3]string{"auto-1", "c1|x", "y"}, [3]string{"auto-1", "c1", "x|y"}},
		{"shifted boundary", [3]string{"auto-1", "c1x", "y"}, [3]string{"auto-1", "c1", "xy"}},
		{"empty fields", [3]string{"auto-1", "", "c1"}, [3]string{"auto-1", "c1", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := Fingerprint(tt.a[0], tt.a[1], tt.a[2])
			fb := Fingerprint(tt.b[0], tt.b[1], tt.b[2])
			if fa == fb {
				t.Errorf("Fingerprint(%q) == Fingerprint(%q)", tt.a, tt.b)
			}
		})
	}
}

func TestBindings(t *testing.T) {
	exec := &Execution{
		CustomerID: "cust-1",
		TriggerData: map[string]any{
			"name":    "Ana",
			"total":   42.0,
			"paid":    true,
			"items":   []any{"a"},
			"address": map[string]any{"city": "Madrid"},
		},
	}

	got := Bindings(exec)
	want := map[string]string{
		"customer_id":   "cust-1",
		"name":          "Ana",
		"customer_name": "Ana",
		"total":         "42",
		"paid":          "true",
	}
	if len(got) != len(want) {
		t.Errorf("Bindings() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Bindings()[%q] = %q, want %q", k, got[k], v)
		}
	}
}
