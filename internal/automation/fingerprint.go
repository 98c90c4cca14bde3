package automation

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"
)

// occasionKeys names the payload fields identifying one occasion per trigger.
// Multiple keys are joined.
var occasionKeys = map[Trigger][]string{
	TriggerBookingConfirmed:  {"booking_id"},
	TriggerBookingReminder:   {"booking_id"},
	TriggerPostSale:          {"sale_id"},
	TriggerPostAppointment:   {"appointment_id"},
	TriggerTicketResolved:    {"ticket_id"},
	TriggerLeadStageChange:   {"lead_id", "stage"},
	TriggerLoyaltyTierChange: {"new_tier"},
	TriggerInactivity:        {"last_activity_at"},
}

// Occasion returns the key that tells two events of the same trigger and
// customer apart. Events with equal occasions run an automation once.
func Occasion(ev *Event) string {
	if ev.OccasionKey != "" {
		return ev.OccasionKey
	}

	day := ev.OccurredAt.UTC().Format(time.DateOnly)

	switch ev.Type {
	case TriggerWelcome:
		return "welcome"
	case TriggerBirthday, TriggerAnniversary:
		if d := payloadString(ev.Payload, "date"); d != "" {
			return d
		}
		return day
	case TriggerLoyaltyTierChange:
		if tier := payloadString(ev.Payload, "new_tier"); tier != "" {
			return tier + "|" + day
		}
	}

	if keys, ok := occasionKeys[ev.Type]; ok {
		var occasion string
		for i, k := range keys {
			v := payloadString(ev.Payload, k)
			if v == "" {
				occasion = ""
				break
			}
			if i > 0 {
				occasion += "|"
			}
			occasion += v
		}
		if occasion != "" {
			return occasion
		}
	}

	if ev.ID != "" {
		return ev.ID
	}
	return ev.OccurredAt.UTC().Format(time.RFC3339Nano)
}

// Fingerprint identifies one run of automationID for a customer and occasion.
// Each field is length-prefixed so no two field sets hash the same input.
func Fingerprint(automationID, customerID, occasion string) string {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, field := range []string{automationID, customerID, occasion} {
		binary.BigEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func payloadString(payload map[string]any, key string) string {
	v, ok := lookup(payload, key)
	if !ok || v == nil {
		return ""
	}
	return formatValue(v)
}

// formatValue prints JSON numbers without a trailing .0
func formatValue(v any) string {
	if f, isFloat := v.(float64); isFloat && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}
