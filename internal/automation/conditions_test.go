package automation

import "testing"

func TestMatch(t *testing.T) {
	payload := map[string]any{
		"total":  150.0,
		"tier":   "gold",
		"count":  "3",
		"tags":   []any{"vip", "newsletter"},
		"note":   "asked for a callback",
		"empty":  nil,
		"nested": map[string]any{"stage": "won"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "tier", Op: OpEq, Value: "gold"}, true},
		{"eq number and string", Condition{Field: "count", Op: OpEq, Value: 3}, true},
		{"neq", Condition{Field: "tier", Op: OpNeq, Value: "silver"}, true},
		{"neq missing field", Condition{Field: "absent", Op: OpNeq, Value: "x"}, true},
		{"gt", Condition{Field: "total", Op: OpGt, Value: 100}, true},
		{"gt equal", Condition{Field: "total", Op: OpGt, Value: 150}, false},
		{"gte", Condition{Field: "total", Op: OpGte, Value: 150}, true},
		{"lt", Condition{Field: "total", Op: OpLt, Value: 100}, false},
		{"lte", Condition{Field: "total", Op: OpLte, Value: 150.0}, true},
		{"lt strings", Condition{Field: "tier", Op: OpLt, Value: "silver"}, true},
		{"gt mixed types", Condition{Field: "tier", Op: OpGt, Value: 1}, false},
		{"in", Condition{Field: "tier", Op: OpIn, Value: []any{"gold", "platinum"}}, true},
		{"in typed slice", Condition{Field: "tier", Op: OpIn, Value: []string{"silver"}}, false},
		{"contains list", Condition{Field: "tags", Op: OpContains, Value: "vip"}, true},
		{"contains substring", Condition{Field: "note", Op: OpContains, Value: "callback"}, true},
		{"contains missing", Condition{Field: "note", Op: OpContains, Value: "refund"}, false},
		{"exists", Condition{Field: "tier", Op: OpExists}, true},
		{"exists nil", Condition{Field: "empty", Op: OpExists}, false},
		{"exists false", Condition{Field: "absent", Op: OpExists, Value: false}, true},
		{"nested path", Condition{Field: "nested.stage", Op: OpEq, Value: "won"}, true},
		{"missing field", Condition{Field: "absent", Op: OpEq, Value: "x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match([]Condition{tt.cond}, payload); got != tt.want {
				t.Errorf("Match(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestMatchAllConditions(t *testing.T) {
	payload := map[string]any{"total": 80.0, "tier": "gold"}

	if !Match(nil, payload) {
		t.Error("Match() with no conditions = false, want true")
	}

	conds := []Condition{
		{Field: "tier", Op: OpEq, Value: "gold"},
		{Field: "total", Op: OpGt, Value: 100},
	}
	if Match(conds, payload) {
		t.Error("Match() = true with one failing condition")
	}
}
