package fundamentals

import (
	"strings"

	"portfolio_daemon/provider"
)

// Chain is an ordered list of alternate provider field names tried in
// sequence until one resolves to a present, non-null value.
type Chain []string

// Resolve returns the value of the first chain entry present and non-null in
// rec, or def when none resolves. Field names are compared with surrounding
// whitespace trimmed on both sides of the lookup. Absence is never an error.
func Resolve(rec provider.Record, chain Chain, def float64) float64 {
	if len(rec) == 0 {
		return def
	}

	trimmed := make(map[string]*float64, len(rec))
	for name, value := range rec {
		trimmed[strings.TrimSpace(name)] = value
	}

	for _, name := range chain {
		if value, ok := trimmed[strings.TrimSpace(name)]; ok && value != nil {
			return *value
		}
	}

	return def
}

// Metric binds one statement column to its fallback chain. Transform, when
// set, is applied to the resolved value before persistence.
type Metric struct {
	Column    string
	Chain     Chain
	Default   float64
	Transform func(float64) float64
}

// Value resolves the metric against one period's record.
func (m Metric) Value(rec provider.Record) float64 {
	v := Resolve(rec, m.Chain, m.Default)
	if m.Transform != nil {
		v = m.Transform(v)
	}
	return v
}
