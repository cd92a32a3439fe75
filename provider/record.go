package provider

import (
	"strings"
	"unicode"
)

// Record is one reporting period's raw field set keyed by the provider's
// display label (e.g. "Total Assets"). A nil value means the provider
// reported the field but its value was null.
type Record map[string]*float64

// Period is one reporting period of a financial statement.
type Period struct {
	EndDate string // YYYY-MM-DD
	Fields  Record
}

// StatementKind identifies one of the three financial statement tables.
type StatementKind string

const (
	KindBalanceSheet StatementKind = "balance-sheet"
	KindIncome       StatementKind = "income"
	KindCashflow     StatementKind = "cashflow"
)

// displayLabel converts a timeseries type name like
// "annualTotalLiabilitiesNetMinorityInterest" into the spaced display label
// "Total Liabilities Net Minority Interest". Acronym runs stay intact
// ("annualEBIT" -> "EBIT", "annualNetPPEPurchaseAndSale" ->
// "Net PPE Purchase And Sale").
func displayLabel(typ string) string {
	for _, prefix := range []string{"annual", "quarterly", "trailing"} {
		if strings.HasPrefix(typ, prefix) {
			typ = typ[len(prefix):]
			break
		}
	}

	runes := []rune(typ)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				b.WriteRune(' ')
			}
		}
		b.WriteRune(r)
	}

	return b.String()
}
