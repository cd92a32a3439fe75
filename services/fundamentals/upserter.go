package fundamentals

import (
	"context"
	"log"
	"math"

	"portfolio_daemon/provider"
)

// StatementStore persists normalized statement rows keyed by (ticker, date).
type StatementStore interface {
	UpsertStatementRow(table, ticker, date string, columns []string, values []float64) error
}

// StatementSource retrieves raw statement periods from the market-data
// provider.
type StatementSource interface {
	Statements(ctx context.Context, ticker string, kind provider.StatementKind) ([]provider.Period, error)
}

// statementSpec describes how one statement kind maps into its table.
type statementSpec struct {
	kind    provider.StatementKind
	table   string
	metrics []Metric
}

// statementSpecs declares the full normalization policy: per table, per
// column, the ordered fallback chain of provider field names.
var statementSpecs = []statementSpec{
	{
		kind:  provider.KindBalanceSheet,
		table: "balance_sheet",
		metrics: []Metric{
			{Column: "total_assets", Chain: Chain{"Total Assets"}},
			{Column: "total_liabilities", Chain: Chain{
				"Total Liabilities Net Minority Interest",
				"Total Non Current Liabilities Net Minority Interest",
			}},
			{Column: "total_debt", Chain: Chain{"Total Debt", "Long Term Debt"}},
			{Column: "total_cash", Chain: Chain{
				"Cash And Cash Equivalents",
				"Cash Cash Equivalents And Short Term Investments",
			}},
		},
	},
	{
		kind:  provider.KindIncome,
		table: "income_statement",
		metrics: []Metric{
			{Column: "ebit", Chain: Chain{"EBIT", "Operating Income"}},
			{Column: "ebitda", Chain: Chain{"EBITDA", "Operating Income"}},
			{Column: "net_income", Chain: Chain{"Net Income", "Net Income Continuous Operations"}},
			{Column: "total_revenue", Chain: Chain{"Total Revenue", "Operating Revenue"}},
		},
	},
	{
		kind:  provider.KindCashflow,
		table: "cashflow_statement",
		metrics: []Metric{
			{Column: "operating_cash_flow", Chain: Chain{
				"Operating Cash Flow",
				"Cash Flow From Continuing Operating Activities",
			}},
			{Column: "capital_expenditures", Chain: Chain{
				"Capital Expenditure",
				"Net PPE Purchase And Sale",
			}, Transform: math.Abs},
		},
	},
}

// Upserter turns raw provider statement periods into normalized, idempotent
// rows in the three statement tables.
type Upserter struct {
	store  StatementStore
	source StatementSource
}

// NewUpserter creates a statement upserter.
func NewUpserter(store StatementStore, source StatementSource) *Upserter {
	return &Upserter{store: store, source: source}
}

// Sync refreshes all three statement kinds for a ticker. A provider failure
// on one kind is logged and does not abort the others; an empty period list
// is a no-op.
func (u *Upserter) Sync(ctx context.Context, ticker string) {
	for _, spec := range statementSpecs {
		periods, err := u.source.Statements(ctx, ticker, spec.kind)
		if err != nil {
			log.Printf("[FUNDAMENTALS ERROR] %s: %s: %v", ticker, spec.kind, err)
			continue
		}
		if len(periods) == 0 {
			continue
		}
		u.syncKind(ticker, spec, periods)
	}
}

func (u *Upserter) syncKind(ticker string, spec statementSpec, periods []provider.Period) {
	columns := make([]string, len(spec.metrics))
	for i, m := range spec.metrics {
		columns[i] = m.Column
	}

	for _, p := range periods {
		if p.EndDate == "" {
			continue
		}
		values := make([]float64, len(spec.metrics))
		for i, m := range spec.metrics {
			values[i] = m.Value(p.Fields)
		}
		if err := u.store.UpsertStatementRow(spec.table, ticker, p.EndDate, columns, values); err != nil {
			log.Printf("[FUNDAMENTALS ERROR] %s: %s %s: %v", ticker, spec.table, p.EndDate, err)
		}
	}
}
