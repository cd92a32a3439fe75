package refresher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"portfolio_daemon/provider"
	"portfolio_daemon/services/fundamentals"
	"portfolio_daemon/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

// fakeMarket serves canned provider responses per ticker. Tickers absent
// from all maps behave like unknown symbols: zero prices, no info.
type fakeMarket struct {
	fast       map[string]float64
	fastErr    map[string]error
	daily      map[string]float64
	dailyErr   map[string]error
	info       map[string]*provider.CompanyInfo
	infoErr    map[string]error
	statements map[string][]provider.Period

	fastCalls  []string
	dailyCalls []string
}

func (m *fakeMarket) FastPrice(_ context.Context, ticker string) (decimal.Decimal, error) {
	m.fastCalls = append(m.fastCalls, ticker)
	if err := m.fastErr[ticker]; err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(m.fast[ticker]), nil
}

func (m *fakeMarket) DailyClose(_ context.Context, ticker string) (decimal.Decimal, error) {
	m.dailyCalls = append(m.dailyCalls, ticker)
	if err := m.dailyErr[ticker]; err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(m.daily[ticker]), nil
}

func (m *fakeMarket) CompanyInfo(_ context.Context, ticker string) (*provider.CompanyInfo, error) {
	if err := m.infoErr[ticker]; err != nil {
		return nil, err
	}
	if info, ok := m.info[ticker]; ok {
		return info, nil
	}
	return &provider.CompanyInfo{}, nil
}

func (m *fakeMarket) Statements(_ context.Context, ticker string, _ provider.StatementKind) ([]provider.Period, error) {
	return m.statements[ticker], nil
}

func newTestRefresher(t *testing.T, market *fakeMarket) (*Refresher, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "portfolio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, market, fundamentals.NewUpserter(st, market)), st
}

func TestFetchBatchStoresSnapshotAndPrices(t *testing.T) {
	beta := 1.5
	market := &fakeMarket{
		fast: map[string]float64{"AAA": 101.5},
		info: map[string]*provider.CompanyInfo{
			"AAA": {
				Name:              "Alpha Corp",
				Currency:          "EUR",
				Sector:            "Technology",
				SharesOutstanding: 1000,
				MarketCap:         101500,
				Beta:              &beta,
			},
		},
		statements: map[string][]provider.Period{
			"AAA": {{EndDate: "2025-12-31", Fields: provider.Record{"Total Assets": fp(5000)}}},
		},
	}
	r, st := newTestRefresher(t, market)

	r.FetchBatch(context.Background(), []string{"AAA"})

	snap, err := st.GetStock("AAA")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "Alpha Corp", snap.Name)
	assert.Equal(t, "EUR", snap.Currency)
	assert.Equal(t, 101.5, snap.Price)
	assert.Equal(t, 101500.0, snap.MarketCap)
	require.NotNil(t, snap.Beta)
	assert.Equal(t, 1.5, *snap.Beta)
	// discount = 0.04 + 1.5 * (0.08 - 0.04)
	assert.InDelta(t, 0.10, snap.DiscountRate, 1e-9)
	assert.Equal(t, 0.03, snap.GrowthRate)
	assert.Equal(t, 0.21, snap.TaxRate)

	close, err := st.LatestPrice("AAA")
	require.NoError(t, err)
	assert.Equal(t, 101.5, close)

	rows, err := st.StatementRows("balance_sheet", "AAA")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestFetchBatchAppliesDefaults(t *testing.T) {
	market := &fakeMarket{
		fast: map[string]float64{"AAA": 20},
		info: map[string]*provider.CompanyInfo{
			"AAA": {SharesOutstanding: 500},
		},
	}
	r, st := newTestRefresher(t, market)

	r.FetchBatch(context.Background(), []string{"aaa"})

	snap, err := st.GetStock("AAA")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "AAA", snap.Name)
	assert.Equal(t, "USD", snap.Currency)
	// Market cap falls back to price x shares.
	assert.Equal(t, 10000.0, snap.MarketCap)
	// Missing beta stays NULL but counts as 1.0 in the discount rate.
	assert.Nil(t, snap.Beta)
	assert.InDelta(t, 0.08, snap.DiscountRate, 1e-9)
}

func TestFetchBatchFallsBackToDailyClose(t *testing.T) {
	market := &fakeMarket{
		fast:  map[string]float64{"AAA": 0},
		daily: map[string]float64{"AAA": 55.25},
	}
	r, st := newTestRefresher(t, market)

	r.FetchBatch(context.Background(), []string{"AAA"})

	close, err := st.LatestPrice("AAA")
	require.NoError(t, err)
	assert.Equal(t, 55.25, close)
	assert.Equal(t, []string{"AAA"}, market.dailyCalls)
}

func TestFetchBatchSkipsTickerWithoutPrice(t *testing.T) {
	// Scenario: AAA is healthy, BADTICKER yields no price on either path.
	market := &fakeMarket{
		fast: map[string]float64{"AAA": 10},
	}
	r, st := newTestRefresher(t, market)

	r.FetchBatch(context.Background(), []string{"AAA", "BADTICKER"})

	snap, err := st.GetStock("AAA")
	require.NoError(t, err)
	assert.NotNil(t, snap)

	snap, err = st.GetStock("BADTICKER")
	require.NoError(t, err)
	assert.Nil(t, snap)

	tickers, err := st.DistinctTickers()
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA"}, tickers)
}

func TestFetchBatchIsolatesTickerFailures(t *testing.T) {
	market := &fakeMarket{
		fast:     map[string]float64{"BBB": 30},
		fastErr:  map[string]error{"AAA": errors.New("connection reset")},
		dailyErr: map[string]error{"AAA": errors.New("connection reset")},
	}
	r, st := newTestRefresher(t, market)

	// AAA fails hard; BBB after it must still be processed.
	r.FetchBatch(context.Background(), []string{"AAA", "BBB"})

	snap, err := st.GetStock("BBB")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestFetchBatchPriceHistoryFirstWriteWins(t *testing.T) {
	market := &fakeMarket{fast: map[string]float64{"AAA": 10}}
	r, st := newTestRefresher(t, market)

	day := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return day }

	r.FetchBatch(context.Background(), []string{"AAA"})
	market.fast["AAA"] = 12
	r.FetchBatch(context.Background(), []string{"AAA"})

	// Latest price follows the second fetch; the day's history point keeps
	// the first.
	close, err := st.LatestPrice("AAA")
	require.NoError(t, err)
	assert.Equal(t, 12.0, close)

	histClose, err := st.HistoryClose("AAA", day)
	require.NoError(t, err)
	assert.Equal(t, 10.0, histClose)
}

func TestRefreshAllEmptyUniverseIsNoOp(t *testing.T) {
	market := &fakeMarket{}
	r, _ := newTestRefresher(t, market)

	r.RefreshAll(context.Background())

	assert.Empty(t, market.fastCalls)
}

func TestRefreshAllCoversTrackedUniverse(t *testing.T) {
	market := &fakeMarket{fast: map[string]float64{"AAA": 1, "BBB": 2}}
	r, st := newTestRefresher(t, market)

	now := time.Now()
	require.NoError(t, st.UpsertPrice("AAA", now, 1))
	require.NoError(t, st.UpsertPrice("BBB", now, 2))

	r.RefreshAll(context.Background())

	// Two tickers fit one batch; both get refreshed snapshots.
	assert.ElementsMatch(t, []string{"AAA", "BBB"}, market.fastCalls)
	for _, ticker := range []string{"AAA", "BBB"} {
		snap, err := st.GetStock(ticker)
		require.NoError(t, err)
		assert.NotNil(t, snap, ticker)
	}
}
