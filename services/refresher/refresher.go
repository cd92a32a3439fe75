package refresher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"portfolio_daemon/provider"
	"portfolio_daemon/services/fundamentals"
	"portfolio_daemon/store"

	"github.com/shopspring/decimal"
)

// BatchSize caps how many tickers one Batch Fetcher invocation handles.
const BatchSize = 50

// Capital-asset-pricing policy constants. These are fixed policy, not
// computed values.
const (
	riskFreeRate = 0.04
	marketReturn = 0.08
	growthRate   = 0.03
	taxRate      = 0.21
)

// MarketData is the upstream provider surface the refresher depends on.
type MarketData interface {
	FastPrice(ctx context.Context, ticker string) (decimal.Decimal, error)
	DailyClose(ctx context.Context, ticker string) (decimal.Decimal, error)
	CompanyInfo(ctx context.Context, ticker string) (*provider.CompanyInfo, error)
}

// Store is the persistence surface the refresher writes into.
type Store interface {
	UpsertStock(st *store.Stock) error
	UpsertPrice(ticker string, at time.Time, close float64) error
	InsertDailyClose(ticker string, day time.Time, close float64) error
	DistinctTickers() ([]string, error)
	Checkpoint() error
}

// Refresher resolves prices and metadata for batches of tickers and drives
// the statement upserter. Per-ticker failures are isolated: one bad ticker
// never halts the rest of a batch.
type Refresher struct {
	store        Store
	market       MarketData
	fundamentals *fundamentals.Upserter
	now          func() time.Time
}

// New creates a refresher over the given store and provider.
func New(st Store, market MarketData, f *fundamentals.Upserter) *Refresher {
	return &Refresher{
		store:        st,
		market:       market,
		fundamentals: f,
		now:          time.Now,
	}
}

// FetchBatch refreshes price, snapshot and statement data for each ticker in
// the batch, ticker by ticker. Failures are logged per ticker; writes for
// tickers already processed are never rolled back by a later failure.
func (r *Refresher) FetchBatch(ctx context.Context, tickers []string) {
	if len(tickers) == 0 {
		return
	}

	for _, ticker := range tickers {
		ticker = strings.ToUpper(strings.TrimSpace(ticker))
		if ticker == "" {
			continue
		}
		if err := r.fetchOne(ctx, ticker); err != nil {
			log.Printf("[ERROR] %s: %v", ticker, err)
		}
	}

	if err := r.store.Checkpoint(); err != nil {
		log.Printf("[CHECKPOINT] failed: %v", err)
	}
}

// fetchOne refreshes a single ticker. Returning an error marks the ticker as
// failed; a nil return with a [SKIP] log means no usable price existed.
func (r *Refresher) fetchOne(ctx context.Context, ticker string) error {
	price, err := r.market.FastPrice(ctx, ticker)
	if err != nil || price.IsZero() {
		price, err = r.market.DailyClose(ctx, ticker)
		if err != nil {
			return fmt.Errorf("daily close lookup failed: %w", err)
		}
	}
	if price.IsZero() {
		log.Printf("[SKIP] %s: no price data found", ticker)
		return nil
	}

	info, err := r.market.CompanyInfo(ctx, ticker)
	if err != nil {
		return fmt.Errorf("company info lookup failed: %w", err)
	}
	if info == nil {
		info = &provider.CompanyInfo{}
	}

	px := price.InexactFloat64()

	name := info.Name
	if name == "" {
		name = ticker
	}
	currency := info.Currency
	if currency == "" {
		currency = "USD"
	}
	marketCap := info.MarketCap
	if marketCap == 0 {
		marketCap = px * info.SharesOutstanding
	}
	beta := 1.0
	if info.Beta != nil {
		beta = *info.Beta
	}
	discountRate := riskFreeRate + beta*(marketReturn-riskFreeRate)

	snapshot := &store.Stock{
		Ticker:            ticker,
		Name:              name,
		Currency:          currency,
		Sector:            info.Sector,
		SharesOutstanding: info.SharesOutstanding,
		Price:             px,
		MarketCap:         marketCap,
		Beta:              info.Beta,
		GrowthRate:        growthRate,
		DiscountRate:      discountRate,
		TaxRate:           taxRate,
	}

	now := r.now()
	if err := r.store.UpsertStock(snapshot); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	if err := r.store.UpsertPrice(ticker, now, px); err != nil {
		return fmt.Errorf("failed to store price: %w", err)
	}
	if err := r.store.InsertDailyClose(ticker, now, px); err != nil {
		return fmt.Errorf("failed to store price history: %w", err)
	}

	log.Printf("[SYNC] %s: refreshing fundamentals...", ticker)
	r.fundamentals.Sync(ctx, ticker)

	log.Printf("[UPDATE] %s: %.2f %s", ticker, px, currency)
	return nil
}

// RefreshAll partitions the tracked universe into fixed-size batches and
// fetches them sequentially. An empty universe is a logged no-op.
func (r *Refresher) RefreshAll(ctx context.Context) {
	tickers, err := r.store.DistinctTickers()
	if err != nil {
		log.Printf("[REFRESH] failed to list tracked tickers: %v", err)
		return
	}
	if len(tickers) == 0 {
		log.Println("[REFRESH] no tickers in database yet")
		return
	}

	log.Printf("[REFRESH] refreshing %d tickers...", len(tickers))
	for i := 0; i < len(tickers); i += BatchSize {
		end := min(i+BatchSize, len(tickers))
		r.FetchBatch(ctx, tickers[i:end])
	}
}
