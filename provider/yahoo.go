package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// statement history window requested from the timeseries endpoint
const statementYears = 5

// Client talks to the Yahoo Finance public endpoints: chart for prices,
// quoteSummary for descriptive metadata and fundamentals-timeseries for
// statement rows.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a provider client with the given request timeout.
func New(timeout time.Duration) *Client {
	return NewWithBaseURL(defaultBaseURL, timeout)
}

// NewWithBaseURL creates a client against a specific endpoint host. Tests
// point this at a local server.
func NewWithBaseURL(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type apiError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// rawValue is Yahoo's {raw, fmt} number wrapper.
type rawValue struct {
	Raw *float64 `json:"raw"`
	Fmt string   `json:"fmt"`
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *apiError `json:"error"`
	} `json:"chart"`
}

// FastPrice returns the current market price from the chart metadata, the
// cheap path. A zero price with nil error means the provider had no usable
// quote; callers fall back to DailyClose.
func (c *Client) FastPrice(ctx context.Context, ticker string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=1d&interval=1d", c.baseURL, url.PathEscape(ticker))

	var resp chartResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("chart error for %s: %s", ticker, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 {
		return decimal.Zero, fmt.Errorf("no chart data for %s", ticker)
	}

	return decimal.NewFromFloat(resp.Chart.Result[0].Meta.RegularMarketPrice), nil
}

// DailyClose returns the most recent daily closing price. A zero price with
// nil error means the series was empty.
func (c *Client) DailyClose(ctx context.Context, ticker string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?range=5d&interval=1d", c.baseURL, url.PathEscape(ticker))

	var resp chartResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	if resp.Chart.Error != nil {
		return decimal.Zero, fmt.Errorf("chart error for %s: %s", ticker, resp.Chart.Error.Description)
	}
	if len(resp.Chart.Result) == 0 || len(resp.Chart.Result[0].Indicators.Quote) == 0 {
		return decimal.Zero, nil
	}

	closes := resp.Chart.Result[0].Indicators.Quote[0].Close
	for i := len(closes) - 1; i >= 0; i-- {
		if closes[i] != nil {
			return decimal.NewFromFloat(*closes[i]), nil
		}
	}

	return decimal.Zero, nil
}

// CompanyInfo is the descriptive and valuation metadata for a ticker.
// Beta is nil when the provider does not report one.
type CompanyInfo struct {
	Name              string
	Currency          string
	Sector            string
	SharesOutstanding float64
	MarketCap         float64
	Beta              *float64
}

type quoteSummaryResponse struct {
	QuoteSummary struct {
		Result []struct {
			Price struct {
				ShortName string   `json:"shortName"`
				Currency  string   `json:"currency"`
				MarketCap rawValue `json:"marketCap"`
			} `json:"price"`
			SummaryProfile struct {
				Sector string `json:"sector"`
			} `json:"summaryProfile"`
			DefaultKeyStatistics struct {
				SharesOutstanding rawValue `json:"sharesOutstanding"`
				Beta              rawValue `json:"beta"`
			} `json:"defaultKeyStatistics"`
		} `json:"result"`
		Error *apiError `json:"error"`
	} `json:"quoteSummary"`
}

// CompanyInfo fetches name, currency, sector, shares outstanding, market cap
// and beta for a ticker. Missing fields come back as zero values.
func (c *Client) CompanyInfo(ctx context.Context, ticker string) (*CompanyInfo, error) {
	endpoint := fmt.Sprintf(
		"%s/v10/finance/quoteSummary/%s?modules=price,summaryProfile,defaultKeyStatistics",
		c.baseURL, url.PathEscape(ticker))

	var resp quoteSummaryResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.QuoteSummary.Error != nil {
		return nil, fmt.Errorf("quoteSummary error for %s: %s", ticker, resp.QuoteSummary.Error.Description)
	}
	if len(resp.QuoteSummary.Result) == 0 {
		return nil, fmt.Errorf("no summary data for %s", ticker)
	}

	r := resp.QuoteSummary.Result[0]
	info := &CompanyInfo{
		Name:     r.Price.ShortName,
		Currency: r.Price.Currency,
		Sector:   r.SummaryProfile.Sector,
	}
	if r.Price.MarketCap.Raw != nil {
		info.MarketCap = *r.Price.MarketCap.Raw
	}
	if r.DefaultKeyStatistics.SharesOutstanding.Raw != nil {
		info.SharesOutstanding = *r.DefaultKeyStatistics.SharesOutstanding.Raw
	}
	if r.DefaultKeyStatistics.Beta.Raw != nil {
		beta := *r.DefaultKeyStatistics.Beta.Raw
		info.Beta = &beta
	}

	return info, nil
}

// timeseriesTypes lists the annual figures requested per statement kind.
// The names cover every field the normalizer's fallback chains can ask for.
var timeseriesTypes = map[StatementKind][]string{
	KindBalanceSheet: {
		"annualTotalAssets",
		"annualTotalLiabilitiesNetMinorityInterest",
		"annualTotalNonCurrentLiabilitiesNetMinorityInterest",
		"annualTotalDebt",
		"annualLongTermDebt",
		"annualCashAndCashEquivalents",
		"annualCashCashEquivalentsAndShortTermInvestments",
	},
	KindIncome: {
		"annualEBIT",
		"annualEBITDA",
		"annualOperatingIncome",
		"annualNetIncome",
		"annualNetIncomeContinuousOperations",
		"annualTotalRevenue",
		"annualOperatingRevenue",
	},
	KindCashflow: {
		"annualOperatingCashFlow",
		"annualCashFlowFromContinuingOperatingActivities",
		"annualCapitalExpenditure",
		"annualNetPPEPurchaseAndSale",
	},
}

type timeseriesResponse struct {
	Timeseries struct {
		Result []map[string]json.RawMessage `json:"result"`
		Error  *apiError                    `json:"error"`
	} `json:"timeseries"`
}

type timeseriesMeta struct {
	Type []string `json:"type"`
}

type timeseriesPoint struct {
	AsOfDate      string `json:"asOfDate"`
	ReportedValue *struct {
		Raw *float64 `json:"raw"`
	} `json:"reportedValue"`
}

// Statements fetches the annual reporting periods of one statement kind and
// pivots the per-type series into one Record per period end date, keyed by
// display label. Periods come back sorted by end date ascending.
func (c *Client) Statements(ctx context.Context, ticker string, kind StatementKind) ([]Period, error) {
	types, ok := timeseriesTypes[kind]
	if !ok {
		return nil, fmt.Errorf("unknown statement kind %q", kind)
	}

	now := time.Now()
	endpoint := fmt.Sprintf(
		"%s/ws/fundamentals-timeseries/v1/finance/timeseries/%s?type=%s&period1=%d&period2=%d&merge=false&padTimeSeries=false",
		c.baseURL, url.PathEscape(ticker), strings.Join(types, ","),
		now.AddDate(-statementYears, 0, 0).Unix(), now.Unix())

	var resp timeseriesResponse
	if err := c.get(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	if resp.Timeseries.Error != nil {
		return nil, fmt.Errorf("timeseries error for %s: %s", ticker, resp.Timeseries.Error.Description)
	}

	byDate := make(map[string]Record)
	for _, result := range resp.Timeseries.Result {
		rawMeta, ok := result["meta"]
		if !ok {
			continue
		}
		var meta timeseriesMeta
		if err := json.Unmarshal(rawMeta, &meta); err != nil || len(meta.Type) == 0 {
			continue
		}

		typ := meta.Type[0]
		rawPoints, ok := result[typ]
		if !ok {
			continue
		}
		var points []*timeseriesPoint
		if err := json.Unmarshal(rawPoints, &points); err != nil {
			return nil, fmt.Errorf("failed to parse %s series for %s: %w", typ, ticker, err)
		}

		label := displayLabel(typ)
		for _, p := range points {
			if p == nil || p.AsOfDate == "" {
				continue
			}
			rec, ok := byDate[p.AsOfDate]
			if !ok {
				rec = make(Record)
				byDate[p.AsOfDate] = rec
			}
			if p.ReportedValue != nil {
				rec[label] = p.ReportedValue.Raw
			} else {
				rec[label] = nil
			}
		}
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	periods := make([]Period, 0, len(dates))
	for _, d := range dates {
		periods = append(periods, Period{EndDate: d, Fields: byDate[d]})
	}

	return periods, nil
}

// get performs a GET request and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider error (status %d): %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}
