// Package symbols builds the searchable ticker directory from the NASDAQ
// symbol directory files (NASDAQ + NYSE/AMEX listings). It runs once at
// startup when the directory is empty and again on a maintenance schedule.
package symbols

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"portfolio_daemon/store"
)

const (
	nasdaqListedURL = "https://www.nasdaqtrader.com/dynamic/SymDir/nasdaqlisted.txt"
	otherListedURL  = "https://www.nasdaqtrader.com/dynamic/SymDir/otherlisted.txt"
)

// Corporate suffixes stripped from company names so search matches the part
// people actually type.
var corpStopwords = map[string]bool{
	"INC": true, "INCORPORATED": true, "CORP": true, "CORPORATION": true,
	"TECH": true, "TECHNOLOGY": true, "TECHNOLOGIES": true,
	"COMPANY": true, "CO": true, "GROUP": true, "HOLDINGS": true,
	"LIMITED": true, "LTD": true, "COMMUNICATIONS": true, "COMMUNICATION": true,
	"SYSTEMS": true, "PLC": true, "SA": true, "LLC": true, "COMMON": true,
	"STOCK": true, "SHARES": true,
}

var multiWordPhrases = []string{
	"CLASS A", "CLASS B", "CLASS C",
	"COMMON STOCK", "PREFERRED STOCK",
	"WARRANTS", "WARRANT",
}

var (
	nonAlnumSpace = regexp.MustCompile(`[^A-Z0-9 ]`)
	multiSpace    = regexp.MustCompile(`\s+`)
	alphaTicker   = regexp.MustCompile(`^[A-Z]+$`)
)

// CleanCompanyName uppercases a security name and strips punctuation,
// share-class phrases and corporate suffixes.
func CleanCompanyName(name string) string {
	name = strings.ToUpper(name)
	name = nonAlnumSpace.ReplaceAllString(name, " ")

	for _, phrase := range multiWordPhrases {
		name = strings.ReplaceAll(name, phrase, " ")
	}

	var kept []string
	for _, token := range strings.Fields(name) {
		if !corpStopwords[token] {
			kept = append(kept, token)
		}
	}

	return multiSpace.ReplaceAllString(strings.Join(kept, " "), " ")
}

// Ingester downloads and cleans the exchange symbol directories.
type Ingester struct {
	httpClient *http.Client
	listedURL  string
	otherURL   string
}

// NewIngester creates an ingester with the given request timeout.
func NewIngester(timeout time.Duration) *Ingester {
	return &Ingester{
		httpClient: &http.Client{Timeout: timeout},
		listedURL:  nasdaqListedURL,
		otherURL:   otherListedURL,
	}
}

// NewIngesterWithURLs creates an ingester against specific directory URLs.
// Tests point these at a local server.
func NewIngesterWithURLs(listedURL, otherURL string, timeout time.Duration) *Ingester {
	return &Ingester{
		httpClient: &http.Client{Timeout: timeout},
		listedURL:  listedURL,
		otherURL:   otherURL,
	}
}

// Fetch downloads both directory files and returns the merged, cleaned and
// deduplicated entries: alphabetic tickers with non-empty cleaned names.
func (g *Ingester) Fetch(ctx context.Context) ([]store.TickerEntry, error) {
	first, err := g.fetchFile(ctx, g.listedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NASDAQ listings: %w", err)
	}
	second, err := g.fetchFile(ctx, g.otherURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch NYSE/AMEX listings: %w", err)
	}

	seen := make(map[string]bool)
	var entries []store.TickerEntry
	for _, e := range append(first, second...) {
		ticker := strings.ToUpper(strings.TrimSpace(e.Ticker))
		if !alphaTicker.MatchString(ticker) || seen[ticker] {
			continue
		}
		company := CleanCompanyName(e.Company)
		if company == "" {
			continue
		}
		seen[ticker] = true
		entries = append(entries, store.TickerEntry{Ticker: ticker, Company: company})
	}

	return entries, nil
}

// fetchFile downloads one pipe-separated symbol directory file.
func (g *Ingester) fetchFile(ctx context.Context, fileURL string) ([]store.TickerEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, fileURL)
	}

	scanner := bufio.NewScanner(resp.Body)

	// Header names the symbol column "Symbol" (NASDAQ) or "ACT Symbol"
	// (other listings); the name column is "Security Name" in both.
	tickerCol, nameCol := -1, -1
	if scanner.Scan() {
		for i, col := range strings.Split(scanner.Text(), "|") {
			switch strings.TrimSpace(col) {
			case "Symbol", "ACT Symbol":
				tickerCol = i
			case "Security Name":
				nameCol = i
			}
		}
	}
	if tickerCol < 0 || nameCol < 0 {
		return nil, fmt.Errorf("unrecognized header in %s", fileURL)
	}

	var entries []store.TickerEntry
	for scanner.Scan() {
		line := scanner.Text()
		// The last line is a "File Creation Time" trailer.
		if strings.HasPrefix(line, "File Creation Time") {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) <= tickerCol || len(fields) <= nameCol {
			continue
		}
		entries = append(entries, store.TickerEntry{
			Ticker:  fields[tickerCol],
			Company: fields[nameCol],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read directory file: %w", err)
	}

	return entries, nil
}

// Refresh downloads the directory and replaces the contents of dir.
func (g *Ingester) Refresh(ctx context.Context, dir *store.TickerDirectory) (int, error) {
	entries, err := g.Fetch(ctx)
	if err != nil {
		return 0, err
	}

	log.Printf("[CLEAN] %d valid tickers after cleaning", len(entries))
	if err := dir.ReplaceAll(entries); err != nil {
		return 0, fmt.Errorf("failed to store ticker directory: %w", err)
	}

	return len(entries), nil
}

// EnsurePopulated runs the one-time ingestion when the directory is empty
// and is a no-op otherwise.
func (g *Ingester) EnsurePopulated(ctx context.Context, dir *store.TickerDirectory) error {
	count, err := dir.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		log.Printf("[DB] ticker directory already populated (%d entries), skipping ingestion", count)
		return nil
	}

	inserted, err := g.Refresh(ctx, dir)
	if err != nil {
		return err
	}
	log.Printf("[DB] inserted %d tickers into directory", inserted)
	return nil
}
