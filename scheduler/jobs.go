// Package scheduler runs background maintenance jobs outside the refresh
// loop: WAL compaction and symbol-directory refresh. Job failures are logged
// and never affect the daemon.
package scheduler

import (
	"context"
	"log"
	"time"

	"portfolio_daemon/store"
	"portfolio_daemon/symbols"

	"github.com/go-co-op/gocron"
)

// Scheduler manages the maintenance jobs.
type Scheduler struct {
	cron     *gocron.Scheduler
	store    *store.Store
	tickers  *store.TickerDirectory
	ingester *symbols.Ingester
}

// New creates a maintenance scheduler over the store and ticker directory.
func New(st *store.Store, tickers *store.TickerDirectory, ingester *symbols.Ingester) *Scheduler {
	return &Scheduler{
		cron:     gocron.NewScheduler(time.UTC),
		store:    st,
		tickers:  tickers,
		ingester: ingester,
	}
}

// Start registers and starts all maintenance jobs.
func (s *Scheduler) Start() {
	log.Println("Starting maintenance scheduler...")

	// Compact the WAL nightly so long-running external readers keep seeing
	// a small database file.
	s.cron.Every(1).Day().At("01:00").Do(func() {
		s.checkpoint()
	})

	// Listings change rarely; a weekly directory rebuild is enough.
	s.cron.Every(1).Week().Sunday().At("02:00").Do(func() {
		s.refreshSymbols()
	})

	s.cron.StartAsync()
	log.Println("Maintenance scheduler started")
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Maintenance scheduler stopped")
}

func (s *Scheduler) checkpoint() {
	log.Println("Running WAL checkpoint...")
	if err := s.store.Checkpoint(); err != nil {
		log.Printf("Error running WAL checkpoint: %v", err)
	}
}

func (s *Scheduler) refreshSymbols() {
	log.Println("Refreshing symbol directory...")
	count, err := s.ingester.Refresh(context.Background(), s.tickers)
	if err != nil {
		log.Printf("Error refreshing symbol directory: %v", err)
		return
	}
	log.Printf("Symbol directory refreshed: %d entries", count)
}
