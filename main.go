package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"portfolio_daemon/config"
	"portfolio_daemon/daemon"
	"portfolio_daemon/provider"
	"portfolio_daemon/scheduler"
	"portfolio_daemon/services/fundamentals"
	"portfolio_daemon/services/refresher"
	"portfolio_daemon/store"
	"portfolio_daemon/symbols"
)

func main() {
	log.Println("==============================================")
	log.Println("  Portfolio Analytics Daemon - Starting...")
	log.Println("==============================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	// Schema initialization is idempotent: a no-op on an existing database.
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open portfolio database: %v", err)
	}
	defer st.Close()
	log.Printf("Portfolio database ready at %s", cfg.DBPath)

	tickers, err := store.OpenTickerDirectory(cfg.TickerDBPath)
	if err != nil {
		log.Fatalf("Failed to open ticker directory: %v", err)
	}
	defer tickers.Close()

	// One-time symbol ingestion; GUI ticker search needs it, the daemon
	// itself does not.
	ingester := symbols.NewIngester(cfg.ProviderTimeout)
	if err := ingester.EnsurePopulated(context.Background(), tickers); err != nil {
		log.Printf("Warning: symbol directory ingestion failed: %v", err)
	}

	market := provider.New(cfg.ProviderTimeout)
	upserter := fundamentals.NewUpserter(st, market)
	ref := refresher.New(st, market, upserter)

	maintenance := scheduler.New(st, tickers, ingester)
	maintenance.Start()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	daemon.New(st, ref).Run(ctx)

	maintenance.Stop()
	log.Println("Daemon shutdown completed")
}
