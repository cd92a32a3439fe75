// Package daemon runs the top-level refresh loop: on-demand update requests
// take priority over the periodic full refresh, and the poll interval backs
// off exponentially while idle.
package daemon

import (
	"context"
	"log"
	"strings"
	"time"

	"portfolio_daemon/store"
)

// Scheduling policy. Requests reset the poll interval to its minimum; idle
// iterations multiply it by the backoff factor up to the idle maximum.
const (
	pollMin         = 200 * time.Millisecond
	pollMax         = 5 * time.Second
	backoffFactor   = 1.5
	refreshInterval = 5 * time.Minute
)

// Queue is the update-request surface of the store. The daemon is the sole
// consumer: requests are deleted before processing, giving at-most-once
// delivery.
type Queue interface {
	PendingRequests() ([]store.UpdateRequest, error)
	DeleteRequests(ids []int64) error
}

// Refresher drives batch fetching, either for requested tickers or across
// the whole tracked universe.
type Refresher interface {
	FetchBatch(ctx context.Context, tickers []string)
	RefreshAll(ctx context.Context)
}

// Daemon is the background refresh process. Clock and sleep are injectable
// so the backoff policy is testable without real time.
type Daemon struct {
	queue     Queue
	refresher Refresher
	now       func() time.Time
	sleep     func(time.Duration)
}

// New creates a daemon over the given queue and refresher.
func New(queue Queue, refresher Refresher) *Daemon {
	return &Daemon{
		queue:     queue,
		refresher: refresher,
		now:       time.Now,
		sleep:     time.Sleep,
	}
}

// state carries the loop's scheduling variables between iterations.
type state struct {
	lastRefresh time.Time
	interval    time.Duration
}

// Run performs one full refresh and then loops until ctx is cancelled.
// Cancellation is only observed between iterations; a batch in flight runs
// to completion.
func (d *Daemon) Run(ctx context.Context) {
	log.Println("[INIT] starting daemon...")

	d.refresher.RefreshAll(ctx)
	st := state{lastRefresh: d.now(), interval: pollMin}

	for {
		select {
		case <-ctx.Done():
			log.Println("[INIT] daemon stopped")
			return
		default:
		}

		st = d.step(ctx, st)
		d.sleep(st.interval)
	}
}

// step makes one scheduling decision and returns the next state. Pending
// requests win over the periodic refresh; with nothing to do the poll
// interval backs off toward its idle maximum.
func (d *Daemon) step(ctx context.Context, st state) state {
	requests, err := d.queue.PendingRequests()
	if err != nil {
		// Store trouble is fatal for this iteration only; the next loop
		// iteration retries.
		log.Printf("[QUEUE] failed to read update requests: %v", err)
		return st
	}

	if len(requests) > 0 {
		ids := make([]int64, len(requests))
		tickers := make([]string, len(requests))
		for i, req := range requests {
			ids[i] = req.ID
			tickers[i] = req.Ticker
		}

		// Delete before fetching: a crash mid-fetch must not replay the
		// requests on restart.
		if err := d.queue.DeleteRequests(ids); err != nil {
			log.Printf("[QUEUE] failed to dequeue requests: %v", err)
			return st
		}

		st.interval = pollMin
		log.Printf("[WAKE] processing %d request(s): %s", len(tickers), strings.Join(tickers, ", "))
		d.refresher.FetchBatch(ctx, tickers)
		return st
	}

	if d.now().Sub(st.lastRefresh) >= refreshInterval {
		d.refresher.RefreshAll(ctx)
		st.lastRefresh = d.now()
		return st
	}

	next := time.Duration(float64(st.interval) * backoffFactor)
	if next > pollMax {
		next = pollMax
	}
	st.interval = next
	return st
}
