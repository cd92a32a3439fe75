package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"portfolio_daemon/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	pending []store.UpdateRequest
	err     error
	deleted [][]int64
}

func (q *fakeQueue) PendingRequests() ([]store.UpdateRequest, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.pending, nil
}

func (q *fakeQueue) DeleteRequests(ids []int64) error {
	q.deleted = append(q.deleted, ids)
	q.pending = nil
	return nil
}

type fakeRefresher struct {
	batches  [][]string
	refreshN int
}

func (r *fakeRefresher) FetchBatch(_ context.Context, tickers []string) {
	r.batches = append(r.batches, tickers)
}

func (r *fakeRefresher) RefreshAll(context.Context) {
	r.refreshN++
}

func newTestDaemon(queue Queue, refresher Refresher, at time.Time) *Daemon {
	d := New(queue, refresher)
	d.now = func() time.Time { return at }
	d.sleep = func(time.Duration) {}
	return d
}

func TestStepBacksOffWhileIdle(t *testing.T) {
	d := newTestDaemon(&fakeQueue{}, &fakeRefresher{}, time.Unix(1000, 0))

	st := state{lastRefresh: time.Unix(1000, 0), interval: pollMin}
	want := []time.Duration{
		300 * time.Millisecond,
		450 * time.Millisecond,
		675 * time.Millisecond,
		1012500 * time.Microsecond,
	}
	for _, expected := range want {
		st = d.step(context.Background(), st)
		assert.Equal(t, expected, st.interval)
	}

	// Eventually the interval saturates at the idle maximum.
	for i := 0; i < 10; i++ {
		st = d.step(context.Background(), st)
	}
	assert.Equal(t, pollMax, st.interval)
}

func TestStepRequestsResetBackoff(t *testing.T) {
	queue := &fakeQueue{pending: []store.UpdateRequest{
		{ID: 1, Ticker: "AAA"},
		{ID: 2, Ticker: "BBB"},
	}}
	refresher := &fakeRefresher{}
	d := newTestDaemon(queue, refresher, time.Unix(1000, 0))

	st := d.step(context.Background(), state{lastRefresh: time.Unix(1000, 0), interval: pollMax})

	assert.Equal(t, pollMin, st.interval)
	assert.Equal(t, [][]string{{"AAA", "BBB"}}, refresher.batches)
	// Requests are dequeued before the fetch runs, exactly once.
	assert.Equal(t, [][]int64{{1, 2}}, queue.deleted)
}

func TestStepQueueErrorKeepsState(t *testing.T) {
	queue := &fakeQueue{err: errors.New("database is locked")}
	refresher := &fakeRefresher{}
	d := newTestDaemon(queue, refresher, time.Unix(1000, 0))

	before := state{lastRefresh: time.Unix(900, 0), interval: 450 * time.Millisecond}
	st := d.step(context.Background(), before)

	assert.Equal(t, before, st)
	assert.Zero(t, refresher.refreshN)
	assert.Empty(t, refresher.batches)
}

func TestStepPeriodicRefresh(t *testing.T) {
	refresher := &fakeRefresher{}
	now := time.Unix(2000, 0)
	d := newTestDaemon(&fakeQueue{}, refresher, now)

	// Past due: refresh fires and the stamp advances. The poll interval is
	// left alone, only requests reset it.
	st := d.step(context.Background(), state{
		lastRefresh: now.Add(-refreshInterval),
		interval:    pollMax,
	})
	assert.Equal(t, 1, refresher.refreshN)
	assert.Equal(t, now, st.lastRefresh)
	assert.Equal(t, pollMax, st.interval)

	// Not yet due: no refresh, interval backs off instead.
	st = d.step(context.Background(), state{
		lastRefresh: now.Add(-refreshInterval + time.Second),
		interval:    pollMin,
	})
	assert.Equal(t, 1, refresher.refreshN)
	assert.Equal(t, 300*time.Millisecond, st.interval)
}

func TestStepRequestsWinOverPeriodicRefresh(t *testing.T) {
	queue := &fakeQueue{pending: []store.UpdateRequest{{ID: 7, Ticker: "AAA"}}}
	refresher := &fakeRefresher{}
	now := time.Unix(3000, 0)
	d := newTestDaemon(queue, refresher, now)

	st := d.step(context.Background(), state{
		lastRefresh: now.Add(-2 * refreshInterval),
		interval:    pollMin,
	})

	assert.Equal(t, [][]string{{"AAA"}}, refresher.batches)
	assert.Zero(t, refresher.refreshN)
	// The overdue refresh stamp is untouched; it fires on the next idle step.
	assert.Equal(t, now.Add(-2*refreshInterval), st.lastRefresh)
}

func TestRunStopsOnCancel(t *testing.T) {
	refresher := &fakeRefresher{}
	d := New(&fakeQueue{}, refresher)

	ctx, cancel := context.WithCancel(context.Background())
	d.sleep = func(time.Duration) { cancel() }

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancellation")
	}
	// The startup full refresh ran before the loop exited.
	assert.GreaterOrEqual(t, refresher.refreshN, 1)
}

// storeRefresher records fetches and marks the ticker as seen in the store,
// standing in for the real batch fetcher in the end-to-end queue test.
type storeRefresher struct {
	mu      sync.Mutex
	st      *store.Store
	fetched []string
}

func (r *storeRefresher) FetchBatch(_ context.Context, tickers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ticker := range tickers {
		r.fetched = append(r.fetched, ticker)
		_ = r.st.UpsertPrice(ticker, time.Now(), 1)
	}
}

func (r *storeRefresher) RefreshAll(context.Context) {}

func TestStepDrainsStoreQueue(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "portfolio.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.EnqueueUpdateRequest("ZZZ")
	require.NoError(t, err)

	refresher := &storeRefresher{st: st}
	d := New(st, refresher)
	d.now = func() time.Time { return time.Unix(1000, 0) }

	next := d.step(context.Background(), state{lastRefresh: time.Unix(1000, 0), interval: pollMin})

	assert.Equal(t, []string{"ZZZ"}, refresher.fetched)
	assert.Equal(t, pollMin, next.interval)

	count, err := st.PendingRequestCount()
	require.NoError(t, err)
	assert.Zero(t, count)

	// A second step finds nothing and backs off.
	next = d.step(context.Background(), next)
	assert.Equal(t, 300*time.Millisecond, next.interval)
	assert.Equal(t, []string{"ZZZ"}, refresher.fetched)
}
