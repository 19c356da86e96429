package checker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/detection"
	"dealwatch/metrics"
	"dealwatch/models"
	"dealwatch/services"
	"dealwatch/storage"
)

var day0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu      sync.Mutex
	results map[string]models.FetchResult
	asked   [][]string
}

func (f *stubFetcher) FetchBatch(ctx context.Context, ids []string) map[string]models.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, append([]string(nil), ids...))
	out := make(map[string]models.FetchResult)
	if ctx.Err() != nil {
		return out
	}
	for _, id := range ids {
		if r, ok := f.results[id]; ok {
			out[id] = r
		}
	}
	return out
}

func priced(id string, price float64) models.FetchResult {
	return models.FetchResult{
		Identifier: id,
		Outcome:    models.OutcomeSuccess,
		Strategy:   models.StrategyAPI,
		Attempts:   1,
		Payload: &models.ProductData{
			Title:       "Espresso Machine",
			Brand:       "Brava",
			Price:       models.Float(price),
			Currency:    "USD",
			Rating:      4.6,
			ReviewCount: 1500,
			Available:   true,
			Prime:       true,
		},
	}
}

type harness struct {
	store   *storage.MemoryStore
	fetcher *stubFetcher
	locks   *ProductLocks
	checker *Checker
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	mem, _ := store.(*storage.MemoryStore)
	engine, err := detection.NewEngine(detection.DefaultConfig())
	require.NoError(t, err)
	h := &harness{
		store:   mem,
		fetcher: &stubFetcher{results: make(map[string]models.FetchResult)},
		locks:   NewProductLocks(),
	}
	h.checker = New(h.fetcher, store, engine, services.NewDealService(store), h.locks, metrics.New("test"), time.Minute)
	h.checker.now = func() time.Time { return day0.Add(3 * 24 * time.Hour) }
	return h
}

// seed stores a product whose history is 3000, 3200, 2800 over three days.
func seed(t *testing.T, store *storage.MemoryStore, id string) models.Product {
	t.Helper()
	ctx := context.Background()
	for i, price := range []float64{3000, 3200, 2800} {
		_, err := store.AppendPrice(ctx, &models.PriceHistoryRecord{
			ProductID:  id,
			Price:      price,
			RecordedAt: day0.Add(time.Duration(i) * 24 * time.Hour),
		})
		require.NoError(t, err)
	}
	p := models.Product{ID: id, Title: "old title", CurrentPrice: models.Float(2800)}
	require.NoError(t, store.UpsertProduct(ctx, &p))
	return p
}

func TestRunCyclePriceDropCreatesDeal(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	p := seed(t, h.store, "B0CHECK001")
	h.fetcher.results["B0CHECK001"] = priced("B0CHECK001", 2400)

	report, err := h.checker.RunCycle(context.Background(), []models.Product{p})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.PriceChanges)
	assert.Equal(t, 1, report.HistoryAdded)
	assert.Equal(t, 1, report.DealsCreated)
	assert.Equal(t, 1, report.ByStrategy[models.StrategyAPI])
	assert.False(t, report.Cancelled)

	stored, err := h.store.GetProduct(context.Background(), "B0CHECK001")
	require.NoError(t, err)
	require.NotNil(t, stored.CurrentPrice)
	assert.Equal(t, 2400.0, *stored.CurrentPrice)
	assert.Equal(t, "Espresso Machine", stored.Title)
	assert.Equal(t, models.OutcomeSuccess, stored.LastOutcome)

	deals := h.store.Deals("B0CHECK001")
	require.Len(t, deals, 1)
	assert.Equal(t, models.DealStatusActive, deals[0].Status)
	assert.Equal(t, 2400.0, deals[0].DealPrice)
	assert.Equal(t, 75, deals[0].Score)
	assert.Zero(t, h.locks.Held())
}

func TestRunCycleReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	seed(t, h.store, "B0CHECK001")
	h.fetcher.results["B0CHECK001"] = priced("B0CHECK001", 2400)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		p, err := h.store.GetProduct(ctx, "B0CHECK001")
		require.NoError(t, err)
		_, err = h.checker.RunCycle(ctx, []models.Product{*p})
		require.NoError(t, err)
	}

	window, err := h.store.Window(ctx, "B0CHECK001", time.Time{})
	require.NoError(t, err)
	assert.Len(t, window, 4)
	assert.Len(t, h.store.Deals("B0CHECK001"), 1)
}

func TestRunCycleUnchangedPriceRefreshesMetadataOnly(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	p := seed(t, h.store, "B0CHECK001")
	h.fetcher.results["B0CHECK001"] = priced("B0CHECK001", 2800.001)

	report, err := h.checker.RunCycle(context.Background(), []models.Product{p})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, report.PriceChanges)
	assert.Zero(t, report.HistoryAdded)

	stored, _ := h.store.GetProduct(context.Background(), "B0CHECK001")
	assert.Equal(t, "Espresso Machine", stored.Title)
	assert.Equal(t, 2800.0, *stored.CurrentPrice)
	assert.Empty(t, h.store.Deals("B0CHECK001"))
}

func TestRunCycleFailuresDoNotAbortBatch(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	h.fetcher.results["B0GONE0001"] = models.Failed("B0GONE0001", models.StrategyHTTP, models.ErrNotFound)
	h.fetcher.results["B0BLOCK001"] = models.Failed("B0BLOCK001", models.StrategyBrowser, models.ErrBlocked)
	h.fetcher.results["B0NEW00001"] = priced("B0NEW00001", 19.99)

	due := []models.Product{{ID: "B0GONE0001"}, {ID: "b0block001"}, {ID: "B0NEW00001"}, {ID: "B0NEW00001"}, {ID: "bad"}}
	report, err := h.checker.RunCycle(context.Background(), due)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.HistoryAdded, "first observation is recorded")
	require.Len(t, report.Degraded, 3)
	assert.Equal(t, models.OutcomeParseError, report.Degraded[0].Outcome)
	assert.Equal(t, "bad", report.Degraded[0].ProductID)
	assert.Equal(t, models.OutcomeNotFound, report.Degraded[1].Outcome)
	assert.Equal(t, models.OutcomeBlocked, report.Degraded[2].Outcome)
	assert.Equal(t, models.StrategyBrowser, report.Degraded[2].Strategy)
	assert.Equal(t, []string{"B0GONE0001", "B0BLOCK001", "B0NEW00001"}, h.fetcher.asked[0])

	blocked, _ := h.store.GetProduct(context.Background(), "B0BLOCK001")
	require.NotNil(t, blocked)
	assert.Equal(t, 1, blocked.ConsecutiveFailures)
	assert.Equal(t, models.OutcomeBlocked, blocked.LastOutcome)

	fresh, _ := h.store.GetProduct(context.Background(), "B0NEW00001")
	require.NotNil(t, fresh.CurrentPrice)
	assert.Equal(t, 19.99, *fresh.CurrentPrice)
	assert.Empty(t, h.store.Deals("B0NEW00001"), "one record is not enough history")
}

func TestRunCycleSkipsLockedProducts(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	h.fetcher.results["B0FREE0001"] = priced("B0FREE0001", 10)
	ok, err := h.locks.TryAcquire(context.Background(), "B0HELD0001", "other-task")
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.checker.RunCycle(context.Background(), []models.Product{{ID: "B0HELD0001"}, {ID: "B0FREE0001"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"B0HELD0001"}, report.SkippedLocked)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, []string{"B0FREE0001"}, h.fetcher.asked[0])
	assert.Equal(t, 1, h.locks.Held(), "the other task keeps its lock")
}

type failingStore struct {
	*storage.MemoryStore
	failFor string
}

func (s *failingStore) AppendPrice(ctx context.Context, rec *models.PriceHistoryRecord) (bool, error) {
	if rec.ProductID == s.failFor {
		return false, errors.New("disk full")
	}
	return s.MemoryStore.AppendPrice(ctx, rec)
}

func TestRunCyclePersistenceErrorFailsOnlyThatProduct(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failFor: "B0FAIL0001"}
	h := newHarness(t, store)
	h.store = store.MemoryStore
	h.fetcher.results["B0FAIL0001"] = priced("B0FAIL0001", 10)
	h.fetcher.results["B0OKAY0001"] = priced("B0OKAY0001", 20)

	report, err := h.checker.RunCycle(context.Background(), []models.Product{{ID: "B0FAIL0001"}, {ID: "B0OKAY0001"}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, 1, report.PriceChanges)
	failed, _ := h.store.GetProduct(context.Background(), "B0FAIL0001")
	assert.Nil(t, failed, "nothing is written when the history append fails")
	ok, _ := h.store.GetProduct(context.Background(), "B0OKAY0001")
	require.NotNil(t, ok)
	assert.Equal(t, 20.0, *ok.CurrentPrice)
}

func TestRunCycleCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	h.fetcher.results["B0CHECK001"] = priced("B0CHECK001", 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.checker.RunCycle(ctx, []models.Product{{ID: "B0CHECK001"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Cancelled)
	assert.Zero(t, report.Checked)
	assert.Zero(t, h.locks.Held())
}

func TestRunLogsToOperationalLog(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	p := seed(t, h.store, "B0CHECK001")
	h.fetcher.results["B0CHECK001"] = priced("B0CHECK001", 2400)

	var mu sync.Mutex
	var messages []string
	logf := func(level models.LogLevel, source, message string) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "checker", source)
		messages = append(messages, message)
	}

	report, err := h.checker.Run(context.Background(), "task-1", []models.Product{p}, logf)
	require.NoError(t, err)
	assert.Equal(t, "task-1", report.TaskID)
	require.Len(t, messages, 3)
	assert.Contains(t, messages[1], "deal created at 2400.00")
}

func TestRedisLocksExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	locks := NewRedisLocks(rdb, "test:lock:", time.Minute)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, "B0CHECK001", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.TryAcquire(ctx, "B0CHECK001", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = locks.TryAcquire(ctx, "B0CHECK001", "a")
	require.NoError(t, err)
	assert.True(t, ok, "reentrant for the same owner")

	require.NoError(t, locks.Release(ctx, "B0CHECK001", "b"))
	assert.True(t, mr.Exists("test:lock:B0CHECK001"), "only the owner can release")

	require.NoError(t, locks.Release(ctx, "B0CHECK001", "a"))
	ok, err = locks.TryAcquire(ctx, "B0CHECK001", "b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocksExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	locks := NewRedisLocks(rdb, "", time.Minute)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, "B0CHECK001", "crashed")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = locks.TryAcquire(ctx, "B0CHECK001", "next")
	require.NoError(t, err)
	assert.True(t, ok)
}
