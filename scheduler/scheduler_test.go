package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/config"
	"dealwatch/identity"
	"dealwatch/models"
	"dealwatch/storage"
	"dealwatch/workers"
)

type fakePool struct {
	mu        sync.Mutex
	paused    bool
	submitted [][]models.Product
	scaled    []int
	cancelled []string
	restarts  int
	restartFn func(ctx context.Context)
}

func (p *fakePool) Submit(products []models.Product) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, products)
	return fmt.Sprintf("task-%d", len(p.submitted)), nil
}

func (p *fakePool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakePool) PauseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *fakePool) ResumeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

func (p *fakePool) Scale(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scaled = append(p.scaled, n)
	return nil
}

func (p *fakePool) Restart(ctx context.Context) error {
	p.mu.Lock()
	p.restarts++
	fn := p.restartFn
	p.mu.Unlock()
	if fn != nil {
		fn(ctx)
	}
	return nil
}

func (p *fakePool) restartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *fakePool) CancelTask(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "missing" {
		return workers.ErrTaskNotFound
	}
	p.cancelled = append(p.cancelled, id)
	return nil
}

func (p *fakePool) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type listSelector []models.Product

func (l listSelector) SelectDue(ctx context.Context, now time.Time) ([]models.Product, error) {
	return l, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{Tuning: config.DefaultTuning()}
	cfg.Workers.BatchSize = 4
	cfg.Workers.Shards = 3
	cfg.Scheduler.PollInterval = 10 * time.Millisecond
	return cfg
}

func productIDs(n int) []models.Product {
	out := make([]models.Product, n)
	for i := range out {
		out[i] = models.Product{ID: fmt.Sprintf("B%09d", i)}
	}
	return out
}

func newOps(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPartitionByShardAndSize(t *testing.T) {
	batches := Partition(productIDs(25), 3, 4)

	seen := map[string]int{}
	for _, b := range batches {
		require.NotEmpty(t, b)
		assert.LessOrEqual(t, len(b), 4)
		shard := identity.Shard(b[0].ID, 3)
		for _, p := range b {
			assert.Equal(t, shard, identity.Shard(p.ID, 3), "a batch never mixes shards")
			seen[p.ID]++
		}
	}
	assert.Len(t, seen, 25)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}

	assert.Equal(t, batches, Partition(productIDs(25), 3, 4), "partitioning is deterministic")
}

func TestPartitionDefaults(t *testing.T) {
	batches := Partition(productIDs(5), 0, 0)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 5)
	assert.Empty(t, Partition(nil, 2, 2))
}

func TestSubmitDueSkipsWhilePaused(t *testing.T) {
	pool := &fakePool{paused: true}
	s := New(testConfig(), pool, listSelector(productIDs(6)), storage.NewMemoryStore(), nil)

	ids, err := s.SubmitDue(context.Background(), false)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, pool.submissions())

	ids, err = s.SubmitDue(context.Background(), true)
	require.NoError(t, err)
	assert.NotEmpty(t, ids)

	total := 0
	for _, b := range pool.submitted {
		total += len(b)
	}
	assert.Equal(t, 6, total)
}

func TestStaleSelector(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-10 * time.Minute)
	old := now.Add(-3 * time.Hour)
	require.NoError(t, store.UpsertProduct(ctx, &models.Product{ID: "B0RECENT01", LastCheckedAt: &recent}))
	require.NoError(t, store.UpsertProduct(ctx, &models.Product{ID: "B0STALE001", LastCheckedAt: &old}))
	require.NoError(t, store.UpsertProduct(ctx, &models.Product{ID: "B0NEVER001"}))

	due, err := NewStaleSelector(store, time.Hour, 10).SelectDue(ctx, now)
	require.NoError(t, err)

	var ids []string
	for _, p := range due {
		ids = append(ids, p.ID)
	}
	assert.ElementsMatch(t, []string{"B0STALE001", "B0NEVER001"}, ids)
}

func TestSetSchedulePersists(t *testing.T) {
	ops := newOps(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testConfig(), &fakePool{}, listSelector(nil), storage.NewMemoryStore(), ops)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	spec, ok := s.Schedule(JobCheck)
	require.True(t, ok)
	assert.Equal(t, "@every 10m", spec)

	require.NoError(t, s.SetSchedule(JobCheck, "*/5 * * * *"))
	assert.ErrorIs(t, s.SetSchedule(JobCheck, "not a schedule"), models.ErrConfiguration)
	assert.ErrorIs(t, s.SetSchedule("nope", "@hourly"), ErrUnknownJob)

	stored, found, err := ops.GetSetting("schedule.check")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "*/5 * * * *", stored)

	again := New(testConfig(), &fakePool{}, listSelector(nil), storage.NewMemoryStore(), ops)
	require.NoError(t, again.Start(ctx))
	defer again.Stop()
	spec, _ = again.Schedule(JobCheck)
	assert.Equal(t, "*/5 * * * *", spec)
}

func TestProcessCommands(t *testing.T) {
	ops := newOps(t)
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertProduct(ctx, &models.Product{ID: "B0KNOWN001", Title: "Known"}))

	pool := &fakePool{}
	s := New(testConfig(), pool, listSelector(nil), store, ops)

	enqueue := func(cmd models.CommandType, params *models.CommandParams) {
		_, err := ops.EnqueueCommand(cmd, params)
		require.NoError(t, err)
	}
	enqueue(models.CmdPause, nil)
	enqueue(models.CmdScale, &models.CommandParams{Workers: 3})
	enqueue(models.CmdCancel, &models.CommandParams{TaskID: "task-9"})
	enqueue(models.CmdCancel, &models.CommandParams{TaskID: "missing"})
	enqueue(models.CmdSetSchedule, &models.CommandParams{Schedule: "@hourly"})
	enqueue(models.CmdRunNow, &models.CommandParams{Products: []string{"b0known001", "B0UNSEEN01", "junk"}})
	enqueue(models.CmdRestart, nil)
	enqueue(models.CommandType("explode"), nil)

	s.ProcessCommands(ctx)

	pending, err := ops.GetPendingCommands()
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.True(t, pool.Paused())
	assert.Equal(t, []int{3}, pool.scaled)
	assert.Equal(t, []string{"task-9"}, pool.cancelled)
	assert.Eventually(t, func() bool { return pool.restartCount() == 1 }, time.Second, 5*time.Millisecond)

	spec, _ := s.Schedule(JobCheck)
	assert.Equal(t, "@hourly", spec)

	require.Len(t, pool.submitted, 1)
	batch := pool.submitted[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "Known", batch[0].Title)
	assert.Equal(t, "B0UNSEEN01", batch[1].ID)
}

func TestRestartDoesNotBlockLaterCommands(t *testing.T) {
	ops := newOps(t)
	release := make(chan struct{})
	defer close(release)
	pool := &fakePool{restartFn: func(ctx context.Context) { <-release }}
	s := New(testConfig(), pool, listSelector(nil), storage.NewMemoryStore(), ops)

	_, err := ops.EnqueueCommand(models.CmdRestart, nil)
	require.NoError(t, err)
	_, err = ops.EnqueueCommand(models.CmdPause, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.ProcessCommands(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("command processing waited for the restart to drain")
	}
	assert.True(t, pool.Paused())
	assert.Eventually(t, func() bool { return pool.restartCount() == 1 }, time.Second, 5*time.Millisecond)

	pending, err := ops.GetPendingCommands()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunNowTriggersCheck(t *testing.T) {
	ops := newOps(t)
	pool := &fakePool{paused: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(testConfig(), pool, listSelector(productIDs(3)), storage.NewMemoryStore(), ops)
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	_, err := ops.EnqueueCommand(models.CmdRunNow, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return pool.submissions() > 0 }, 2*time.Second, 10*time.Millisecond,
		"a manual run is submitted even while paused")
}
