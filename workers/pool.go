package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dealwatch/checker"
	"dealwatch/identity"
	"dealwatch/metrics"
	"dealwatch/models"
)

// SettingWorkers is the settings key holding the configured pool size.
const SettingWorkers = "workers.size"

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrNothingQueued = errors.New("every product is already queued or running")
	ErrPoolStopped   = errors.New("worker pool stopped")
)

// Runner executes one check task.
type Runner interface {
	Run(ctx context.Context, taskID string, due []models.Product, logf checker.LogFunc) (*models.CycleReport, error)
}

// OpsStore persists cycle runs, their log lines and pool settings.
type OpsStore interface {
	CreateRun(run *models.CycleRun) (int64, error)
	UpdateRun(run *models.CycleRun) error
	Log(runID *int64, level models.LogLevel, source, message string) error
	GetIntSetting(key string, fallback int) (int, error)
	SetIntSetting(key string, value int) error
}

type task struct {
	id        string
	products  []models.Product
	createdAt time.Time
	startedAt *time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// Pool runs check tasks on a fixed number of workers. A product is owned by
// at most one queued or running task at a time.
type Pool struct {
	runner  Runner
	ops     OpsStore
	metrics *metrics.Metrics

	mu         sync.Mutex
	cond       *sync.Cond
	ctx        context.Context
	queue      []*task
	running    map[string]*task
	owners     map[string]string
	paused     bool
	draining   bool
	started    bool
	live       int
	configured int
	completed  int
	failed     int
	cancelled  int
	wg         sync.WaitGroup
}

// NewPool creates a pool of size workers. ops may be nil, in which case runs
// are only logged.
func NewPool(runner Runner, ops OpsStore, m *metrics.Metrics, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		runner:     runner,
		ops:        ops,
		metrics:    m,
		running:    make(map[string]*task),
		owners:     make(map[string]string),
		configured: size,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. A size persisted by Scale overrides the one
// the pool was created with. Workers stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	if p.ops != nil {
		if n, err := p.ops.GetIntSetting(SettingWorkers, p.configured); err != nil {
			log.WithError(err).Warn("Could not read persisted pool size")
		} else if n >= 1 {
			p.configured = n
		}
	}

	p.mu.Lock()
	p.ctx = ctx
	p.started = true
	p.launchLocked(p.configured)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.draining = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	log.WithField("workers", p.configured).Info("Worker pool started")
	p.publish()
}

func (p *Pool) launchLocked(n int) {
	p.draining = false
	for i := 0; i < n; i++ {
		p.live++
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t := p.next()
		if t == nil {
			return
		}
		p.execute(t)
	}
}

// next blocks until a task may run, or returns nil when the worker should exit.
func (p *Pool) next() *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.draining && (p.paused || len(p.queue) == 0) {
		p.cond.Wait()
	}
	if p.draining {
		p.live--
		return nil
	}
	t := p.queue[0]
	p.queue = p.queue[1:]

	now := time.Now()
	t.startedAt = &now
	t.ctx, t.cancel = context.WithCancel(p.ctx)
	p.running[t.id] = t
	return t
}

func (p *Pool) execute(t *task) {
	defer t.cancel()
	p.publish()
	logger := log.WithFields(log.Fields{"task": t.id, "products": len(t.products)})

	var runID *int64
	if p.ops != nil {
		id, err := p.ops.CreateRun(&models.CycleRun{
			TaskID:    t.id,
			StartedAt: *t.startedAt,
			Status:    models.RunStatusRunning,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to record cycle run")
		} else {
			runID = &id
		}
	}

	report, err := p.run(t.ctx, t, runLogger(p.ops, runID))
	if report == nil {
		report = models.NewCycleReport(t.id, *t.startedAt)
		report.FinishedAt = time.Now()
	}

	status := models.RunStatusCompleted
	switch {
	case report.Cancelled || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = models.RunStatusCancelled
	case err != nil:
		status = models.RunStatusFailed
	}

	if p.ops != nil && runID != nil {
		run := report.Run(status)
		run.ID = *runID
		if uerr := p.ops.UpdateRun(&run); uerr != nil {
			logger.WithError(uerr).Warn("Failed to update cycle run")
		}
	}
	p.metrics.ObserveCycle(report, status)

	entry := logger.WithField("status", status)
	if err != nil && status == models.RunStatusFailed {
		entry.WithError(err).Error("Check task failed")
	} else {
		entry.Info("Check task finished")
	}

	p.mu.Lock()
	delete(p.running, t.id)
	p.releaseLocked(t)
	switch status {
	case models.RunStatusCompleted:
		p.completed++
	case models.RunStatusCancelled:
		p.cancelled++
	default:
		p.failed++
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	p.publish()
}

// run calls the runner, turning a panic into a failed task.
func (p *Pool) run(ctx context.Context, t *task, logf checker.LogFunc) (report *models.CycleReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	return p.runner.Run(ctx, t.id, t.products, logf)
}

func (p *Pool) releaseLocked(t *task) {
	for _, prod := range t.products {
		if p.owners[prod.ID] == t.id {
			delete(p.owners, prod.ID)
		}
	}
}

// Submit queues a check of products and returns the task id. Products that
// are already queued or running elsewhere are dropped from the task.
func (p *Pool) Submit(products []models.Product) (string, error) {
	p.mu.Lock()
	if p.started && p.ctx.Err() != nil {
		p.mu.Unlock()
		return "", ErrPoolStopped
	}

	id := uuid.NewString()
	var accepted []models.Product
	for _, prod := range products {
		key, ok := identity.Normalize(prod.ID)
		if !ok {
			continue
		}
		if _, busy := p.owners[key]; busy {
			continue
		}
		prod.ID = key
		p.owners[key] = id
		accepted = append(accepted, prod)
	}
	if len(accepted) == 0 {
		p.mu.Unlock()
		return "", ErrNothingQueued
	}

	p.queue = append(p.queue, &task{id: id, products: accepted, createdAt: time.Now()})
	p.cond.Signal()
	p.mu.Unlock()

	log.WithFields(log.Fields{
		"task":     id,
		"products": len(accepted),
		"dropped":  len(products) - len(accepted),
	}).Info("Check task queued")
	p.publish()
	return id, nil
}

// Scale records the desired pool size. It takes effect on the next Restart.
func (p *Pool) Scale(n int) error {
	if n < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d: %w", n, models.ErrConfiguration)
	}
	if p.ops != nil {
		if err := p.ops.SetIntSetting(SettingWorkers, n); err != nil {
			return fmt.Errorf("persist pool size: %w", err)
		}
	}
	p.mu.Lock()
	p.configured = n
	p.mu.Unlock()
	log.WithField("workers", n).Info("Pool size recorded, applies on restart")
	p.publish()
	return nil
}

// Restart lets in-flight tasks finish, then relaunches the workers at the
// configured size. Queued tasks are kept. When ctx expires before the drain
// completes, workers still busy keep running and the pool is topped up to
// the configured size, so it never ends up without workers.
func (p *Pool) Restart(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.draining = true
	p.cond.Broadcast()
	p.mu.Unlock()

	drainErr := p.waitWorkers(ctx)

	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	size := p.configured
	p.launchLocked(max(size-p.live, 0))
	p.cond.Broadcast()
	live := p.live
	p.mu.Unlock()
	p.publish()

	if drainErr != nil {
		log.WithError(drainErr).WithField("workers", live).Warn("Drain timed out, busy workers kept")
		return fmt.Errorf("drain workers: %w", drainErr)
	}
	log.WithField("workers", size).Info("Worker pool restarted")
	return nil
}

// Shutdown stops the workers after their current task. Tasks still running
// when ctx expires are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.cond.Broadcast()
	p.mu.Unlock()

	err := p.waitWorkers(ctx)
	if err != nil {
		p.mu.Lock()
		for _, t := range p.running {
			t.cancel()
		}
		p.mu.Unlock()
		p.wg.Wait()
	}
	return err
}

func (p *Pool) waitWorkers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PauseAll stops workers from picking up queued tasks. Running tasks finish.
func (p *Pool) PauseAll() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	log.Info("Worker pool paused")
	p.publish()
}

func (p *Pool) ResumeAll() {
	p.mu.Lock()
	p.paused = false
	p.cond.Broadcast()
	p.mu.Unlock()
	log.Info("Worker pool resumed")
	p.publish()
}

func (p *Pool) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// CancelTask removes a queued task or cancels a running one.
func (p *Pool) CancelTask(id string) error {
	p.mu.Lock()
	if t, ok := p.running[id]; ok {
		t.cancel()
		p.mu.Unlock()
		log.WithField("task", id).Info("Cancelling running task")
		return nil
	}
	for i, t := range p.queue {
		if t.id != id {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		p.releaseLocked(t)
		p.cancelled++
		p.mu.Unlock()
		log.WithField("task", id).Info("Removed queued task")
		p.publish()
		return nil
	}
	p.mu.Unlock()
	return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
}

// ListActiveTasks returns running tasks by start time, then the queue in order.
func (p *Pool) ListActiveTasks() []models.TaskInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.TaskInfo, 0, len(p.running)+len(p.queue))
	for _, t := range p.running {
		out = append(out, t.info(models.TaskRunning))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(*out[j].StartedAt)
	})
	for _, t := range p.queue {
		out = append(out, t.info(models.TaskQueued))
	}
	return out
}

// ActiveTasks serves the status endpoint.
func (p *Pool) ActiveTasks() any {
	return p.ListActiveTasks()
}

func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.PoolStats{
		Workers:    p.live,
		Configured: p.configured,
		Queued:     len(p.queue),
		Running:    len(p.running),
		Paused:     p.paused,
		Completed:  p.completed,
		Failed:     p.failed,
		Cancelled:  p.cancelled,
	}
}

// WaitIdle blocks until nothing is queued or running.
func (p *Pool) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		s := p.Stats()
		if s.Queued == 0 && s.Running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) publish() {
	p.metrics.SetPool(p.Stats())
}

func (t *task) info(state models.TaskState) models.TaskInfo {
	return models.TaskInfo{
		ID:        t.id,
		State:     state,
		Products:  len(t.products),
		CreatedAt: t.createdAt,
		StartedAt: t.startedAt,
	}
}
