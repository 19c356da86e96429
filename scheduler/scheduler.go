package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"dealwatch/config"
	"dealwatch/identity"
	"dealwatch/models"
	"dealwatch/storage"
	"dealwatch/workers"
)

// JobCheck is the cron job that submits due products to the pool.
const JobCheck = "check"

const settingPrefix = "schedule."

// SettingKey is the settings key a job's persisted schedule is stored under.
func SettingKey(job string) string {
	return settingPrefix + job
}

var ErrUnknownJob = errors.New("unknown job")

// Pool is the part of the worker pool the scheduler drives.
type Pool interface {
	Submit(products []models.Product) (string, error)
	Paused() bool
	PauseAll()
	ResumeAll()
	Scale(n int) error
	Restart(ctx context.Context) error
	CancelTask(id string) error
}

// CommandStore is the operational store's command queue and settings.
type CommandStore interface {
	GetPendingCommands() ([]models.Command, error)
	MarkCommandProcessed(id int64, cmdErr error) error
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
}

type job struct {
	name      string
	spec      string
	run       func(ctx context.Context)
	entry     cron.EntryID
	scheduled bool
}

type Scheduler struct {
	cfg       config.SchedulerConfig
	workers   config.WorkerConfig
	pool      Pool
	selector  DueSelector
	products  storage.ProductStore
	commands  CommandStore
	cron      *cron.Cron
	triggerCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	now       func() time.Time

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*job
}

func New(cfg *config.Config, pool Pool, selector DueSelector, products storage.ProductStore, commands CommandStore) *Scheduler {
	logger := cron.PrintfLogger(log.StandardLogger())
	s := &Scheduler{
		cfg:       cfg.Scheduler,
		workers:   cfg.Workers,
		pool:      pool,
		selector:  selector,
		products:  products,
		commands:  commands,
		cron:      cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		now:       time.Now,
		jobs:      make(map[string]*job),
	}
	s.Register(JobCheck, cfg.Scheduler.CheckCron, func(ctx context.Context) {
		if _, err := s.SubmitDue(ctx, false); err != nil {
			log.WithError(err).Error("Scheduled check failed")
		}
	})
	return s
}

// Register adds a named cron job. A schedule persisted by SetSchedule wins
// over spec when the scheduler starts.
func (s *Scheduler) Register(name, spec string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{name: name, spec: spec, run: fn}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		j := s.jobs[name]
		if spec := s.persistedSpec(name); spec != "" {
			j.spec = spec
		}
		if err := s.scheduleLocked(j, j.spec); err != nil {
			s.mu.Unlock()
			return err
		}
		log.WithFields(log.Fields{"job": name, "schedule": j.spec}).Info("Job scheduled")
	}
	s.mu.Unlock()

	s.cron.Start()
	if s.commands != nil {
		go s.pollCommands(ctx)
	}
	go s.triggerLoop(ctx)
	return nil
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
	})
}

func (s *Scheduler) persistedSpec(name string) string {
	if s.commands == nil {
		return ""
	}
	spec, ok, err := s.commands.GetSetting(SettingKey(name))
	if err != nil {
		log.WithError(err).WithField("job", name).Warn("Could not read persisted schedule")
		return ""
	}
	if !ok {
		return ""
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		log.WithError(err).WithField("job", name).Warn("Ignoring invalid persisted schedule")
		return ""
	}
	return spec
}

func (s *Scheduler) scheduleLocked(j *job, spec string) error {
	id, err := s.cron.AddFunc(spec, func() { j.run(s.jobContext()) })
	if err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %v: %w", j.name, spec, err, models.ErrConfiguration)
	}
	if j.scheduled {
		s.cron.Remove(j.entry)
	}
	j.entry = id
	j.scheduled = true
	j.spec = spec
	return nil
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// SetSchedule replaces a job's cron expression and persists it.
func (s *Scheduler) SetSchedule(name, spec string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	if err := s.scheduleLocked(j, spec); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if s.commands != nil {
		if err := s.commands.SetSetting(SettingKey(name), spec); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
	}
	log.WithFields(log.Fields{"job": name, "schedule": spec}).Info("Schedule updated")
	return nil
}

// Schedule returns the current cron expression of a job.
func (s *Scheduler) Schedule(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return "", false
	}
	return j.spec, true
}

// Trigger requests an immediate check outside the schedule.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	for {
		select {
		case <-s.triggerCh:
			if _, err := s.SubmitDue(ctx, true); err != nil {
				log.WithError(err).Error("Triggered check failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SubmitDue selects due products, partitions them and submits one task per
// batch. Unless force is set nothing is submitted while the pool is paused.
// It returns the ids of the submitted tasks.
func (s *Scheduler) SubmitDue(ctx context.Context, force bool) ([]string, error) {
	if !force && s.pool.Paused() {
		log.Info("Pool paused, skipping scheduled check")
		return nil, nil
	}

	due, err := s.selector.SelectDue(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("select due products: %w", err)
	}
	if len(due) == 0 {
		log.Debug("No products due")
		return nil, nil
	}

	var taskIDs []string
	batches := Partition(due, s.workers.Shards, s.workers.BatchSize)
	for _, batch := range batches {
		id, err := s.pool.Submit(batch)
		if errors.Is(err, workers.ErrNothingQueued) {
			continue
		}
		if err != nil {
			return taskIDs, fmt.Errorf("submit batch: %w", err)
		}
		taskIDs = append(taskIDs, id)
	}

	log.WithFields(log.Fields{
		"due":     len(due),
		"batches": len(batches),
		"tasks":   len(taskIDs),
	}).Info("Submitted due products")
	return taskIDs, nil
}

// Partition groups products by shard and splits each shard into batches of
// at most size. The same product always lands in the same shard.
func Partition(products []models.Product, shards, size int) [][]models.Product {
	if shards < 1 {
		shards = 1
	}
	if size < 1 {
		size = len(products)
	}
	groups := make([][]models.Product, shards)
	for _, p := range products {
		n := identity.Shard(p.ID, shards)
		groups[n] = append(groups[n], p)
	}

	var batches [][]models.Product
	for _, g := range groups {
		for len(g) > 0 {
			end := size
			if end > len(g) {
				end = len(g)
			}
			batches = append(batches, g[:end:end])
			g = g[end:]
		}
	}
	return batches
}
