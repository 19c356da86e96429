package checker

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dealwatch/detection"
	"dealwatch/identity"
	"dealwatch/metrics"
	"dealwatch/models"
	"dealwatch/storage"
)

// BatchFetcher resolves a batch of identifiers to one result each.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, ids []string) map[string]models.FetchResult
}

// DealReconciler applies a detection result to the product's deal record.
type DealReconciler interface {
	CreateOrUpdate(ctx context.Context, p *models.Product, res detection.Result) (models.DealAction, *models.Deal, error)
}

// LogFunc receives cycle events worth keeping in the operational log.
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger drops everything.
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

const logSource = "checker"

type Checker struct {
	fetcher BatchFetcher
	store   storage.Store
	engine  *detection.Engine
	deals   DealReconciler
	locks   Locker
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

func New(fetcher BatchFetcher, store storage.Store, engine *detection.Engine, deals DealReconciler, locks Locker, m *metrics.Metrics, timeout time.Duration) *Checker {
	if locks == nil {
		locks = NewProductLocks()
	}
	return &Checker{
		fetcher: fetcher,
		store:   store,
		engine:  engine,
		deals:   deals,
		locks:   locks,
		metrics: m,
		timeout: timeout,
		now:     time.Now,
	}
}

// RunCycle checks every due product once under a fresh task id.
func (c *Checker) RunCycle(ctx context.Context, due []models.Product) (*models.CycleReport, error) {
	return c.Run(ctx, uuid.NewString(), due, NoOpLogger)
}

// Run fetches the due products, records price changes and reconciles deals.
// A product that fails is reported and skipped; only cancellation stops the
// cycle early, in which case the partial report is returned with ctx's error.
func (c *Checker) Run(ctx context.Context, taskID string, due []models.Product, logf LogFunc) (*models.CycleReport, error) {
	if logf == nil {
		logf = NoOpLogger
	}
	report := models.NewCycleReport(taskID, c.now())
	logger := log.WithField("task", taskID)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	owned, ids := c.acquire(ctx, taskID, due, report, logger)
	defer c.release(taskID, ids, logger)

	logger.WithFields(log.Fields{
		"due":    len(due),
		"owned":  len(owned),
		"locked": len(report.SkippedLocked),
	}).Info("Starting price check cycle")
	logf(models.LogLevelInfo, logSource, fmt.Sprintf("Cycle started: %d products (%d locked elsewhere)", len(owned), len(report.SkippedLocked)))

	var results map[string]models.FetchResult
	if len(ids) > 0 {
		results = c.fetcher.FetchBatch(ctx, ids)
	}

	for i := range owned {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		p := owned[i]
		r, ok := results[p.ID]
		if !ok {
			r = models.Failed(p.ID, "", fmt.Errorf("no result: %w", models.ErrTransient))
		}
		report.Checked++
		if r.Strategy != "" {
			report.ByStrategy[r.Strategy]++
		}

		if !r.OK() {
			c.degrade(ctx, &p, r, report, logger)
			continue
		}
		if err := c.process(ctx, &p, r, report, logger, logf); err != nil {
			report.Errors++
			logger.WithError(err).WithField("product", p.ID).Error("Product check failed")
			logf(models.LogLevelError, logSource, fmt.Sprintf("%s: %v", p.ID, err))
		}
	}

	report.FinishedAt = c.now()
	if ctx.Err() != nil {
		report.Cancelled = true
	}

	fields := log.Fields{
		"checked":       report.Checked,
		"price_changes": report.PriceChanges,
		"deals_created": report.DealsCreated,
		"deals_updated": report.DealsUpdated,
		"deals_expired": report.DealsExpired,
		"degraded":      len(report.Degraded),
		"errors":        report.Errors,
		"duration":      report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}
	if report.Cancelled {
		logger.WithFields(fields).Warn("Price check cycle cancelled")
		logf(models.LogLevelWarn, logSource, fmt.Sprintf("Cycle cancelled after %d of %d products", report.Checked, len(owned)))
		return report, ctx.Err()
	}
	logger.WithFields(fields).Info("Price check cycle finished")
	logf(models.LogLevelInfo, logSource, fmt.Sprintf("Cycle finished: %d checked, %d price changes, %d deals created, %d degraded, %d errors",
		report.Checked, report.PriceChanges, report.DealsCreated, len(report.Degraded), report.Errors))
	return report, nil
}

// acquire normalizes and dedupes the due set and locks each product for
// this task. Products locked by another task are reported and skipped.
func (c *Checker) acquire(ctx context.Context, taskID string, due []models.Product, report *models.CycleReport, logger *log.Entry) ([]models.Product, []string) {
	seen := make(map[string]bool, len(due))
	owned := make([]models.Product, 0, len(due))
	ids := make([]string, 0, len(due))
	for _, p := range due {
		id, ok := identity.Normalize(p.ID)
		if !ok {
			logger.WithField("product", p.ID).Warn("Skipping product with malformed identifier")
			report.Degraded = append(report.Degraded, models.Degradation{
				ProductID: p.ID,
				Outcome:   models.OutcomeParseError,
				Reason:    models.ErrDataValidation.Error(),
			})
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		got, err := c.locks.TryAcquire(ctx, id, taskID)
		if err != nil {
			logger.WithError(err).WithField("product", id).Warn("Product lock unavailable")
		}
		if !got {
			report.SkippedLocked = append(report.SkippedLocked, id)
			continue
		}
		p.ID = id
		owned = append(owned, p)
		ids = append(ids, id)
	}
	return owned, ids
}

func (c *Checker) release(taskID string, ids []string, logger *log.Entry) {
	// ctx may already be cancelled; locks still have to go.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := c.locks.Release(ctx, id, taskID); err != nil {
			logger.WithError(err).WithField("product", id).Warn("Failed to release product lock")
		}
	}
}

func (c *Checker) degrade(ctx context.Context, p *models.Product, r models.FetchResult, report *models.CycleReport, logger *log.Entry) {
	reason := string(r.Outcome)
	if r.Err != nil {
		reason = r.Err.Error()
	}
	report.Degraded = append(report.Degraded, models.Degradation{
		ProductID: p.ID,
		Outcome:   r.Outcome,
		Strategy:  r.Strategy,
		Reason:    reason,
	})

	now := c.now()
	p.LastCheckedAt = &now
	p.LastOutcome = r.Outcome
	p.ConsecutiveFailures++

	entry := logger.WithFields(log.Fields{
		"product":  p.ID,
		"outcome":  r.Outcome,
		"strategy": r.Strategy,
		"failures": p.ConsecutiveFailures,
	})
	if r.Outcome == models.OutcomeNotFound {
		entry.Info("Product not found")
	} else {
		entry.Warn("Product degraded for this cycle")
	}

	if err := c.store.UpsertProduct(ctx, p); err != nil {
		report.Errors++
		entry.WithError(err).Error("Failed to persist degraded product")
	}
}

// process handles one successful fetch: metadata refresh, price comparison,
// and on a change the history append, detection and deal reconciliation.
func (c *Checker) process(ctx context.Context, p *models.Product, r models.FetchResult, report *models.CycleReport, logger *log.Entry, logf LogFunc) error {
	now := c.now()
	data := r.Payload
	report.Succeeded++

	p.ApplyData(data)
	p.LastCheckedAt = &now
	p.LastOutcome = models.OutcomeSuccess
	p.ConsecutiveFailures = 0

	entry := logger.WithFields(log.Fields{"product": p.ID, "strategy": r.Strategy})

	if data.Price == nil {
		report.Unchanged++
		entry.Debug("No price offered")
		return c.store.UpsertProduct(ctx, p)
	}
	price := *data.Price
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		report.Anomalies++
		entry.WithField("price", price).Warn("Discarding invalid price")
		logf(models.LogLevelWarn, logSource, fmt.Sprintf("%s: invalid price %v discarded", p.ID, price))
		return c.store.UpsertProduct(ctx, p)
	}

	if p.CurrentPrice != nil && samePrice(*p.CurrentPrice, price) {
		report.Unchanged++
		return c.store.UpsertProduct(ctx, p)
	}

	var previous any
	if p.CurrentPrice != nil {
		previous = *p.CurrentPrice
	}

	// History goes first: if the product write below fails, the next cycle
	// sees the change again and the append dedupes against the stored price.
	rec := &models.PriceHistoryRecord{
		ProductID:  p.ID,
		Price:      price,
		ListPrice:  data.ListPrice,
		RecordedAt: now,
	}
	appended, err := c.store.AppendPrice(ctx, rec)
	if err != nil {
		return fmt.Errorf("append price: %w", err)
	}
	if appended {
		report.HistoryAdded++
	}
	p.CurrentPrice = models.Float(price)
	if err := c.store.UpsertProduct(ctx, p); err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	report.PriceChanges++

	since := time.Time{}
	if lb := c.engine.Config().Lookback; lb > 0 {
		since = now.Add(-lb)
	}
	window, err := c.store.Window(ctx, p.ID, since)
	if err != nil {
		return fmt.Errorf("read price window: %w", err)
	}

	res := c.engine.Analyze(p, window)
	if res.Metrics.Anomalies > 0 {
		report.Anomalies += res.Metrics.Anomalies
		entry.WithField("anomalies", res.Metrics.Anomalies).Warn("Ignored invalid records in price history")
	}

	action, deal, err := c.deals.CreateOrUpdate(ctx, p, res)
	if err != nil {
		return fmt.Errorf("reconcile deal: %w", err)
	}
	c.countDeal(report, action)

	fields := log.Fields{
		"price":    price,
		"score":    res.Score,
		"is_deal":  res.IsDeal,
		"action":   action,
		"reason":   res.Reason,
		"previous": previous,
	}
	entry.WithFields(fields).Info("Price changed")
	if deal != nil && action == models.DealCreated {
		logf(models.LogLevelInfo, logSource, fmt.Sprintf("%s: deal created at %.2f (%.1f%% off, score %d)", p.ID, deal.DealPrice, deal.DiscountPercentage, deal.Score))
	}
	return nil
}

func (c *Checker) countDeal(report *models.CycleReport, action models.DealAction) {
	switch action {
	case models.DealCreated:
		report.DealsCreated++
	case models.DealUpdated:
		report.DealsUpdated++
	case models.DealExpired:
		report.DealsExpired++
	default:
		return
	}
	c.metrics.ObserveDeal(action)
}

func samePrice(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}
