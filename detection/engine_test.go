package detection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/models"
)

var day0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func history(prices ...float64) []models.PriceHistoryRecord {
	recs := make([]models.PriceHistoryRecord, len(prices))
	for i, p := range prices {
		recs[i] = models.PriceHistoryRecord{
			ProductID:  "B0TEST0001",
			Price:      p,
			RecordedAt: day0.Add(time.Duration(i) * 24 * time.Hour),
		}
	}
	return recs
}

func product(current float64) *models.Product {
	return &models.Product{ID: "B0TEST0001", CurrentPrice: models.Float(current)}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	require.NoError(t, err)
	return e
}

func TestAnalyzeQualifyingDropWithStrongProduct(t *testing.T) {
	p := product(2400)
	p.Rating = 4.6
	p.ReviewCount = 1500
	p.Available = true
	p.Prime = true

	res := newEngine(t).Analyze(p, history(3000, 3200, 2800, 2400))

	assert.True(t, res.IsDeal)
	assert.Equal(t, ClassificationNormal, res.Classification)
	assert.InDelta(t, 2850, res.Metrics.HistoricalAvg, 1e-9)
	assert.InDelta(t, 15.789, res.Metrics.DiscountVsAvg, 0.001)
	assert.True(t, res.Metrics.IsHistoricalLow)
	// 15 (tier) + 30 (low) + 15 (rating) + 5 (reviews) + 5 (available) + 5 (prime)
	assert.Equal(t, 75, res.Score)
	assert.Equal(t, 2850.0, res.Metrics.ReferencePrice)
}

func TestAnalyzeSingleRecordNeverQualifies(t *testing.T) {
	p := product(10)
	p.Rating = 5
	p.ReviewCount = 10000
	p.Available = true
	p.Prime = true

	res := newEngine(t).Analyze(p, history(10))
	assert.False(t, res.IsDeal)
	assert.Equal(t, "insufficient history", res.Reason)
}

func TestAnalyzeZeroCurrentPriceIsSkipped(t *testing.T) {
	p := product(0)
	p.Rating = 4.9
	p.ReviewCount = 5000
	p.Available = true
	p.Prime = true

	res := newEngine(t).Analyze(p, history(100, 100, 100, 90))
	assert.True(t, res.Skipped)
	assert.False(t, res.IsDeal)
	assert.Zero(t, res.Score)
}

func TestAnalyzeZeroHistoryRecordsAreAnomalies(t *testing.T) {
	res := newEngine(t).Analyze(product(90), history(100, 0, 100, 90))
	assert.Equal(t, 1, res.Metrics.Anomalies)
	assert.Equal(t, 3, res.Metrics.HistoryCount)
	assert.InDelta(t, 96.667, res.Metrics.HistoricalAvg, 0.001)
	assert.Equal(t, 90.0, res.Metrics.HistoricalMin)
	assert.True(t, res.Metrics.IsHistoricalLow)

	res = newEngine(t).Analyze(product(50), history(0, 0, 0))
	assert.Equal(t, 3, res.Metrics.Anomalies)
	assert.False(t, res.IsDeal)
	assert.Equal(t, "insufficient history", res.Reason)
}

func TestAnalyzeMissingPriceIsSkipped(t *testing.T) {
	res := newEngine(t).Analyze(&models.Product{ID: "B0TEST0001"}, history(10, 9))
	assert.True(t, res.Skipped)
	assert.False(t, res.IsDeal)
}

func TestAnalyzeInflatedListPriceBlockedByGuard(t *testing.T) {
	p := product(99)
	p.ListPrice = models.Float(300)
	p.Rating = 4.8
	p.ReviewCount = 5000
	p.Available = true
	p.Prime = true

	res := newEngine(t).Analyze(p, history(100, 98, 100, 99))
	require.NotNil(t, res.Metrics.DiscountVsList)
	assert.InDelta(t, 67, *res.Metrics.DiscountVsList, 0.01)
	assert.GreaterOrEqual(t, res.Score, 50)
	assert.False(t, res.IsDeal)
	assert.Equal(t, "discount below threshold and not a historical low", res.Reason)
}

func TestAnalyzeListPriceBecomesReference(t *testing.T) {
	p := product(60)
	p.ListPrice = models.Float(120)

	res := newEngine(t).Analyze(p, history(80, 80, 80, 60))
	assert.True(t, res.IsDeal)
	assert.Equal(t, 120.0, res.Metrics.ReferencePrice)
	assert.InDelta(t, 50, res.Metrics.DiscountPercent, 1e-9)
	// 40 (50% vs list) + 30 (low)
	assert.Equal(t, 70, res.Score)
}

func TestAnalyzeEarlyHistoryUsesLowerBar(t *testing.T) {
	e := newEngine(t)

	early := e.Analyze(product(95), history(130, 115, 95))
	assert.Equal(t, 45, early.Score)
	assert.Equal(t, ClassificationEarly, early.Classification)
	assert.True(t, early.IsDeal)

	normal := e.Analyze(product(95), history(130, 130, 115, 95))
	assert.Equal(t, 45, normal.Score)
	assert.Equal(t, ClassificationNormal, normal.Classification)
	assert.False(t, normal.IsDeal)
	assert.Equal(t, "score below bar", normal.Reason)
}

func TestAnalyzeLookbackExcludesOldRecords(t *testing.T) {
	recs := history(100, 100)
	old := models.PriceHistoryRecord{ProductID: "B0TEST0001", Price: 10000, RecordedAt: day0.Add(-45 * 24 * time.Hour)}
	recs = append([]models.PriceHistoryRecord{old}, recs...)

	res := newEngine(t).Analyze(product(100), recs)
	assert.Equal(t, 2, res.Metrics.HistoryCount)
	assert.Equal(t, 100.0, res.Metrics.HistoricalAvg)
	assert.Equal(t, 100.0, res.Metrics.HistoricalMax)
}

func TestAnalyzeDiscardsCorruptRecords(t *testing.T) {
	recs := history(100, 90, 80)
	recs = append(recs,
		models.PriceHistoryRecord{Price: -5, RecordedAt: day0.Add(72 * time.Hour)},
		models.PriceHistoryRecord{Price: 1, RecordedAt: day0.Add(-time.Hour)},
	)

	res := newEngine(t).Analyze(product(80), recs)
	assert.Equal(t, 2, res.Metrics.Anomalies)
	assert.Equal(t, 3, res.Metrics.HistoryCount)
	assert.InDelta(t, 90, res.Metrics.HistoricalAvg, 1e-9)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	e := newEngine(t)
	p := product(2400)
	p.Rating = 4.6
	recs := history(3000, 3200, 2800, 2400)

	first := e.Analyze(p, recs)
	for i := 0; i < 10; i++ {
		again := e.Analyze(p, recs)
		assert.Equal(t, first.IsDeal, again.IsDeal)
		assert.Equal(t, first.Score, again.Score)
	}
}

func TestScoreClampedTo100(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoricalLowBonus = 90
	e, err := NewEngine(cfg)
	require.NoError(t, err)

	p := product(10)
	p.Rating = 5
	p.Available = true
	res := e.Analyze(p, history(100, 100, 10))
	assert.Equal(t, 100, res.Score)
}

func TestNormalizeRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHistoryRecords = 0
	_, err := NewEngine(cfg)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	cfg = DefaultConfig()
	cfg.DiscountTiers = []Tier{{MinPercent: 15, Points: 15}, {MinPercent: 50, Points: 40}}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, 50.0, e.Config().DiscountTiers[0].MinPercent)
}
