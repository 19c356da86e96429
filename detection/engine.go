package detection

import (
	"math"

	"dealwatch/models"
)

const (
	ClassificationNormal = "normal"
	ClassificationEarly  = "early"
)

// Metrics are the window statistics behind a decision.
type Metrics struct {
	HistoryCount    int      `json:"history_count"`
	Anomalies       int      `json:"anomalies"`
	CurrentPrice    float64  `json:"current_price"`
	HistoricalAvg   float64  `json:"historical_avg"`
	HistoricalMin   float64  `json:"historical_min"`
	HistoricalMax   float64  `json:"historical_max"`
	DiscountVsAvg   float64  `json:"discount_vs_avg"`
	DiscountVsList  *float64 `json:"discount_vs_list,omitempty"`
	IsHistoricalLow bool     `json:"is_historical_low"`

	// ReferencePrice is the price the deal is measured against: the list
	// price when it gives the larger discount, otherwise the average.
	ReferencePrice  float64 `json:"reference_price"`
	DiscountPercent float64 `json:"discount_percent"`
	ScoreBar        int     `json:"score_bar"`
}

type Result struct {
	IsDeal         bool   `json:"is_deal"`
	Score          int    `json:"score"`
	Classification string `json:"classification"`

	// Skipped is set when the product has no usable current price.
	Skipped bool    `json:"skipped"`
	Reason  string  `json:"reason"`
	Metrics Metrics `json:"metrics"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Analyze decides whether the product's current price is a deal given its
// price history. It reads nothing but its arguments, so equal inputs always
// produce equal results.
func (e *Engine) Analyze(p *models.Product, history []models.PriceHistoryRecord) Result {
	if p == nil || p.CurrentPrice == nil || !validPrice(*p.CurrentPrice) {
		return Result{Skipped: true, Reason: "no current price"}
	}
	current := *p.CurrentPrice

	window, anomalies := e.window(history)
	m := Metrics{
		HistoryCount: len(window),
		Anomalies:    anomalies,
		CurrentPrice: current,
	}

	early := m.HistoryCount <= e.cfg.EarlyThreshold
	res := Result{Classification: ClassificationNormal}
	m.ScoreBar = e.cfg.NormalScoreBar
	if early {
		res.Classification = ClassificationEarly
		m.ScoreBar = e.cfg.EarlyScoreBar
	}

	if m.HistoryCount < e.cfg.MinHistoryRecords {
		res.Reason = "insufficient history"
		res.Metrics = m
		return res
	}

	sum := 0.0
	m.HistoricalMin = math.Inf(1)
	m.HistoricalMax = math.Inf(-1)
	for _, r := range window {
		sum += r.Price
		m.HistoricalMin = math.Min(m.HistoricalMin, r.Price)
		m.HistoricalMax = math.Max(m.HistoricalMax, r.Price)
	}
	m.HistoricalAvg = sum / float64(m.HistoryCount)

	m.DiscountVsAvg = percentOff(m.HistoricalAvg, current)
	m.ReferencePrice = m.HistoricalAvg
	m.DiscountPercent = m.DiscountVsAvg
	magnitude := m.DiscountVsAvg
	if lp := p.ListPrice; lp != nil && validPrice(*lp) {
		vsList := percentOff(*lp, current)
		m.DiscountVsList = &vsList
		if vsList > magnitude {
			magnitude = vsList
			m.ReferencePrice = *lp
			m.DiscountPercent = vsList
		}
	}
	m.IsHistoricalLow = current <= m.HistoricalMin+e.cfg.Epsilon

	res.Score = e.score(p, m, magnitude)
	res.Metrics = m

	guard := m.DiscountVsAvg >= e.cfg.MinDiscount || m.IsHistoricalLow
	switch {
	case !guard:
		res.Reason = "discount below threshold and not a historical low"
	case res.Score < m.ScoreBar:
		res.Reason = "score below bar"
	default:
		res.IsDeal = true
		res.Reason = "qualified"
	}
	return res
}

func (e *Engine) score(p *models.Product, m Metrics, magnitude float64) int {
	score := 0
	for _, t := range e.cfg.DiscountTiers {
		if magnitude >= t.MinPercent {
			score += t.Points
			break
		}
	}

	switch {
	case m.IsHistoricalLow:
		score += e.cfg.HistoricalLowBonus
	case m.DiscountVsAvg >= e.cfg.StrongDropPercent:
		score += e.cfg.StrongDropBonus
	case m.DiscountVsAvg >= e.cfg.ModerateDropPercent:
		score += e.cfg.ModerateDropBonus
	}

	if p.Rating >= e.cfg.MinRating {
		score += e.cfg.RatingBonus
	}
	if p.ReviewCount >= e.cfg.MinReviews {
		score += e.cfg.ReviewsBonus
	}
	if p.Available {
		score += e.cfg.AvailableBonus
	}
	if p.Prime {
		score += e.cfg.PrimeBonus
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// window drops corrupt records (zero or negative prices, timestamps going backwards)
// and then keeps those within Lookback of the newest remaining record.
func (e *Engine) window(history []models.PriceHistoryRecord) ([]models.PriceHistoryRecord, int) {
	clean := make([]models.PriceHistoryRecord, 0, len(history))
	anomalies := 0
	for _, r := range history {
		if !validPrice(r.Price) {
			anomalies++
			continue
		}
		if n := len(clean); n > 0 && r.RecordedAt.Before(clean[n-1].RecordedAt) {
			anomalies++
			continue
		}
		clean = append(clean, r)
	}
	if len(clean) == 0 || e.cfg.Lookback <= 0 {
		return clean, anomalies
	}

	cutoff := clean[len(clean)-1].RecordedAt.Add(-e.cfg.Lookback)
	start := 0
	for start < len(clean) && clean[start].RecordedAt.Before(cutoff) {
		start++
	}
	return clean[start:], anomalies
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func percentOff(reference, current float64) float64 {
	return (reference - current) / reference * 100
}
