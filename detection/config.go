package detection

import (
	"fmt"
	"sort"
	"time"

	"dealwatch/models"
)

// Tier awards Points when a discount reaches MinPercent.
type Tier struct {
	MinPercent float64 `yaml:"min_percent"`
	Points     int     `yaml:"points"`
}

// Config holds every threshold and weight the engine uses.
type Config struct {
	MinHistoryRecords int           `yaml:"min_history_records"`
	EarlyThreshold    int           `yaml:"early_threshold"`
	NormalScoreBar    int           `yaml:"normal_score_bar"`
	EarlyScoreBar     int           `yaml:"early_score_bar"`
	MinDiscount       float64       `yaml:"min_discount"`
	Lookback          time.Duration `yaml:"lookback"`
	Epsilon           float64       `yaml:"epsilon"`
	DiscountTiers     []Tier        `yaml:"discount_tiers"`

	HistoricalLowBonus  int     `yaml:"historical_low_bonus"`
	StrongDropPercent   float64 `yaml:"strong_drop_percent"`
	StrongDropBonus     int     `yaml:"strong_drop_bonus"`
	ModerateDropPercent float64 `yaml:"moderate_drop_percent"`
	ModerateDropBonus   int     `yaml:"moderate_drop_bonus"`
	MinRating           float64 `yaml:"min_rating"`
	RatingBonus         int     `yaml:"rating_bonus"`
	MinReviews          int     `yaml:"min_reviews"`
	ReviewsBonus        int     `yaml:"reviews_bonus"`
	AvailableBonus      int     `yaml:"available_bonus"`
	PrimeBonus          int     `yaml:"prime_bonus"`
}

func DefaultConfig() Config {
	return Config{
		MinHistoryRecords: 2,
		EarlyThreshold:    3,
		NormalScoreBar:    50,
		EarlyScoreBar:     45,
		MinDiscount:       15,
		Lookback:          30 * 24 * time.Hour,
		Epsilon:           0.01,
		DiscountTiers: []Tier{
			{MinPercent: 50, Points: 40},
			{MinPercent: 30, Points: 30},
			{MinPercent: 20, Points: 20},
			{MinPercent: 15, Points: 15},
		},
		HistoricalLowBonus:  30,
		StrongDropPercent:   20,
		StrongDropBonus:     25,
		ModerateDropPercent: 10,
		ModerateDropBonus:   15,
		MinRating:           4.5,
		RatingBonus:         15,
		MinReviews:          1000,
		ReviewsBonus:        5,
		AvailableBonus:      5,
		PrimeBonus:          5,
	}
}

// Normalize sorts tiers from highest threshold down and validates the
// result. Callers start from DefaultConfig and overlay their settings.
func (c Config) Normalize() (Config, error) {
	tiers := append([]Tier(nil), c.DiscountTiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinPercent > tiers[j].MinPercent })
	c.DiscountTiers = tiers

	if c.MinHistoryRecords < 1 {
		return c, fmt.Errorf("min_history_records must be positive: %w", models.ErrConfiguration)
	}
	if c.EarlyScoreBar < 0 || c.NormalScoreBar < 0 || c.MinDiscount < 0 || c.Epsilon < 0 {
		return c, fmt.Errorf("score bars, min_discount and epsilon must not be negative: %w", models.ErrConfiguration)
	}
	if c.Lookback < 0 {
		return c, fmt.Errorf("lookback must not be negative: %w", models.ErrConfiguration)
	}
	for _, t := range c.DiscountTiers {
		if t.Points < 0 || t.MinPercent <= 0 {
			return c, fmt.Errorf("discount tier %+v is invalid: %w", t, models.ErrConfiguration)
		}
	}
	return c, nil
}
