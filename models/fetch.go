package models

import "time"

// Outcome classifies a single fetch attempt for one identifier.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeParseError  Outcome = "parse_error"
)

// Strategy names the acquisition tier that produced a result.
type Strategy string

const (
	StrategyAPI     Strategy = "api"
	StrategyHTTP    Strategy = "http"
	StrategyBrowser Strategy = "browser"
)

type FetchResult struct {
	Identifier string        `json:"identifier"`
	Outcome    Outcome       `json:"outcome"`
	Payload    *ProductData  `json:"payload,omitempty"`
	Strategy   Strategy      `json:"strategy"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
	Err        error         `json:"-"`
	Artifact   string        `json:"artifact,omitempty"`
}

func (r FetchResult) OK() bool {
	return r.Outcome == OutcomeSuccess && r.Payload != nil
}

// Failed builds a non-success result from an error.
func Failed(id string, strategy Strategy, err error) FetchResult {
	return FetchResult{
		Identifier: id,
		Outcome:    OutcomeForError(err),
		Strategy:   strategy,
		Err:        err,
	}
}
