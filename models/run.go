package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// CycleRun is the persisted summary of one price-check cycle.
type CycleRun struct {
	ID           int64      `json:"id" db:"id"`
	TaskID       string     `json:"task_id" db:"task_id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	Checked      int        `json:"checked" db:"checked"`
	PriceChanges int        `json:"price_changes" db:"price_changes"`
	DealsCreated int        `json:"deals_created" db:"deals_created"`
	DealsUpdated int        `json:"deals_updated" db:"deals_updated"`
	DealsExpired int        `json:"deals_expired" db:"deals_expired"`
	Degraded     int        `json:"degraded" db:"degraded"`
	ErrorsCount  int        `json:"errors_count" db:"errors_count"`
}

// Degradation records a product that could not be refreshed this cycle.
type Degradation struct {
	ProductID string   `json:"product_id"`
	Outcome   Outcome  `json:"outcome"`
	Strategy  Strategy `json:"strategy"`
	Reason    string   `json:"reason"`
}

// CycleReport summarizes RunCycle.
type CycleReport struct {
	TaskID        string           `json:"task_id"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Checked       int              `json:"checked"`
	Succeeded     int              `json:"succeeded"`
	Unchanged     int              `json:"unchanged"`
	PriceChanges  int              `json:"price_changes"`
	HistoryAdded  int              `json:"history_added"`
	DealsCreated  int              `json:"deals_created"`
	DealsUpdated  int              `json:"deals_updated"`
	DealsExpired  int              `json:"deals_expired"`
	Anomalies     int              `json:"anomalies"`
	Errors        int              `json:"errors"`
	SkippedLocked []string         `json:"skipped_locked,omitempty"`
	Degraded      []Degradation    `json:"degraded,omitempty"`
	ByStrategy    map[Strategy]int `json:"by_strategy"`
	Cancelled     bool             `json:"cancelled"`
}

func NewCycleReport(taskID string, started time.Time) *CycleReport {
	return &CycleReport{
		TaskID:     taskID,
		StartedAt:  started,
		ByStrategy: make(map[Strategy]int),
	}
}

// Run converts a report into its persisted form.
func (r *CycleReport) Run(status RunStatus) CycleRun {
	finished := r.FinishedAt
	return CycleRun{
		TaskID:       r.TaskID,
		StartedAt:    r.StartedAt,
		FinishedAt:   &finished,
		Status:       status,
		Checked:      r.Checked,
		PriceChanges: r.PriceChanges,
		DealsCreated: r.DealsCreated,
		DealsUpdated: r.DealsUpdated,
		DealsExpired: r.DealsExpired,
		Degraded:     len(r.Degraded),
		ErrorsCount:  r.Errors,
	}
}

// PoolStats is a point-in-time view of the worker pool.
type PoolStats struct {
	Workers    int  `json:"workers"`
	Configured int  `json:"configured"`
	Queued     int  `json:"queued"`
	Running    int  `json:"running"`
	Paused     bool `json:"paused"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Cancelled  int  `json:"cancelled"`
}

type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskRunning TaskState = "running"
)

// TaskInfo describes a queued or running check task.
type TaskInfo struct {
	ID        string     `json:"id"`
	State     TaskState  `json:"state"`
	Products  int        `json:"products"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}
