package console

import (
	"context"

	"dealwatch/models"
)

// OpsSource is the operational store the console reads state from and
// queues control commands into.
type OpsSource interface {
	RecentRuns(limit int) ([]models.CycleRun, error)
	RecentLogs(limit int) ([]models.CycleLog, error)
	GetPendingCommands() ([]models.Command, error)
	GetSetting(key string) (string, bool, error)
	GetIntSetting(key string, fallback int) (int, error)
	EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error)
}

// DealSource lists the active deals shown on the deals tab.
type DealSource interface {
	ListActiveDeals(ctx context.Context, limit int) ([]models.Deal, error)
}
