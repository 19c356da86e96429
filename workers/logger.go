package workers

import (
	log "github.com/sirupsen/logrus"

	"dealwatch/checker"
	"dealwatch/models"
)

// runLogger writes cycle events to the cycle_logs table under runID.
func runLogger(ops OpsStore, runID *int64) checker.LogFunc {
	if ops == nil {
		return checker.NoOpLogger
	}
	return func(level models.LogLevel, source, message string) {
		if err := ops.Log(runID, level, source, message); err != nil {
			log.WithError(err).WithField("source", source).Debug("Dropped cycle log line")
		}
	}
}
