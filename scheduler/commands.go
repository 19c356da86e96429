package scheduler

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dealwatch/identity"
	"dealwatch/models"
	"dealwatch/storage"
)

func (s *Scheduler) pollCommands(ctx context.Context) {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.ProcessCommands(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessCommands applies every pending control command once.
func (s *Scheduler) ProcessCommands(ctx context.Context) {
	cmds, err := s.commands.GetPendingCommands()
	if err != nil {
		log.WithError(err).Error("Error getting commands")
		return
	}

	for i := range cmds {
		cmd := &cmds[i]
		entry := log.WithFields(log.Fields{"command": cmd.Command, "id": cmd.ID})
		entry.Info("Processing command")

		cmdErr := s.handleCommand(ctx, cmd)
		if cmdErr != nil {
			entry.WithError(cmdErr).Warn("Command failed")
		}
		if err := s.commands.MarkCommandProcessed(cmd.ID, cmdErr); err != nil {
			entry.WithError(err).Error("Error marking command processed")
		}
	}
}

func (s *Scheduler) handleCommand(ctx context.Context, cmd *models.Command) error {
	params, err := storage.ParseCommandParams(cmd)
	if err != nil {
		return err
	}

	switch cmd.Command {
	case models.CmdRunNow:
		if len(params.Products) == 0 {
			s.Trigger()
			return nil
		}
		return s.runProducts(ctx, params.Products)
	case models.CmdPause:
		s.pool.PauseAll()
		return nil
	case models.CmdResume:
		s.pool.ResumeAll()
		return nil
	case models.CmdScale:
		return s.pool.Scale(params.Workers)
	case models.CmdRestart:
		go s.restartPool(ctx)
		return nil
	case models.CmdCancel:
		if params.TaskID == "" {
			return fmt.Errorf("cancel: task_id is required: %w", models.ErrDataValidation)
		}
		return s.pool.CancelTask(params.TaskID)
	case models.CmdSetSchedule:
		job := params.Job
		if job == "" {
			job = JobCheck
		}
		return s.SetSchedule(job, params.Schedule)
	}
	return fmt.Errorf("unknown command %q: %w", cmd.Command, models.ErrDataValidation)
}

// restartPool drains and relaunches the pool off the command poller so later
// commands are not held up by in-flight tasks.
func (s *Scheduler) restartPool(ctx context.Context) {
	restartCtx, cancel := context.WithTimeout(ctx, s.workers.CycleTimeout+time.Minute)
	defer cancel()
	if err := s.pool.Restart(restartCtx); err != nil {
		log.WithError(err).Error("Pool restart failed")
	}
}

// runProducts submits an immediate check of specific products. Unknown
// products are checked as new ones.
func (s *Scheduler) runProducts(ctx context.Context, ids []string) error {
	var batch []models.Product
	for _, raw := range ids {
		id, ok := identity.Normalize(raw)
		if !ok {
			log.WithField("product", raw).Warn("Ignoring malformed product id in command")
			continue
		}
		p, err := s.products.GetProduct(ctx, id)
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		if p == nil {
			p = &models.Product{ID: id}
		}
		batch = append(batch, *p)
	}
	if len(batch) == 0 {
		return fmt.Errorf("run_now: no valid product ids: %w", models.ErrDataValidation)
	}

	for _, part := range Partition(batch, 1, s.workers.BatchSize) {
		id, err := s.pool.Submit(part)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{"task": id, "products": len(part)}).Info("Manual check queued")
	}
	return nil
}
