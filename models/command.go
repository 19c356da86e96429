package models

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CmdRunNow      CommandType = "run_now"
	CmdPause       CommandType = "pause"
	CmdResume      CommandType = "resume"
	CmdScale       CommandType = "scale"
	CmdRestart     CommandType = "restart"
	CmdCancel      CommandType = "cancel"
	CmdSetSchedule CommandType = "set_schedule"
)

type Command struct {
	ID          int64           `json:"id" db:"id"`
	Command     CommandType     `json:"command" db:"command"`
	Params      json.RawMessage `json:"params" db:"params"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at" db:"processed_at"`
	Error       string          `json:"error,omitempty" db:"error"`
}

type CommandParams struct {
	Workers  int      `json:"workers,omitempty"`
	TaskID   string   `json:"task_id,omitempty"`
	Job      string   `json:"job,omitempty"`
	Schedule string   `json:"schedule,omitempty"`
	Products []string `json:"products,omitempty"`
}
