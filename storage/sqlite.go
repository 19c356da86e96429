package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dealwatch/models"
)

// SQLiteStore is the local operational store: cycle runs, cycle logs, the
// control command queue and persisted control-plane settings.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cycle_runs (
		id INTEGER PRIMARY KEY,
		task_id TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		checked INTEGER DEFAULT 0,
		price_changes INTEGER DEFAULT 0,
		deals_created INTEGER DEFAULT 0,
		deals_updated INTEGER DEFAULT 0,
		deals_expired INTEGER DEFAULT 0,
		degraded INTEGER DEFAULT 0,
		errors_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cycle_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		source TEXT,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_logs_run ON cycle_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON cycle_runs(status, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *SQLiteStore) CreateRun(run *models.CycleRun) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO cycle_runs (task_id, started_at, status) VALUES (?, ?, ?)`,
		run.TaskID, run.StartedAt, run.Status)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) UpdateRun(run *models.CycleRun) error {
	_, err := s.db.Exec(`
		UPDATE cycle_runs SET finished_at = ?, status = ?, checked = ?, price_changes = ?,
			deals_created = ?, deals_updated = ?, deals_expired = ?, degraded = ?, errors_count = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.Checked, run.PriceChanges,
		run.DealsCreated, run.DealsUpdated, run.DealsExpired, run.Degraded, run.ErrorsCount, run.ID)
	return err
}

func (s *SQLiteStore) RecentRuns(limit int) ([]models.CycleRun, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, started_at, finished_at, status, checked, price_changes,
			deals_created, deals_updated, deals_expired, degraded, errors_count
		FROM cycle_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.CycleRun
	for rows.Next() {
		var r models.CycleRun
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Checked,
			&r.PriceChanges, &r.DealsCreated, &r.DealsUpdated, &r.DealsExpired, &r.Degraded, &r.ErrorsCount); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) Log(runID *int64, level models.LogLevel, source, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO cycle_logs (run_id, timestamp, level, source, message)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now(), level, source, message)
	return err
}

func (s *SQLiteStore) RecentLogs(limit int) ([]models.CycleLog, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, timestamp, level, source, message
		FROM cycle_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.CycleLog
	for rows.Next() {
		var l models.CycleLog
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Source, &l.Message); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// =============================================================================
// Commands
// =============================================================================

// EnqueueCommand adds a control command for the scheduler to pick up.
func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error) {
	var raw []byte
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return 0, err
		}
	}
	result, err := s.db.Exec(`INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		cmd, string(raw), time.Now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid && params.String != "" {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// MarkCommandProcessed closes a command, recording why it failed if it did.
func (s *SQLiteStore) MarkCommandProcessed(id int64, cmdErr error) error {
	var msg sql.NullString
	if cmdErr != nil {
		msg = sql.NullString{String: cmdErr.Error(), Valid: true}
	}
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ?, error = ? WHERE id = ?`, time.Now(), msg, id)
	return err
}

func ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || string(cmd.Params) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// =============================================================================
// Settings
// =============================================================================

func (s *SQLiteStore) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	return err
}

func (s *SQLiteStore) GetIntSetting(key string, fallback int) (int, error) {
	raw, ok, err := s.GetSetting(key)
	if err != nil || !ok {
		return fallback, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, nil
	}
	return v, nil
}

func (s *SQLiteStore) SetIntSetting(key string, value int) error {
	return s.SetSetting(key, strconv.Itoa(value))
}
