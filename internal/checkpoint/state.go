// Package checkpoint persists migration jobs, their operations, item
// results and attachment outcomes in SQLite, so counters and history
// survive process restarts and resumed jobs skip completed items.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// State manages migration state in SQLite
type State struct {
	db *sql.DB
}

// Job is one migration job's persisted header.
type Job struct {
	ID          string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Status      string
	SourceKind  string
	TargetKind  string
	Scope       string
	TotalItems  int
	Config      string
}

// ItemResult is the persisted outcome of one test case.
type ItemResult struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId,omitempty"`
	Status   string `json:"status"`
	Warnings int    `json:"warnings,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AttachmentRecord is the persisted outcome of one attachment.
type AttachmentRecord struct {
	AttachmentID string `json:"attachmentId"`
	TargetItemID string `json:"targetItemId"`
	TargetID     string `json:"targetId,omitempty"`
	Name         string `json:"name,omitempty"`
	Status       string `json:"status"`
	Converted    bool   `json:"converted,omitempty"`
	Compressed   bool   `json:"compressed,omitempty"`
	BytesBefore  int64  `json:"bytesBefore"`
	BytesAfter   int64  `json:"bytesAfter"`
	Error        string `json:"error,omitempty"`
}

// JobStats aggregates item counters for one job.
type JobStats struct {
	Total    int `json:"total"`
	Migrated int `json:"migrated"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Warnings int `json:"warnings"`
}

// AttachmentStats aggregates attachment counters for one job.
type AttachmentStats struct {
	Total       int   `json:"total"`
	Uploaded    int   `json:"uploaded"`
	Failed      int   `json:"failed"`
	Converted   int   `json:"converted"`
	Compressed  int   `json:"compressed"`
	BytesBefore int64 `json:"bytesBefore"`
	BytesAfter  int64 `json:"bytesAfter"`
}

// New creates a new state manager
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tcmigrate.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'configuring',
		source_kind TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		scope TEXT,
		total_items INTEGER DEFAULT 0,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT REFERENCES jobs(id),
		op_id TEXT NOT NULL,
		name TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TEXT,
		completed_at TEXT,
		attempts INTEGER DEFAULT 0,
		error_message TEXT,
		UNIQUE(job_id, op_id)
	);

	CREATE TABLE IF NOT EXISTS items (
		job_id TEXT REFERENCES jobs(id),
		source_id TEXT NOT NULL,
		target_id TEXT,
		status TEXT NOT NULL,
		warnings INTEGER DEFAULT 0,
		error_message TEXT,
		updated_at TEXT,
		PRIMARY KEY (job_id, source_id)
	);

	CREATE TABLE IF NOT EXISTS attachments (
		job_id TEXT REFERENCES jobs(id),
		attachment_id TEXT NOT NULL,
		target_item_id TEXT NOT NULL,
		target_id TEXT,
		name TEXT,
		status TEXT NOT NULL,
		converted INTEGER DEFAULT 0,
		compressed INTEGER DEFAULT 0,
		bytes_before INTEGER DEFAULT 0,
		bytes_after INTEGER DEFAULT 0,
		error_message TEXT,
		PRIMARY KEY (job_id, attachment_id, target_item_id)
	);

	CREATE INDEX IF NOT EXISTS idx_items_job_status ON items(job_id, status);
	CREATE INDEX IF NOT EXISTS idx_attachments_job ON attachments(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// CreateJob records a newly configured job
func (s *State) CreateJob(id, sourceKind, targetKind, scope string, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, created_at, status, source_kind, target_kind, scope, config)
		VALUES (?, datetime('now'), 'idle', ?, ?, ?, ?)
	`, id, sourceKind, targetKind, scope, string(configJSON))
	return err
}

// StartJob marks a job running
func (s *State) StartJob(id string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = 'running', started_at = datetime('now')
		WHERE id = ?
	`, id)
	return err
}

// SetJobStatus updates a job's status without touching timestamps
func (s *State) SetJobStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, status, id)
	return err
}

// CompleteJob marks a job terminal
func (s *State) CompleteJob(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE jobs SET status = ?, completed_at = datetime('now')
		WHERE id = ?
	`, status, id)
	return err
}

// SetJobTotal records the discovered item count
func (s *State) SetJobTotal(id string, total int) error {
	_, err := s.db.Exec(`UPDATE jobs SET total_items = ? WHERE id = ?`, total, id)
	return err
}

// GetJob returns one job header, nil when unknown
func (s *State) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, started_at, completed_at, status,
		       source_kind, target_kind, scope, total_items, config
		FROM jobs WHERE id = ?
	`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var createdAt string
	var startedAt, completedAt, scope, config sql.NullString
	err := row.Scan(&j.ID, &createdAt, &startedAt, &completedAt, &j.Status,
		&j.SourceKind, &j.TargetKind, &scope, &j.TotalItems, &config)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(sqliteTimeLayout, startedAt.String)
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(sqliteTimeLayout, completedAt.String)
		j.CompletedAt = &t
	}
	j.Scope = scope.String
	j.Config = config.String
	return &j, nil
}

// UpsertOperation records an operation status transition
func (s *State) UpsertOperation(jobID, opID, name, status, errorMsg string) error {
	_, err := s.db.Exec(`
		INSERT INTO operations (job_id, op_id, name, status, started_at, error_message)
		VALUES (?, ?, ?, ?, datetime('now'), ?)
		ON CONFLICT(job_id, op_id) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			attempts = attempts + 1,
			completed_at = CASE WHEN excluded.status IN ('completed','failed','skipped')
				THEN datetime('now') ELSE completed_at END
	`, jobID, opID, name, status, errorMsg)
	return err
}

// RecordItem persists one test case outcome. Re-recording a source id
// overwrites the previous row, keeping resume idempotent.
func (s *State) RecordItem(jobID, sourceID, targetID, status string, warnings int, errorMsg string) error {
	_, err := s.db.Exec(`
		INSERT INTO items (job_id, source_id, target_id, status, warnings, error_message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(job_id, source_id) DO UPDATE SET
			target_id = excluded.target_id,
			status = excluded.status,
			warnings = excluded.warnings,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, jobID, sourceID, targetID, status, warnings, errorMsg)
	return err
}

// MigratedItems returns sourceID -> targetID for items already
// migrated in this job, so a retried operation skips them.
func (s *State) MigratedItems(jobID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT source_id, target_id FROM items
		WHERE job_id = ? AND status = 'migrated'
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]string)
	for rows.Next() {
		var src string
		var tgt sql.NullString
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, err
		}
		done[src] = tgt.String
	}
	return done, rows.Err()
}

// GetResults returns per-item outcomes for a job
func (s *State) GetResults(jobID string) ([]ItemResult, error) {
	rows, err := s.db.Query(`
		SELECT source_id, target_id, status, warnings, error_message
		FROM items WHERE job_id = ? ORDER BY source_id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ItemResult
	for rows.Next() {
		var r ItemResult
		var targetID, errorMsg sql.NullString
		if err := rows.Scan(&r.SourceID, &targetID, &r.Status, &r.Warnings, &errorMsg); err != nil {
			return nil, err
		}
		r.TargetID = targetID.String
		r.Error = errorMsg.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetJobStats aggregates item counters for a job
func (s *State) GetJobStats(jobID string) (JobStats, error) {
	var st JobStats
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'migrated' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(warnings), 0)
		FROM items WHERE job_id = ?
	`, jobID).Scan(&st.Total, &st.Migrated, &st.Failed, &st.Skipped, &st.Warnings)
	return st, err
}

// RecordAttachment persists one attachment outcome
func (s *State) RecordAttachment(jobID string, rec AttachmentRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO attachments (job_id, attachment_id, target_item_id, target_id, name,
			status, converted, compressed, bytes_before, bytes_after, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, attachment_id, target_item_id) DO UPDATE SET
			target_id = excluded.target_id,
			status = excluded.status,
			converted = excluded.converted,
			compressed = excluded.compressed,
			bytes_before = excluded.bytes_before,
			bytes_after = excluded.bytes_after,
			error_message = excluded.error_message
	`, jobID, rec.AttachmentID, rec.TargetItemID, rec.TargetID, rec.Name,
		rec.Status, rec.Converted, rec.Compressed, rec.BytesBefore, rec.BytesAfter, rec.Error)
	return err
}

// GetAttachmentRecords returns per-attachment outcomes for a job
func (s *State) GetAttachmentRecords(jobID string) ([]AttachmentRecord, error) {
	rows, err := s.db.Query(`
		SELECT attachment_id, target_item_id, target_id, name, status,
		       converted, compressed, bytes_before, bytes_after, error_message
		FROM attachments WHERE job_id = ? ORDER BY attachment_id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AttachmentRecord
	for rows.Next() {
		var r AttachmentRecord
		var targetID, name, errorMsg sql.NullString
		if err := rows.Scan(&r.AttachmentID, &r.TargetItemID, &targetID, &name, &r.Status,
			&r.Converted, &r.Compressed, &r.BytesBefore, &r.BytesAfter, &errorMsg); err != nil {
			return nil, err
		}
		r.TargetID = targetID.String
		r.Name = name.String
		r.Error = errorMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetAttachmentStats aggregates attachment counters for a job
func (s *State) GetAttachmentStats(jobID string) (AttachmentStats, error) {
	var st AttachmentStats
	err := s.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'uploaded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(converted), 0),
			COALESCE(SUM(compressed), 0),
			COALESCE(SUM(bytes_before), 0),
			COALESCE(SUM(bytes_after), 0)
		FROM attachments WHERE job_id = ?
	`, jobID).Scan(&st.Total, &st.Uploaded, &st.Failed,
		&st.Converted, &st.Compressed, &st.BytesBefore, &st.BytesAfter)
	return st, err
}

// GetAllJobs returns recent jobs for history, newest first
func (s *State) GetAllJobs() ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, started_at, completed_at, status,
		       source_kind, target_kind, scope, total_items, config
		FROM jobs ORDER BY created_at DESC LIMIT 20
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// CleanupOldJobs deletes terminal jobs older than the retention window
// along with their operations, items and attachments.
func (s *State) CleanupOldJobs(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(sqliteTimeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const terminal = `('completed','completed_with_warnings','failed','cancelled')`
	for _, q := range []string{
		`DELETE FROM operations WHERE job_id IN
			(SELECT id FROM jobs WHERE status IN ` + terminal + ` AND created_at < ?)`,
		`DELETE FROM items WHERE job_id IN
			(SELECT id FROM jobs WHERE status IN ` + terminal + ` AND created_at < ?)`,
		`DELETE FROM attachments WHERE job_id IN
			(SELECT id FROM jobs WHERE status IN ` + terminal + ` AND created_at < ?)`,
	} {
		if _, err := tx.Exec(q, cutoff); err != nil {
			return 0, err
		}
	}

	res, err := tx.Exec(
		`DELETE FROM jobs WHERE status IN `+terminal+` AND created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	deleted, _ := res.RowsAffected()
	return deleted, tx.Commit()
}
