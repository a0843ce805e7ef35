package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// JobsStore persists scheduled jobs and their history in jobs.db.
type JobsStore struct {
	db *sql.DB
}

var jobsSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		requester_pubkey TEXT NOT NULL,
		dvm_pubkey       TEXT NOT NULL,
		relays           TEXT NOT NULL DEFAULT '[]',
		scheduled_at     INTEGER NOT NULL,
		status           TEXT NOT NULL,
		payload          TEXT NOT NULL,
		last_error       TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled_at ON jobs(status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pubkey_updated ON jobs(requester_pubkey, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_pubkey_status_updated ON jobs(requester_pubkey, status, updated_at)`,
}

// OpenJobsStore opens (creating if needed) jobs.db under dataDir.
func OpenJobsStore(path string, busyTimeout time.Duration) (*JobsStore, error) {
	db, err := openDB(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if err := migrate(db, jobsSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &JobsStore{db: db}, nil
}

// Close releases the underlying database.
func (s *JobsStore) Close() error { return s.db.Close() }

const jobColumns = `id, requester_pubkey, dvm_pubkey, relays, scheduled_at, status, payload, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var relaysJSON, payloadJSON, status string
	err := r.Scan(&j.ID, &j.RequesterPubkey, &j.DVMPubkey, &relaysJSON, &j.ScheduledAt,
		&status, &payloadJSON, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if err := json.Unmarshal([]byte(relaysJSON), &j.Relays); err != nil {
		return nil, fmt.Errorf("job %s relays: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
		return nil, fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	return &j, nil
}

// UpsertJob inserts or replaces a job atomically. CreatedAt is preserved on
// replace; UpdatedAt is set by the store.
func (s *JobsStore) UpsertJob(j *Job) error {
	relaysJSON, err := json.Marshal(j.Relays)
	if err != nil {
		return fmt.Errorf("marshal relays: %w", err)
	}
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().Unix()
	if j.CreatedAt == 0 {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			relays = excluded.relays,
			scheduled_at = excluded.scheduled_at,
			status = excluded.status,
			payload = excluded.payload,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		j.ID, j.RequesterPubkey, j.DVMPubkey, string(relaysJSON), j.ScheduledAt,
		string(j.Status), string(payloadJSON), j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob returns a job by id or ErrNotFound.
func (s *JobsStore) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// HasJob reports whether a job row exists for id. Used for intake dedup.
func (s *JobsStore) HasJob(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListPendingJobs returns every scheduled job ordered by due time ascending.
// Called on boot to restore the scheduler.
func (s *JobsStore) ListPendingJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY scheduled_at ASC`, string(StatusScheduled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListUserJobs returns a user's jobs in the given statuses, newest update
// first, bounded by limit. A nil statuses slice means all.
func (s *JobsStore) ListUserJobs(pubkey string, statuses []Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE requester_pubkey = ?`
	args := []interface{}{pubkey}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkJobStatus updates status and lastError and returns the updated row.
func (s *JobsStore) MarkJobStatus(id string, status Status, lastError string) (*Job, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, string(status), lastError, time.Now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("mark job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetJob(id)
}

// UpdateJob applies fn to the current row and writes payload, relays, status,
// scheduled time and error back atomically.
func (s *JobsStore) UpdateJob(id string, fn func(*Job) error) (*Job, error) {
	var updated *Job
	err := inTx(s.db, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}

		relaysJSON, err := json.Marshal(j.Relays)
		if err != nil {
			return fmt.Errorf("marshal relays: %w", err)
		}
		payloadJSON, err := json.Marshal(j.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		j.UpdatedAt = time.Now().Unix()

		_, err = tx.Exec(`UPDATE jobs SET relays = ?, scheduled_at = ?, status = ?,
			payload = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			string(relaysJSON), j.ScheduledAt, string(j.Status),
			string(payloadJSON), j.LastError, j.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		updated = j
		return nil
	})
	return updated, err
}

// DeleteJob removes a job row. DM jobs are deleted once fully sent; the
// delivered gift wraps on the recipients' relays are the durable record.
func (s *JobsStore) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// EarliestPendingAt returns the soonest scheduled_at among pending jobs.
func (s *JobsStore) EarliestPendingAt() (int64, bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(scheduled_at) FROM jobs WHERE status = ?`,
		string(StatusScheduled)).Scan(&at)
	if err != nil {
		return 0, false, err
	}
	return at.Int64, at.Valid, nil
}

// CountByStatus returns job counts keyed by status, for metrics and the
// mailbox index counts block.
func (s *JobsStore) CountByStatus(pubkey string) (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs
		WHERE requester_pubkey = ? GROUP BY status`, pubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

// UserPubkeys returns every distinct requester with at least one job row.
// Used by shutdown flush and repair sweeps.
func (s *JobsStore) UserPubkeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT requester_pubkey FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
