package schedule

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/lector/errors"
	"github.com/teranos/lector/pulse/async"
)

// Store persists job records in the jobs table. It is the durable source of
// truth; the coordinator's in-memory view is reconciled against it.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a job store on db
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetJobs returns all jobs, or only WAITING jobs whose next run is due.
func (s *Store) GetJobs(ctx context.Context, dueOnly bool) ([]JobItem, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if dueOnly {
		query += ` WHERE state = ? AND next_run IS NOT NULL AND next_run <= ?`
		args = append(args, StateWaiting, s.now().UTC())
	}
	query += ` ORDER BY next_run IS NULL, next_run, id`

	items, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get jobs")
	}
	return items, nil
}

// QueryJobs returns the candidate pool of the balanced strategy: every due
// WAITING job, oldest schedule first.
func (s *Store) QueryJobs(ctx context.Context) ([]JobItem, error) {
	return s.GetJobs(ctx, true)
}

// GetJobsByID returns the jobs with the given ids. Unknown ids are skipped.
func (s *Store) GetJobsByID(ctx context.Context, ids ...int64) ([]JobItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	items, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get jobs by id")
	}
	return items, nil
}

// GetJobsByName returns the jobs with the given names.
func (s *Store) GetJobsByName(ctx context.Context, names ...string) ([]JobItem, error) {
	if len(names) == 0 {
		return nil, nil
	}
	items, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name IN (`+placeholders(len(names))+`) ORDER BY id`, stringArgs(names)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get jobs by name")
	}
	return items, nil
}

// GetJobsByToken returns the jobs carrying one of the correlation tokens.
func (s *Store) GetJobsByToken(ctx context.Context, tokens ...string) ([]JobItem, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	items, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE token IN (`+placeholders(len(tokens))+`) ORDER BY id`, stringArgs(tokens)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get jobs by token")
	}
	return items, nil
}

// GetJobsInState returns all jobs in state.
func (s *Store) GetJobsInState(ctx context.Context, state JobState) ([]JobItem, error) {
	items, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY id`, state)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get %s jobs", state)
	}
	return items, nil
}

// GetAfterJobs returns the jobs chained to run after job id.
func (s *Store) GetAfterJobs(ctx context.Context, id int64) ([]JobItem, error) {
	items, err := s.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_after = ? ORDER BY id`, id)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to get chained jobs"), "Job ID: %d", id)
	}
	return items, nil
}

// AddJobs inserts requests and returns the stored items in request order.
// A request whose name already exists is not inserted again; the existing
// record is returned in its place.
func (s *Store) AddJobs(ctx context.Context, reqs ...JobRequest) ([]JobItem, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := s.now().UTC()
	items := make([]JobItem, 0, len(reqs))
	for _, req := range reqs {
		if !req.isFullRequest() {
			return nil, errors.NewInvalidRequestError("job request needs a name and a type")
		}
		var token interface{}
		if req.Token != "" {
			token = req.Token
		}
		var runAfter interface{}
		if req.RunAfterID != nil {
			runAfter = *req.RunAfterID
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (name, type, arguments, interval_ms, delete_after_run,
				run_immediately, state, run_after, token, next_run, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO NOTHING`,
			req.Name, req.Type, req.Arguments, req.Interval.Milliseconds(), req.DeleteAfterRun,
			req.RunImmediately, StateWaiting, runAfter, token, dbTime(req.firstRun(now)), now,
		)
		async.Count(ctx, async.CounterQueryCount, 1)
		if err != nil {
			return nil, errors.WithDetailf(errors.Wrap(err, "failed to insert job"), "Job: %s", req.Name)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			async.Count(ctx, async.CounterModifications, n)
		}

		item, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE name = ?`, req.Name))
		async.Count(ctx, async.CounterQueryCount, 1)
		if err != nil {
			return nil, errors.WithDetailf(errors.Wrap(err, "failed to reload job"), "Job: %s", req.Name)
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit jobs")
	}
	return items, nil
}

// UpdateJobs writes the mutable fields of items back. With a completion time
// every updated item also gets a history row.
func (s *Store) UpdateJobs(ctx context.Context, items []JobItem, completedAt *time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "update jobs", func(tx *sql.Tx) error {
		for _, item := range items {
			var token interface{}
			if item.Token != "" {
				token = item.Token
			}
			var runAfter interface{}
			if item.RunAfterID != nil {
				runAfter = *item.RunAfterID
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs SET arguments = ?, interval_ms = ?, delete_after_run = ?,
					run_immediately = ?, state = ?, run_after = ?, token = ?,
					last_run = ?, next_run = ?, previous_scheduled_at = ?, running_since = ?, owner = ?
				WHERE id = ?`,
				item.Arguments, item.Interval.Milliseconds(), item.DeleteAfterRun,
				item.RunImmediately, item.State, runAfter, token,
				dbTime(item.LastRun), dbTime(item.NextRun), dbTime(item.PreviousScheduledAt), dbTime(item.RunningSince),
				nullString(item.Owner), item.ID,
			)
			async.Count(ctx, async.CounterQueryCount, 1)
			if err != nil {
				return errors.WithDetailf(errors.Wrap(err, "failed to update job"), "Job ID: %d", item.ID)
			}
			n, _ := res.RowsAffected()
			async.Count(ctx, async.CounterModifications, n)
			if n == 0 || completedAt == nil {
				continue
			}
			if err := insertHistory(ctx, tx, item, *completedAt, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimJob moves a WAITING record to RUNNING with item's running timestamp
// and owner. It reports false when the record is not WAITING anymore, which
// means another process runs it or it was removed.
func (s *Store) ClaimJob(ctx context.Context, item JobItem) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, running_since = ?, owner = ? WHERE id = ? AND state = ?`,
		StateRunning, dbTime(item.RunningSince), nullString(item.Owner), item.ID, StateWaiting)
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return false, errors.WithDetailf(errors.Wrap(err, "failed to claim job"), "Job ID: %d", item.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read affected rows")
	}
	async.Count(ctx, async.CounterModifications, n)
	return n > 0, nil
}

// RemoveJobs deletes items. With a completion time each removal is recorded
// in the history as a final run.
func (s *Store) RemoveJobs(ctx context.Context, items []JobItem, completedAt *time.Time) error {
	if len(items) == 0 {
		return nil
	}
	return s.inTx(ctx, "remove jobs", func(tx *sql.Tx) error {
		for _, item := range items {
			res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, item.ID)
			async.Count(ctx, async.CounterQueryCount, 1)
			if err != nil {
				return errors.WithDetailf(errors.Wrap(err, "failed to delete job"), "Job ID: %d", item.ID)
			}
			n, _ := res.RowsAffected()
			async.Count(ctx, async.CounterModifications, n)
			if n == 0 || completedAt == nil {
				continue
			}
			if err := insertHistory(ctx, tx, item, *completedAt, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveJob deletes one job by numeric id or by name.
func (s *Store) RemoveJob(ctx context.Context, idOrName string) error {
	query, args := `DELETE FROM jobs WHERE name = ?`, []interface{}{idOrName}
	if id, err := strconv.ParseInt(idOrName, 10, 64); err == nil {
		query, args = `DELETE FROM jobs WHERE id = ? OR name = ?`, []interface{}{id, idOrName}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to remove job"), "Job: %s", idOrName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s", idOrName)
	}
	async.Count(ctx, async.CounterModifications, n)
	return nil
}

// StopJobs resets every RUNNING job to WAITING. Used once at boot, when no
// job can really be running.
func (s *Store) StopJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, running_since = NULL, owner = NULL WHERE state = ?`,
		StateWaiting, StateRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stop running jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read affected rows")
	}
	return n, nil
}

// StateCounts returns the number of jobs per state.
func (s *Store) StateCounts(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := map[JobState]int{StateWaiting: 0, StateRunning: 0}
	for rows.Next() {
		var state JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[state] = n
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate job counts")
}

// HistoryEntry is one finished execution
type HistoryEntry struct {
	JobID       int64     `json:"job_id"`
	Name        string    `json:"name"`
	Type        JobType   `json:"type"`
	CompletedAt time.Time `json:"completed_at"`
	Deleted     bool      `json:"deleted"`
}

// History returns the most recent finished executions, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, name, type, completed_at, deleted
		FROM job_history ORDER BY completed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job history")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.JobID, &e.Name, &e.Type, &e.CompletedAt, &e.Deleted); err != nil {
			return nil, errors.Wrap(err, "failed to scan job history")
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate job history")
}

func insertHistory(ctx context.Context, tx *sql.Tx, item JobItem, completedAt time.Time, deleted bool) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_history (job_id, name, type, completed_at, deleted) VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.Name, item.Type, completedAt.UTC(), deleted)
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to record job history"), "Job ID: %d", item.ID)
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]JobItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	async.Count(ctx, async.CounterQueryCount, 1)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *Store) inTx(ctx context.Context, what string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction to %s", what)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit %s", what)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
