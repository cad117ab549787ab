package schedule

import (
	"database/sql"
	"time"
)

// jobColumns is the column list every job SELECT uses, in scan order
const jobColumns = `id, name, type, arguments, interval_ms,
		delete_after_run, run_immediately, state, run_after, token,
		last_run, next_run, previous_scheduled_at, running_since, created_at, owner`

// jobScanArgs holds the nullable columns of a job row while scanning
type jobScanArgs struct {
	IntervalMS          int64
	RunAfter            sql.NullInt64
	Token               sql.NullString
	LastRun             sql.NullTime
	NextRun             sql.NullTime
	PreviousScheduledAt sql.NullTime
	RunningSince        sql.NullTime
	Owner               sql.NullString
}

func jobScanTargets(item *JobItem, args *jobScanArgs) []interface{} {
	return []interface{}{
		&item.ID,
		&item.Name,
		&item.Type,
		&item.Arguments,
		&args.IntervalMS,
		&item.DeleteAfterRun,
		&item.RunImmediately,
		&item.State,
		&args.RunAfter,
		&args.Token,
		&args.LastRun,
		&args.NextRun,
		&args.PreviousScheduledAt,
		&args.RunningSince,
		&item.CreatedAt,
		&args.Owner,
	}
}

func (args *jobScanArgs) apply(item *JobItem) {
	item.Interval = time.Duration(args.IntervalMS) * time.Millisecond
	if args.RunAfter.Valid {
		id := args.RunAfter.Int64
		item.RunAfterID = &id
	}
	if args.Token.Valid {
		item.Token = args.Token.String
	}
	item.LastRun = nullTimePtr(args.LastRun)
	item.NextRun = nullTimePtr(args.NextRun)
	item.PreviousScheduledAt = nullTimePtr(args.PreviousScheduledAt)
	item.RunningSince = nullTimePtr(args.RunningSince)
	item.Owner = args.Owner.String
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (JobItem, error) {
	var item JobItem
	var args jobScanArgs
	if err := row.Scan(jobScanTargets(&item, &args)...); err != nil {
		return JobItem{}, err
	}
	args.apply(&item)
	return item, nil
}

func scanJobs(rows *sql.Rows) ([]JobItem, error) {
	defer rows.Close()

	var items []JobItem
	for rows.Next() {
		item, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// dbTime normalizes a timestamp for storage. All stored times are UTC so
// that comparisons in SQL stay lexical.
func dbTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
