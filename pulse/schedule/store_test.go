package schedule

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/lector/errors"
	lectortest "github.com/teranos/lector/internal/testing"
)

func newTestStore(t *testing.T, now time.Time) (*Store, *sql.DB) {
	t.Helper()
	db := lectortest.CreateTestDB(t)
	s := NewStore(db)
	s.now = func() time.Time { return now }
	return s, db
}

func TestStore_AddAndGet(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, now)
	ctx := context.Background()

	items, err := s.AddJobs(ctx,
		TocJob(TocRequest{URL: "https://www.royalroad.com/fiction/1"}, time.Hour),
		JobRequest{Name: "check-tocs", Type: TypeCheckTocs, Interval: time.Hour, RunImmediately: true, Token: "tok-1"},
	)
	require.NoError(t, err)
	require.Len(t, items, 2)

	toc := items[0]
	assert.NotZero(t, toc.ID)
	assert.Equal(t, "toc-https://www.royalroad.com/fiction/1", toc.Name)
	assert.Equal(t, TypeToc, toc.Type)
	assert.Equal(t, time.Hour, toc.Interval)
	assert.Equal(t, StateWaiting, toc.State)
	require.NotNil(t, toc.NextRun)
	assert.True(t, toc.NextRun.Equal(now.Add(time.Hour)), "got %v", toc.NextRun)
	assert.Nil(t, toc.RunningSince)

	check := items[1]
	assert.True(t, check.NextRun.Equal(now), "run immediately is due now")
	assert.Equal(t, "tok-1", check.Token)

	byID, err := s.GetJobsByID(ctx, toc.ID, check.ID, 999)
	require.NoError(t, err)
	assert.Len(t, byID, 2)

	byToken, err := s.GetJobsByToken(ctx, "tok-1")
	require.NoError(t, err)
	require.Len(t, byToken, 1)
	assert.Equal(t, check.ID, byToken[0].ID)

	byName, err := s.GetJobsByName(ctx, "check-tocs")
	require.NoError(t, err)
	require.Len(t, byName, 1)
}

func TestStore_AddDuplicateNameReturnsExisting(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	ctx := context.Background()

	first, err := s.AddJobs(ctx, NewsJob("novelupdates", 5*time.Minute))
	require.NoError(t, err)
	second, err := s.AddJobs(ctx, NewsJob("novelupdates", time.Minute))
	require.NoError(t, err)

	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 5*time.Minute, second[0].Interval, "existing record is not overwritten")

	all, err := s.GetJobs(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_AddRejectsIncompleteRequest(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	_, err := s.AddJobs(context.Background(), JobRequest{Name: "no-type"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStore_DueOnly(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, now)
	ctx := context.Background()

	items, err := s.AddJobs(ctx,
		JobRequest{Name: "due", Type: TypeCheckTocs, RunImmediately: true},
		JobRequest{Name: "later", Type: TypeQueueTocs, Interval: time.Hour},
		JobRequest{Name: "running", Type: TypeRemapMediaParts, RunImmediately: true},
	)
	require.NoError(t, err)

	running := items[2]
	running.MarkRunning(now)
	require.NoError(t, s.UpdateJobs(ctx, []JobItem{running}, nil))

	due, err := s.GetJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Name)

	// An hour and a bit later the recurring job is due too
	s.now = func() time.Time { return now.Add(61 * time.Minute) }
	due, err = s.QueryJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestStore_UpdateWritesHistory(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, now)
	ctx := context.Background()

	items, err := s.AddJobs(ctx, JobRequest{Name: "queue-tocs", Type: TypeQueueTocs, Interval: time.Second})
	require.NoError(t, err)
	item := items[0]

	item.MarkRunning(now)
	require.NoError(t, s.UpdateJobs(ctx, []JobItem{item}, nil))

	running, err := s.GetJobsInState(ctx, StateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.NotNil(t, running[0].RunningSince)
	assert.True(t, running[0].RunningSince.Equal(now))

	done := now.Add(3 * time.Second)
	item.MarkFinished(done)
	require.NoError(t, s.UpdateJobs(ctx, []JobItem{item}, &done))

	reloaded, err := s.GetJobsByID(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	got := reloaded[0]
	assert.Equal(t, StateWaiting, got.State)
	assert.Nil(t, got.RunningSince)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, 60*time.Second, got.NextRun.Sub(*got.LastRun))

	history, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, item.ID, history[0].JobID)
	assert.False(t, history[0].Deleted)
}

func TestStore_RemoveJob(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	ctx := context.Background()

	items, err := s.AddJobs(ctx,
		JobRequest{Name: "by-id", Type: TypeCheckTocs},
		JobRequest{Name: "by-name", Type: TypeQueueTocs},
	)
	require.NoError(t, err)

	require.NoError(t, s.RemoveJob(ctx, strconv.FormatInt(items[0].ID, 10)))
	require.NoError(t, s.RemoveJob(ctx, "by-name"))

	err = s.RemoveJob(ctx, "by-name")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	all, err := s.GetJobs(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStore_RemoveJobsRecordsDeletion(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	ctx := context.Background()

	items, err := s.AddJobs(ctx, OneTimeTocJob(TocRequest{URL: "https://a.com/1"}))
	require.NoError(t, err)

	done := time.Now()
	require.NoError(t, s.RemoveJobs(ctx, items, &done))

	history, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Deleted)
}

func TestStore_StopJobs(t *testing.T) {
	now := time.Now()
	s, _ := newTestStore(t, now)
	ctx := context.Background()

	items, err := s.AddJobs(ctx,
		JobRequest{Name: "a", Type: TypeCheckTocs},
		JobRequest{Name: "b", Type: TypeQueueTocs},
	)
	require.NoError(t, err)
	for i := range items {
		items[i].MarkRunning(now)
	}
	require.NoError(t, s.UpdateJobs(ctx, items, nil))

	n, err := s.StopJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := s.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StateWaiting])
	assert.Equal(t, 0, counts[StateRunning])
}

func TestStore_GetAfterJobs(t *testing.T) {
	s, _ := newTestStore(t, time.Now())
	ctx := context.Background()

	parent, err := s.AddJobs(ctx, JobRequest{Name: "parent", Type: TypeCheckTocs})
	require.NoError(t, err)
	parentID := parent[0].ID

	children, err := s.AddJobs(ctx, JobRequest{Name: "child", Type: TypeQueueTocs, RunAfterID: &parentID, RunImmediately: true})
	require.NoError(t, err)
	assert.Nil(t, children[0].NextRun, "chained jobs wait for their dependency")

	after, err := s.GetAfterJobs(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "child", after[0].Name)
	assert.Equal(t, parentID, *after[0].RunAfterID)
}

func TestStore_ClaimJob(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s, _ := newTestStore(t, now)
	ctx := context.Background()

	items, err := s.AddJobs(ctx, JobRequest{Name: "check-tocs", Type: TypeCheckTocs, Interval: time.Hour})
	require.NoError(t, err)
	item := items[0]
	item.MarkRunning(now)
	item.Owner = "daemon"

	claimed, err := s.ClaimJob(ctx, item)
	require.NoError(t, err)
	require.True(t, claimed)

	got, err := s.GetJobsByID(ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StateRunning, got[0].State)
	assert.Equal(t, "daemon", got[0].Owner)
	require.NotNil(t, got[0].RunningSince)

	other := item
	other.Owner = "cli"
	claimed, err = s.ClaimJob(ctx, other)
	require.NoError(t, err)
	assert.False(t, claimed, "a running record cannot be claimed twice")

	got[0].MarkFinished(now.Add(time.Minute))
	require.NoError(t, s.UpdateJobs(ctx, got, nil))
	got, err = s.GetJobsByID(ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, got[0].Owner, "finishing releases the owner")

	claimed, err = s.ClaimJob(ctx, JobItem{ID: 999, Owner: "cli"})
	require.NoError(t, err)
	assert.False(t, claimed, "removed records cannot be claimed")
}

// Minimal sqlmock tests for driver failure paths

func TestStore_GetJobs_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .* FROM jobs`).WillReturnError(sql.ErrConnDone)

	_, err = NewStore(db).GetJobs(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.Contains(t, err.Error(), "failed to get jobs")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateJobs_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = NewStore(db).UpdateJobs(context.Background(), []JobItem{{ID: 4, Name: "x", Type: TypeCheckTocs}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to update job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AddJobs_BeginError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	_, err = NewStore(db).AddJobs(context.Background(), JobRequest{Name: "a", Type: TypeCheckTocs})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_StopJobs_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE jobs SET state = \?, running_since = NULL, owner = NULL WHERE state = \?`).
		WithArgs(StateWaiting, StateRunning).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewStore(db).StopJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
