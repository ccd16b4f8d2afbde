package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hireflow/internal/audit"
	logx "hireflow/pkg/logx"
)

func openMem(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func daysAgo(now time.Time, d int) time.Time { return now.Add(-time.Duration(d) * 24 * time.Hour) }

func TestFindEligibleTimeBoundsSkipNull(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	now := time.Now()

	old, err := s.InsertApplication(ctx, Application{Status: StatusReviewing, AppliedAt: daysAgo(now, 40), StageEnteredAt: daysAgo(now, 40)})
	require.NoError(t, err)
	_, err = s.InsertApplication(ctx, Application{Status: StatusReviewing, AppliedAt: daysAgo(now, 40)})
	require.NoError(t, err)
	_, err = s.InsertApplication(ctx, Application{Status: StatusReviewing, AppliedAt: daysAgo(now, 2), StageEnteredAt: daysAgo(now, 2)})
	require.NoError(t, err)

	got, err := s.FindEligible(ctx, Predicate{Archived: Bool(false), StageEnteredBefore: daysAgo(now, 30)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old, got[0].ID)
	assert.True(t, Predicate{StageEnteredBefore: daysAgo(now, 30)}.Matches(got[0]))
}

func TestBulkUpdateGuardSkipsChangedRows(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	now := time.Now()

	a, err := s.InsertApplication(ctx, Application{Status: StatusApplied, AppliedAt: daysAgo(now, 45)})
	require.NoError(t, err)
	b, err := s.InsertApplication(ctx, Application{Status: StatusHired, AppliedAt: daysAgo(now, 45)})
	require.NoError(t, err)

	guard := Predicate{Statuses: []Status{StatusApplied}, AppliedBefore: daysAgo(now, 30)}
	updated, err := s.BulkUpdate(ctx, []int64{a, b}, guard, Update{Status: StatusReviewing, At: now, Actor: "system:auto_progress"})
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, updated)

	got, err := s.GetApplication(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusReviewing, got.Status)
	assert.Equal(t, now.UnixMilli(), got.StageEnteredAt.UnixMilli())

	snaps, err := s.SnapshotApplications(ctx, []int64{a, b})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 1, snaps[0].StageHistory)
	assert.Equal(t, 0, snaps[1].StageHistory)

	again, err := s.BulkUpdate(ctx, []int64{a}, guard, Update{Status: StatusReviewing, At: now})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestBulkUpdateArchive(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	now := time.Now()

	id, err := s.InsertApplication(ctx, Application{Status: StatusRejected, UpdatedAt: daysAgo(now, 100)})
	require.NoError(t, err)
	updated, err := s.BulkUpdate(ctx, []int64{id}, Predicate{Archived: Bool(false)}, Update{Archive: true, ArchiveReason: "auto_rejected_expired", At: now})
	require.NoError(t, err)
	require.Equal(t, []int64{id}, updated)

	got, err := s.GetApplication(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Archived)
	assert.Equal(t, "auto_rejected_expired", got.ArchiveReason)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestDeleteOnlyArchived(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	now := time.Now()

	arch, err := s.InsertApplication(ctx, Application{Status: StatusRejected, Archived: true, ArchivedAt: daysAgo(now, 4*365)})
	require.NoError(t, err)
	live, err := s.InsertApplication(ctx, Application{Status: StatusApplied})
	require.NoError(t, err)
	for _, table := range childTables {
		require.NoError(t, s.AddChild(ctx, table, arch))
	}
	require.NoError(t, s.AddChild(ctx, "notes", live))

	cc, err := s.DeleteChildren(ctx, []int64{arch})
	require.NoError(t, err)
	assert.Equal(t, ChildCounts{Notes: 1, Emails: 1, StageHistory: 1, Approvals: 1}, cc)

	deleted, err := s.DeleteApplications(ctx, []int64{arch, live})
	require.NoError(t, err)
	assert.Equal(t, []int64{arch}, deleted)

	_, err = s.GetApplication(ctx, arch)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetApplication(ctx, live)
	assert.NoError(t, err)
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	now := time.Now()

	for _, st := range []Status{StatusApplied, StatusApplied, StatusHired} {
		_, err := s.InsertApplication(ctx, Application{Status: st, CreatedAt: now})
		require.NoError(t, err)
	}
	_, err := s.InsertApplication(ctx, Application{Status: StatusApplied, CreatedAt: daysAgo(now, 30)})
	require.NoError(t, err)

	by, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, by[StatusApplied])
	assert.Equal(t, 1, by[StatusHired])

	n, err := s.CountCreatedSince(ctx, daysAgo(now, 7))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	_, ok, err := s.GetSetting(ctx, "auto_reject_days")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutSetting(ctx, "auto_reject_days", "60"))
	require.NoError(t, s.PutSetting(ctx, "auto_reject_days", "90"))
	v, ok, err := s.GetSetting(ctx, "auto_reject_days")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "90", v)

	all, err := s.AllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"auto_reject_days": "90"}, all)
}

func TestAuditChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAudit(ctx, audit.Record{
			Kind:     audit.KindTransition,
			Actor:    audit.SystemActor("auto_progress"),
			EntityID: int64(i + 1),
			OldValue: "Applied",
			NewValue: "Reviewing",
			Metadata: map[string]any{"threshold": 30},
		}))
	}
	n, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := s.CountAuditByActor(ctx, audit.KindTransition, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, counts["system:auto_progress"])

	recs, err := s.ListAudit(ctx, audit.KindTransition, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.EqualValues(t, 30, recs[0].Metadata["threshold"])

	_, err = s.db.ExecContext(ctx, `UPDATE audit_log SET new_value = 'Hired' WHERE seq = 2`)
	require.NoError(t, err)
	n, err = s.VerifyChain(ctx)
	assert.True(t, errors.Is(err, ErrChainBroken))
	assert.Equal(t, 1, n)
}

func TestDeleteChildrenReportsFailingTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db, logx.Nop())

	mock.ExpectExec(`DELETE FROM notes`).WithArgs(int64(7)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM application_emails`).WithArgs(int64(7)).WillReturnError(errors.New("disk I/O error"))

	cc, err := s.DeleteChildren(context.Background(), []int64{7})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "application_emails")
	assert.Equal(t, int64(2), cc.Notes)
	assert.Zero(t, cc.Emails)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpdateRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewWithDB(db, logx.Nop())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO stage_history`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE applications SET`).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = s.BulkUpdate(context.Background(), []int64{1}, Predicate{}, Update{Status: StatusRejected})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
