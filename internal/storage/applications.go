package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const eligibleColumns = `id, job_id, status, archived, applied_at, stage_entered_at, updated_at, archived_at`

// where renders p as a SQL boolean expression, appending bind args.
func (p Predicate) where(args *[]any) string {
	conds := []string{"1=1"}
	if len(p.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(p.IDs))+")")
		for _, id := range p.IDs {
			*args = append(*args, id)
		}
	}
	if len(p.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(p.Statuses))+")")
		for _, st := range p.Statuses {
			*args = append(*args, string(st))
		}
	}
	if len(p.ExcludeStatuses) > 0 {
		conds = append(conds, "status NOT IN ("+placeholders(len(p.ExcludeStatuses))+")")
		for _, st := range p.ExcludeStatuses {
			*args = append(*args, string(st))
		}
	}
	if p.Archived != nil {
		conds = append(conds, "archived = ?")
		*args = append(*args, boolInt(*p.Archived))
	}
	for _, b := range []struct {
		col   string
		bound time.Time
	}{
		{"applied_at", p.AppliedBefore},
		{"updated_at", p.UpdatedBefore},
		{"stage_entered_at", p.StageEnteredBefore},
		{"archived_at", p.ArchivedBefore},
	} {
		if b.bound.IsZero() {
			continue
		}
		conds = append(conds, b.col+" IS NOT NULL AND "+b.col+" < ?")
		*args = append(*args, b.bound.UnixMilli())
	}
	return strings.Join(conds, " AND ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// FindEligible returns the projection of every row matching p, ordered by id.
func (s *SQLite) FindEligible(ctx context.Context, p Predicate) ([]Eligible, error) {
	var args []any
	q := `SELECT ` + eligibleColumns + ` FROM applications WHERE ` + p.where(&args) + ` ORDER BY id`
	if p.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, p.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "find eligible")
	}
	defer rows.Close()

	var out []Eligible
	for rows.Next() {
		var (
			e                           Eligible
			status                      string
			archived                    int
			applied, stage, upd, archAt sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &status, &archived, &applied, &stage, &upd, &archAt); err != nil {
			return nil, errors.Wrap(err, "scan eligible")
		}
		e.Status = Status(status)
		e.Archived = archived != 0
		e.AppliedAt = fromMillis(applied)
		e.StageEnteredAt = fromMillis(stage)
		e.UpdatedAt = fromMillis(upd)
		e.ArchivedAt = fromMillis(archAt)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate eligible")
}

// BulkUpdate applies u to ids that still satisfy guard, in one transaction.
// It returns the ids actually updated; rows that no longer match are skipped.
func (s *SQLite) BulkUpdate(ctx context.Context, ids []int64, guard Predicate, u Update) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if u.Status == "" && !u.Archive {
		return nil, errors.New("bulk update: nothing to change")
	}
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin bulk update")
	}
	defer func() { _ = tx.Rollback() }()

	var updated []int64
	for _, chunk := range chunkIDs(ids, maxBatchParams) {
		g := guard
		g.IDs = chunk
		g.Limit = 0

		if u.Status != "" {
			var hargs []any
			hargs = append(hargs, string(u.Status), at.UnixMilli(), u.Actor)
			hq := `INSERT INTO stage_history (application_id, from_status, to_status, changed_at, actor)
				SELECT id, status, ?, ?, ? FROM applications WHERE ` + g.where(&hargs) + ` AND status <> ?`
			hargs = append(hargs, string(u.Status))
			if _, err := tx.ExecContext(ctx, hq, hargs...); err != nil {
				return nil, errors.Wrap(err, "record stage history")
			}
		}

		var sets []string
		var args []any
		if u.Status != "" {
			sets = append(sets, "status = ?", "stage_entered_at = ?")
			args = append(args, string(u.Status), at.UnixMilli())
		}
		if u.Archive {
			sets = append(sets, "archived = 1", "archived_at = ?", "archive_reason = ?")
			args = append(args, at.UnixMilli(), u.ArchiveReason)
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, at.UnixMilli())

		q := `UPDATE applications SET ` + strings.Join(sets, ", ") + ` WHERE ` + g.where(&args) + ` RETURNING id`
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, errors.Wrap(err, "bulk update")
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan updated id")
			}
			updated = append(updated, id)
		}
		if err := rows.Close(); err != nil {
			return nil, errors.Wrap(err, "close updated rows")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit bulk update")
	}
	return updated, nil
}

// SnapshotApplications loads full rows plus child counts for ids.
func (s *SQLite) SnapshotApplications(ctx context.Context, ids []int64) ([]Snapshot, error) {
	var out []Snapshot
	for _, chunk := range chunkIDs(ids, maxBatchParams) {
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		q := `SELECT a.id, a.job_id, a.candidate_name, a.candidate_email, a.status, a.applied_at, a.stage_entered_at,
				a.updated_at, a.created_at, a.archived, a.archived_at, COALESCE(a.archive_reason, ''),
				(SELECT COUNT(*) FROM notes n WHERE n.application_id = a.id),
				(SELECT COUNT(*) FROM application_emails m WHERE m.application_id = a.id),
				(SELECT COUNT(*) FROM stage_history h WHERE h.application_id = a.id),
				(SELECT COUNT(*) FROM approval_requests r WHERE r.application_id = a.id)
			FROM applications a WHERE a.id IN (` + placeholders(len(chunk)) + `) ORDER BY a.id`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, errors.Wrap(err, "snapshot applications")
		}
		for rows.Next() {
			var (
				sn                                   Snapshot
				status                               string
				archived                             int
				applied, stage, upd, created, archAt sql.NullInt64
			)
			if err := rows.Scan(&sn.ID, &sn.JobID, &sn.CandidateName, &sn.CandidateEmail, &status, &applied, &stage,
				&upd, &created, &archived, &archAt, &sn.ArchiveReason,
				&sn.Notes, &sn.Emails, &sn.StageHistory, &sn.Approvals); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "scan snapshot")
			}
			sn.Status = Status(status)
			sn.Archived = archived != 0
			sn.AppliedAt = fromMillis(applied)
			sn.StageEnteredAt = fromMillis(stage)
			sn.UpdatedAt = fromMillis(upd)
			sn.CreatedAt = fromMillis(created)
			sn.ArchivedAt = fromMillis(archAt)
			out = append(out, sn)
		}
		if err := rows.Close(); err != nil {
			return nil, errors.Wrap(err, "close snapshot rows")
		}
	}
	return out, nil
}

var childTables = []string{"notes", "application_emails", "stage_history", "approval_requests"}

// DeleteChildren removes dependent rows table by table. There is no
// transaction across tables: on failure the returned counts describe what was
// already removed and the error names the table that failed.
func (s *SQLite) DeleteChildren(ctx context.Context, ids []int64) (ChildCounts, error) {
	var cc ChildCounts
	if len(ids) == 0 {
		return cc, nil
	}
	for _, table := range childTables {
		for _, chunk := range chunkIDs(ids, maxBatchParams) {
			args := make([]any, 0, len(chunk))
			for _, id := range chunk {
				args = append(args, id)
			}
			res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE application_id IN (`+placeholders(len(chunk))+`)`, args...)
			if err != nil {
				return cc, errors.Wrapf(err, "delete %s", table)
			}
			n, _ := res.RowsAffected()
			switch table {
			case "notes":
				cc.Notes += n
			case "application_emails":
				cc.Emails += n
			case "stage_history":
				cc.StageHistory += n
			case "approval_requests":
				cc.Approvals += n
			}
		}
	}
	return cc, nil
}

// DeleteApplications permanently removes archived applications and returns
// the ids deleted. Non-archived rows are never deleted.
func (s *SQLite) DeleteApplications(ctx context.Context, ids []int64) ([]int64, error) {
	var deleted []int64
	for _, chunk := range chunkIDs(ids, maxBatchParams) {
		args := make([]any, 0, len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx, `DELETE FROM applications WHERE archived = 1 AND id IN (`+placeholders(len(chunk))+`) RETURNING id`, args...)
		if err != nil {
			return deleted, errors.Wrap(err, "delete applications")
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return deleted, errors.Wrap(err, "scan deleted id")
			}
			deleted = append(deleted, id)
		}
		if err := rows.Close(); err != nil {
			return deleted, errors.Wrap(err, "close deleted rows")
		}
	}
	return deleted, nil
}

// CountByStatus counts non-archived applications per status.
func (s *SQLite) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM applications WHERE archived = 0 GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "count by status")
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan status count")
		}
		out[Status(st)] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate status counts")
}

// CountCreatedSince counts applications created at or after t.
func (s *SQLite) CountCreatedSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applications WHERE created_at >= ?`, t.UnixMilli()).Scan(&n)
	return n, errors.Wrap(err, "count created since")
}

// InsertApplication stores a new application and returns its id.
func (s *SQLite) InsertApplication(ctx context.Context, a Application) (int64, error) {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	if a.AppliedAt.IsZero() {
		a.AppliedAt = a.CreatedAt
	}
	if a.Status == "" {
		a.Status = StatusApplied
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO applications (job_id, candidate_name, candidate_email, status, applied_at, stage_entered_at,
			updated_at, created_at, archived, archived_at, archive_reason)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.JobID, a.CandidateName, a.CandidateEmail, string(a.Status), a.AppliedAt.UnixMilli(), toMillis(a.StageEnteredAt),
		a.UpdatedAt.UnixMilli(), a.CreatedAt.UnixMilli(), boolInt(a.Archived), toMillis(a.ArchivedAt), nullStr(a.ArchiveReason),
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert application")
	}
	return res.LastInsertId()
}

// GetApplication loads one application row.
func (s *SQLite) GetApplication(ctx context.Context, id int64) (Application, error) {
	var (
		a                                    Application
		status                               string
		archived                             int
		applied, stage, upd, created, archAt sql.NullInt64
		reason                               sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, candidate_name, candidate_email, status, applied_at, stage_entered_at, updated_at, created_at,
			archived, archived_at, archive_reason FROM applications WHERE id = ?`, id,
	).Scan(&a.ID, &a.JobID, &a.CandidateName, &a.CandidateEmail, &status, &applied, &stage, &upd, &created, &archived, &archAt, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return Application{}, errors.Wrapf(ErrNotFound, "application %d", id)
	}
	if err != nil {
		return Application{}, errors.Wrap(err, "get application")
	}
	a.Status = Status(status)
	a.Archived = archived != 0
	a.AppliedAt = fromMillis(applied)
	a.StageEnteredAt = fromMillis(stage)
	a.UpdatedAt = fromMillis(upd)
	a.CreatedAt = fromMillis(created)
	a.ArchivedAt = fromMillis(archAt)
	a.ArchiveReason = reason.String
	return a, nil
}

// AddChild inserts one dependent row; table is one of notes, application_emails,
// stage_history, approval_requests.
func (s *SQLite) AddChild(ctx context.Context, table string, applicationID int64) error {
	now := time.Now().UnixMilli()
	var err error
	switch table {
	case "notes":
		_, err = s.db.ExecContext(ctx, `INSERT INTO notes (application_id, body, created_at) VALUES (?, '', ?)`, applicationID, now)
	case "application_emails":
		_, err = s.db.ExecContext(ctx, `INSERT INTO application_emails (application_id, subject, sent_at) VALUES (?, '', ?)`, applicationID, now)
	case "stage_history":
		_, err = s.db.ExecContext(ctx, `INSERT INTO stage_history (application_id, from_status, to_status, changed_at) VALUES (?, '', '', ?)`, applicationID, now)
	case "approval_requests":
		_, err = s.db.ExecContext(ctx, `INSERT INTO approval_requests (application_id, requested_at) VALUES (?, ?)`, applicationID, now)
	default:
		return errors.Newf("unknown child table %q", table)
	}
	return errors.Wrapf(err, "insert %s", table)
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
