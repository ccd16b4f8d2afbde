package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/audit"
)

// genesisHash is the prev_hash of the first audit row.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrChainBroken is returned by VerifyChain when a row does not hash to its
// stored value or does not link to its predecessor.
var ErrChainBroken = errors.New("audit chain broken")

// AppendAudit writes r and links it into the hash chain.
func (s *SQLite) AppendAudit(ctx context.Context, r audit.Record) error {
	r = r.Normalize(time.Now())
	meta := "{}"
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return errors.Wrap(err, "encode audit metadata")
		}
		meta = string(b)
	}

	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	prev := genesisHash
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "read audit chain head")
	}
	at := r.OccurredAt.UnixMilli()
	h := chainHash(prev, r.ID, string(r.Kind), r.Actor, r.EntityID, r.OldValue, r.NewValue, at, string(r.Severity), meta)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, kind, actor, entity_id, old_value, new_value, occurred_at, severity, metadata, prev_hash, hash)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, string(r.Kind), r.Actor, r.EntityID, r.OldValue, r.NewValue, at, string(r.Severity), meta, prev, h,
	)
	return errors.Wrap(err, "insert audit record")
}

func chainHash(prev, id, kind, actor string, entity int64, oldV, newV string, at int64, sev, meta string) string {
	sum := sha256.New()
	for _, part := range []string{
		prev, id, kind, actor, strconv.FormatInt(entity, 10), oldV, newV, strconv.FormatInt(at, 10), sev, meta,
	} {
		sum.Write([]byte(part))
		sum.Write([]byte{0})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// VerifyChain walks the audit log in order and returns the number of rows
// checked. On mismatch it returns ErrChainBroken with the offending seq.
func (s *SQLite) VerifyChain(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, actor, entity_id, old_value, new_value, occurred_at, severity, metadata, prev_hash, hash
		 FROM audit_log ORDER BY seq`)
	if err != nil {
		return 0, errors.Wrap(err, "read audit log")
	}
	defer rows.Close()

	prev := genesisHash
	n := 0
	for rows.Next() {
		var (
			seq, entity, at                                 int64
			id, kind, actor, oldV, newV, sev, meta, ph, hsh string
		)
		if err := rows.Scan(&seq, &id, &kind, &actor, &entity, &oldV, &newV, &at, &sev, &meta, &ph, &hsh); err != nil {
			return n, errors.Wrap(err, "scan audit row")
		}
		if ph != prev {
			return n, errors.WithDetailf(errors.Wrapf(ErrChainBroken, "seq %d: prev_hash mismatch", seq), "record %s", id)
		}
		if want := chainHash(ph, id, kind, actor, entity, oldV, newV, at, sev, meta); want != hsh {
			return n, errors.WithDetailf(errors.Wrapf(ErrChainBroken, "seq %d: hash mismatch", seq), "record %s", id)
		}
		prev = hsh
		n++
	}
	return n, errors.Wrap(rows.Err(), "iterate audit log")
}

// ListAudit returns records of kind (all kinds when empty) at or after since,
// oldest first, capped at limit when limit > 0.
func (s *SQLite) ListAudit(ctx context.Context, kind audit.Kind, since time.Time, limit int) ([]audit.Record, error) {
	q := `SELECT id, kind, actor, entity_id, old_value, new_value, occurred_at, severity, metadata
		FROM audit_log WHERE occurred_at >= ?`
	args := []any{since.UnixMilli()}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY seq`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list audit")
	}
	defer rows.Close()
	var out []audit.Record
	for rows.Next() {
		var (
			r                audit.Record
			kindS, sev, meta string
			at               int64
		)
		if err := rows.Scan(&r.ID, &kindS, &r.Actor, &r.EntityID, &r.OldValue, &r.NewValue, &at, &sev, &meta); err != nil {
			return nil, errors.Wrap(err, "scan audit")
		}
		r.Kind = audit.Kind(kindS)
		r.Severity = audit.Severity(sev)
		r.OccurredAt = time.UnixMilli(at)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return nil, errors.Wrapf(err, "decode metadata of %s", r.ID)
			}
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate audit")
}

// CountAuditByActor counts records of kind per actor since t.
func (s *SQLite) CountAuditByActor(ctx context.Context, kind audit.Kind, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, COUNT(*) FROM audit_log WHERE kind = ? AND occurred_at >= ? GROUP BY actor`,
		string(kind), since.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "count audit by actor")
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var a string
		var n int
		if err := rows.Scan(&a, &n); err != nil {
			return nil, errors.Wrap(err, "scan audit count")
		}
		out[a] = n
	}
	return out, errors.Wrap(rows.Err(), "iterate audit counts")
}
