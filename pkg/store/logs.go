package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/tenement/pkg/types"
)

// LogFilter narrows log queries. Zero values mean "no constraint".
type LogFilter struct {
	Service  string
	Instance string
	Stream   types.Stream
	// MinSeverity keeps records at or above this severity.
	MinSeverity types.Severity
	Since       time.Time
	Until       time.Time
	// Match is an FTS5 match expression over the message column.
	Match string
	Limit int
}

const defaultQueryLimit = 100

// InsertLogs writes a batch of records in one transaction. Records carry
// their ring-assigned sequence numbers.
func (s *Store) InsertLogs(ctx context.Context, recs []types.LogRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin log batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO logs (seq, ts, service, instance, stream, severity, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.Seq, r.Timestamp.UnixMilli(),
			r.Service, r.Instance, string(r.Stream), string(r.Severity), r.Message); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert log %d: %w", r.Seq, err)
		}
	}
	return tx.Commit()
}

// QueryLogs returns matching records ordered by sequence descending,
// bounded by filter.Limit (default 100).
func (s *Store) QueryLogs(ctx context.Context, f LogFilter) ([]types.LogRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Service != "" {
		where = append(where, "service = ?")
		args = append(args, f.Service)
	}
	if f.Instance != "" {
		where = append(where, "instance = ?")
		args = append(args, f.Instance)
	}
	if f.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, string(f.Stream))
	}
	if f.MinSeverity != "" {
		sevs := severitiesAtLeast(f.MinSeverity)
		where = append(where, "severity IN ("+placeholders(len(sevs))+")")
		for _, sv := range sevs {
			args = append(args, string(sv))
		}
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.Match != "" {
		where = append(where, "seq IN (SELECT rowid FROM logs_fts WHERE logs_fts MATCH ?)")
		args = append(args, f.Match)
	}

	q := `SELECT seq, ts, service, instance, stream, severity, message FROM logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	q += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("log query failed: %w", err)
	}
	defer rows.Close()

	var out []types.LogRecord
	for rows.Next() {
		var (
			r  types.LogRecord
			ts int64
		)
		if err := rows.Scan(&r.Seq, &ts, &r.Service, &r.Instance, &r.Stream, &r.Severity, &r.Message); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxLogSeq returns the highest persisted sequence, zero when empty. The
// log plane seeds its counter from it so sequences stay monotonic across
// restarts.
func (s *Store) MaxLogSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM logs`).Scan(&seq)
	return seq, err
}

// RotateLogs deletes records older than maxAge and keeps at most maxCount,
// whichever bound is tighter. Zero disables a bound. Returns rows removed.
func (s *Store) RotateLogs(ctx context.Context, maxAge time.Duration, maxCount int64) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE ts < ?`, cutoff)
		if err != nil {
			return removed, fmt.Errorf("age rotation failed: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if maxCount > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM logs WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM logs) - ?`, maxCount)
		if err != nil {
			return removed, fmt.Errorf("count rotation failed: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return removed, nil
}

func severitiesAtLeast(min types.Severity) []types.Severity {
	all := []types.Severity{types.SeverityDebug, types.SeverityInfo, types.SeverityWarn, types.SeverityError}
	var out []types.Severity
	for _, s := range all {
		if types.SeverityRank(s) >= types.SeverityRank(min) {
			out = append(out, s)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
