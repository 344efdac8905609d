package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/tenement/pkg/errdefs"
	"github.com/cuemby/tenement/pkg/types"
)

// InsertToken persists a new token record.
func (s *Store) InsertToken(ctx context.Context, t *types.TokenRecord) error {
	var expires any
	if t.ExpiresAt != nil {
		expires = t.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, hash, label, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Hash, t.Label, t.CreatedAt.UnixMilli(), expires)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetToken fetches a token by id.
func (s *Store) GetToken(ctx context.Context, id string) (*types.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hash, label, created_at, expires_at, last_used_at FROM tokens WHERE id = ?`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", id, errdefs.ErrNotFound)
	}
	return t, err
}

// ListTokens returns all stored tokens ordered by creation time.
func (s *Store) ListTokens(ctx context.Context) ([]types.TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hash, label, created_at, expires_at, last_used_at FROM tokens ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TokenRecord
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteToken removes a token by id.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("token %s: %w", id, errdefs.ErrNotFound)
	}
	return nil
}

// TouchTokenLastUsed records a successful verification.
func (s *Store) TouchTokenLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tokens SET last_used_at = ? WHERE id = ?`, at.UnixMilli(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*types.TokenRecord, error) {
	var (
		t        types.TokenRecord
		created  int64
		expires  sql.NullInt64
		lastUsed sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Hash, &t.Label, &created, &expires, &lastUsed); err != nil {
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(created)
	if expires.Valid {
		v := time.UnixMilli(expires.Int64)
		t.ExpiresAt = &v
	}
	if lastUsed.Valid {
		v := time.UnixMilli(lastUsed.Int64)
		t.LastUsedAt = &v
	}
	return &t, nil
}
