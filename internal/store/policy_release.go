package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

const releaseColumns = `version, policy, is_active, created_at, created_by, note, source_version`

type policyReleaseStore struct {
	conn db.DBTX
}

func newPolicyReleaseStore(conn db.DBTX) PolicyReleaseStore {
	return &policyReleaseStore{conn: conn}
}

func scanRelease(row pgx.Row) (*model.PolicyRelease, error) {
	var (
		r      model.PolicyRelease
		policy []byte
	)
	if err := row.Scan(&r.Version, &policy, &r.IsActive, &r.CreatedAt, &r.CreatedBy, &r.Note, &r.SourceVersion); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(policy, &r.Policy); err != nil {
		return nil, fmt.Errorf("decode policy release %d: %w", r.Version, err)
	}
	return &r, nil
}

func (s *policyReleaseStore) Append(ctx context.Context, release *model.PolicyRelease) (*model.PolicyRelease, error) {
	policy, err := json.Marshal(release.Policy)
	if err != nil {
		return nil, fmt.Errorf("encode policy document: %w", err)
	}
	r, err := scanRelease(s.conn.QueryRow(ctx, `
		INSERT INTO policy_releases (version, policy, is_active, created_at, created_by, note, source_version)
		SELECT COALESCE(max(version), 0) + 1, $1, false, $2, $3, $4, $5 FROM policy_releases
		RETURNING `+releaseColumns,
		policy, release.CreatedAt, release.CreatedBy, release.Note, release.SourceVersion))
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("append policy release: %w", err)
	}
	return r, nil
}

func (s *policyReleaseStore) Get(ctx context.Context, version int64) (*model.PolicyRelease, error) {
	r, err := scanRelease(s.conn.QueryRow(ctx, `SELECT `+releaseColumns+` FROM policy_releases WHERE version = $1`, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *policyReleaseStore) GetActive(ctx context.Context) (*model.PolicyRelease, error) {
	r, err := scanRelease(s.conn.QueryRow(ctx, `SELECT `+releaseColumns+` FROM policy_releases WHERE is_active`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

func (s *policyReleaseStore) List(ctx context.Context, limit int) ([]model.PolicyRelease, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+releaseColumns+` FROM policy_releases ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list policy releases: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyRelease
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *policyReleaseStore) Activate(ctx context.Context, version int64) error {
	// Two statements: the partial unique index on is_active is checked per row.
	if _, err := s.conn.Exec(ctx, `UPDATE policy_releases SET is_active = false WHERE is_active AND version <> $1`, version); err != nil {
		return fmt.Errorf("deactivate policy releases: %w", err)
	}
	tag, err := s.conn.Exec(ctx, `UPDATE policy_releases SET is_active = true WHERE version = $1`, version)
	if err != nil {
		return fmt.Errorf("activate policy release %d: %w", version, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
