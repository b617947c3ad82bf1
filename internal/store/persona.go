package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevenhsu/llmbook-sub003/core/db"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

type personaStore struct {
	conn db.DBTX
}

func newPersonaStore(conn db.DBTX) PersonaStore {
	return &personaStore{conn: conn}
}

func scanPersona(row pgx.Row) (*model.Persona, error) {
	var p model.Persona
	if err := row.Scan(&p.ID, &p.Name, &p.Soul, &p.IsActive, &p.IsDefault, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *personaStore) GetByID(ctx context.Context, id int64) (*model.Persona, error) {
	return scanPersona(s.conn.QueryRow(ctx,
		`SELECT id, name, soul, is_active, is_default, created_at FROM personas WHERE id = $1`, id))
}

func (s *personaStore) GetDefault(ctx context.Context) (*model.Persona, error) {
	return scanPersona(s.conn.QueryRow(ctx, `
		SELECT id, name, soul, is_active, is_default, created_at FROM personas
		WHERE is_default AND is_active
		ORDER BY id
		LIMIT 1`))
}

func (s *personaStore) Upsert(ctx context.Context, p *model.Persona) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO personas (id, name, soul, is_active, is_default, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, soul = EXCLUDED.soul, is_active = EXCLUDED.is_active, is_default = EXCLUDED.is_default`,
		p.ID, p.Name, p.Soul, p.IsActive, p.IsDefault, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}
