package store

import (
	"context"

	"github.com/nevenhsu/llmbook-sub003/core/db"
)

// Stores builds Postgres-backed repositories over a pool or a transaction.
type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Tasks() TaskStore {
	return newTaskStore(s.conn)
}

func (s *Stores) Idempotency() IdempotencyStore {
	return newIdempotencyStore(s.conn)
}

func (s *Stores) Actions() ActionStore {
	return newActionStore(s.conn)
}

func (s *Stores) Reviews() ReviewStore {
	return newReviewStore(s.conn)
}

func (s *Stores) PolicyReleases() PolicyReleaseStore {
	return newPolicyReleaseStore(s.conn)
}

func (s *Stores) Personas() PersonaStore {
	return newPersonaStore(s.conn)
}

func (s *Stores) Contexts() ContextStore {
	return newContextStore(s.conn)
}

func (s *Stores) EventLogs() EventLogStore {
	return newEventLogStore(s.conn)
}

type dbTxRunner struct {
	db *db.DB
}

// NewTxRunner builds a TxRunner backed by the core DB.
func NewTxRunner(database *db.DB) TxRunner {
	return &dbTxRunner{db: database}
}

func (r *dbTxRunner) WithTx(ctx context.Context, fn func(stores Provider) error) error {
	return r.db.WithTx(ctx, func(tx db.DBTX) error {
		return fn(NewStores(tx))
	})
}
