package approvals

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore persists consent decisions in Postgres via the pgx stdlib
// driver, the same ON CONFLICT ... DO UPDATE upsert shape as
// internal/store/pg.
//
// Expected schema (created by a migration alongside internal/store/pg's):
//
//	CREATE TABLE approval_decisions (
//	  scope       TEXT NOT NULL,
//	  scope_id    TEXT NOT NULL,
//	  tool        TEXT NOT NULL,
//	  action_hash TEXT NOT NULL,
//	  decision    TEXT NOT NULL,
//	  updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	  PRIMARY KEY (scope, scope_id, tool, action_hash)
//	);
//
// action_hash ':any' is the tool-wide wildcard row.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an already-opened *sql.DB (driver "pgx").
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, scope Scope, scopeID, tool, actionHash string) (Decision, bool, error) {
	var decision string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM approval_decisions WHERE scope = $1 AND scope_id = $2 AND tool = $3 AND action_hash = $4`,
		string(scope), scopeID, tool, actionHash,
	).Scan(&decision)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return Decision(decision), true, nil
}

func (s *PGStore) Put(ctx context.Context, scope Scope, scopeID, tool, actionHash string, decision Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_decisions (scope, scope_id, tool, action_hash, decision, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (scope, scope_id, tool, action_hash) DO UPDATE SET
		   decision = EXCLUDED.decision, updated_at = EXCLUDED.updated_at`,
		string(scope), scopeID, tool, actionHash, string(decision),
	)
	return err
}
