// Package postgres persists client state in a shared Postgres table, so several
// terminals of the same user see one conversation and one token pair.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	perrors "github.com/pkg/errors"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"
)

var _ repository.LocalStateRepository = (*StateRepo)(nil)

// executor is the subset of *pgxpool.Pool the repo needs.
type executor interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

type StateRepo struct {
	db executor
	// namespace separates state of different installations sharing a database.
	namespace string
}

func NewStateRepo(db executor, namespace string) *StateRepo {
	if namespace == "" {
		namespace = "default"
	}
	return &StateRepo{db: db, namespace: namespace}
}

// Migrate creates the state table when missing.
func (r *StateRepo) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS companion_client_state (
  namespace  TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, key)
);`
	_, err := r.db.Exec(ctx, q)
	return perrors.Wrap(err, "postgres state repo: migrate")
}

func (r *StateRepo) Get(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM companion_client_state WHERE namespace=$1 AND key=$2;`
	var v string
	if err := r.db.QueryRow(ctx, q, r.namespace, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", perrors.Wrapf(err, "postgres state repo: get %s", key)
	}
	return v, nil
}

func (r *StateRepo) Set(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO companion_client_state (namespace, key, value, updated_at)
VALUES ($1,$2,$3,now())
ON CONFLICT (namespace, key) DO UPDATE SET value=$3, updated_at=now();`
	_, err := r.db.Exec(ctx, q, r.namespace, key, value)
	return perrors.Wrapf(err, "postgres state repo: set %s", key)
}

func (r *StateRepo) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM companion_client_state WHERE namespace=$1 AND key=$2;`
	_, err := r.db.Exec(ctx, q, r.namespace, key)
	return perrors.Wrapf(err, "postgres state repo: delete %s", key)
}
