// Package sqlite persists client state in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var _ repository.LocalStateRepository = (*StateRepo)(nil)

type StateRepo struct {
	db *sql.DB
}

func NewStateRepo(dsn string) (*StateRepo, error) {
	if dsn == "" {
		return nil, errors.New("sqlite state repo: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite state repo: open")
	}
	// a single connection keeps ":memory:" databases consistent across calls
	db.SetMaxOpenConns(1)
	s := &StateRepo{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StateRepo) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS client_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	return errors.Wrap(err, "sqlite state repo: migrate")
}

func (s *StateRepo) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *StateRepo) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM client_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "sqlite state repo: get %s", key)
	}
	return v, nil
}

func (s *StateRepo) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return errors.Wrapf(err, "sqlite state repo: set %s", key)
}

func (s *StateRepo) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM client_state WHERE key = ?`, key)
	return errors.Wrapf(err, "sqlite state repo: delete %s", key)
}
