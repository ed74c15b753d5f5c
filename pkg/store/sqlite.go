package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/psantana5/sandboxd/pkg/workload"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	state       TEXT NOT NULL,
	finished_at INTEGER NOT NULL,
	data        TEXT NOT NULL
)`

// SQLiteStore persists results in a local SQLite file so history survives a
// supervisor restart inside the same container.
type SQLiteStore struct {
	db  *sql.DB
	max int
}

// OpenSQLite opens (creating if needed) the database at path
func OpenSQLite(ctx context.Context, path string, max int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db, max: max}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, r workload.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (id, state, finished_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, finished_at = excluded.finished_at, data = excluded.data`,
		r.ID, string(r.State), r.FinishedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert result %s: %w", r.ID, err)
	}

	if s.max > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM results WHERE seq NOT IN (SELECT seq FROM results ORDER BY seq DESC LIMIT ?)`, s.max)
		if err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (workload.Result, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM results WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return workload.Result{}, ErrNotFound
	}
	if err != nil {
		return workload.Result{}, err
	}
	var r workload.Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return workload.Result{}, fmt.Errorf("corrupt result %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]workload.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM results ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workload.Result
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var r workload.Result
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
