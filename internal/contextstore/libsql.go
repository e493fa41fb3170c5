package contextstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentloom/pkg/schema"
)

// LibSQLStore is a Store backed by an embedded libSQL database. Values are
// JSON-encoded, so a Get returns the decoded JSON form (numbers as float64,
// objects as map[string]any).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dbPath (e.g. "file:/tmp/ctx.db") and
// applies pending migrations.
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, storeError("open libsql", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		var result string
		_ = db.QueryRowContext(ctx, p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, storeError("migrate", err)
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Set(ctx context.Context, namespace, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode value for %s/%s: %v", namespace, key, err).WithCause(err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO context_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		namespace, key, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return storeError("set", err)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, namespace, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM context_entries WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError("get", err)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *LibSQLStore) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_entries WHERE namespace = ? AND key = ?`, namespace, key,
	); err != nil {
		return storeError("delete", err)
	}
	return nil
}

func (s *LibSQLStore) Snapshot(ctx context.Context, namespace string) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM context_entries WHERE namespace = ? ORDER BY key`, namespace,
	)
	if err != nil {
		return nil, storeError("snapshot", err)
	}
	defer rows.Close()

	data := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, storeError("snapshot scan", err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, err
		}
		data[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("snapshot rows", err)
	}

	return &Snapshot{
		ID:        uuid.NewString(),
		Namespace: namespace,
		CreatedAt: time.Now(),
		Data:      data,
	}, nil
}

func (s *LibSQLStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM context_entries ORDER BY namespace`)
	if err != nil {
		return nil, storeError("namespaces", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, storeError("namespaces scan", err)
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_entries`); err != nil {
		return storeError("clear", err)
	}
	return nil
}

func decodeValue(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, storeError("decode value", err)
	}
	return v, nil
}

func storeError(op string, err error) *schema.AgentError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
