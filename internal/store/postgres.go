package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx used by PostgresStore.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore keeps every collection in one JSONB table (see migrations/).
type PostgresStore struct {
	db DBTX
}

// NewPostgresStore wraps a pool or transaction.
func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw []byte
	err := s.db.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return nil, wrap("get", collection, err)
	}
	return decode(collection, id, raw)
}

func (s *PostgresStore) Query(ctx context.Context, collection, field string, op Operator, value any) ([]Document, error) {
	var sql string
	switch op {
	case OpEqual:
		sql = `SELECT id, data FROM documents
			WHERE collection = $1 AND data->>$2 = $3
			ORDER BY id`
	case OpNotEqual:
		sql = `SELECT id, data FROM documents
			WHERE collection = $1 AND (data->>$2) IS DISTINCT FROM $3
			ORDER BY id`
	default:
		return nil, wrap("query", collection, fmt.Errorf("unsupported operator %q", op))
	}

	rows, err := s.db.Query(ctx, sql, collection, field, compareValue(value))
	if err != nil {
		return nil, wrap("query", collection, err)
	}
	return collect(collection, "query", rows)
}

func (s *PostgresStore) RangeQuery(ctx context.Context, collection, field, lower, upper string) ([]Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, data FROM documents
		WHERE collection = $1
		  AND (data->>$2) COLLATE "C" >= $3
		  AND (data->>$2) COLLATE "C" < $4
		ORDER BY (data->>$2) COLLATE "C", id`,
		collection, field, lower, upper,
	)
	if err != nil {
		return nil, wrap("range", collection, err)
	}
	return collect(collection, "range", rows)
}

func (s *PostgresStore) All(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, wrap("all", collection, err)
	}
	return collect(collection, "all", rows)
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, collection, id string, doc Document) error {
	raw, err := json.Marshal(withoutKey(doc))
	if err != nil {
		return wrap("insert", collection, fmt.Errorf("encode document: %w", err))
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, raw,
	)
	if err != nil {
		return wrap("insert", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrConflict, collection, id)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, partial Document) error {
	raw, err := json.Marshal(withoutKey(partial))
	if err != nil {
		return wrap("update", collection, fmt.Errorf("encode document: %w", err))
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND id = $2`,
		collection, id, raw,
	)
	if err != nil {
		return wrap("update", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return wrap("delete", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	return nil
}

// Ping checks connectivity for health endpoints.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRow(ctx, `SELECT 1`).Scan(&one)
}

func collect(collection, op string, rows pgx.Rows) ([]Document, error) {
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, wrap(op, collection, err)
		}
		doc, err := decode(collection, id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, collection, err)
	}
	return out, nil
}

func decode(collection, id string, raw []byte) (Document, error) {
	doc := make(Document)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, wrap("decode", collection, fmt.Errorf("document %s: %w", id, err))
	}
	doc[IDKey] = id
	return doc, nil
}
