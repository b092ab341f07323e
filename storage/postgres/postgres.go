// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Envelope fields are stored as individual columns so nonce and
// ciphertext land in native BYTEA storage.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatehouse/storage"
)

const (
	upsertSQL = `INSERT INTO records (namespace, record_type, record_id, ver, scheme, nonce, ciphertext)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (namespace, record_type, record_id)
		 DO UPDATE SET ver = $4, scheme = $5, nonce = $6, ciphertext = $7`
	selectSQL = `SELECT ver, scheme, nonce, ciphertext
		 FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`
	deleteSQL = `DELETE FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// execer abstracts both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func put(ctx context.Context, q execer, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := q.Exec(ctx, upsertSQL,
		namespace, recordType, recordID,
		envelope.Ver, envelope.Scheme, envelope.Nonce, envelope.Ciphertext)
	return err
}

func get(ctx context.Context, q execer, query, namespace, recordType, recordID string) (*storage.Envelope, error) {
	var env storage.Envelope
	err := q.QueryRow(ctx, query, namespace, recordType, recordID).Scan(
		&env.Ver, &env.Scheme, &env.Nonce, &env.Ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	return put(ctx, s.pool, namespace, recordType, recordID, envelope)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	return get(ctx, s.pool, selectSQL, namespace, recordType, recordID)
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	_, err := s.pool.Exec(ctx, deleteSQL, namespace, recordType, recordID)
	return err
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND record_type = $2`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Batch runs fn inside a transaction. Reads through the BatchTx lock the
// rows they touch until commit.
func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return get(btx.ctx, btx.tx, selectSQL+" FOR UPDATE", btx.namespace, recordType, recordID)
}

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return put(btx.ctx, btx.tx, btx.namespace, recordType, recordID, envelope)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	_, err := btx.tx.Exec(btx.ctx, deleteSQL, btx.namespace, recordType, recordID)
	return err
}
