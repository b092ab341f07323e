// Package storage provides the storage abstraction layer for sealed records.
//
// Records are grouped by namespace, then addressed by a record type and an
// ID within it. Backends never see plaintext; callers seal records into an
// Envelope before handing them over.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BatchTx provides reads and writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	Put(recordType string, recordID string, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for sealed record storage.
//
// Delete is idempotent: removing a missing record is not an error.
type Repository interface {
	Put(ctx context.Context, namespace string, recordType string, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace string, recordType string, recordID string) (*Envelope, error)
	Delete(ctx context.Context, namespace string, recordType string, recordID string) error
	List(ctx context.Context, namespace string, recordType string) ([]string, error)
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
