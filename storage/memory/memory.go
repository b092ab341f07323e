// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/gatehouse/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func (r *Repository) Put(_ context.Context, namespace, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(namespace, recordType, recordID, envelope)
	return nil
}

func (r *Repository) putLocked(namespace, recordType, recordID string, envelope *storage.Envelope) {
	if _, ok := r.data[namespace]; !ok {
		r.data[namespace] = make(map[string]*storage.Envelope)
	}
	r.data[namespace][makeKey(recordType, recordID)] = envelope.Clone()
}

func (r *Repository) Get(_ context.Context, namespace, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(namespace, recordType, recordID)
}

func (r *Repository) getLocked(namespace, recordType, recordID string) (*storage.Envelope, error) {
	env, ok := r.data[namespace][makeKey(recordType, recordID)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return env.Clone(), nil
}

func (r *Repository) List(_ context.Context, namespace, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[namespace] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, namespace, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data[namespace], makeKey(recordType, recordID))
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot(namespace)

	tx := &memoryBatchTx{repo: r, namespace: namespace}
	if err := fn(tx); err != nil {
		r.restore(namespace, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshot(namespace string) map[string]*storage.Envelope {
	original, ok := r.data[namespace]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restore(namespace string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, namespace)
	} else {
		r.data[namespace] = snapshot
	}
}

type memoryBatchTx struct {
	repo      *Repository
	namespace string
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return tx.repo.getLocked(tx.namespace, recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	tx.repo.putLocked(tx.namespace, recordType, recordID, envelope)
	return nil
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	delete(tx.repo.data[tx.namespace], makeKey(recordType, recordID))
	return nil
}
