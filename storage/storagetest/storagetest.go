// Package storagetest holds a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/jmcleod/gatehouse/storage"
)

func envelope(payload string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(payload),
	}
}

// Run exercises repo against the Repository contract. The repository must
// be empty when Run is called.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	const ns = "ns1"

	t.Run("PutGet", func(t *testing.T) {
		if err := repo.Put(ctx, ns, "session", "a", envelope("one")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, ns, "session", "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Ver != 1 || got.Scheme != "aes256gcm" || !bytes.Equal(got.Ciphertext, []byte("one")) {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		if err := repo.Put(ctx, ns, "session", "a", envelope("two")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, ns, "session", "a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != "two" {
			t.Errorf("expected overwritten ciphertext, got %q", got.Ciphertext)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing-ns", "session", "a")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing namespace, got %v", err)
		}
		_, err = repo.Get(ctx, ns, "session", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing record, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		for i := range 3 {
			if err := repo.Put(ctx, ns, "index", fmt.Sprintf("k%d", i), envelope("x")); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		ids, err := repo.List(ctx, ns, "index")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if len(ids) != 3 || ids[0] != "k0" || ids[2] != "k2" {
			t.Errorf("unexpected IDs: %v", ids)
		}

		// Record types sharing a prefix must not leak into each other.
		ids, err = repo.List(ctx, ns, "ind")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no IDs for prefix type, got %v", ids)
		}

		ids, err = repo.List(ctx, "missing-ns", "index")
		if err != nil {
			t.Fatalf("List on missing namespace failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected empty list, got %v", ids)
		}
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		if err := repo.Delete(ctx, ns, "session", "a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, ns, "session", "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, ns, "session", "a"); err != nil {
			t.Errorf("second Delete should succeed, got %v", err)
		}
		if err := repo.Delete(ctx, "missing-ns", "session", "a"); err != nil {
			t.Errorf("Delete in missing namespace should succeed, got %v", err)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("session", "b1", envelope("b1")); err != nil {
				return err
			}
			got, err := tx.Get("session", "b1")
			if err != nil {
				return fmt.Errorf("read own write: %w", err)
			}
			if string(got.Ciphertext) != "b1" {
				return fmt.Errorf("read own write returned %q", got.Ciphertext)
			}
			if _, err := tx.Get("session", "nope"); !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("expected ErrNotFound in batch, got %v", err)
			}
			if err := tx.Put("session", "b2", envelope("b2")); err != nil {
				return err
			}
			return tx.Delete("index", "k0")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		for _, id := range []string{"b1", "b2"} {
			if _, err := repo.Get(ctx, ns, "session", id); err != nil {
				t.Errorf("expected %s committed, got %v", id, err)
			}
		}
		if _, err := repo.Get(ctx, ns, "index", "k0"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected k0 deleted, got %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := repo.Batch(ctx, ns, func(tx storage.BatchTx) error {
			if err := tx.Put("session", "r1", envelope("r1")); err != nil {
				return err
			}
			if err := tx.Delete("session", "b1"); err != nil {
				return err
			}
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected sentinel error, got %v", err)
		}
		if _, err := repo.Get(ctx, ns, "session", "r1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("r1 should not exist after rollback, got %v", err)
		}
		if _, err := repo.Get(ctx, ns, "session", "b1"); err != nil {
			t.Errorf("b1 should survive rollback, got %v", err)
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		if err := repo.Put(ctx, "ns2", "session", "b1", envelope("other")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, ns, "session", "b1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Ciphertext) != "b1" {
			t.Errorf("namespace leak: got %q", got.Ciphertext)
		}
	})
}
