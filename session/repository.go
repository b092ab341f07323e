package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage"
)

// WrappingKeySize is the required length of the operator wrapping key.
const WrappingKeySize = 32

const (
	repoNamespace     = "sessions"
	sessionRecordType = "session"
	subjectRecordType = "subject"
	masterKeyType     = "key"
	masterKeyID       = "current"
	sessionAADPrefix  = "session:"
	subjectAADPrefix  = "subject:"
	masterKeyAAD      = "gatehouse:session_master_key:v1"
	recordKeyPurpose  = "gatehouse:session-record:v1"
	indexKeyPurpose   = "gatehouse:session-index:v1"
)

// RepositoryStore keeps sessions in a storage.Repository, sealed with
// AES-256-GCM. Sessions survive restarts when the repository does.
//
// The session master key is generated once and stored wrapped by an
// operator-supplied wrapping key that never touches the repository.
// Record and index keys are derived from the master key with HKDF.
type RepositoryStore struct {
	repo      storage.Repository
	masterKey *memguard.Enclave
	opts      options
	sweeper   *sweeper
}

var _ Store = (*RepositoryStore)(nil)

// NewRepositoryStore opens or initialises the session master key in repo
// and starts the background sweep.
func NewRepositoryStore(ctx context.Context, repo storage.Repository, wrappingKey []byte, opts ...Option) (*RepositoryStore, error) {
	if len(wrappingKey) != WrappingKeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", WrappingKeySize, len(wrappingKey))
	}
	key, err := loadOrCreateMasterKey(ctx, repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	s := &RepositoryStore{
		repo:      repo,
		masterKey: memguard.NewEnclave(key),
		opts:      applyOptions(opts),
	}
	s.sweeper = startSweeper(sweepInterval, s.sweep)
	return s, nil
}

// Close stops the background sweep. It does not close the repository.
func (s *RepositoryStore) Close() error {
	s.sweeper.stop()
	return nil
}

// withKey derives the key for purpose and passes it to fn.
func (s *RepositoryStore) withKey(purpose string, fn func(key []byte) error) error {
	buf, err := s.masterKey.Open()
	if err != nil {
		return fmt.Errorf("opening session key enclave: %w", err)
	}
	defer buf.Destroy()
	key, err := util.DeriveKey(buf.Bytes(), purpose)
	if err != nil {
		return err
	}
	defer util.WipeBytes(key)
	return fn(key)
}

func (s *RepositoryStore) seal(sess *Session) (*storage.Envelope, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(data)
	var env *storage.Envelope
	err = s.withKey(recordKeyPurpose, func(key []byte) error {
		env, err = storage.SealRecord(key, data, []byte(sessionAADPrefix+sess.ID))
		return err
	})
	return env, err
}

// open returns errCorrupt when the envelope cannot be decrypted or parsed.
func (s *RepositoryStore) open(id string, env *storage.Envelope) (*Session, error) {
	var data []byte
	err := s.withKey(recordKeyPurpose, func(key []byte) error {
		var err error
		data, err = storage.OpenRecord(key, env, []byte(sessionAADPrefix+id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	defer util.WipeBytes(data)
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil || sess.ID != id {
		return nil, fmt.Errorf("%w: bad session payload", errCorrupt)
	}
	return &sess, nil
}

var errCorrupt = errors.New("corrupt session record")

func (s *RepositoryStore) readIndex(tx storage.BatchTx, subject string) ([]string, error) {
	hash := util.HashHex(subject)
	env, err := tx.Get(subjectRecordType, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.openIndex(hash, env)
}

func (s *RepositoryStore) openIndex(hash string, env *storage.Envelope) ([]string, error) {
	var ids []string
	err := s.withKey(indexKeyPurpose, func(key []byte) error {
		data, err := storage.OpenRecord(key, env, []byte(subjectAADPrefix+hash))
		if err != nil {
			// Unreadable index: start over, live sessions are re-added on create.
			return nil
		}
		return json.Unmarshal(data, &ids)
	})
	return ids, err
}

func (s *RepositoryStore) writeIndex(tx storage.BatchTx, subject string, ids []string) error {
	hash := util.HashHex(subject)
	if len(ids) == 0 {
		return tx.Delete(subjectRecordType, hash)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.withKey(indexKeyPurpose, func(key []byte) error {
		env, err := storage.SealRecord(key, data, []byte(subjectAADPrefix+hash))
		if err != nil {
			return err
		}
		return tx.Put(subjectRecordType, hash, env)
	})
}

func (s *RepositoryStore) Create(ctx context.Context, principal *Principal) (*Session, error) {
	sess, err := newSession(principal, s.opts.idleTimeout, s.opts.now())
	if err != nil {
		return nil, unavailable("create", err)
	}
	env, err := s.seal(sess)
	if err != nil {
		return nil, unavailable("create", err)
	}
	err = s.repo.Batch(ctx, repoNamespace, func(tx storage.BatchTx) error {
		if err := tx.Put(sessionRecordType, sess.ID, env); err != nil {
			return err
		}
		sub := sess.Subject()
		if sub == "" {
			return nil
		}
		ids, err := s.readIndex(tx, sub)
		if err != nil {
			return err
		}
		return s.writeIndex(tx, sub, append(ids, sess.ID))
	})
	if err != nil {
		return nil, unavailable("create", err)
	}
	return sess, nil
}

func (s *RepositoryStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	env, err := s.repo.Get(ctx, repoNamespace, sessionRecordType, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	sess, err := s.open(id, env)
	if err != nil || sess.Expired(s.opts.now()) {
		if err := s.Invalidate(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return sess, nil
}

// modify runs fn against the current record inside one batch and writes
// the result back. Expired or corrupt records are removed instead.
func (s *RepositoryStore) modify(ctx context.Context, op, id string, fn func(*Session) error) error {
	now := s.opts.now()
	var fnErr error
	err := s.repo.Batch(ctx, repoNamespace, func(tx storage.BatchTx) error {
		env, err := tx.Get(sessionRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			fnErr = ErrNotFound
			return nil
		}
		if err != nil {
			return err
		}
		sess, err := s.open(id, env)
		if err != nil || sess.Expired(now) {
			fnErr = ErrNotFound
			return s.deleteInTx(tx, id, sess)
		}
		if err := fn(sess); err != nil {
			fnErr = err
			return nil
		}
		sess.ID = id
		sealed, err := s.seal(sess)
		if err != nil {
			return err
		}
		return tx.Put(sessionRecordType, id, sealed)
	})
	if err != nil {
		return unavailable(op, err)
	}
	return fnErr
}

func (s *RepositoryStore) Touch(ctx context.Context, id string) error {
	now := s.opts.now()
	err := s.modify(ctx, "touch", id, func(sess *Session) error {
		sess.LastTouched = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (s *RepositoryStore) Update(ctx context.Context, id string, fn func(*Session) error) error {
	return s.modify(ctx, "update", id, fn)
}

func (s *RepositoryStore) Invalidate(ctx context.Context, id string) error {
	err := s.repo.Batch(ctx, repoNamespace, func(tx storage.BatchTx) error {
		env, err := tx.Get(sessionRecordType, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sess, _ := s.open(id, env)
		return s.deleteInTx(tx, id, sess)
	})
	if err != nil {
		return unavailable("invalidate", err)
	}
	return nil
}

// deleteInTx removes the record and, when sess is readable, its index entry.
func (s *RepositoryStore) deleteInTx(tx storage.BatchTx, id string, sess *Session) error {
	if err := tx.Delete(sessionRecordType, id); err != nil {
		return err
	}
	if sess == nil || sess.Subject() == "" {
		return nil
	}
	ids, err := s.readIndex(tx, sess.Subject())
	if err != nil {
		return err
	}
	return s.writeIndex(tx, sess.Subject(), removeID(ids, id))
}

func (s *RepositoryStore) ListByPrincipal(ctx context.Context, subject string) ([]*Session, error) {
	hash := util.HashHex(subject)
	env, err := s.repo.Get(ctx, repoNamespace, subjectRecordType, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("list", err)
	}
	ids, err := s.openIndex(hash, env)
	if err != nil {
		return nil, unavailable("list", err)
	}
	var out []*Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sortOldestFirst(out)
	return out, nil
}

// Sweep removes idle-expired and unreadable session records.
func (s *RepositoryStore) Sweep(ctx context.Context) error {
	ids, err := s.repo.List(ctx, repoNamespace, sessionRecordType)
	if err != nil {
		return unavailable("sweep", err)
	}
	for _, id := range ids {
		if _, err := s.Get(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// sweep is the background sweep tick.
func (s *RepositoryStore) sweep() {
	if err := s.Sweep(context.Background()); err != nil {
		s.opts.logger.Error("session sweep failed", "error", err)
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// loadOrCreateMasterKey unwraps the stored master key, or generates and
// stores a new one. A wrapping key that no longer opens the stored key
// yields a fresh master key, which makes every existing session
// unreadable.
func loadOrCreateMasterKey(ctx context.Context, repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(masterKeyAAD)

	env, err := repo.Get(ctx, repoNamespace, masterKeyType, masterKeyID)
	if err == nil {
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.AESKeySize {
			return key, nil
		}
		util.WipeBytes(key)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("loading session key: %w", err)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(ctx, repoNamespace, masterKeyType, masterKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting session key: %w", err)
	}
	return key, nil
}
