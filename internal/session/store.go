// Package session keeps import previews on the server between the preview
// and execute requests. Clients only hold a signed handle.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jbweber/homelab/keaport/internal/importer"
	"github.com/jbweber/homelab/keaport/internal/topology"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"
)

var bucketSessions = []byte("sessions")

var (
	ErrNotFound          = errors.New("session not found")
	ErrExpired           = errors.New("session expired")
	ErrInvalidHandle     = errors.New("invalid session handle")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// DefaultTTL is used when Open is given a non-positive ttl.
const DefaultTTL = 30 * time.Minute

// Session is one run of the import wizard
type Session struct {
	ID        string           `json:"id"`
	State     State            `json:"state"`
	FileName  string           `json:"file_name,omitempty"`
	Actor     string           `json:"actor,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	Match     topology.Result  `json:"match"`
	Result    *importer.Result `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Store persists sessions in a bbolt file
type Store struct {
	db  *bolt.DB
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Open opens or creates the session database at path. secret keys the
// handle MAC; an empty secret gets a random key, so handles do not survive
// a restart.
func Open(path, secret string, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	key, err := macKey(secret)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketSessions, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, key: key, ttl: ttl, now: time.Now}, nil
}

func macKey(secret string) ([]byte, error) {
	switch {
	case secret == "":
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate session key: %w", err)
		}
		return key, nil
	case len(secret) > blake2b.Size:
		sum := blake2b.Sum256([]byte(secret))
		return sum[:], nil
	default:
		return []byte(secret), nil
	}
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) sign(id string) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// key length is checked by macKey
		panic(err)
	}
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

// Handle returns the signed handle clients use to refer to id.
func (s *Store) Handle(id string) string {
	return id + "." + s.sign(id)
}

// verify returns the session id inside handle if its MAC is valid.
func (s *Store) verify(handle string) (string, error) {
	id, mac, ok := strings.Cut(strings.TrimSpace(handle), ".")
	if !ok || id == "" {
		return "", ErrInvalidHandle
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", ErrInvalidHandle
	}
	if !hmac.Equal([]byte(mac), []byte(s.sign(id))) {
		return "", ErrInvalidHandle
	}
	return id, nil
}

// Create stores a previewed session for a successfully parsed and matched
// upload and returns it with its handle.
func (s *Store) Create(fileName, actor string, match topology.Result) (*Session, string, error) {
	now := s.now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		State:     StateIdle,
		FileName:  fileName,
		Actor:     actor,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Match:     match,
	}
	for _, next := range []State{StateUploaded, StatePreviewed} {
		if err := sess.advance(next); err != nil {
			return nil, "", err
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, sess)
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to store session: %w", err)
	}
	return sess, s.Handle(sess.ID), nil
}

func (sess *Session) advance(to State) error {
	if !CanTransition(sess.State, to) {
		return fmt.Errorf("%s -> %s: %w", sess.State, to, ErrInvalidTransition)
	}
	sess.State = to
	return nil
}

func put(tx *bolt.Tx, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
}

func get(tx *bolt.Tx, id string) (*Session, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Get returns the session behind handle.
func (s *Store) Get(handle string) (*Session, error) {
	id, err := s.verify(handle)
	if err != nil {
		return nil, err
	}
	var sess *Session
	err = s.db.View(func(tx *bolt.Tx) error {
		sess, err = get(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.now().After(sess.ExpiresAt) {
		return nil, ErrExpired
	}
	return sess, nil
}

// Transition moves the session behind handle to state to and applies
// mutate, atomically. Two concurrent callers cannot both leave the same
// state. Entering a terminal state is allowed after expiry and keeps the
// session for another TTL.
func (s *Store) Transition(handle string, to State, mutate func(*Session)) (*Session, error) {
	id, err := s.verify(handle)
	if err != nil {
		return nil, err
	}
	var sess *Session
	err = s.db.Update(func(tx *bolt.Tx) error {
		sess, err = get(tx, id)
		if err != nil {
			return err
		}
		now := s.now()
		// A batch that outlives the TTL still records its outcome.
		if !to.Terminal() && now.After(sess.ExpiresAt) {
			return ErrExpired
		}
		if err := sess.advance(to); err != nil {
			return err
		}
		if mutate != nil {
			mutate(sess)
		}
		if to.Terminal() {
			sess.ExpiresAt = now.Add(s.ttl).UTC()
		}
		sess.UpdatedAt = now.UTC()
		return put(tx, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Purge deletes expired sessions and returns how many were removed.
func (s *Store) Purge() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var sess Session
			if err := json.Unmarshal(v, &sess); err != nil || now.After(sess.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
