// Package state persists authorization server records in a bbolt
// database. Every multi-step mutation (code consumption, refresh
// rotation, pending request hand-off) runs inside a single write
// transaction, which bbolt serializes across goroutines.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	clientsBucket  = []byte("oauth_clients")
	codesBucket    = []byte("oauth_codes")
	sessionsBucket = []byte("oauth_sessions")
	pendingBucket  = []byte("oauth_pending")
	usersBucket    = []byte("users")

	allBuckets = [][]byte{clientsBucket, codesBucket, sessionsBucket, pendingBucket, usersBucket}
)

// State wraps a bbolt database holding clients, codes, refresh
// sessions, pending authorizations and the upstream user mapping.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// DefaultPath returns ~/.pit/state.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".pit", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is usable.
func (s *State) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(clientsBucket) == nil {
			return fmt.Errorf("bucket %s missing", clientsBucket)
		}

		return nil
	})
}

// --- Clients ---

// SaveClient persists a registered client, overwriting any existing
// record with the same client ID.
func (s *State) SaveClient(_ context.Context, c models.RegisteredClient) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling client: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).Put([]byte(c.ClientID), data)
	})
}

// GetClient returns the client with the given ID or ErrNotFound.
func (s *State) GetClient(_ context.Context, clientID string) (*models.RegisteredClient, error) {
	var c models.RegisteredClient

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if data == nil {
			return apperrors.ErrNotFound
		}

		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// AppendClientRedirectURI adds redirectURI to the client's registered
// set if it is not already present.
func (s *State) AppendClientRedirectURI(_ context.Context, clientID, redirectURI string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)

		data := b.Get([]byte(clientID))
		if data == nil {
			return apperrors.ErrNotFound
		}

		var c models.RegisteredClient
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("decoding client: %w", err)
		}

		if c.HasRedirectURI(redirectURI) {
			return nil
		}

		c.RedirectURIs = append(c.RedirectURIs, redirectURI)

		updated, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshaling client: %w", err)
		}

		return b.Put([]byte(clientID), updated)
	})
}

// --- Authorization codes ---

// SaveCode stores an authorization code.
func (s *State) SaveCode(_ context.Context, ac models.AuthorizationCode) error {
	data, err := json.Marshal(ac)
	if err != nil {
		return fmt.Errorf("marshaling code: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(codesBucket).Put([]byte(ac.Code), data)
	})
}

// ConsumeCode fetches and deletes the code in one write transaction.
// Expired codes are still returned so the caller can report the reason;
// either way the record is gone afterwards.
func (s *State) ConsumeCode(_ context.Context, code string) (*models.AuthorizationCode, error) {
	var ac models.AuthorizationCode

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)

		data := b.Get([]byte(code))
		if data == nil {
			return apperrors.ErrNotFound
		}

		// Decode before Delete: the slice is only valid for the life of the transaction.
		if err := json.Unmarshal(data, &ac); err != nil {
			return fmt.Errorf("decoding code: %w", err)
		}

		return b.Delete([]byte(code))
	})
	if err != nil {
		return nil, err
	}

	return &ac, nil
}

// --- Refresh sessions ---

// CreateSession stores a new refresh session keyed by its token hash.
func (s *State) CreateSession(_ context.Context, rs models.RefreshSession) error {
	data, err := json.Marshal(rs)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(rs.TokenHash), data)
	})
}

// GetSession returns the session for tokenHash or ErrNotFound.
func (s *State) GetSession(_ context.Context, tokenHash string) (*models.RefreshSession, error) {
	var rs models.RefreshSession

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(tokenHash))
		if data == nil {
			return apperrors.ErrNotFound
		}

		return json.Unmarshal(data, &rs)
	})
	if err != nil {
		return nil, err
	}

	return &rs, nil
}

// RotateSession replaces the session stored under oldHash with next.
// If oldHash is no longer present (a concurrent rotation won) it
// returns ErrNotFound and writes nothing.
func (s *State) RotateSession(_ context.Context, oldHash string, next models.RefreshSession) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(oldHash)) == nil {
			return apperrors.ErrNotFound
		}

		if err := b.Delete([]byte(oldHash)); err != nil {
			return err
		}

		return b.Put([]byte(next.TokenHash), data)
	})
}

// DeleteSession removes a refresh session. Deleting a missing session
// is not an error.
func (s *State) DeleteSession(_ context.Context, tokenHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(tokenHash))
	})
}

// --- Pending authorizations ---

// SavePending stores a pending authorization keyed by its session ID.
func (s *State) SavePending(_ context.Context, p models.PendingAuthorization) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling pending authorization: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put([]byte(p.SessionID), data)
	})
}

// TakePending removes and returns the pending authorization for
// sessionID. Expired records are removed and reported as ErrNotFound.
func (s *State) TakePending(_ context.Context, sessionID string) (*models.PendingAuthorization, error) {
	var p models.PendingAuthorization

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)

		data := b.Get([]byte(sessionID))
		if data == nil {
			return apperrors.ErrNotFound
		}

		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decoding pending authorization: %w", err)
		}

		return b.Delete([]byte(sessionID))
	})
	if err != nil {
		return nil, err
	}

	if p.Expired(s.now()) {
		return nil, apperrors.ErrNotFound
	}

	return &p, nil
}

// --- Users ---

func userKey(upstreamID int64) []byte {
	return []byte(strconv.FormatInt(upstreamID, 10))
}

// LookupUser returns the user for an upstream identity or ErrNotFound.
// It runs in a read-only transaction.
func (s *State) LookupUser(_ context.Context, upstreamID int64) (*models.User, error) {
	var u models.User

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usersBucket).Get(userKey(upstreamID))
		if data == nil {
			return apperrors.ErrNotFound
		}

		return json.Unmarshal(data, &u)
	})
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// ResolveUser returns the internal user for an upstream identity,
// creating it on first sight. The login is refreshed when it changed
// upstream; the internal ID never changes for an existing record.
func (s *State) ResolveUser(_ context.Context, upstreamID int64, login string) (*models.User, error) {
	var u models.User

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		key := userKey(upstreamID)

		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &u); err != nil {
				return fmt.Errorf("decoding user: %w", err)
			}

			if u.Login == login || login == "" {
				return nil
			}

			u.Login = login
		} else {
			u = models.User{
				ID:         uuid.NewString(),
				UpstreamID: upstreamID,
				Login:      login,
				CreatedAt:  s.now().UTC(),
			}
		}

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}

		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}

	return &u, nil
}

// DeleteUser removes the mapping for an upstream identity. The next
// ResolveUser call for the same identity mints a new internal ID.
func (s *State) DeleteUser(_ context.Context, upstreamID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Delete(userKey(upstreamID))
	})
}
