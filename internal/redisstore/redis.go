// Package redisstore is a Redis-backed authorization store for
// deployments that run more than one server instance. Single-use and
// compare-and-swap semantics rely on GETDEL, Lua scripts and WATCH,
// each of which Redis executes atomically.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/pit/internal/errors"
	"github.com/alexjbarnes/pit/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// codeGrace keeps expired codes around briefly so redemption can report
// expiry rather than absence.
const codeGrace = time.Minute

// appendMaxRetries bounds WATCH retries in AppendClientRedirectURI.
const appendMaxRetries = 16

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements the authorization store on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. Tests use it with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

// ttlUntil returns the time left until t, never less than a millisecond
// so Redis accepts it as an expiry.
func (s *Store) ttlUntil(t time.Time) time.Duration {
	d := t.Sub(s.now())
	if d < time.Millisecond {
		return time.Millisecond
	}

	return d
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperrors.ErrNotFound
		}

		return fmt.Errorf("reading %s: %w", key, err)
	}

	return json.Unmarshal(data, v)
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (s *Store) getDelJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return apperrors.ErrNotFound
		}

		return fmt.Errorf("consuming %s: %w", key, err)
	}

	return json.Unmarshal(data, v)
}

// --- Clients ---

// SaveClient persists a registered client without expiry.
func (s *Store) SaveClient(ctx context.Context, c models.RegisteredClient) error {
	return s.setJSON(ctx, s.key("client", c.ClientID), c, 0)
}

// GetClient returns the client with the given ID or ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.RegisteredClient, error) {
	var c models.RegisteredClient
	if err := s.getJSON(ctx, s.key("client", clientID), &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// AppendClientRedirectURI adds redirectURI to the client under an
// optimistic WATCH transaction, retried when a concurrent writer aborts
// it. ErrConflict is returned once appendMaxRetries attempts have lost.
func (s *Store) AppendClientRedirectURI(ctx context.Context, clientID, redirectURI string) error {
	key := s.key("client", clientID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return apperrors.ErrNotFound
			}

			return err
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

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})

		return err
	}

	for range appendMaxRetries {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}

	return apperrors.ErrConflict
}

// --- Authorization codes ---

// SaveCode stores a code with a TTL slightly past its expiry.
func (s *Store) SaveCode(ctx context.Context, ac models.AuthorizationCode) error {
	return s.setJSON(ctx, s.key("code", ac.Code), ac, s.ttlUntil(ac.ExpiresAt)+codeGrace)
}

// ConsumeCode fetches and deletes the code with GETDEL.
func (s *Store) ConsumeCode(ctx context.Context, code string) (*models.AuthorizationCode, error) {
	var ac models.AuthorizationCode
	if err := s.getDelJSON(ctx, s.key("code", code), &ac); err != nil {
		return nil, err
	}

	return &ac, nil
}

// --- Refresh sessions ---

// CreateSession stores a refresh session that expires with the token.
func (s *Store) CreateSession(ctx context.Context, rs models.RefreshSession) error {
	return s.setJSON(ctx, s.key("session", rs.TokenHash), rs, s.ttlUntil(rs.ExpiresAt))
}

// GetSession returns the session for tokenHash or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, tokenHash string) (*models.RefreshSession, error) {
	var rs models.RefreshSession
	if err := s.getJSON(ctx, s.key("session", tokenHash), &rs); err != nil {
		return nil, err
	}

	return &rs, nil
}

// rotateSessionScript deletes KEYS[1] and writes ARGV[1] to KEYS[2]
// with a PX of ARGV[2], but only if KEYS[1] still exists.
// Returns 1 on success, 0 if the old session is gone.
var rotateSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RotateSession swaps the session under oldHash for next in one script
// execution. The loser of a concurrent rotation gets ErrNotFound.
func (s *Store) RotateSession(ctx context.Context, oldHash string, next models.RefreshSession) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	keys := []string{s.key("session", oldHash), s.key("session", next.TokenHash)}
	ttl := s.ttlUntil(next.ExpiresAt).Milliseconds()

	result, err := rotateSessionScript.Run(ctx, s.client, keys, data, ttl).Int()
	if err != nil {
		return fmt.Errorf("rotating session: %w", err)
	}

	if result == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

// DeleteSession removes a refresh session.
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key("session", tokenHash)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	return nil
}

// --- Pending authorizations ---

// SavePending stores a pending authorization that expires on its own.
func (s *Store) SavePending(ctx context.Context, p models.PendingAuthorization) error {
	return s.setJSON(ctx, s.key("pending", p.SessionID), p, s.ttlUntil(p.ExpiresAt))
}

// TakePending removes and returns the pending authorization.
func (s *Store) TakePending(ctx context.Context, sessionID string) (*models.PendingAuthorization, error) {
	var p models.PendingAuthorization
	if err := s.getDelJSON(ctx, s.key("pending", sessionID), &p); err != nil {
		return nil, err
	}

	if p.Expired(s.now()) {
		return nil, apperrors.ErrNotFound
	}

	return &p, nil
}

// --- Users ---

func (s *Store) userKey(upstreamID int64) string {
	return s.key("user", strconv.FormatInt(upstreamID, 10))
}

// LookupUser returns the user for an upstream identity or ErrNotFound.
func (s *Store) LookupUser(ctx context.Context, upstreamID int64) (*models.User, error) {
	var u models.User
	if err := s.getJSON(ctx, s.userKey(upstreamID), &u); err != nil {
		return nil, err
	}

	return &u, nil
}

// ResolveUser returns the internal user for an upstream identity. A new
// record is created with SETNX so concurrent first logins agree on one ID.
func (s *Store) ResolveUser(ctx context.Context, upstreamID int64, login string) (*models.User, error) {
	key := s.userKey(upstreamID)

	fresh := models.User{
		ID:         uuid.NewString(),
		UpstreamID: upstreamID,
		Login:      login,
		CreatedAt:  s.now().UTC(),
	}

	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("marshaling user: %w", err)
	}

	created, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	if created {
		return &fresh, nil
	}

	var u models.User
	if err := s.getJSON(ctx, key, &u); err != nil {
		return nil, err
	}

	if login != "" && u.Login != login {
		u.Login = login
		if err := s.setJSON(ctx, key, u, 0); err != nil {
			return nil, err
		}
	}

	return &u, nil
}

// DeleteUser removes the mapping for an upstream identity.
func (s *Store) DeleteUser(ctx context.Context, upstreamID int64) error {
	if err := s.client.Del(ctx, s.userKey(upstreamID)).Err(); err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}

	return nil
}
