// Package presence mirrors the relay's online roster into Redis so operators
// and other services can see who is connected to which relay instance.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/registry"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL bounds how long a presence hash outlives a crashed relay. Live
	// sessions are renewed by registry.EventPresenceRefresh well within it.
	TTL = 1 * time.Hour

	// observeTimeout bounds the Redis round trips for one registry event.
	observeTimeout = 2 * time.Second
)

// Entry is one client's presence record stored in Redis.
type Entry struct {
	ID          string `redis:"id"`
	Status      string `redis:"status"`       // online | typing
	Server      string `redis:"server"`       // which relay instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
	log        *zap.Logger
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr, serverName string, log *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName, log), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, serverName: serverName, log: log.Named("presence")}
}

func key(clientID string) string { return KeyPrefix + clientID }

// indexKey is the set of client ids this relay instance has online.
func (s *Store) indexKey() string { return KeyPrefix + "server:" + s.serverName }

// Online records clientID as connected to this instance.
func (s *Store) Online(ctx context.Context, clientID string, connectedAt time.Time) error {
	entry := map[string]interface{}{
		"id":           clientID,
		"status":       string(protocol.StatusOnline),
		"server":       s.serverName,
		"connected_at": connectedAt.Unix(),
		"last_active":  time.Now().Unix(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key(clientID), entry)
	pipe.Expire(ctx, key(clientID), TTL)
	pipe.SAdd(ctx, s.indexKey(), clientID)
	pipe.Expire(ctx, s.indexKey(), TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateStatus updates the client's status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, clientID string, status protocol.Status) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(clientID), "status", string(status), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key(clientID), TTL)
	pipe.Expire(ctx, s.indexKey(), TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes last_active and the TTL without changing the status. It
// does nothing for a client with no presence record.
func (s *Store) Touch(ctx context.Context, clientID string) error {
	n, err := s.client.Exists(ctx, key(clientID)).Result()
	if err != nil || n == 0 {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(clientID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key(clientID), TTL)
	pipe.Expire(ctx, s.indexKey(), TTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Refresh renews the records of every user in a roster, recreating any
// that expired, and the index TTL. Existing connected_at and last_active
// values are kept.
func (s *Store) Refresh(ctx context.Context, users []protocol.UserStatus, at time.Time) error {
	if len(users) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for _, u := range users {
		k := key(u.Name)
		pipe.HSet(ctx, k, "id", u.Name, "status", string(u.Status), "server", s.serverName)
		pipe.HSetNX(ctx, k, "connected_at", at.Unix())
		pipe.HSetNX(ctx, k, "last_active", at.Unix())
		pipe.Expire(ctx, k, TTL)
		pipe.SAdd(ctx, s.indexKey(), u.Name)
	}
	pipe.Expire(ctx, s.indexKey(), TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Offline removes the client's presence record. A record owned by another
// relay instance is left alone.
func (s *Store) Offline(ctx context.Context, clientID string) error {
	server, err := s.client.HGet(ctx, key(clientID), "server").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	pipe := s.client.TxPipeline()
	if server == "" || server == s.serverName {
		pipe.Del(ctx, key(clientID))
	}
	pipe.SRem(ctx, s.indexKey(), clientID)
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if the client is not online.
func (s *Store) Get(ctx context.Context, clientID string) (*Entry, error) {
	var entry Entry
	if err := s.client.HGetAll(ctx, key(clientID)).Scan(&entry); err != nil {
		return nil, err
	}
	if entry.ID == "" {
		return nil, nil // not found
	}
	return &entry, nil
}

// List returns the presence records of every client online on this
// instance. Index members whose hash has expired are pruned.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Observe applies a registry event to Redis. Failures are logged; the relay
// keeps working without its mirror.
func (s *Store) Observe(ev registry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case registry.EventSessionOpened:
		err = s.Online(ctx, ev.ClientID, ev.At)
	case registry.EventStatusChanged:
		err = s.UpdateStatus(ctx, ev.ClientID, ev.Status)
	case registry.EventSessionClosed:
		err = s.Offline(ctx, ev.ClientID)
	case registry.EventMessage:
		err = s.Touch(ctx, ev.ClientID)
	case registry.EventPresenceRefresh:
		err = s.Refresh(ctx, ev.Users, ev.At)
	default:
		return
	}
	if err != nil {
		s.log.Warn("presence update failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("client_id", ev.ClientID),
			zap.Error(err))
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
