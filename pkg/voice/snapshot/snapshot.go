// Package snapshot stores recoverable Order Draft snapshots so a session that
// failed can be resumed or restarted by the UI.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-order/pkg/order"
	"github.com/vango-go/vai-order/pkg/voice/session"
)

// DefaultTTL keeps a snapshot long enough for a "resume" prompt.
const DefaultTTL = 30 * time.Minute

var ErrNotFound = errors.New("snapshot: not found")

type Store interface {
	Save(ctx context.Context, snap order.Snapshot) error
	Load(ctx context.Context, sessionID string) (order.Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
}

var (
	_ session.SnapshotStore = (*Memory)(nil)
	_ session.SnapshotStore = (*Redis)(nil)
)

type memoryEntry struct {
	snap    order.Snapshot
	expires time.Time
}

// Memory is a process-local Store.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	byID map[string]memoryEntry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, byID: make(map[string]memoryEntry)}
}

func (m *Memory) Save(_ context.Context, snap order.Snapshot) error {
	if strings.TrimSpace(snap.SessionID) == "" {
		return fmt.Errorf("snapshot: session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[snap.SessionID] = memoryEntry{snap: snap, expires: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Load(_ context.Context, sessionID string) (order.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[sessionID]
	if !ok {
		return order.Snapshot{}, ErrNotFound
	}
	if !m.now().Before(e.expires) {
		delete(m.byID, sessionID)
		return order.Snapshot{}, ErrNotFound
	}
	return e.snap, nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.byID, sessionID)
	m.mu.Unlock()
	return nil
}

// Commands is the subset of the go-redis client the Redis store uses.
type Commands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores snapshots as JSON under "<prefix><session_id>" with a TTL.
type Redis struct {
	cmds   Commands
	prefix string
	ttl    time.Duration
}

func NewRedis(cmds Commands, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "vai-order:snapshot:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{cmds: cmds, prefix: prefix, ttl: ttl}
}

// DialRedis connects to addr and checks it answers PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) key(sessionID string) string { return r.prefix + sessionID }

func (r *Redis) Save(ctx context.Context, snap order.Snapshot) error {
	if strings.TrimSpace(snap.SessionID) == "" {
		return fmt.Errorf("snapshot: session id is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := r.cmds.Set(ctx, r.key(snap.SessionID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("snapshot: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, sessionID string) (order.Snapshot, error) {
	raw, err := r.cmds.Get(ctx, r.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return order.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return order.Snapshot{}, fmt.Errorf("snapshot: redis get: %w", err)
	}
	var snap order.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return order.Snapshot{}, fmt.Errorf("snapshot: decode %s: %w", sessionID, err)
	}
	return snap, nil
}

func (r *Redis) Delete(ctx context.Context, sessionID string) error {
	if err := r.cmds.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("snapshot: redis del: %w", err)
	}
	return nil
}
