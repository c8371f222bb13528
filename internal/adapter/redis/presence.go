package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/gridpulse/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const (
	PresenceOnlineKey = "gridpulse:presence:online"
	PresenceChannel   = "gridpulse:presence"

	presenceQueueSize    = 1024
	presenceApplyTimeout = 2 * time.Second
)

// PresenceUpdate is published on PresenceChannel for every transition.
type PresenceUpdate struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func (u PresenceUpdate) transition() string {
	if u.Online {
		return "online"
	}
	return "offline"
}

// PresenceStore persists presence transitions.
type PresenceStore interface {
	Apply(ctx context.Context, update PresenceUpdate) error
	Reset(ctx context.Context) error
}

// RedisPresenceStore keeps the set of online users and announces every
// transition on a pub/sub channel.
type RedisPresenceStore struct {
	rdb goredis.Cmdable
}

func NewPresenceStore(rdb goredis.Cmdable) *RedisPresenceStore {
	return &RedisPresenceStore{rdb: rdb}
}

func (s *RedisPresenceStore) Apply(ctx context.Context, update PresenceUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal presence update: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if update.Online {
			pipe.SAdd(ctx, PresenceOnlineKey, update.UserID)
		} else {
			pipe.SRem(ctx, PresenceOnlineKey, update.UserID)
		}
		pipe.Publish(ctx, PresenceChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply presence update: %w", err)
	}
	return nil
}

// Reset forgets every online user. A single relay instance owns the set, so
// anything in it at startup is left over from a previous run.
func (s *RedisPresenceStore) Reset(ctx context.Context) error {
	if err := s.rdb.Del(ctx, PresenceOnlineKey).Err(); err != nil {
		return fmt.Errorf("failed to reset presence set: %w", err)
	}
	return nil
}

func (s *RedisPresenceStore) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.rdb.SMembers(ctx, PresenceOnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence set: %w", err)
	}
	return users, nil
}

// PresenceMirror copies registry presence transitions into a PresenceStore.
// UserOnline and UserOffline never block: they run on the registry's
// goroutine, so updates are queued and applied in order by Run. When the
// queue is full the update is dropped and counted.
type PresenceMirror struct {
	store   PresenceStore
	updates chan PresenceUpdate
	metrics *metrics.PresenceMetrics
}

func NewPresenceMirror(store PresenceStore, m *metrics.PresenceMetrics) *PresenceMirror {
	return &PresenceMirror{
		store:   store,
		updates: make(chan PresenceUpdate, presenceQueueSize),
		metrics: m,
	}
}

func (m *PresenceMirror) UserOnline(userID string) {
	m.enqueue(PresenceUpdate{UserID: userID, Online: true})
}

func (m *PresenceMirror) UserOffline(userID string) {
	m.enqueue(PresenceUpdate{UserID: userID, Online: false})
}

func (m *PresenceMirror) enqueue(update PresenceUpdate) {
	select {
	case m.updates <- update:
	default:
		slog.Warn("Presence queue full, dropping update", "user_id", update.UserID, "online", update.Online)
		if m.metrics != nil {
			m.metrics.Dropped.Inc()
		}
	}
}

// Run resets the store, then applies queued updates until ctx is cancelled.
func (m *PresenceMirror) Run(ctx context.Context) {
	resetCtx, cancel := context.WithTimeout(ctx, presenceApplyTimeout)
	if err := m.store.Reset(resetCtx); err != nil {
		slog.Warn("Failed to reset presence mirror", "error", err)
	}
	cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-m.updates:
			m.apply(ctx, update)
		}
	}
}

func (m *PresenceMirror) apply(ctx context.Context, update PresenceUpdate) {
	ctx, cancel := context.WithTimeout(ctx, presenceApplyTimeout)
	defer cancel()

	result := "ok"
	if err := m.store.Apply(ctx, update); err != nil {
		result = "error"
		slog.Warn("Failed to mirror presence", "user_id", update.UserID, "online", update.Online, "error", err)
	}
	if m.metrics != nil {
		m.metrics.Updates.WithLabelValues(update.transition(), result).Inc()
	}
}
