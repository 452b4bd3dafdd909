package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mcdev12/subathon/go/internal/timer"
	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis instance backing a RedisStore.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore shares sessions between instances and survives restarts.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "subathon:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) sessionKey(id string) string  { return s.keyPrefix + "session:" + id }
func (s *RedisStore) codeKey(code string) string   { return s.keyPrefix + "code:" + code }
func (s *RedisStore) indexKey() string             { return s.keyPrefix + "sessions" }
func (s *RedisStore) settingsKey(id string) string { return s.keyPrefix + "settings:" + id }
func (s *RedisStore) togglesKey(id string) string  { return s.keyPrefix + "toggles:" + id }
func (s *RedisStore) channelsKey(id string) string { return s.keyPrefix + "channels:" + id }

func (s *RedisStore) CreateSession(ctx context.Context, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.sessionKey(sess.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save session to redis: %w", err)
	}
	if !created {
		return fmt.Errorf("session %s already exists", sess.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.codeKey(sess.Code), sess.ID, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(sess.CreatedAt.UnixMilli()), Member: sess.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) FindByCode(ctx context.Context, code string) (*Session, error) {
	code = NormalizeCode(code)
	id, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: code %s", ErrNotFound, code)
		}
		return nil, fmt.Errorf("failed to look up session code: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]Session, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}
	if len(ids) == 0 {
		return []Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}

	out := make([]Session, 0, len(values))
	for _, val := range values {
		data, ok := val.(string)
		if !ok {
			continue
		}
		var sess Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) requireSession(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// getJSON decodes key into out and reports whether the key existed.
func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) GetSettings(ctx context.Context, id string) (timer.Settings, error) {
	if err := s.requireSession(ctx, id); err != nil {
		return timer.Settings{}, err
	}
	var settings timer.Settings
	found, err := s.getJSON(ctx, s.settingsKey(id), &settings)
	if err != nil {
		return timer.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	if !found {
		return timer.DefaultSettings(), nil
	}
	return settings, nil
}

func (s *RedisStore) SetSettings(ctx context.Context, id string, settings timer.Settings) error {
	if err := s.requireSession(ctx, id); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.settingsKey(id), settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *RedisStore) GetToggles(ctx context.Context, id string) (timer.Toggles, error) {
	if err := s.requireSession(ctx, id); err != nil {
		return timer.Toggles{}, err
	}
	var toggles timer.Toggles
	found, err := s.getJSON(ctx, s.togglesKey(id), &toggles)
	if err != nil {
		return timer.Toggles{}, fmt.Errorf("failed to get toggles: %w", err)
	}
	if !found {
		return timer.DefaultToggles(), nil
	}
	return toggles, nil
}

func (s *RedisStore) SetToggles(ctx context.Context, id string, toggles timer.Toggles) error {
	if err := s.requireSession(ctx, id); err != nil {
		return err
	}
	if err := s.setJSON(ctx, s.togglesKey(id), toggles); err != nil {
		return fmt.Errorf("failed to save toggles: %w", err)
	}
	return nil
}

func (s *RedisStore) ListChannels(ctx context.Context, id string) ([]Channel, error) {
	if err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}
	return s.channels(ctx, s.client, id)
}

// hashReader is satisfied by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) channels(ctx context.Context, c hashReader, id string) ([]Channel, error) {
	fields, err := c.HGetAll(ctx, s.channelsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	out := make([]Channel, 0, len(fields))
	for _, raw := range fields {
		var ch Channel
		if err := json.Unmarshal([]byte(raw), &ch); err != nil {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

// AddChannel rejects a second channel with the same name. The check and
// the write run in one optimistic transaction.
func (s *RedisStore) AddChannel(ctx context.Context, id string, ch Channel) error {
	if err := s.requireSession(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal channel: %w", err)
	}

	key := s.channelsKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.channels(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Name == ch.Name {
				return fmt.Errorf("%w: %s", ErrChannelExists, ch.Name)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, ch.ID, data)
			return nil
		})
		return err
	}, key)
}

func (s *RedisStore) RemoveChannel(ctx context.Context, id, channelID string) error {
	if err := s.requireSession(ctx, id); err != nil {
		return err
	}
	if err := s.client.HDel(ctx, s.channelsKey(id), channelID).Err(); err != nil {
		return fmt.Errorf("failed to remove channel: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
