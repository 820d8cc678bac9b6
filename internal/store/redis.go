package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sessionlens/api/internal/model"
)

const maxTxRetries = 16

type redisBackend struct {
	client *redis.Client
}

// NewRedis returns a store backed by redis. Each session is one JSON
// document updated under WATCH; logs are a list and the subject index a
// sorted set scored by occurrence time.
func NewRedis(client *redis.Client) *Store {
	return newStore(&redisBackend{client: client})
}

func sessionKey(id string) string        { return "session:" + id }
func sessionLogKey(id string) string     { return "session:" + id + ":logs" }
func subjectKey(subjectID string) string { return "subject:" + subjectID + ":sessions" }

func (b *redisBackend) insert(ctx context.Context, s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	ok, err := b.client.SetNX(ctx, sessionKey(s.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return b.client.ZAdd(ctx, subjectKey(s.SubjectID), redis.Z{
		Score:  float64(s.OccurredAt().UnixMilli()),
		Member: s.ID,
	}).Err()
}

func (b *redisBackend) load(ctx context.Context, id string) (*model.Session, error) {
	data, err := b.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return decodeSession(data)
}

func (b *redisBackend) update(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	key := sessionKey(id)
	var out *model.Session

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		s, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		if data, err = json.Marshal(s); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := b.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, ErrConflict
}

func (b *redisBackend) appendLog(ctx context.Context, e model.ProcessingLogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.client.RPush(ctx, sessionLogKey(e.SessionID), data).Err()
}

func (b *redisBackend) logs(ctx context.Context, id string) ([]model.ProcessingLogEntry, error) {
	raw, err := b.client.LRange(ctx, sessionLogKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read logs: %w", err)
	}
	out := make([]model.ProcessingLogEntry, 0, len(raw))
	for _, r := range raw {
		var e model.ProcessingLogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (b *redisBackend) bySubject(ctx context.Context, subjectID string) ([]*model.Session, error) {
	ids, err := b.client.ZRevRange(ctx, subjectKey(subjectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read subject index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	out := make([]*model.Session, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeSession([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (b *redisBackend) close() error { return nil }
