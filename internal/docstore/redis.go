package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "docs:"
	maxTxAttempts  = 32
)

// RedisStore keeps each collection in one hash; fields are document keys and
// values the JSON documents. Read-modify-write operations run under WATCH.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func collectionKey(collection string) string {
	return redisKeyPrefix + collection
}

func (s *RedisStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	r, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.HGet(ctx, collectionKey(r.collection), r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreReadError{Path: path, Err: err}
	}
	if r.field == "" {
		return raw, nil
	}
	value, err := fieldOf(raw, r.field)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreReadError{Path: path, Err: err}
	}
	return value, nil
}

func (s *RedisStore) Set(ctx context.Context, path string, value any) error {
	r, err := parsePath(path)
	if err != nil {
		return err
	}
	if r.field != "" {
		return s.Update(ctx, map[string]any{path: value})
	}
	if value == nil {
		return s.Delete(ctx, path)
	}
	raw, err := encode(value)
	if err != nil {
		return &StoreWriteError{Path: path, Err: err}
	}
	if err := s.client.HSet(ctx, collectionKey(r.collection), r.key, []byte(raw)).Err(); err != nil {
		return &StoreWriteError{Path: path, Err: err}
	}
	return nil
}

func (s *RedisStore) Create(ctx context.Context, path string, value any) (bool, error) {
	r, err := parsePath(path)
	if err != nil {
		return false, err
	}
	if r.field != "" || value == nil {
		return false, ErrInvalidPath
	}
	raw, err := encode(value)
	if err != nil {
		return false, &StoreWriteError{Path: path, Err: err}
	}
	created, err := s.client.HSetNX(ctx, collectionKey(r.collection), r.key, []byte(raw)).Result()
	if err != nil {
		return false, &StoreWriteError{Path: path, Err: err}
	}
	return created, nil
}

func (s *RedisStore) Update(ctx context.Context, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	p, err := buildPlan(updates)
	if err != nil {
		return err
	}

	watched := map[string]struct{}{}
	for _, dk := range p.deletes {
		watched[collectionKey(dk.collection)] = struct{}{}
	}
	for dk := range p.overwrites {
		watched[collectionKey(dk.collection)] = struct{}{}
	}
	for dk := range p.patches {
		watched[collectionKey(dk.collection)] = struct{}{}
	}
	keys := make([]string, 0, len(watched))
	for k := range watched {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	targets := sortedDocKeys(p.patches)
	err = s.transact(ctx, func(tx *redis.Tx) error {
		merged := map[docKey]json.RawMessage{}
		for _, dk := range targets {
			raw, err := tx.HGet(ctx, collectionKey(dk.collection), dk.key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			out, err := mergeFields(raw, p.patches[dk])
			if err != nil {
				return err
			}
			merged[dk] = out
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, dk := range p.deletes {
				pipe.HDel(ctx, collectionKey(dk.collection), dk.key)
			}
			for _, dk := range sortedDocKeys(p.overwrites) {
				pipe.HSet(ctx, collectionKey(dk.collection), dk.key, []byte(p.overwrites[dk]))
			}
			for _, dk := range targets {
				if out, ok := merged[dk]; ok {
					pipe.HSet(ctx, collectionKey(dk.collection), dk.key, []byte(out))
				}
			}
			return nil
		})
		return err
	}, keys...)
	if err != nil {
		return &StoreWriteError{Path: updatePath(p), Err: err}
	}
	return nil
}

func (s *RedisStore) Push(_ context.Context, collection string) (string, error) {
	if err := validCollection(collection); err != nil {
		return "", err
	}
	key, err := newKey()
	if err != nil {
		return "", &StoreWriteError{Path: collection, Err: err}
	}
	return key, nil
}

func (s *RedisStore) Delete(ctx context.Context, path string) error {
	r, err := parsePath(path)
	if err != nil {
		return err
	}
	if r.field != "" {
		return s.Update(ctx, map[string]any{path: nil})
	}
	if err := s.client.HDel(ctx, collectionKey(r.collection), r.key).Err(); err != nil {
		return &StoreWriteError{Path: path, Err: err}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	if err := validCollection(collection); err != nil {
		return nil, err
	}
	all, err := s.client.HGetAll(ctx, collectionKey(collection)).Result()
	if err != nil {
		return nil, &StoreReadError{Path: collection, Err: err}
	}
	docs := make([]Document, 0, len(all))
	for key, value := range all {
		docs = append(docs, Document{Key: key, Value: json.RawMessage(value)})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, nil
}

func (s *RedisStore) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	r, err := parsePath(path)
	if err != nil {
		return 0, err
	}
	if r.field == "" {
		return 0, ErrInvalidPath
	}

	key := collectionKey(r.collection)
	var next int64
	err = s.transact(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, r.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, value, err := addClamped(raw, r.field, delta)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, r.key, []byte(out))
			return nil
		})
		if err == nil {
			next = value
		}
		return err
	}, key)
	if errors.Is(err, ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &StoreWriteError{Path: path, Err: err}
	}
	return next, nil
}

// transact runs fn under WATCH, retrying when a watched key changed underneath.
func (s *RedisStore) transact(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func updatePath(p plan) string {
	var keys []docKey
	keys = append(keys, p.deletes...)
	keys = append(keys, sortedDocKeys(p.overwrites)...)
	keys = append(keys, sortedDocKeys(p.patches)...)
	if len(keys) == 0 {
		return ""
	}
	return describe(keys)
}
