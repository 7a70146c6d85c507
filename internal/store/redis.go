package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"podcastd/internal/errs"
	"podcastd/internal/eventbus"
	"podcastd/pkg/logx"
)

// redisStore keeps each value at "<ns>:v:<key>" and every key in the sorted
// set "<ns>:index" (all scores 0) so prefix scans are ZRANGEBYLEX. Writes
// publish a JSON event on "<ns>:changes"; a single subscriber per store feeds
// the local bus, so local and remote writes arrive the same way.
type redisStore struct {
	rdb *redis.Client
	ns  string
	log logx.Logger
	bus eventbus.Bus
	ps  *redis.PubSub

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

type changeEvent struct {
	Op  eventbus.Op `json:"op"`
	Key string      `json:"key"`
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = "podcastd"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	s := &redisStore{rdb: rdb, ns: ns, log: log, bus: eventbus.New(), done: make(chan struct{})}
	s.ps = rdb.Subscribe(ctx, s.channel())
	// Wait for the subscription to be confirmed so no write after Open is missed.
	if _, err := s.ps.Receive(ctx); err != nil {
		_ = s.ps.Close()
		_ = rdb.Close()
		return nil, err
	}
	go s.listen()
	return s, nil
}

func (s *redisStore) valueKey(key string) string { return s.ns + ":v:" + key }
func (s *redisStore) indexKey() string           { return s.ns + ":index" }
func (s *redisStore) channel() string            { return s.ns + ":changes" }

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Store("get", key, mapRedisErr(err))
	}
	return b, true, nil
}

func (s *redisStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rng := &redis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		rng = &redis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}
	}
	keys, err := s.rdb.ZRangeByLex(ctx, s.indexKey(), rng).Result()
	if err != nil {
		return nil, errs.Store("scan", prefix, mapRedisErr(err))
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vkeys := make([]string, len(keys))
	for i, k := range keys {
		vkeys[i] = s.valueKey(k)
	}
	vals, err := s.rdb.MGet(ctx, vkeys...).Result()
	if err != nil {
		return nil, errs.Store("scan", prefix, mapRedisErr(err))
	}
	out := make([]Entry, 0, len(keys))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			// Index entry without a value: a delete raced the scan.
			continue
		}
		out = append(out, Entry{Key: keys[i], Value: []byte(str)})
	}
	return out, nil
}

func (s *redisStore) Watch(ctx context.Context, prefix string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Store("watch", prefix, ErrClosed)
	}
	return s.bus.Subscribe(ctx, prefix), nil
}

func (s *redisStore) Put(ctx context.Context, key string, value []byte) error {
	msg, err := json.Marshal(changeEvent{Op: OpPut, Key: key})
	if err != nil {
		return errs.Store("put", key, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.valueKey(key), value, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: key})
		pipe.Publish(ctx, s.channel(), msg)
		return nil
	})
	return errs.Store("put", key, mapRedisErr(err))
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	var del *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.valueKey(key))
		pipe.ZRem(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return errs.Store("delete", key, mapRedisErr(err))
	}
	if del.Val() == 0 {
		return nil
	}
	msg, _ := json.Marshal(changeEvent{Op: OpDelete, Key: key})
	return errs.Store("delete", key, mapRedisErr(s.rdb.Publish(ctx, s.channel(), msg).Err()))
}

func (s *redisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.ps.Close()
	<-s.done
	s.bus.Close()
	return errors.Join(err, s.rdb.Close())
}

// listen ends when the PubSub is closed. go-redis reconnects the subscription
// on its own; events published while disconnected are lost.
func (s *redisStore) listen() {
	defer close(s.done)
	for m := range s.ps.Channel() {
		var ev changeEvent
		if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil || ev.Key == "" {
			s.log.Warn("redis change event malformed", logx.String("payload", m.Payload))
			continue
		}
		s.bus.Publish(Event{Op: ev.Op, Key: ev.Key})
	}
}

func mapRedisErr(err error) error {
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return err
}
