// Package redislog implements eventlog.Log on Redis Streams.
//
// Each log is one Redis Stream at "<prefix>log:<namespace>". Entries carry two
// fields, "s" (the logical stream id) and "d" (the payload). Entry ids are
// assigned by Redis with XADD "*", which yields "<ms>-<seq>" ids that increase
// monotonically per key, so Redis is the single id authority even when
// several processes append to the same session.
package redislog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-resumable-http/eventlog"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const (
	fieldStream  = "s"
	fieldPayload = "d"

	replayPageSize = 512
	tailBatchSize  = 128
)

var (
	_ eventlog.Log     = (*Log)(nil)
	_ eventlog.Backend = (*Backend)(nil)
)

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTLOG_KEY_PREFIX
	KeyPrefix string `env:"EVENTLOG_KEY_PREFIX,default=mcp:eventlog:"`
	// BlockInterval bounds each XREAD BLOCK call made by Tail. ENV: EVENTLOG_BLOCK_INTERVAL
	BlockInterval time.Duration `env:"EVENTLOG_BLOCK_INTERVAL,default=500ms"`
}

// Backend opens Redis-backed logs that share one client.
type Backend struct {
	client    *redis.Client
	keyPrefix string
	block     time.Duration
	ownClient bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b := NewWithClient(cl, cfg)
	b.ownClient = true
	return b, nil
}

// NewFromEnv builds a Backend using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Backend, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis event log config: %w", err)
	}
	return New(ctx, cfg)
}

// NewWithClient builds a Backend on an existing client. Close on the Backend
// will not close a client supplied this way.
func NewWithClient(client *redis.Client, cfg Config) *Backend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:eventlog:"
	}
	block := cfg.BlockInterval
	if block <= 0 {
		block = 500 * time.Millisecond
	}
	return &Backend{client: client, keyPrefix: prefix, block: block}
}

// Open returns the log for namespace. No I/O happens until the first call.
func (b *Backend) Open(namespace string) eventlog.Log {
	return &Log{client: b.client, key: b.keyPrefix + "log:" + namespace, block: b.block}
}

// Close closes the Redis client if the Backend created it.
func (b *Backend) Close() error {
	if !b.ownClient {
		return nil
	}
	return b.client.Close()
}

// Log is a single Redis Stream holding every logical stream of one session.
type Log struct {
	client *redis.Client
	key    string
	block  time.Duration
	closed atomic.Bool
}

// Key returns the Redis key backing the log.
func (l *Log) Key() string { return l.key }

func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (eventlog.EventID, error) {
	if l.closed.Load() {
		return eventlog.EventID{}, eventlog.ErrClosed
	}
	raw, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.key,
		Values: map[string]interface{}{fieldStream: streamID, fieldPayload: payload},
	}).Result()
	if err != nil {
		return eventlog.EventID{}, fmt.Errorf("xadd %s: %w", l.key, err)
	}
	id, err := eventlog.ParseEventID(raw)
	if err != nil {
		return eventlog.EventID{}, fmt.Errorf("xadd %s returned id %q: %w", l.key, raw, err)
	}
	return id, nil
}

func (l *Log) ReplayAfter(ctx context.Context, streamID string, lastID eventlog.EventID) ([]eventlog.Event, error) {
	if l.closed.Load() {
		return nil, eventlog.ErrClosed
	}
	if lastID.IsZero() {
		return nil, nil
	}
	owner, ok, err := l.StreamOf(ctx, lastID)
	if err != nil {
		return nil, err
	}
	if !ok || owner != streamID {
		return nil, nil
	}

	var out []eventlog.Event
	cursor := lastID
	for {
		msgs, err := l.client.XRangeN(ctx, l.key, cursor.String(), "+", replayPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", l.key, err)
		}
		for _, m := range msgs {
			ev, err := decodeMessage(m)
			if err != nil {
				return nil, err
			}
			if !cursor.Less(ev.ID) {
				continue
			}
			cursor = ev.ID
			if ev.StreamID == streamID {
				out = append(out, ev)
			}
		}
		if len(msgs) < replayPageSize {
			return out, nil
		}
	}
}

func (l *Log) StreamOf(ctx context.Context, id eventlog.EventID) (string, bool, error) {
	if l.closed.Load() {
		return "", false, eventlog.ErrClosed
	}
	if id.IsZero() {
		return "", false, nil
	}
	msgs, err := l.client.XRangeN(ctx, l.key, id.String(), id.String(), 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("xrange %s: %w", l.key, err)
	}
	if len(msgs) == 0 {
		return "", false, nil
	}
	ev, err := decodeMessage(msgs[0])
	if err != nil {
		return "", false, err
	}
	return ev.StreamID, true, nil
}

func (l *Log) Head(ctx context.Context) (eventlog.EventID, error) {
	if l.closed.Load() {
		return eventlog.EventID{}, eventlog.ErrClosed
	}
	msgs, err := l.client.XRevRangeN(ctx, l.key, "+", "-", 1).Result()
	if err != nil {
		return eventlog.EventID{}, fmt.Errorf("xrevrange %s: %w", l.key, err)
	}
	if len(msgs) == 0 {
		return eventlog.EventID{}, nil
	}
	return eventlog.ParseEventID(msgs[0].ID)
}

func (l *Log) Tail(ctx context.Context, streamID string, after eventlog.EventID, fn eventlog.TailFunc) error {
	cursor := "0-0"
	if !after.IsZero() {
		cursor = after.String()
	}

	for {
		if l.closed.Load() {
			return eventlog.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := l.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{l.key, cursor},
			Count:   tailBatchSize,
			Block:   l.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("xread %s: %w", l.key, err)
		}

		for _, stream := range res {
			for _, m := range stream.Messages {
				cursor = m.ID
				ev, err := decodeMessage(m)
				if err != nil {
					return err
				}
				if ev.StreamID != streamID {
					continue
				}
				if err := fn(ctx, ev); err != nil {
					return err
				}
			}
		}
	}
}

func (l *Log) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return nil
	}
	// Deletion must finish even if the caller's context is already done.
	if err := l.client.Del(context.WithoutCancel(ctx), l.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", l.key, err)
	}
	return nil
}

func decodeMessage(m redis.XMessage) (eventlog.Event, error) {
	id, err := eventlog.ParseEventID(m.ID)
	if err != nil {
		return eventlog.Event{}, err
	}
	streamID, _ := m.Values[fieldStream].(string)
	var payload []byte
	switch v := m.Values[fieldPayload].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = append([]byte(nil), v...)
	case nil:
	default:
		payload = []byte(fmt.Sprintf("%v", v))
	}
	return eventlog.Event{ID: id, StreamID: streamID, Payload: payload}, nil
}
