// Package redisnotify implements notify.Notifier on Redis Streams, for
// gateways that want notification delivery to survive process restarts or be
// published from other processes.
package redisnotify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/thecodekitchen/mcpsock/notify"
)

// Config for the Redis notifier. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: NOTIFY_KEY_PREFIX
	KeyPrefix string `env:"NOTIFY_KEY_PREFIX,default=mcpsock:notify:"`
	// ReadBlock bounds how long a stream read blocks before re-checking the
	// subscriber context. ENV: NOTIFY_READ_BLOCK
	ReadBlock time.Duration `env:"NOTIFY_READ_BLOCK,default=1s"`
}

// Notifier is a Redis Streams-backed notify.Notifier. Ordering within a
// namespace follows Redis stream entry IDs.
type Notifier struct {
	client    redis.UniversalClient
	keyPrefix string
	readBlock time.Duration
}

// New builds a Notifier from config, verifying connectivity with a ping.
func New(cfg Config) (*Notifier, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcpsock:notify:"
	}
	block := cfg.ReadBlock
	if block <= 0 {
		block = time.Second
	}
	return &Notifier{client: cl, keyPrefix: prefix, readBlock: block}, nil
}

// NewFromEnv builds a Notifier using envdecode to populate Config.
func NewFromEnv() (*Notifier, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return New(cfg)
}

// NewWithClient wraps an existing client, for callers that pool connections.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Notifier {
	if keyPrefix == "" {
		keyPrefix = "mcpsock:notify:"
	}
	return &Notifier{client: client, keyPrefix: keyPrefix, readBlock: time.Second}
}

// Close closes the Redis client.
func (n *Notifier) Close() error { return n.client.Close() }

func (n *Notifier) streamKey(namespace string) string { return n.keyPrefix + "stream:" + namespace }

func (n *Notifier) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	eventID, err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.streamKey(namespace),
		Values: map[string]any{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", n.streamKey(namespace), err)
	}
	return eventID, nil
}

func (n *Notifier) Subscribe(ctx context.Context, namespace string, lastEventID string) (notify.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Pin the starting position now rather than using "$" per read, which
	// would drop events published between reads.
	startID := lastEventID
	if startID == "" {
		startID = "0"
		if msgs, err := n.client.XRevRangeN(ctx, n.streamKey(namespace), "+", "-", 1).Result(); err == nil && len(msgs) > 0 {
			startID = msgs[0].ID
		}
	}
	return &stream{
		notifier:  n,
		streamKey: n.streamKey(namespace),
		nextID:    startID,
	}, nil
}

func (n *Notifier) Cleanup(ctx context.Context, namespace string) error {
	if err := n.client.Del(ctx, n.streamKey(namespace)).Err(); err != nil {
		return fmt.Errorf("cleanup stream %s: %w", n.streamKey(namespace), err)
	}
	return nil
}

type stream struct {
	notifier  *Notifier
	streamKey string
	nextID    string
	closed    atomic.Bool
}

func (s *stream) Next(ctx context.Context) (notify.Event, error) {
	for {
		if s.closed.Load() {
			return notify.Event{}, io.EOF
		}
		if ctx.Err() != nil {
			return notify.Event{}, ctx.Err()
		}

		streams, err := s.notifier.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.streamKey, s.nextID},
			Count:   1,
			Block:   s.notifier.readBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				// No messages within the block window; re-check and wait again.
				continue
			}
			return notify.Event{}, fmt.Errorf("read from stream %s: %w", s.streamKey, err)
		}

		for _, st := range streams {
			for _, msg := range st.Messages {
				s.nextID = msg.ID
				data, ok := msg.Values["data"].(string)
				if !ok {
					// Skip malformed entries rather than wedging the stream.
					continue
				}
				return notify.Event{ID: msg.ID, Data: []byte(data)}, nil
			}
		}
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ notify.Notifier = (*Notifier)(nil)
	_ notify.Stream   = (*stream)(nil)
)
