package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

var errSubscriptionClosed = errors.New("redis subscription closed")

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	URL            string
	RequestChannel string
	EventChannel   string
	ReconnectDelay time.Duration
}

// RedisTransport publishes requests on one Redis channel and receives events on another.
// go-redis re-establishes a live subscription on its own; Run resubscribes after the
// delay when subscribing itself fails.
type RedisTransport struct {
	client         *redis.Client
	requestChannel string
	eventChannel   string
	reconnectDelay time.Duration
	logger         *slog.Logger

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisTransport connects to cfg.URL and verifies the connection with PING.
func NewRedisTransport(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisTransport, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisTransportFromClient(client, cfg, logger), nil
}

// NewRedisTransportFromClient wraps an existing client.
func NewRedisTransportFromClient(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &RedisTransport{
		client:         client,
		requestChannel: cfg.RequestChannel,
		eventChannel:   cfg.EventChannel,
		reconnectDelay: cfg.ReconnectDelay,
		logger:         logger,
		done:           make(chan struct{}),
	}
}

// Send publishes req on the request channel.
func (t *RedisTransport) Send(ctx context.Context, req Request) error {
	if t.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := t.client.Publish(ctx, t.requestChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish request: %w", err)
	}
	return nil
}

// Run subscribes to the event channel and delivers every decodable message until ctx is
// done or Close is called.
func (t *RedisTransport) Run(ctx context.Context, deliver func(Event)) error {
	for {
		err := t.listen(ctx, deliver)
		if t.closed.Load() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("Backend subscription lost, resubscribing", "channel", t.eventChannel, "delay", t.reconnectDelay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		case <-time.After(t.reconnectDelay):
		}
	}
}

func (t *RedisTransport) listen(ctx context.Context, deliver func(Event)) error {
	pubsub := t.client.Subscribe(ctx, t.eventChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.eventChannel, err)
	}
	t.logger.Info("Listening for backend events", "channel", t.eventChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		case msg, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				t.logger.Warn("Discarding undecodable backend message", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(ev)
		}
	}
}

// Ping checks the Redis connection.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis client, which also ends Run.
func (t *RedisTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.client.Close()
	})
	return err
}
