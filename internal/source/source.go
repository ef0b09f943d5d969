// Package source feeds upstream events into the engine from Redis pub/sub.
package source

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tickstream/pkg/interfaces"
)

// Default channels published by the pattern and indicator producers.
var DefaultChannels = []string{"tickstock.events.patterns", "tickstock.events.indicators"}

// Config holds the Redis connection and subscription settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Channels    []string
	ChannelSize int
}

// DefaultConfig returns a local Redis with the default channels.
func DefaultConfig() Config {
	return Config{
		Addr:        "localhost:6379",
		Channels:    append([]string(nil), DefaultChannels...),
		ChannelSize: 1000,
	}
}

// Stats counts what the source has seen since it started.
type Stats struct {
	Channels  []string `json:"channels"`
	Received  uint64   `json:"received"`
	Forwarded uint64   `json:"forwarded"`
	Failed    uint64   `json:"failed"`
}

// Source subscribes to Redis channels and forwards every message body to an
// EventSink.
// ARCHITECTURAL DISCOVERY: The source knows nothing about events. Decoding,
// validation and malformed-message accounting stay in the sink.
type Source struct {
	cfg    Config
	sink   interfaces.EventSink
	logger *zap.Logger

	received  atomic.Uint64
	forwarded atomic.Uint64
	failed    atomic.Uint64

	mu     sync.Mutex
	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates cfg and creates an unstarted source.
func New(cfg Config, sink interfaces.EventSink, logger *zap.Logger) (*Source, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if len(cfg.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = DefaultConfig().ChannelSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, sink: sink, logger: logger}, nil
}

// Start connects, subscribes and begins forwarding. It returns once the
// subscription is confirmed by the server.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return ErrAlreadyStarted
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to reach redis at %s: %w", s.cfg.Addr, err)
	}

	pubsub := client.Subscribe(ctx, s.cfg.Channels...)
	// FUNCTIONAL DISCOVERY: Receive blocks until the subscribe confirmation,
	// so no message published after Start returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return fmt.Errorf("failed to subscribe to %v: %w", s.cfg.Channels, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.client = client
	s.pubsub = pubsub
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx, pubsub.Channel(redis.WithChannelSize(s.cfg.ChannelSize)))

	s.logger.Info("subscribed to upstream",
		zap.String("addr", s.cfg.Addr),
		zap.Strings("channels", s.cfg.Channels))
	return nil
}

func (s *Source) run(ctx context.Context, messages <-chan *redis.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.HandleMessage(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// HandleMessage forwards one message body to the sink.
func (s *Source) HandleMessage(ctx context.Context, channel string, payload []byte) {
	s.received.Add(1)
	if err := s.sink.IngestRaw(ctx, payload); err != nil {
		s.failed.Add(1)
		s.logger.Debug("upstream message rejected",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	s.forwarded.Add(1)
}

// Stop unsubscribes and closes the client. Safe to call on a source that was
// never started.
func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	client, pubsub, cancel := s.client, s.pubsub, s.cancel
	s.client, s.pubsub, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	cancel()
	_ = pubsub.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("source stop timed out", zap.Error(ctx.Err()))
	case <-time.After(5 * time.Second):
		s.logger.Warn("source forwarding loop did not exit")
	}

	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	s.logger.Info("upstream source stopped")
	return nil
}

// Stats returns the forwarding counters.
func (s *Source) Stats() Stats {
	return Stats{
		Channels:  append([]string(nil), s.cfg.Channels...),
		Received:  s.received.Load(),
		Forwarded: s.forwarded.Load(),
		Failed:    s.failed.Load(),
	}
}
