package signals

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"signal-executor/internal/logging"
)

// DefaultChannel is the pub/sub channel upstream producers publish to
const DefaultChannel = "signals:incoming"

// RedisSource subscribes to a Redis pub/sub channel and feeds an Intake
type RedisSource struct {
	client  *redis.Client
	channel string
	intake  *Intake
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisSource creates a source on channel, DefaultChannel when empty
func NewRedisSource(client *redis.Client, channel string, intake *Intake, logger *logging.Logger) *RedisSource {
	if logger == nil {
		logger = logging.Discard()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSource{
		client:  client,
		channel: channel,
		intake:  intake,
		logger:  logger.WithComponent("signals-redis").WithField("channel", channel),
	}
}

// Start subscribes and consumes messages until Stop or ctx is done
func (s *RedisSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("redis signal source already running")
	}
	if s.client == nil {
		return fmt.Errorf("redis signal source has no client")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	pubsub := s.client.Subscribe(ctx, s.channel)
	s.wg.Add(1)
	go s.loop(ctx, pubsub)

	s.logger.Info("Subscribed to signal channel")
	return nil
}

// Stop unsubscribes and waits for the consumer to exit
func (s *RedisSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Signal channel consumer stopped")
}

func (s *RedisSource) loop(ctx context.Context, pubsub *redis.PubSub) {
	defer s.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn("Signal channel closed")
				return
			}
			// Errors are counted and logged by the intake
			_, _ = s.intake.Submit(ctx, []byte(msg.Payload))
		}
	}
}
