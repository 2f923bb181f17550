// Package eventbus carries inbound widget events from the real-time channel to the session
// pump over watermill, either in-memory (gochannel) or through Redis Streams.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Topic is the bus topic for one chat context.
func Topic(contextID string) string {
	return "widget:" + contextID
}

// Bus owns one publisher and hands out subscriptions.
type Bus struct {
	settings Settings
	logger   watermill.LoggerAdapter

	publisher message.Publisher
	// memory backend: the gochannel is both publisher and subscriber
	memory *gochannel.GoChannel
	client *redis.Client

	mu     sync.Mutex
	subs   map[message.Subscriber]struct{}
	closed bool
}

func New(s Settings) (*Bus, error) {
	s = s.withDefaults()
	b := &Bus{
		settings: s,
		logger:   NewLogger(log.Logger),
		subs:     map[message.Subscriber]struct{}{},
	}

	switch strings.ToLower(s.Backend) {
	case BackendMemory:
		// Blocking publish keeps per-topic FIFO: the next event is not handed over until the
		// previous one is acked.
		b.memory = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            s.Buffer,
			BlockPublishUntilSubscriberAck: true,
		}, b.logger)
		b.publisher = b.memory
	case BackendRedis:
		b.client = redis.NewClient(&redis.Options{Addr: s.Redis.Addr})
		pub, err := rstream.NewPublisher(rstream.PublisherConfig{
			Client:     b.client,
			Marshaller: rstream.DefaultMarshallerUnmarshaller{},
		}, b.logger)
		if err != nil {
			_ = b.client.Close()
			return nil, errors.Wrap(err, "create redis stream publisher")
		}
		b.publisher = pub
	default:
		return nil, errors.Errorf("unknown event bus backend %q", s.Backend)
	}
	return b, nil
}

func (b *Bus) Backend() string {
	return b.settings.Backend
}

func (b *Bus) Publish(topic string, msgs ...*message.Message) error {
	if b == nil || b.publisher == nil {
		return errors.New("event bus is not initialized")
	}
	return b.publisher.Publish(topic, msgs...)
}

// Subscribe returns the messages of topic until ctx is cancelled. Consumers must Ack every
// message.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil {
		return nil, errors.New("event bus is not initialized")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("event bus is closed")
	}
	b.mu.Unlock()

	if b.memory != nil {
		return b.memory.Subscribe(ctx, topic)
	}

	if err := b.ensureGroupAtTail(ctx, topic); err != nil {
		return nil, err
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.Redis.Group,
		Consumer:      b.settings.Redis.Consumer,
	}, b.logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	b.track(sub)
	go func() {
		<-ctx.Done()
		b.untrack(sub)
	}()
	return ch, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a new subscriber does not replay
// the stream's history.
func (b *Bus) ensureGroupAtTail(ctx context.Context, topic string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.settings.Redis.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group for %s", topic)
	}
	log.Debug().Str("component", "eventbus").Str("stream", topic).Str("group", b.settings.Redis.Group).Msg("created redis consumer group at tail")
	return nil
}

func (b *Bus) track(sub message.Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
}

func (b *Bus) untrack(sub message.Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()
	if ok {
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("component", "eventbus").Msg("subscriber close failed")
		}
	}
}

// Close releases the publisher and every open subscription. It is idempotent.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]message.Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[message.Subscriber]struct{}{}
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := b.publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
