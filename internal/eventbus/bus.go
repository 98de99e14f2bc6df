// Package eventbus publishes allocation workflow transitions. The memory
// backend keeps them in process; the redis backend appends them to a redis
// stream so other processes can follow a run. Each redis bus reads through
// a consumer group of its own, so every follower receives every transition.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"

	"bfgsync/internal/model"
	"bfgsync/internal/policy"
)

const TopicAllocationTransitions = "allocation.transitions"

type TransitionHandler func(context.Context, model.AllocationTransition) error

type Bus struct {
	backend      string
	topicPrefix  string
	publisher    message.Publisher
	subscriber   message.Subscriber
	sharedPubSub bool
	redisClient  redis.UniversalClient
	redisOptions *redis.Options
	redisGroup   string
	logger       *slog.Logger

	mu        sync.Mutex
	handlers  sync.WaitGroup
	closed    bool
	streams   []string
	closeOnce sync.Once
	closeErr  error
}

func New(cfg policy.EventsConfig, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := watermill.NewSlogLogger(logger)

	switch strings.TrimSpace(cfg.Backend) {
	case "", policy.EventsBackendMemory:
		pubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		}, adapter)
		return &Bus{
			backend:      policy.EventsBackendMemory,
			publisher:    pubSub,
			subscriber:   pubSub,
			sharedPubSub: true,
			logger:       logger,
		}, nil
	case policy.EventsBackendRedis:
		return newRedisBus(cfg, logger, adapter)
	default:
		return nil, fmt.Errorf("eventbus: unsupported backend %q", cfg.Backend)
	}
}

func newRedisBus(cfg policy.EventsConfig, logger *slog.Logger, adapter watermill.LoggerAdapter) (*Bus, error) {
	options, err := redis.ParseURL(strings.TrimSpace(cfg.Redis.URL))
	if err != nil {
		return nil, fmt.Errorf("eventbus: parse redis url: %w", err)
	}
	client := redis.NewClient(options)

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, adapter)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("eventbus: redis publisher: %w", err)
	}
	group := processGroup(cfg.Redis.Group)
	consumer := strings.TrimSpace(cfg.Redis.Consumer)
	if consumer == "" {
		consumer = group
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
		OldestId:      "$",
	}, adapter)
	if err != nil {
		_ = publisher.Close()
		_ = client.Close()
		return nil, fmt.Errorf("eventbus: redis subscriber: %w", err)
	}
	return &Bus{
		backend:      policy.EventsBackendRedis,
		topicPrefix:  strings.TrimSpace(cfg.Redis.StreamPrefix),
		publisher:    publisher,
		subscriber:   subscriber,
		redisClient:  client,
		redisOptions: options,
		redisGroup:   group,
		logger:       logger,
	}, nil
}

// processGroup names the consumer group of one process. Processes sharing a
// group would split the stream between them.
func processGroup(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bfgsync"
	}
	return prefix + "-" + watermill.NewShortUUID()
}

// Group is the consumer group this bus subscribes with. Empty for the
// memory backend.
func (b *Bus) Group() string {
	return b.redisGroup
}

func (b *Bus) Backend() string {
	return b.backend
}

// Topic is the backend name of topic; redis streams carry the prefix.
func (b *Bus) Topic(topic string) string {
	if b.topicPrefix == "" {
		return topic
	}
	return b.topicPrefix + ":" + topic
}

func (b *Bus) Healthy(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("eventbus: closed")
	}
	if b.redisClient == nil {
		return nil
	}
	if err := b.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("eventbus: redis ping: %w", err)
	}
	return nil
}

// PublishTransition publishes one workflow step keyed by its run id.
func (b *Bus) PublishTransition(ctx context.Context, transition model.AllocationTransition) error {
	payload, err := json.Marshal(transition)
	if err != nil {
		return fmt.Errorf("eventbus: marshal transition: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("run_id", transition.RunID)
	msg.Metadata.Set("to", string(transition.To))
	msg.SetContext(ctx)
	if err := b.publisher.Publish(b.Topic(TopicAllocationTransitions), msg); err != nil {
		return fmt.Errorf("eventbus: publish transition: %w", err)
	}
	return nil
}

// HandleTransitions calls handler for every transition published after
// the call, until ctx is done or the bus is closed. Handler errors are
// logged and the message is still acked.
func (b *Bus) HandleTransitions(ctx context.Context, handler TransitionHandler) error {
	if handler == nil {
		return fmt.Errorf("eventbus: handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("eventbus: closed")
	}
	topic := b.Topic(TopicAllocationTransitions)
	messages, err := b.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("eventbus: subscribe: %w", err)
	}
	b.streams = append(b.streams, topic)
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		for msg := range messages {
			var transition model.AllocationTransition
			if err := json.Unmarshal(msg.Payload, &transition); err != nil {
				b.logger.Warn("dropping malformed transition", "message_uuid", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			if err := handler(msg.Context(), transition); err != nil {
				b.logger.Warn("transition handler failed", "run_id", transition.RunID, "error", err)
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close stops subscriptions, waits for running handlers and releases the
// backend. It is safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		var errs []error
		collect := func(err error) {
			if err != nil && !errors.Is(err, redis.ErrClosed) {
				errs = append(errs, err)
			}
		}
		collect(b.publisher.Close())
		if !b.sharedPubSub {
			collect(b.subscriber.Close())
		}
		b.handlers.Wait()
		if b.redisClient != nil {
			collect(b.redisClient.Close())
			b.dropGroup()
		}
		if len(errs) > 0 {
			b.closeErr = fmt.Errorf("eventbus: close: %v", errs)
		}
	})
	return b.closeErr
}

// dropGroup removes this process's consumer group from every stream it
// subscribed to. The subscriber closes the shared client, so a short-lived
// one does the cleanup.
func (b *Bus) dropGroup() {
	if len(b.streams) == 0 || b.redisOptions == nil {
		return
	}
	client := redis.NewClient(b.redisOptions)
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, stream := range b.streams {
		if err := client.XGroupDestroy(ctx, stream, b.redisGroup).Err(); err != nil {
			b.logger.Debug("consumer group cleanup failed", "stream", stream, "group", b.redisGroup, "error", err)
		}
	}
}
