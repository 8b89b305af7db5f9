package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStreamTopic = "bouncer-events"
	DefaultStreamGroup = "bouncer"
)

// Consumes events published to a message stream (eg, by the gateway bridge) and hands them to a Scheduler.
//
// Messages are acked once queued. Undecodable messages are acked and dropped, since redelivery would never succeed.
type StreamConsumer struct {
	Subscriber message.Subscriber
	Topic      string
	Scheduler  *Scheduler
	Logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewStreamConsumer(sub message.Subscriber, topic string, sched *Scheduler, logger *slog.Logger) *StreamConsumer {
	if topic == "" {
		topic = DefaultStreamTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamConsumer{
		Subscriber: sub,
		Topic:      topic,
		Scheduler:  sched,
		Logger:     logger.With("component", "stream-consumer", "topic", topic),
		done:       make(chan struct{}),
	}
}

// Opens a redis stream subscriber in the given consumer group.
func NewRedisSubscriber(redisURL, group string, logger *slog.Logger) (message.Subscriber, *redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if group == "" {
		group = DefaultStreamGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        rdb,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
	}, watermill.NewSlogLogger(logger.With("component", "redisstream")))
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("creating redis stream subscriber: %w", err)
	}
	return sub, rdb, nil
}

func (c *StreamConsumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	msgs, err := c.Subscriber.Subscribe(ctx, c.Topic)
	if err != nil {
		c.cancel()
		return fmt.Errorf("subscribing to %s: %w", c.Topic, err)
	}

	go c.consumeLoop(ctx, msgs)
	c.Logger.Info("consuming event stream")
	return nil
}

func (c *StreamConsumer) consumeLoop(ctx context.Context, msgs <-chan *message.Message) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *StreamConsumer) handleMessage(ctx context.Context, msg *message.Message) {
	evt, err := Decode(msg.Payload)
	if err != nil {
		c.Logger.Warn("dropping undecodable message", "uuid", msg.UUID, "err", err)
		messagesReceived.WithLabelValues("stream", "invalid").Inc()
		msg.Ack()
		return
	}
	if err := evt.Validate(); err != nil {
		c.Logger.Warn("dropping malformed event", "uuid", msg.UUID, "err", err)
		messagesReceived.WithLabelValues("stream", "invalid").Inc()
		msg.Ack()
		return
	}

	if err := c.Scheduler.AddWork(ctx, evt); err != nil {
		if !errors.Is(err, context.Canceled) {
			c.Logger.Error("failed to queue event", "uuid", msg.UUID, "err", err)
		}
		messagesReceived.WithLabelValues("stream", "error").Inc()
		msg.Nack()
		return
	}
	messagesReceived.WithLabelValues("stream", "ok").Inc()
	msg.Ack()
}

// Stops consuming. Work already handed to the scheduler is not affected.
func (c *StreamConsumer) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}
