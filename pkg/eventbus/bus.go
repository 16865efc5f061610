package eventbus

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/sessionchat/pkg/logging"
	"github.com/go-go-golems/sessionchat/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTopic = "sessionchat.events"

const (
	metaEventType = "event_type"
	metaSessionID = "session_id"
	metaSeq       = "seq"
)

// Bus publishes session events to one watermill topic.
type Bus struct {
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	closeFn    func() error
	logger     zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewInMemory builds a bus on a go channel. Publish blocks until every
// subscriber acked the message, so chunk order survives delivery.
func NewInMemory(topic string) *Bus {
	if topic == "" {
		topic = DefaultTopic
	}
	logger := log.With().Str("component", "eventbus").Str("topic", topic).Logger()
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            128,
		BlockPublishUntilSubscriberAck: true,
	}, logging.NewWatermill(logger))
	return &Bus{
		topic:      topic,
		publisher:  ps,
		subscriber: ps,
		closeFn:    ps.Close,
		logger:     logger,
	}
}

// NewRedis builds a bus on Redis Streams. The consumer group is created at the
// stream tail so a new renderer does not replay old sessions.
func NewRedis(ctx context.Context, s redisstream.Settings) (*Bus, error) {
	topic := s.Stream
	if topic == "" {
		topic = DefaultTopic
		s.Stream = topic
	}
	logger := log.With().Str("component", "eventbus").Str("topic", topic).Logger()
	if err := redisstream.EnsureGroupAtTail(ctx, s.Addr, topic, s.Group); err != nil {
		return nil, err
	}
	ps, err := redisstream.BuildPubSub(s, logging.NewWatermill(logger))
	if err != nil {
		return nil, err
	}
	return &Bus{
		topic:      topic,
		publisher:  ps.Publisher,
		subscriber: ps.Subscriber,
		closeFn:    ps.Close,
		logger:     logger,
	}, nil
}

func (b *Bus) Topic() string { return b.topic }

func (b *Bus) Publish(ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(metaEventType, string(ev.Type))
	msg.Metadata.Set(metaSessionID, ev.SessionID)
	msg.Metadata.Set(metaSeq, strconv.FormatUint(ev.Seq, 10))
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Type)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe")
	}
	return ch, nil
}

// Follow subscribes and dispatches events to fn on a goroutine until ctx is
// done. The returned channel is closed when dispatching stopped.
func (b *Bus) Follow(ctx context.Context, fn func(Event)) (<-chan struct{}, error) {
	ch, err := b.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, ch, fn)
	}()
	return done, nil
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		if b.closeFn != nil {
			b.closeErr = b.closeFn()
		}
	})
	return b.closeErr
}

// Consume decodes messages from ch and dispatches them in order until ch is
// closed or ctx is done. Undecodable payloads are acked and skipped.
func Consume(ctx context.Context, ch <-chan *message.Message, fn func(Event)) {
	logger := log.With().Str("component", "eventbus").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := Unmarshal(msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("failed to decode event")
				msg.Ack()
				continue
			}
			if fn != nil {
				fn(ev)
			}
			msg.Ack()
		}
	}
}
