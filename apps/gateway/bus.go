package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

type kafkaPublisher struct {
	w *kafka.Writer
}

func newKafkaPublisher(brokers []string, topic string) *kafkaPublisher {
	return &kafkaPublisher{w: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

// Publish keys by conversation so one conversation stays on one partition.
func (p *kafkaPublisher) Publish(ctx context.Context, m model.Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(m.ConversationID),
		Value: raw,
		Time:  m.CreatedAt,
	})
}

func (p *kafkaPublisher) Close() error {
	return p.w.Close()
}

// consumeFanout reads every message on the topic and delivers it to local
// connections. Each gateway uses its own consumer group so all of them see
// every message.
func consumeFanout(ctx context.Context, brokers []string, topic, groupID string, hub *Hub, logger *zap.Logger) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Error("gateway consumer", zap.Error(err))
			return
		}

		var m model.Message
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			logger.Warn("malformed message on topic", zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		hub.Deliver(m)
	}
}

type redisTyping struct {
	rdb     *redis.Client
	channel string
}

func (t *redisTyping) Publish(ctx context.Context, ev TypingEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, t.channel, raw).Err()
}

// Subscribe delivers typing events from every gateway until ctx is done.
func (t *redisTyping) Subscribe(ctx context.Context, hub *Hub, logger *zap.Logger) {
	sub := t.rdb.Subscribe(ctx, t.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev TypingEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("malformed typing event", zap.Error(err))
				continue
			}
			hub.DeliverTyping(ev)
		}
	}
}

type redisPresence struct {
	rdb *redis.Client
	key string
}

func (p *redisPresence) Add(ctx context.Context, userID string) error {
	return p.rdb.SAdd(ctx, p.key, userID).Err()
}

func (p *redisPresence) Remove(ctx context.Context, userID string) error {
	return p.rdb.SRem(ctx, p.key, userID).Err()
}
