package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mahaj/panchakarma-chat/pkg/model"
)

// MessageStore persists delivered messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m model.Message) error
	TouchConversation(ctx context.Context, userID string, other model.UserRef, m model.Message) error
	IncrementUnread(ctx context.Context, userID, conversationID string) error
}

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader     Reader
	store      MessageStore
	log        *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
}

func NewConsumer(r Reader, store MessageStore, logger *zap.Logger, maxRetries int, retryDelay time.Duration) *Consumer {
	return &Consumer{
		reader:     r,
		store:      store,
		log:        logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// Consume persists messages until ctx is done. Offsets are committed only
// after a message was handled, so a crash replays it.
func (c *Consumer) Consume(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("fetch message, retrying", zap.Duration("in", c.retryDelay), zap.Error(err))
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw kafka.Message) {
	var m model.Message
	if err := json.Unmarshal(raw.Value, &m); err != nil {
		c.log.Warn("skipping malformed message", zap.Int64("offset", raw.Offset), zap.Error(err))
		return
	}
	if err := validate(m); err != nil {
		c.log.Warn("skipping invalid message", zap.Int64("offset", raw.Offset), zap.Error(err))
		return
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.maxRetries)), ctx)
	err := backoff.RetryNotify(func() error {
		return c.persist(ctx, m)
	}, policy, func(err error, wait time.Duration) {
		c.log.Warn("persist message, retrying", zap.String("message_id", m.ID), zap.Duration("in", wait), zap.Error(err))
	})
	if err != nil {
		c.log.Error("dropping message after retries", zap.String("message_id", m.ID), zap.String("conversation_id", m.ConversationID), zap.Error(err))
		return
	}
	c.log.Debug("message persisted", zap.String("message_id", m.ID), zap.String("conversation_id", m.ConversationID))
}

// persist writes the message, moves both participants' conversation rows and
// counts it as unread for the receiver. Every step is safe to repeat except
// the counter, which may over-count on redelivery.
func (c *Consumer) persist(ctx context.Context, m model.Message) error {
	if err := c.store.SaveMessage(ctx, m); err != nil {
		return err
	}
	if err := c.store.TouchConversation(ctx, m.Sender.ID, model.UserRef{ID: m.ReceiverID}, m); err != nil {
		return err
	}
	if err := c.store.TouchConversation(ctx, m.ReceiverID, m.Sender.Ref(), m); err != nil {
		return err
	}
	return c.store.IncrementUnread(ctx, m.ReceiverID, m.ConversationID)
}

func validate(m model.Message) error {
	switch {
	case m.ID == "":
		return errors.New("missing id")
	case m.Sender.ID == "" || m.ReceiverID == "":
		return errors.New("missing participant")
	case !model.IsParticipant(m.ConversationID, m.Sender.ID) || !model.IsParticipant(m.ConversationID, m.ReceiverID):
		return fmt.Errorf("conversation %q does not match participants", m.ConversationID)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
