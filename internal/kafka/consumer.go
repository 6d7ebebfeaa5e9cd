package kafka

import (
	"context"
	"log/slog"
	"time"

	k "github.com/segmentio/kafka-go"
)

type Handler func(ctx context.Context, key, value []byte) error

type Consumer struct {
	reader *k.Reader
	handle Handler
	log    *slog.Logger
}

func NewConsumer(brokers, groupID, topic string, h Handler) *Consumer {
	return &Consumer{
		reader: k.NewReader(k.ReaderConfig{
			Brokers:        splitBrokers(brokers),
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: time.Second,
		}),
		handle: h,
		log:    slog.Default().With("component", "kafka_consumer", "topic", topic, "group", groupID),
	}
}

// Run fetches until ctx is cancelled. Handler failures are logged and the
// message is still committed; fan-out never retries a whole event.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		_ = c.reader.Close()
	}()

	c.log.Info("consumer started")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("consumer shutting down")
				return nil
			}
			c.log.Warn("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		if c.handle != nil {
			if err := c.handle(ctx, m.Key, m.Value); err != nil {
				c.log.Error("handler failed", "error", err, "offset", m.Offset, "partition", m.Partition)
			}
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("commit failed", "error", err)
		}
	}
}
