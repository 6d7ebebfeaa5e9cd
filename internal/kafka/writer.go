// Package kafka wraps segmentio/kafka-go for the notification event topic.
package kafka

import (
	"context"
	"strings"
	"time"

	k "github.com/segmentio/kafka-go"
)

type Writer struct {
	w *k.Writer
}

func NewWriter(brokers, topic string) *Writer {
	w := &k.Writer{
		Addr:                   k.TCP(splitBrokers(brokers)...),
		Topic:                  topic,
		Balancer:               &k.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           k.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Writer{w: w}
}

func (w *Writer) Close() error { return w.w.Close() }

// Publish writes one message. Keys pin all events of a chat to one partition.
func (w *Writer) Publish(ctx context.Context, key string, value []byte) error {
	return w.w.WriteMessages(ctx, k.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
}

func splitBrokers(brokers string) []string {
	out := []string{}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
