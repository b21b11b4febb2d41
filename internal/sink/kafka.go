// Package sink forwards book events to downstream consumers over kafka.
// The sink is an ordinary listener on the notification surface: it holds
// no special access to book internals.
package sink

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/book"
)

// KafkaSink publishes trade and model events as JSON messages keyed by
// book descriptor.
type KafkaSink struct {
	log    *zap.Logger
	writer *kafka.Writer
	subs   map[*book.Book]uuid.UUID
}

type eventMessage struct {
	Type      string    `json:"type"`
	Book      string    `json:"book"`
	Timestamp time.Time `json:"timestamp"`
	Depth     int       `json:"depth,omitempty"`
	Gets      string    `json:"gets,omitempty"`
	Pays      string    `json:"pays,omitempty"`
}

// NewKafka builds a sink writing to topic on the given brokers.
func NewKafka(brokers []string, topic string, log *zap.Logger) *KafkaSink {
	return &KafkaSink{
		log: log.With(zap.String("component", "kafka-sink")),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		subs: make(map[*book.Book]uuid.UUID),
	}
}

// Attach subscribes the sink to a book's events.
func (s *KafkaSink) Attach(b *book.Book) {
	s.subs[b] = b.Subscribe(func(ev book.Event) {
		s.publish(b, ev)
	})
}

// Close detaches from all books and flushes the writer.
func (s *KafkaSink) Close() error {
	for b, id := range s.subs {
		b.Unsubscribe(id)
	}
	s.subs = nil
	return s.writer.Close()
}

func (s *KafkaSink) publish(b *book.Book, ev book.Event) {
	var msg eventMessage
	switch ev.Type {
	case book.EventModel:
		msg = eventMessage{
			Type:      string(ev.Type),
			Book:      ev.Book.String(),
			Timestamp: time.Now().UTC(),
			Depth:     len(ev.Offers),
		}
	case book.EventTrade:
		msg = eventMessage{
			Type:      string(ev.Type),
			Book:      ev.Book.String(),
			Timestamp: time.Now().UTC(),
			Gets:      ev.Trade.Gets.String(),
			Pays:      ev.Trade.Pays.String(),
		}
	default:
		return
	}

	value, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode event", zap.Error(err))
		return
	}
	// Async writer: WriteMessages queues without blocking the book's
	// apply path.
	err = s.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(msg.Book),
		Value: value,
	})
	if err != nil {
		s.log.Error("publish event", zap.Error(err))
	}
}
