package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gyaneshwarpardhi/linkreach/internal/batcher"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one message per sub-batch, keyed by batch id so all parts of
// a flush land on the same partition.
type Kafka struct {
	writer  MessageWriter
	timeout time.Duration
}

// NewKafka creates a sink writing to topic on brokers.
func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink needs brokers and a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaWithWriter(w), nil
}

func NewKafkaWithWriter(w MessageWriter) *Kafka {
	return &Kafka{writer: w, timeout: 5 * time.Second}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Deliver(ctx context.Context, b batcher.Batch) error {
	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err := k.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(b.ID),
		Value: b.Payload,
		Time:  b.CreatedAt,
		Headers: []kafka.Header{
			{Key: "part", Value: []byte(strconv.Itoa(b.Part))},
			{Key: "parts", Value: []byte(strconv.Itoa(b.Parts))},
			{Key: "content-encoding", Value: []byte(b.Encoding)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
