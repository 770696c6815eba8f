package kafka

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher writes transfer changes to a Kafka topic. Messages are keyed by
// transfer ID so one transfer's changes stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Printf("❌ Kafka write of %d messages failed: %v", len(messages), err)
				}
			},
		},
	}
}

func (p *Publisher) Publish(key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(
		context.Background(),
		kafka.Message{
			Key:   []byte(key),
			Value: data,
		},
	)
}

// Close flushes pending messages
func (p *Publisher) Close() error {
	return p.writer.Close()
}
