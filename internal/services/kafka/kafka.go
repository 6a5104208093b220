package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/iwtcode/eliteAdapter/internal/interfaces"
	"github.com/iwtcode/eliteAdapter/models"
	"github.com/segmentio/kafka-go"
)

// MessageWriter - часть kafka.Writer, нужная продюсеру.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer MessageWriter
}

var _ interfaces.SnapshotPublisher = (*KafkaProducer)(nil)

// NewKafkaProducer создает новый экземпляр продюсера Kafka
func NewKafkaProducer(broker, topic string) (*KafkaProducer, error) {
	if broker == "" {
		return nil, errors.New("kafka broker is not set")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is not set")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(broker),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaProducer{writer: writer}, nil
}

// NewWithWriter создает продюсер поверх готового писателя.
func NewWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w}
}

// Produce отправляет сообщение в Kafka
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx,
		kafka.Message{
			Key:   key,
			Value: value,
		},
	)
}

// PublishSnapshot отправляет выборку мониторинга; ключ сообщения - адрес робота.
func (p *KafkaProducer) PublishSnapshot(ctx context.Context, s *models.Snapshot) error {
	value, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := p.Produce(ctx, []byte(s.RobotID), value); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// Close закрывает соединение с Kafka
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
