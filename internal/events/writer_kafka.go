package events

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// KafkaWriter publishes structured cloudevents to Kafka.
type KafkaWriter struct {
	producer sarama.SyncProducer
}

func NewKafkaWriter(brokers []string, clientID string) (*KafkaWriter, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return NewKafkaWriterFromProducer(producer), nil
}

func NewKafkaWriterFromProducer(producer sarama.SyncProducer) *KafkaWriter {
	return &KafkaWriter{producer: producer}
}

func (k *KafkaWriter) Write(_ context.Context, topic string, e cloudevents.Event) error {
	value, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", e.ID(), err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("ce_type"), Value: []byte(e.Type())},
			{Key: []byte("content-type"), Value: []byte(cloudevents.ApplicationCloudEventsJSON)},
		},
	}
	if e.Subject() != "" {
		msg.Key = sarama.StringEncoder(e.Subject())
	}

	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publishing event %s: %w", e.ID(), err)
	}
	return nil
}

func (k *KafkaWriter) Close(_ context.Context) error {
	return k.producer.Close()
}
