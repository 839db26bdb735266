package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// KafkaExporter publishes telemetry events to a Kafka topic as
// JSON-encoded messages, keyed by run_id so a consumer can partition by
// run. Grounded on segmentio/kafka-go's kafka.Writer, the teacher pack's
// promised (but previously unwired) telemetry transport.
type KafkaExporter struct {
	writer *kafka.Writer
}

// NewKafkaExporter builds a KafkaExporter writing to topic via brokers.
func NewKafkaExporter(brokers []string, topic string) *KafkaExporter {
	return &KafkaExporter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Name implements Exporter.
func (k *KafkaExporter) Name() string { return "kafka" }

// Export implements Exporter: marshals event as JSON and writes it as a
// single Kafka message keyed by run_id.
func (k *KafkaExporter) Export(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("telemetry: kafka exporter: encode event: %w", err)
	}

	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.RunID),
		Value: payload,
	})
}

// Close implements Exporter.
func (k *KafkaExporter) Close(_ context.Context) error {
	return k.writer.Close()
}
