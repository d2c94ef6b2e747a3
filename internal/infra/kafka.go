// README: Kafka reader construction for the route-point stream. Producers are
// the carrier devices; this process only consumes.
package infra

import (
	"github.com/segmentio/kafka-go"
)

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
}
