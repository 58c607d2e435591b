package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/morallyearlgrey/carpool/internal/models"
)

// OfferEvent is the message published whenever an offer is created or its
// membership changes. cmd/consumer folds these into the Redis GEO index.
type OfferEvent struct {
	Kind  string           `json:"kind"` // "published" or "updated"
	Offer models.RideOffer `json:"offer"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishOffer(kind string, o models.RideOffer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(OfferEvent{Kind: kind, Offer: o})
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(o.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
