package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes envelopes to Kafka, one topic per dispatch topic.
// Writers are created on first use and reused.
type KafkaPublisher struct {
	brokers []string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{brokers: brokers, writers: make(map[string]*kafka.Writer)}
}

func (k *KafkaPublisher) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.writers[topic]
	if !ok {
		w = kafka.NewWriter(kafka.WriterConfig{Brokers: k.brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
		k.writers[topic] = w
	}
	return w
}

func (k *KafkaPublisher) Publish(ctx context.Context, topic string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer(topic).WriteMessages(wctx, kafka.Message{Value: b})
}

func (k *KafkaPublisher) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var last error
	for _, w := range k.writers {
		if err := w.Close(); err != nil {
			last = err
		}
	}
	return last
}
