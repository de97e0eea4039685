package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaBus publishes Availability events as JSON records on a Kafka topic so
// multiple replicatord processes (or an external dashboard) observe
// availability transitions without sharing memory. It is the optional,
// cross-process alternative to Bus: it wraps an in-process Bus so local
// subscribers of that Bus keep working exactly as before while Publish
// additionally fans out to Kafka.
type KafkaBus struct {
	*Bus

	client *kgo.Client
	topic  string
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// KafkaConfig configures the Kafka-backed event bus.
type KafkaConfig struct {
	SeedBrokers []string
	Topic       string
	GroupID     string // consumer group for ConsumeKafkaAvailability
}

// NewKafkaBus dials brokers and returns a bus that publishes Availability
// events to cfg.Topic in addition to the normal in-process fan-out.
func NewKafkaBus(cfg KafkaConfig, logger zerolog.Logger) (*KafkaBus, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, err
	}
	return &KafkaBus{
		Bus:    New(logger),
		client: client,
		topic:  cfg.Topic,
		logger: logger.With().Str("component", "eventbus-kafka").Logger(),
	}, nil
}

// Publish fans out locally (via the embedded Bus) and asynchronously
// produces the same event to Kafka; a produce failure is logged, never
// surfaced to the caller, since availability events must never abort the
// replication pipeline.
func (k *KafkaBus) Publish(a Availability) {
	k.Bus.Publish(a)

	data, err := json.Marshal(a)
	if err != nil {
		k.logger.Err(err).Msg("marshal availability event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	k.client.Produce(ctx, &kgo.Record{Topic: k.topic, Value: data, Key: []byte(a.EndpointID + "/" + a.LogName)}, func(_ *kgo.Record, err error) {
		cancel()
		if err != nil {
			k.logger.Err(err).Msg("produce availability event")
		}
	})
}

// Close releases the underlying Kafka client.
func (k *KafkaBus) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	k.closed = true
	k.client.Close()
}

// ConsumeKafkaAvailability runs until ctx is cancelled, decoding
// Availability records from cfg.Topic and invoking fn for each. Used by an
// operator-facing process that wants a live feed without running an
// endpoint itself.
func ConsumeKafkaAvailability(ctx context.Context, cfg KafkaConfig, logger zerolog.Logger, fn func(Availability)) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.SeedBrokers...),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumerGroup(cfg.GroupID),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := client.PollFetches(ctx)
		fetches.EachError(func(topic string, partition int32, err error) {
			logger.Err(err).Str("topic", topic).Int32("partition", partition).Msg("poll availability topic")
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var a Availability
			if err := json.Unmarshal(rec.Value, &a); err != nil {
				logger.Err(err).Msg("decode availability record")
				return
			}
			fn(a)
		})
	}
}
