package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"execution-core/internal/events"
)

// MessageWriter is the part of *kafka.Writer the exporter uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds an async, key-hashed writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchSize:    100,
		BatchTimeout: time.Second,
		Async:        true,
	}
}

// Exporter mirrors bus events to Kafka keyed by symbol, so one symbol's
// events stay ordered within a partition.
type Exporter struct {
	bus     *events.Bus
	writer  MessageWriter
	log     zerolog.Logger
	timeout time.Duration
	unsub   func()
}

func NewExporter(bus *events.Bus, w MessageWriter, log zerolog.Logger) *Exporter {
	return &Exporter{bus: bus, writer: w, log: log.With().Str("component", "kafka_export").Logger(), timeout: 5 * time.Second}
}

func (x *Exporter) Start() {
	x.unsub = x.bus.Subscribe("kafka_export", 4096, x.handle)
}

func (x *Exporter) Stop() error {
	if x.unsub != nil {
		x.unsub()
	}
	return x.writer.Close()
}

func (x *Exporter) handle(e events.Event) {
	value, err := json.Marshal(e)
	if err != nil {
		x.log.Warn().Err(err).Str("type", string(e.Type)).Msg("event not serialisable")
		return
	}
	key := e.Symbol
	if key == "" {
		key = string(e.Type)
	}
	ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
	defer cancel()
	err = x.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		x.log.Warn().Err(err).Uint64("seq", e.Seq).Msg("kafka export failed")
	}
}
