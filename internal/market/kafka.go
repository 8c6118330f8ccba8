package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaFeed consumes JSON-encoded ticks from a topic.
type KafkaFeed struct {
	Brokers []string
	Topic   string
	GroupID string
	Log     zerolog.Logger
}

func (k *KafkaFeed) Run(ctx context.Context, emit func(Tick)) error {
	if len(k.Brokers) == 0 {
		return fmt.Errorf("market: kafka feed: brokers are required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.Brokers,
		Topic:    k.Topic,
		GroupID:  k.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	defer reader.Close()
	k.Log.Info().Strs("brokers", k.Brokers).Str("topic", k.Topic).Msg("kafka tick feed started")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("market: kafka read: %w", err)
		}
		t, err := DecodeTick(msg.Value)
		if err != nil {
			k.Log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping tick")
			continue
		}
		emit(t)
	}
}

// DecodeTick parses and validates one JSON tick.
func DecodeTick(data []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(data, &t); err != nil {
		return Tick{}, fmt.Errorf("%w: %v", ErrInvalidTick, err)
	}
	if err := t.Validate(); err != nil {
		return Tick{}, err
	}
	return t, nil
}
