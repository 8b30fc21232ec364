// Package events publishes transcript segments to Kafka, with separate
// topics for partial and final results. Disabled configuration degrades to
// log-only mode so the transcription path never depends on a broker.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"meetsrv/internal/domain"
)

type Config struct {
	Enabled      bool
	Brokers      []string
	TopicPartial string
	TopicFinal   string
}

type Publisher struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	enabled       bool
}

func NewPublisher(cfg Config) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Str("module", "events").Msg("kafka disabled, log-only mode")
		return &Publisher{}
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
		}
	}
	log.Info().Str("module", "events").Strs("brokers", cfg.Brokers).
		Str("topicPartial", cfg.TopicPartial).Str("topicFinal", cfg.TopicFinal).
		Msg("kafka publisher initialized")
	return &Publisher{
		writerPartial: newWriter(cfg.TopicPartial),
		writerFinal:   newWriter(cfg.TopicFinal),
		enabled:       true,
	}
}

type segmentEvent struct {
	EventType string        `json:"eventType"`
	RoomID    domain.RoomID `json:"roomId"`
	domain.Segment
}

// PublishSegment is best effort: publish failures are logged and never
// propagate into the transcription path.
func (p *Publisher) PublishSegment(ctx context.Context, roomID domain.RoomID, seg domain.Segment) {
	if !p.enabled {
		return
	}
	eventType := "transcript.final"
	writer := p.writerFinal
	if seg.Partial {
		eventType = "transcript.partial"
		writer = p.writerPartial
	}
	value, err := json.Marshal(segmentEvent{EventType: eventType, RoomID: roomID, Segment: seg})
	if err != nil {
		log.Error().Err(err).Str("module", "events").Msg("marshal segment")
		return
	}
	msg := kafka.Message{Key: []byte(roomID), Value: value}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("module", "events").Str("topic", writer.Topic).Msg("publish failed")
	}
}

func (p *Publisher) Close() {
	if !p.enabled {
		return
	}
	if err := p.writerPartial.Close(); err != nil {
		log.Error().Err(err).Str("module", "events").Msg("close partial writer")
	}
	if err := p.writerFinal.Close(); err != nil {
		log.Error().Err(err).Str("module", "events").Msg("close final writer")
	}
}
