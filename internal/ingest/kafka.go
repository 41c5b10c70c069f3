package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.PatientSample, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		parser := NewParser()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			ps, ok, err := decodeLine(parser, string(m.Value), cfg.Get(), "kafka", string(m.Key))
			if err != nil {
				if logger != nil {
					logger.Warn("kafka sample rejected", "partition", m.Partition, "offset", m.Offset, "err", err)
				}
				continue
			}
			if ok {
				SendNonBlocking(ctx, out, ps, logger)
			}
		}
	}()
}
