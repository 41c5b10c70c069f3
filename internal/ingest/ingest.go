// Package ingest turns vitals from the simulator, HTTP, TCP, Kafka and
// MQTT into PatientSamples on a shared channel.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
	"risktrajectory/internal/normalize"
	"risktrajectory/internal/telemetry"
)

func SendNonBlocking(ctx context.Context, out chan<- model.PatientSample, ps model.PatientSample, logger *slog.Logger) bool {
	select {
	case out <- ps:
		return true
	case <-ctx.Done():
		return false
	default:
		telemetry.SamplesRejected.WithLabelValues("channel_full").Inc()
		if logger != nil {
			logger.Warn("sample channel full, dropping sample", "patient_id", ps.PatientID, "source", ps.Source, "ts", ps.Sample.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// decodeLine parses and normalizes one line of text. ok is false for
// blank lines and CSV headers. fallbackPatient is used when the line
// names no patient, e.g. a Kafka message key or an MQTT topic segment.
func decodeLine(p *Parser, line string, cfg *config.Config, source, fallbackPatient string) (model.PatientSample, bool, error) {
	fields, err := p.ParseLine(line)
	if err != nil {
		telemetry.SamplesRejected.WithLabelValues("parse").Inc()
		return model.PatientSample{}, false, err
	}
	if fields == nil {
		return model.PatientSample{}, false, nil
	}
	if fields.PatientID == "" {
		fields.PatientID = fallbackPatient
	}
	ps, err := normalize.Normalize(*fields, cfg, source)
	if err != nil {
		telemetry.SamplesRejected.WithLabelValues("invalid").Inc()
		return model.PatientSample{}, false, err
	}
	return ps, true, nil
}
