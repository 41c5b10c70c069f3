package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"risktrajectory/internal/config"
	"risktrajectory/internal/telemetry"
)

// HTTPDispatcher posts notifications as JSON to the configured URL.
type HTTPDispatcher struct {
	client *resty.Client
	url    string
	logger *slog.Logger
}

func NewHTTPDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &HTTPDispatcher{client: client, url: strings.TrimSpace(cfg.URL), logger: logger}
}

func (d *HTTPDispatcher) Configured() bool {
	return d.url != ""
}

func (d *HTTPDispatcher) Notify(ctx context.Context, n Notification) Status {
	status := d.send(ctx, n)
	telemetry.Notifications.WithLabelValues(string(status)).Inc()
	return status
}

func (d *HTTPDispatcher) send(ctx context.Context, n Notification) Status {
	if d.url == "" {
		return StatusSkipped
	}
	if n.Title == "" {
		n.Title = DefaultTitle
	}
	if n.Payload == nil {
		n.Payload = map[string]any{}
	}
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(n).
		Post(d.url)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("notify failed", "patient_id", n.PatientID, "level", n.Level, "err", err)
		}
		return StatusFailed
	}
	if resp.IsError() {
		if d.logger != nil {
			d.logger.Warn("notify rejected", "patient_id", n.PatientID, "level", n.Level, "status", resp.StatusCode())
		}
		return StatusFailed
	}
	if d.logger != nil {
		d.logger.Debug("notify sent", "patient_id", n.PatientID, "level", n.Level)
	}
	return StatusSent
}
