package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"risktrajectory/internal/model"
)

const (
	backoffInitial = time.Second
	backoffFactor  = 1.5
	backoffMax     = 15 * time.Second
)

var ErrPatientRejected = errors.New("server rejected patient")

// Backoff returns the wait before reconnect attempt n (0-based):
// 1s growing by 1.5x per attempt, capped at 15s.
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(backoffInitial) * math.Pow(backoffFactor, float64(attempt))
	if d >= float64(backoffMax) || math.IsInf(d, 0) {
		return backoffMax
	}
	return time.Duration(d)
}

// Client follows one patient over the /ws endpoint and reconnects with
// Backoff after every failure.
type Client struct {
	ID        string
	URL       string
	PatientID string
	Dialer    *websocket.Dialer
	logger    *slog.Logger
	wait      func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL, patientID string, logger *slog.Logger) *Client {
	return &Client{
		ID:        uuid.NewString(),
		URL:       baseURL,
		PatientID: patientID,
		Dialer:    websocket.DefaultDialer,
		logger:    logger,
		wait:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Endpoint builds the websocket URL for the client's patient.
func (c *Client) Endpoint() (string, error) {
	raw := strings.TrimSpace(c.URL)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	q := u.Query()
	q.Set("patient_id", c.PatientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run streams assessments to onUpdate until ctx ends or the server rejects
// the patient. Returning an error from onUpdate stops the client.
func (c *Client) Run(ctx context.Context, onUpdate func(model.Assessment) error) error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}
	attempt := 0
	for {
		connected, err := c.stream(ctx, endpoint, onUpdate)
		if ctx.Err() != nil {
			return nil
		}
		var stop *stopError
		if errors.Is(err, ErrPatientRejected) {
			return err
		}
		if errors.As(err, &stop) {
			return stop.err
		}
		if connected {
			attempt = 0
		}
		delay := Backoff(attempt)
		attempt++
		if c.logger != nil {
			c.logger.Warn("stream interrupted, reconnecting", "client_id", c.ID, "patient_id", c.PatientID, "err", err, "retry_in", delay.String())
		}
		if err := c.wait(ctx, delay); err != nil {
			return nil
		}
	}
}

type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }

func (c *Client) stream(ctx context.Context, endpoint string, onUpdate func(model.Assessment) error) (bool, error) {
	ws, _, err := c.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()
	if c.logger != nil {
		c.logger.Info("stream connected", "client_id", c.ID, "patient_id", c.PatientID)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-done:
		}
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err == nil && msg.Error != "" {
			return true, fmt.Errorf("%w: %s", ErrPatientRejected, msg.Error)
		}
		var a model.Assessment
		if err := json.Unmarshal(data, &a); err != nil {
			if c.logger != nil {
				c.logger.Debug("skipping undecodable message", "err", err)
			}
			continue
		}
		if err := onUpdate(a); err != nil {
			return true, &stopError{err: err}
		}
	}
}
