package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Receiver is the notify endpoint: it renders incoming alerts and mails
// them when a Mailer is configured.
type Receiver struct {
	mailer Mailer
	logger *slog.Logger

	mu     sync.Mutex
	counts map[Status]int
	last   *Delivery
}

type Delivery struct {
	Status    Status    `json:"status"`
	PatientID string    `json:"patient_id"`
	Level     string    `json:"level"`
	Subject   string    `json:"subject"`
	Body      string    `json:"-"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}

func NewReceiver(mailer Mailer, logger *slog.Logger) *Receiver {
	return &Receiver{mailer: mailer, logger: logger, counts: make(map[Status]int)}
}

// Deliver renders n and hands it to the mailer. Without a mailer the
// delivery is recorded as skipped.
func (r *Receiver) Deliver(ctx context.Context, n Notification) Delivery {
	d := Delivery{PatientID: n.PatientID, Level: n.Level, At: time.Now().UTC()}
	subject, body, err := Render(n)
	if err != nil {
		d.Status = StatusFailed
		d.Error = err.Error()
		r.record(d)
		return d
	}
	d.Subject = subject
	d.Body = body
	if r.mailer == nil {
		d.Status = StatusSkipped
		r.record(d)
		if r.logger != nil {
			r.logger.Info("alert not mailed, smtp unconfigured", "patient_id", n.PatientID, "level", n.Level, "subject", subject)
		}
		return d
	}
	if err := r.mailer.Send(ctx, Mail{Subject: subject, Body: body}); err != nil {
		d.Status = StatusFailed
		d.Error = err.Error()
		if r.logger != nil {
			r.logger.Warn("alert mail failed", "patient_id", n.PatientID, "err", err)
		}
	} else {
		d.Status = StatusSent
	}
	r.record(d)
	return d
}

func (r *Receiver) record(d Delivery) {
	r.mu.Lock()
	r.counts[d.Status]++
	r.last = &d
	r.mu.Unlock()
}

// Counts returns deliveries by status.
func (r *Receiver) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Status]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func (r *Receiver) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/notify", r.handleNotify).Methods(http.MethodPost)
	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	return router
}

func (r *Receiver) handleNotify(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
		return
	}
	d := r.Deliver(req.Context(), ParseRequest(body))
	status := http.StatusOK
	if d.Status == StatusFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, d)
}

func (r *Receiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	last := r.last
	r.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"smtp_configured": r.mailer != nil,
		"counts":          r.Counts(),
		"last":            last,
		"time":            time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Serve runs the receiver on addr until ctx is cancelled.
func (r *Receiver) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: r.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if r.logger != nil {
		r.logger.Info("notify receiver listening", "addr", addr, "smtp_configured", r.mailer != nil)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
