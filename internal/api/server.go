package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"risktrajectory/internal/baseline"
	"risktrajectory/internal/config"
	"risktrajectory/internal/eventlog"
	"risktrajectory/internal/model"
	"risktrajectory/internal/notify"
	"risktrajectory/internal/snapshot"
	"risktrajectory/internal/telemetry"
)

type EngineControl interface {
	Reset(patientID string)
	ResetAll()
	UpdateConfig(cfg *config.Config)
}

type Deps struct {
	Config    *config.Manager
	Roster    *baseline.Roster
	Baselines baseline.Store
	Events    eventlog.Log
	Latest    *snapshot.Store
	Engine    EngineControl
	Notifier  notify.Dispatcher
	// Sessions serves /ws; Ingest serves POST /vitals. Both are optional.
	Sessions http.Handler
	Ingest   http.Handler
	Version  string
}

type Server struct {
	deps   Deps
	logger *slog.Logger
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	Uptime     string         `json:"uptime,omitempty"`
	ConfigPath string         `json:"config_path"`
	Patients   int            `json:"patients"`
	Levels     map[string]int `json:"levels"`
	Ingest     ingestStatus   `json:"ingest"`
	Engine     engineStatus   `json:"engine"`
	Storage    storageStatus  `json:"storage"`
	Baseline   string         `json:"baseline_backend"`
}

type ingestStatus struct {
	Simulator bool `json:"simulator"`
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
}

type engineStatus struct {
	TrendHorizon    string `json:"trend_horizon"`
	WindowMaxPoints int    `json:"window_max_points"`
	MaxOutcomes     int    `json:"max_outcomes"`
	NotifyCooldown  string `json:"notify_cooldown"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

var started = time.Now().UTC()

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Server{deps: deps, logger: logger}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.metricsMiddleware)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/patients", s.handlePatients).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/events/export", s.handleExport).Methods(http.MethodGet)
	r.HandleFunc("/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/baselines/{id}", s.handleGetBaseline).Methods(http.MethodGet)
	r.HandleFunc("/baselines/{id}", s.handlePutBaseline).Methods(http.MethodPut)
	r.HandleFunc("/admin/reset", s.handleReset).Methods(http.MethodPost)
	if s.deps.Sessions != nil {
		r.Handle("/ws", s.deps.Sessions)
	}
	if s.deps.Ingest != nil {
		r.Handle("/vitals", s.deps.Ingest).Methods(http.MethodPost)
	}
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func Start(ctx context.Context, deps Deps, logger *slog.Logger) *http.Server {
	if deps.Config == nil {
		return nil
	}
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps, logger)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := "*"
		if s.deps.Config != nil {
			if o := strings.TrimSpace(s.deps.Config.Get().API.Origin); o != "" {
				origin = o
			}
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		telemetry.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"notify_configured": s.deps.Notifier.Configured(),
		"time":              time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Config.Get()
	levels := map[string]int{}
	if s.deps.Latest != nil {
		for level, n := range s.deps.Latest.CountByLevel() {
			levels[level.String()] = n
		}
	}
	patients := 0
	if s.deps.Roster != nil {
		patients = len(s.deps.Roster.List())
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.deps.Version,
		Uptime:     time.Since(started).Round(time.Second).String(),
		ConfigPath: s.deps.Config.Path(),
		Patients:   patients,
		Levels:     levels,
		Ingest: ingestStatus{
			Simulator: cfg.Ingest.Simulator.Enabled,
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			MQTT:      cfg.Ingest.MQTT.Enabled,
		},
		Engine: engineStatus{
			TrendHorizon:    cfg.Engine.TrendHorizon.String(),
			WindowMaxPoints: cfg.Engine.WindowMaxPoints,
			MaxOutcomes:     cfg.Engine.MaxOutcomes,
			NotifyCooldown:  cfg.Engine.NotifyCooldown.String(),
		},
		Storage:  storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Baseline: cfg.Baseline.Backend,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePatients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Roster.List())
}

// patientFromQuery resolves ?patient_id= and writes the error response itself.
func (s *Server) patientFromQuery(w http.ResponseWriter, r *http.Request) (model.Patient, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "patient_id is required")
		return model.Patient{}, false
	}
	return s.lookup(w, id)
}

func (s *Server) lookup(w http.ResponseWriter, id string) (model.Patient, bool) {
	p, err := s.deps.Roster.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown patient_id")
		return model.Patient{}, false
	}
	return p, true
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func (s *Server) queryEvents(w http.ResponseWriter, r *http.Request) (model.Patient, []model.Event, bool) {
	p, ok := s.patientFromQuery(w, r)
	if !ok {
		return p, nil, false
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return p, nil, false
	}
	events, err := s.deps.Events.Query(r.Context(), p.ID, limit)
	if errors.Is(err, eventlog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no activity for patient_id")
		return p, nil, false
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Error("query events failed", "patient_id", p.ID, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "event query failed")
		return p, nil, false
	}
	return p, events, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, events, ok := s.queryEvents(w, r); ok {
		writeJSON(w, http.StatusOK, events)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	p, events, ok := s.queryEvents(w, r)
	if !ok {
		return
	}
	data, err := GenerateEventsExport(p, events)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("event export failed", "patient_id", p.ID, "err", err)
		}
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=events-%s.xlsx", p.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleLatest returns the newest assessment, or null before the first sample.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	p, ok := s.patientFromQuery(w, r)
	if !ok {
		return
	}
	if s.deps.Latest != nil {
		if a, _, found := s.deps.Latest.Get(p.ID); found {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleGetBaseline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	b, err := s.deps.Baselines.Get(r.Context(), p.ID)
	if errors.Is(err, baseline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "baseline not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "baseline lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handlePutBaseline recalibrates a patient. The whole table is replaced or nothing is.
func (s *Server) handlePutBaseline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.lookup(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var b model.Baseline
	if err := json.Unmarshal(body, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid baseline json")
		return
	}
	if b.Profile == "" {
		b.Profile = p.Profile
	}
	if err := s.deps.Baselines.Set(r.Context(), p.ID, b); err != nil {
		if errors.Is(err, baseline.ErrInvalidBaseline) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "baseline update failed")
		return
	}
	if s.logger != nil {
		s.logger.Info("baseline recalibrated", "patient_id", p.ID)
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("patient_id"))
	if id != "" {
		if _, ok := s.lookup(w, id); !ok {
			return
		}
	}
	if s.deps.Engine != nil {
		if id == "" {
			s.deps.Engine.ResetAll()
		} else {
			s.deps.Engine.Reset(id)
		}
	}
	if id == "" && s.deps.Latest != nil {
		s.deps.Latest.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
