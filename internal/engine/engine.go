package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"risktrajectory/internal/baseline"
	"risktrajectory/internal/config"
	"risktrajectory/internal/eventlog"
	"risktrajectory/internal/model"
	"risktrajectory/internal/notify"
	"risktrajectory/internal/snapshot"
	"risktrajectory/internal/telemetry"
)

var ErrStaleSample = errors.New("sample does not advance patient clock")

type PatientLookup interface {
	Get(patientID string) (model.Patient, error)
}

type Publisher interface {
	Publish(a model.Assessment)
}

type Deps struct {
	Baselines baseline.Store
	Patients  PatientLookup
	Events    eventlog.Log
	Latest    *snapshot.Store
	Publisher Publisher
	Notifier  notify.Dispatcher
}

// Engine is the single writer for every patient: it owns the trend
// windows and runs observe, classify, infer, log and notify once per sample.
type Engine struct {
	logger   *slog.Logger
	cfg      atomic.Value
	deps     Deps
	tracker  *TrendTracker
	gate     *NotifyGate
	replay   *ReplayFilter
	mu       sync.Mutex
	patients map[string]*patientState
	inflight sync.WaitGroup
	now      func() time.Time
}

type patientState struct {
	mu        sync.Mutex
	lastLevel model.RiskLevel
	processed uint64
}

func NewEngine(cfg *config.Config, logger *slog.Logger, deps Deps) *Engine {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	e := &Engine{
		logger:   logger,
		deps:     deps,
		tracker:  NewTrendTracker(cfg.Engine.TrendHorizon, cfg.Engine.WindowMaxPoints),
		gate:     NewNotifyGate(),
		replay:   NewReplayFilter(),
		patients: make(map[string]*patientState),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

// UpdateConfig swaps thresholds used by later samples. Window sizing only
// applies to windows created after the change.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

const shardBuffer = 256

// Start consumes in on one worker per shard. A patient always maps to the
// same shard, so its samples stay ordered while a slow patient only holds
// up its own shard.
func (e *Engine) Start(ctx context.Context, in <-chan model.PatientSample) {
	n := e.config().Engine.Workers
	if n <= 0 {
		n = 1
	}
	shards := make([]chan model.PatientSample, n)
	for i := range shards {
		shards[i] = make(chan model.PatientSample, shardBuffer)
		go e.work(ctx, shards[i])
	}
	go func() {
		for {
			select {
			case ps := <-in:
				select {
				case shards[shardFor(ps.PatientID, n)] <- ps:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) work(ctx context.Context, in <-chan model.PatientSample) {
	for {
		select {
		case ps := <-in:
			if _, err := e.Process(ctx, ps); err != nil && e.logger != nil {
				e.logger.Debug("sample not processed", "patient_id", ps.PatientID, "source", ps.Source, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func shardFor(patientID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(patientID))
	return int(h.Sum32() % uint32(n))
}

// Wait blocks until in-flight notifications finish.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Process runs the full pipeline for one sample and returns the composed assessment.
func (e *Engine) Process(ctx context.Context, ps model.PatientSample) (model.Assessment, error) {
	start := time.Now()
	cfg := e.config()

	patient, err := e.deps.Patients.Get(ps.PatientID)
	if err != nil {
		telemetry.SamplesRejected.WithLabelValues("unknown_patient").Inc()
		return model.Assessment{}, err
	}
	ps.Sample.Timestamp = clampTimestamp(ps.Sample.Timestamp, e.now(), cfg.Engine.MaxClockSkew, cfg.Engine.MaxFutureSkew)
	if e.replay.Seen(ps, e.now(), cfg.Engine.DedupeWindow) {
		telemetry.SamplesRejected.WithLabelValues("duplicate").Inc()
		return model.Assessment{}, fmt.Errorf("duplicate sample for %s", ps.PatientID)
	}

	st := e.patient(patient.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	rates, fresh := e.tracker.Observe(patient.ID, ps.Sample)
	if !fresh {
		telemetry.SamplesRejected.WithLabelValues("stale").Inc()
		return model.Assessment{}, fmt.Errorf("%w: %s at %s", ErrStaleSample, patient.ID, ps.Sample.Timestamp.Format(time.RFC3339Nano))
	}

	b, err := e.deps.Baselines.Get(ctx, patient.ID)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("baseline unavailable, using profile defaults", "patient_id", patient.ID, "err", err)
		}
		b = baseline.DefaultBaseline(patient.Profile)
	}

	cls := Classify(b, ps.Sample, rates)
	outcomes := Infer(cls.Level, ps.Sample, rates, b, cfg.Engine.MaxOutcomes)
	a := compose(patient, ps.Sample, rates, cls, outcomes)

	if e.deps.Events != nil {
		if err := e.deps.Events.RecordActivity(ctx, patient.ID, ps.Sample); err != nil && e.logger != nil {
			e.logger.Warn("record activity failed", "patient_id", patient.ID, "err", err)
		}
	}

	changed := a.Level != st.lastLevel
	if a.Level.Alerting() || changed {
		e.appendEvent(ctx, a)
	}
	if a.Level.Alerting() && e.gate.Allow(patient.ID, a.Level, cfg.Engine.NotifyCooldown) {
		e.dispatch(ctx, a)
	}
	if changed && e.logger != nil {
		e.logger.Info("risk level changed",
			"patient_id", patient.ID,
			"from", st.lastLevel.String(),
			"to", a.Level.String(),
			"score", a.RiskScore,
			"escalated", a.Escalated,
		)
	}
	st.lastLevel = a.Level
	st.processed++

	if e.deps.Latest != nil {
		e.deps.Latest.Update(a)
	}
	if e.deps.Publisher != nil {
		e.deps.Publisher.Publish(a)
	}
	telemetry.SamplesIngested.WithLabelValues(sourceLabel(ps.Source)).Inc()
	telemetry.Assessments.WithLabelValues(a.Level.String()).Inc()
	telemetry.ProcessingSeconds.Observe(time.Since(start).Seconds())
	return a, nil
}

func (e *Engine) appendEvent(ctx context.Context, a model.Assessment) {
	if e.deps.Events == nil {
		return
	}
	payload, err := json.Marshal(a.Payload())
	if err != nil {
		payload = json.RawMessage("{}")
	}
	ev := model.Event{
		PatientID: a.PatientID,
		Timestamp: a.Timestamp,
		Level:     a.Level,
		Title:     a.Title,
		Message:   a.Explain,
		Payload:   payload,
	}
	if _, err := e.deps.Events.Append(ctx, ev); err != nil {
		if e.logger != nil {
			e.logger.Warn("event append failed", "patient_id", a.PatientID, "level", a.Level.String(), "err", err)
		}
		return
	}
	telemetry.EventsAppended.Inc()
}

// dispatch sends the notification off the patient's critical path.
func (e *Engine) dispatch(ctx context.Context, a model.Assessment) {
	n := notify.FromAssessment(a)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		status := e.deps.Notifier.Notify(context.WithoutCancel(ctx), n)
		if e.logger != nil {
			e.logger.Debug("notification dispatched", "patient_id", n.PatientID, "level", n.Level, "status", string(status))
		}
	}()
}

// Reset forgets one patient's trend history and level memory. It waits
// for an in-flight sample of that patient and keeps the same state, so the
// patient never has two writers.
func (e *Engine) Reset(patientID string) {
	e.mu.Lock()
	st, ok := e.patients[patientID]
	e.mu.Unlock()
	if !ok {
		e.tracker.Reset(patientID)
		e.gate.Forget(patientID)
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	e.resetLocked(patientID, st)
}

func (e *Engine) ResetAll() {
	e.mu.Lock()
	states := make(map[string]*patientState, len(e.patients))
	for id, st := range e.patients {
		states[id] = st
	}
	e.mu.Unlock()
	for id, st := range states {
		st.mu.Lock()
		e.resetLocked(id, st)
		st.mu.Unlock()
	}
	e.tracker.ResetAll()
	e.gate.Clear()
	e.replay.Clear()
}

// resetLocked requires st.mu.
func (e *Engine) resetLocked(patientID string, st *patientState) {
	e.tracker.Reset(patientID)
	e.gate.Forget(patientID)
	st.lastLevel = model.LevelGreen
	st.processed = 0
}

// Processed reports how many samples were classified for patientID.
func (e *Engine) Processed(patientID string) uint64 {
	e.mu.Lock()
	st, ok := e.patients[patientID]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.processed
}

func (e *Engine) patient(patientID string) *patientState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.patients[patientID]; ok {
		return st
	}
	st := &patientState{lastLevel: model.LevelGreen}
	e.patients[patientID] = st
	return st
}

func compose(p model.Patient, s model.VitalsSample, rates model.Rates, cls Classification, outcomes []model.Outcome) model.Assessment {
	rounded := make(map[string]float64, len(rates))
	for _, m := range model.Metrics {
		rounded[string(m)] = math.Round(rates[m]*100) / 100
	}
	return model.Assessment{
		PatientID:   p.ID,
		Profile:     p.Profile,
		Timestamp:   s.Timestamp,
		Vitals:      s.Vitals(),
		RatesPerMin: rounded,
		Level:       cls.Level,
		Title:       cls.Level.Title(),
		RiskScore:   cls.Score,
		Explain:     cls.Explanation,
		Drivers:     cls.Drivers,
		Escalated:   cls.Escalated,
		Outcomes:    outcomes,
	}
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

func clampTimestamp(ts, now time.Time, maxPast, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxPast > 0 && now.Sub(ts) > maxPast {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts.UTC()
}
