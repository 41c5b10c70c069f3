package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"risktrajectory/internal/baseline"
	"risktrajectory/internal/config"
	"risktrajectory/internal/eventlog"
	"risktrajectory/internal/model"
	"risktrajectory/internal/notify"
	"risktrajectory/internal/snapshot"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.TrendHorizon = 5 * time.Minute
	cfg.Engine.WindowMaxPoints = 60
	cfg.Engine.DedupeWindow = 0
	cfg.Engine.NotifyCooldown = 0
	cfg.Engine.MaxClockSkew = 0
	cfg.Engine.MaxFutureSkew = 0
	return cfg
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []model.Assessment
}

func (p *recordingPublisher) Publish(a model.Assessment) {
	p.mu.Lock()
	p.got = append(p.got, a)
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}

type fixture struct {
	engine    *Engine
	roster    *baseline.Roster
	baselines *baseline.MemoryStore
	events    *eventlog.Memory
	latest    *snapshot.Store
	published *recordingPublisher
}

func newFixture(t *testing.T, notifier notify.Dispatcher) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		baselines: baseline.NewMemoryStore(),
		events:    eventlog.NewMemory(),
		latest:    snapshot.NewStore(10),
		published: &recordingPublisher{},
	}
	f.roster = baseline.NewRoster(f.baselines)
	require.NoError(t, f.roster.Register(ctx, model.Patient{ID: "P1", Profile: baseline.ProfileNormal}))
	require.NoError(t, f.baselines.Set(ctx, "P1", hrBaseline()))
	f.engine = NewEngine(testConfig(), nil, Deps{
		Baselines: f.baselines,
		Patients:  f.roster,
		Events:    f.events,
		Latest:    f.latest,
		Publisher: f.published,
		Notifier:  notifier,
	})
	return f
}

func sample(s model.VitalsSample) model.PatientSample {
	return model.PatientSample{PatientID: "P1", Sample: s, Source: "test"}
}

func TestFastHeartRateRiseEscalatesToOrange(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notify.NewMockDispatcher(ctrl)
	notifier.EXPECT().
		Notify(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, n notify.Notification) notify.Status {
			assert.Equal(t, "P1", n.PatientID)
			assert.Equal(t, "orange", n.Level)
			return notify.StatusSent
		})

	f := newFixture(t, notifier)
	ctx := context.Background()

	first, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase), 83)))
	require.NoError(t, err)
	assert.Equal(t, model.LevelGreen, first.Level)
	assert.Equal(t, 0.0, first.RatesPerMin[string(model.HeartRate)])

	a, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase.Add(time.Minute)), 95)))
	require.NoError(t, err)
	f.engine.Wait()

	assert.Equal(t, model.LevelOrange, a.Level)
	assert.True(t, a.Escalated)
	assert.Equal(t, "High Risk", a.Title)
	assert.Equal(t, 12.0, a.RatesPerMin[string(model.HeartRate)])
	assert.Contains(t, a.Explain, "heart_rate")
	assert.Contains(t, a.Explain, "escalated")

	events, err := f.events.Query(ctx, "P1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.LevelOrange, events[0].Level)
	assert.Equal(t, a.Explain, events[0].Message)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "orange", payload["level"])
	assert.Contains(t, payload, "vitals")
	assert.Contains(t, payload, "outcomes")

	got, _, ok := f.latest.Get("P1")
	require.True(t, ok)
	assert.Equal(t, a.Timestamp, got.Timestamp)
	assert.Equal(t, 2, f.published.count())
	assert.Equal(t, uint64(2), f.engine.Processed("P1"))
}

func TestLevelChangeBackToGreenIsLogged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase), 92)))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, sample(withHR(restingSample(testBase.Add(5*time.Minute)), 91)))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, sample(restingSample(testBase.Add(10*time.Minute))))
	require.NoError(t, err)

	events, err := f.events.Query(ctx, "P1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.LevelGreen, events[0].Level)
	assert.Equal(t, model.LevelYellow, events[1].Level)
}

func TestEventLogAndNotifierCalledOncePerAlertingSample(t *testing.T) {
	ctrl := gomock.NewController(t)
	events := eventlog.NewMockLog(ctrl)
	notifier := notify.NewMockDispatcher(ctrl)

	events.EXPECT().RecordActivity(gomock.Any(), "P1", gomock.Any()).Return(nil).Times(2)
	events.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, ev model.Event) (model.Event, error) {
			assert.Equal(t, model.LevelRed, ev.Level)
			return ev, nil
		}).Times(2)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(notify.StatusSent).Times(2)

	f := newFixture(t, notifier)
	f.engine.deps.Events = events
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase.Add(time.Duration(i)*5*time.Minute)), 120)))
		require.NoError(t, err)
	}
	f.engine.Wait()
}

func TestNotifyCooldownSuppressesRepeats(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notify.NewMockDispatcher(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(notify.StatusSent).Times(2)

	f := newFixture(t, notifier)
	cfg := testConfig()
	cfg.Engine.NotifyCooldown = time.Hour
	f.engine.UpdateConfig(cfg)
	ctx := context.Background()

	_, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase), 101)))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, sample(withHR(restingSample(testBase.Add(5*time.Minute)), 102)))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, sample(withHR(restingSample(testBase.Add(10*time.Minute)), 125)))
	require.NoError(t, err)
	f.engine.Wait()
}

func TestUnknownPatientIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ps := sample(restingSample(testBase))
	ps.PatientID = "nobody"
	_, err := f.engine.Process(context.Background(), ps)
	assert.True(t, errors.Is(err, baseline.ErrUnknownPatient))
	assert.Equal(t, 0, f.published.count())
}

func TestStaleSampleIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Process(ctx, sample(restingSample(testBase.Add(time.Minute))))
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, sample(withHR(restingSample(testBase), 75)))
	assert.ErrorIs(t, err, ErrStaleSample)
	assert.Equal(t, uint64(1), f.engine.Processed("P1"))
}

func TestDuplicateSampleIsDropped(t *testing.T) {
	f := newFixture(t, nil)
	cfg := testConfig()
	cfg.Engine.DedupeWindow = time.Minute
	f.engine.UpdateConfig(cfg)
	ctx := context.Background()

	ps := sample(restingSample(testBase))
	_, err := f.engine.Process(ctx, ps)
	require.NoError(t, err)
	_, err = f.engine.Process(ctx, ps)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStaleSample)
	assert.Equal(t, 1, f.published.count())
}

func TestMissingBaselineFallsBackToProfile(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := baseline.NewMockStore(ctrl)
	store.EXPECT().Get(gomock.Any(), "P1").Return(model.Baseline{}, errors.New("redis down"))

	f := newFixture(t, nil)
	f.engine.deps.Baselines = store
	a, err := f.engine.Process(context.Background(), sample(withHR(restingSample(testBase), 78)))
	require.NoError(t, err)
	assert.Equal(t, model.LevelGreen, a.Level)
}

func TestResetStartsFreshHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Process(ctx, sample(restingSample(testBase.Add(time.Minute))))
	require.NoError(t, err)

	f.engine.Reset("P1")
	assert.Zero(t, f.engine.Processed("P1"))
	a, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase), 95)))
	require.NoError(t, err)
	assert.Equal(t, model.LevelYellow, a.Level)
	assert.False(t, a.Escalated)
}

func TestResetWaitsForInFlightSample(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Process(ctx, sample(withHR(restingSample(testBase), 95)))
	require.NoError(t, err)

	st := f.engine.patient("P1")
	st.mu.Lock()
	done := make(chan struct{})
	go func() {
		f.engine.Reset("P1")
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("reset ran while a sample held the patient")
	case <-time.After(50 * time.Millisecond):
	}
	st.mu.Unlock()
	<-done

	assert.Same(t, st, f.engine.patient("P1"), "reset keeps the single patient state")
	assert.Equal(t, model.LevelGreen, st.lastLevel)
	assert.Zero(t, f.engine.Processed("P1"))
}

func TestResetAllKeepsStates(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.Process(context.Background(), sample(withHR(restingSample(testBase), 95)))
	require.NoError(t, err)
	st := f.engine.patient("P1")

	f.engine.ResetAll()
	assert.Same(t, st, f.engine.patient("P1"))
	assert.Equal(t, model.LevelGreen, st.lastLevel)
	assert.Zero(t, f.engine.tracker.Points("P1", model.HeartRate))
}

// blockingLog stalls RecordActivity for one patient until release is closed.
type blockingLog struct {
	eventlog.Log
	patientID string
	release   chan struct{}
}

func (b *blockingLog) RecordActivity(ctx context.Context, patientID string, s model.VitalsSample) error {
	if patientID == b.patientID {
		<-b.release
	}
	return b.Log.RecordActivity(ctx, patientID, s)
}

func TestShardFor(t *testing.T) {
	for _, id := range []string{"P1", "P2", "bed-17", ""} {
		got := shardFor(id, 4)
		assert.GreaterOrEqual(t, got, 0)
		assert.Less(t, got, 4)
		assert.Equal(t, got, shardFor(id, 4))
	}
	assert.Zero(t, shardFor("anything", 1))
}

func TestSlowPatientDoesNotStallOtherShards(t *testing.T) {
	other := ""
	for i := 2; i < 100 && other == ""; i++ {
		if id := fmt.Sprintf("P%d", i); shardFor(id, 4) != shardFor("P1", 4) {
			other = id
		}
	}
	require.NotEmpty(t, other)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := baseline.NewMemoryStore()
	roster := baseline.NewRoster(store)
	require.NoError(t, roster.Register(ctx, model.Patient{ID: "P1", Profile: baseline.ProfileNormal}))
	require.NoError(t, roster.Register(ctx, model.Patient{ID: other, Profile: baseline.ProfileNormal}))
	slow := &blockingLog{Log: eventlog.NewMemory(), patientID: "P1", release: make(chan struct{})}
	defer close(slow.release)

	cfg := testConfig()
	cfg.Engine.Workers = 4
	eng := NewEngine(cfg, nil, Deps{Baselines: store, Patients: roster, Events: slow})
	in := make(chan model.PatientSample, 4)
	eng.Start(ctx, in)

	in <- model.PatientSample{PatientID: "P1", Sample: restingSample(testBase), Source: "test"}
	in <- model.PatientSample{PatientID: other, Sample: restingSample(testBase), Source: "test"}

	assert.Eventually(t, func() bool { return eng.Processed(other) == 1 }, time.Second, 10*time.Millisecond)
}

func TestStartConsumesChannel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.PatientSample, 4)
	f.engine.Start(ctx, in)
	in <- sample(restingSample(testBase))
	in <- sample(restingSample(testBase.Add(time.Second)))

	assert.Eventually(t, func() bool { return f.engine.Processed("P1") == 2 }, time.Second, 10*time.Millisecond)
}

func TestClampTimestamp(t *testing.T) {
	now := testBase
	assert.Equal(t, now, clampTimestamp(time.Time{}, now, 0, 0))
	assert.Equal(t, now, clampTimestamp(now.Add(-time.Hour), now, time.Minute, 0))
	assert.Equal(t, now, clampTimestamp(now.Add(time.Hour), now, 0, time.Second))
	assert.Equal(t, now.Add(-time.Hour), clampTimestamp(now.Add(-time.Hour), now, 0, 0))
}

func TestNotifyGate(t *testing.T) {
	g := NewNotifyGate()
	clock := testBase
	g.now = func() time.Time { return clock }

	assert.True(t, g.Allow("P1", model.LevelOrange, time.Minute))
	assert.False(t, g.Allow("P1", model.LevelOrange, time.Minute))
	assert.True(t, g.Allow("P1", model.LevelRed, time.Minute))
	assert.False(t, g.Allow("P1", model.LevelOrange, time.Minute))
	assert.True(t, g.Allow("P2", model.LevelOrange, time.Minute))

	clock = clock.Add(2 * time.Minute)
	assert.True(t, g.Allow("P1", model.LevelOrange, time.Minute))
	assert.True(t, g.Allow("P1", model.LevelOrange, 0))

	g.Forget("P1")
	assert.True(t, g.Allow("P1", model.LevelYellow, time.Hour))
}

func TestReplayFilter(t *testing.T) {
	f := NewReplayFilter()
	ps := sample(restingSample(testBase))
	assert.False(t, f.Seen(ps, testBase, time.Second))
	assert.True(t, f.Seen(ps, testBase.Add(500*time.Millisecond), time.Second))
	assert.False(t, f.Seen(ps, testBase.Add(3*time.Second), time.Second))

	other := ps
	other.Sample.HeartRate = 71
	assert.False(t, f.Seen(other, testBase.Add(3*time.Second), time.Second))
	assert.False(t, f.Seen(ps, testBase, 0))

	f.Clear()
	assert.False(t, f.Seen(ps, testBase.Add(3*time.Second), time.Second))
}
