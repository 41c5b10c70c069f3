package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Len(t, cfg.Patients, 4)
	assert.Equal(t, ":8081", cfg.API.Addr)
	assert.Equal(t, "memory", cfg.Baseline.Backend)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log_level: debug
engine:
  trend_horizon: 2m
  notify_cooldown: 30s
ingest:
  simulator:
    enabled: false
patients:
  - id: BED-1
    name: Bed one
    profile: hypertensive
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.Engine.TrendHorizon)
	assert.Equal(t, 30*time.Second, cfg.Engine.NotifyCooldown)
	assert.False(t, cfg.Ingest.Simulator.Enabled)
	require.Len(t, cfg.Patients, 1)
	assert.Equal(t, "hypertensive", cfg.Patients[0].Profile)
	assert.Equal(t, 120, cfg.Engine.WindowMaxPoints, "unset values keep defaults")
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"api":{"enabled":true,"addr":":9999"},"session":{"queue_size":8}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, 8, cfg.Session.QueueSize)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "empty.yaml", "   \n"))
	assert.ErrorContains(t, err, "empty")

	_, err = Load(writeConfig(t, "bad.yaml", "baseline:\n  backend: etcd\n"))
	assert.ErrorContains(t, err, "unsupported baseline backend")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NOTIFY_URL", "http://notifier:4567/notify")
	t.Setenv("WS_ORIGIN", "https://ward.example")
	t.Setenv("DATABASE_URL", "postgres://risk@db/risk")

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "http://notifier:4567/notify", cfg.Notify.URL)
	assert.Equal(t, "https://ward.example", cfg.API.Origin)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://risk@db/risk", cfg.Storage.DSN)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"api addr":        func(c *Config) { c.API.Addr = "" },
		"rest addr":       func(c *Config) { c.Ingest.REST.Addr = "" },
		"kafka":           func(c *Config) { c.Ingest.Kafka.Enabled = true },
		"mqtt":            func(c *Config) { c.Ingest.MQTT.Enabled = true },
		"mqtt qos":        func(c *Config) { c.Ingest.MQTT.QoS = 3 },
		"redis addr":      func(c *Config) { c.Baseline = BaselineConfig{Backend: "redis"} },
		"patient id":      func(c *Config) { c.Patients[0].ID = " " },
		"duplicate":       func(c *Config) { c.Patients[1].ID = c.Patients[0].ID },
		"tcp stream addr": func(c *Config) { c.Ingest.TCPStream = TCPStreamConfig{Enabled: true} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	require.NoError(t, Save(path, cfg))

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", m.Get().LogLevel)
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)

	cfg.LogLevel = "debug"
	require.NoError(t, Save(path, cfg))
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	needs, err = m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)

	reloaded, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", reloaded.LogLevel)
	assert.Same(t, reloaded, m.Get())
}

func TestWatchInvokesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Save(path, DefaultConfig()))
	m, err := NewManager(path)
	require.NoError(t, err)

	next := DefaultConfig()
	next.Engine.MaxOutcomes = 2
	require.NoError(t, Save(path, next))
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	reloaded := make(chan *Config, 1)
	stop := make(chan struct{})
	defer close(stop)
	go m.Watch(10*time.Millisecond, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	}, nil, stop)

	select {
	case c := <-reloaded:
		assert.Equal(t, 2, c.Engine.MaxOutcomes)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not reload")
	}
}

func TestStaticManager(t *testing.T) {
	m := NewStaticManager(nil)
	require.NotNil(t, m.Get())
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
	assert.Equal(t, "", m.Path())
}

func TestResolvePath(t *testing.T) {
	assert.Equal(t, "", ResolvePath(""))
	assert.Equal(t, "/etc/risk.yaml", ResolvePath("/etc/risk.yaml"))
	assert.True(t, filepath.IsAbs(ResolvePath("risk.yaml")))
}
