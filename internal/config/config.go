package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"risktrajectory/internal/model"
)

type Config struct {
	LogLevel string          `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig    `json:"ingest" yaml:"ingest"`
	Engine   EngineConfig    `json:"engine" yaml:"engine"`
	Baseline BaselineConfig  `json:"baseline" yaml:"baseline"`
	Storage  StorageConfig   `json:"storage" yaml:"storage"`
	API      APIConfig       `json:"api" yaml:"api"`
	Session  SessionConfig   `json:"session" yaml:"session"`
	Notify   NotifyConfig    `json:"notify" yaml:"notify"`
	Patients []model.Patient `json:"patients" yaml:"patients"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Simulator     SimulatorConfig `json:"simulator" yaml:"simulator"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	MQTT          MQTTConfig      `json:"mqtt" yaml:"mqtt"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type SimulatorConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Seed     int64         `json:"seed" yaml:"seed"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic" yaml:"topic"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type ParserConfig struct {
	Timezone         string `json:"timezone" yaml:"timezone"`
	DefaultPatientID string `json:"default_patient_id" yaml:"default_patient_id"`
}

type EngineConfig struct {
	TrendHorizon    time.Duration `json:"trend_horizon" yaml:"trend_horizon"`
	WindowMaxPoints int           `json:"window_max_points" yaml:"window_max_points"`
	MaxOutcomes     int           `json:"max_outcomes" yaml:"max_outcomes"`
	DedupeWindow    time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	NotifyCooldown  time.Duration `json:"notify_cooldown" yaml:"notify_cooldown"`
	MaxClockSkew    time.Duration `json:"max_clock_skew" yaml:"max_clock_skew"`
	MaxFutureSkew   time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	Workers         int           `json:"workers" yaml:"workers"`
}

type BaselineConfig struct {
	Backend string      `json:"backend" yaml:"backend"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Origin  string `json:"origin" yaml:"origin"`
}

type SessionConfig struct {
	QueueSize    int           `json:"queue_size" yaml:"queue_size"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
}

type NotifyConfig struct {
	URL        string        `json:"url" yaml:"url"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	RetryCount int           `json:"retry_count" yaml:"retry_count"`
	ListenAddr string        `json:"listen_addr" yaml:"listen_addr"`
	SMTP       SMTPConfig    `json:"smtp" yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	Username string   `json:"username" yaml:"username"`
	Password string   `json:"password" yaml:"password"`
	From     string   `json:"from" yaml:"from"`
	To       []string `json:"to" yaml:"to"`
}

func DefaultPatients() []model.Patient {
	return []model.Patient{
		{ID: "P001", Name: "Patient 001", Profile: "normal", Age: 45},
		{ID: "P002", Name: "Patient 002", Profile: "hypertensive", Age: 62},
		{ID: "P003", Name: "Patient 003", Profile: "athlete", Age: 23},
		{ID: "P004", Name: "Patient 004", Profile: "critical", Age: 70},
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Simulator:     SimulatorConfig{Enabled: true, Interval: 1 * time.Second},
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:         KafkaConfig{Enabled: false},
			MQTT:          MQTTConfig{Enabled: false, QoS: 1},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Engine: EngineConfig{
			TrendHorizon:    5 * time.Minute,
			WindowMaxPoints: 120,
			MaxOutcomes:     5,
			DedupeWindow:    2 * time.Second,
			NotifyCooldown:  0,
			MaxClockSkew:    0,
			MaxFutureSkew:   5 * time.Second,
			Workers:         4,
		},
		Baseline: BaselineConfig{Backend: "memory", Redis: RedisConfig{Addr: "localhost:6379", KeyPrefix: "baseline:"}},
		Storage:  StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:risk_trajectory.db?_pragma=busy_timeout(5000)"},
		API:      APIConfig{Enabled: true, Addr: ":8081", Origin: "*"},
		Session:  SessionConfig{QueueSize: 64, WriteTimeout: 5 * time.Second, PingInterval: 30 * time.Second},
		Notify:   NotifyConfig{Timeout: 1500 * time.Millisecond, RetryCount: 0, ListenAddr: ":4567", SMTP: SMTPConfig{Port: 587}},
		Patients: DefaultPatients(),
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when set, otherwise returns defaults with env overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if strings.TrimSpace(path) != "" {
		return Load(path)
	}
	cfg := DefaultConfig()
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv honours the deployment variables the dashboard stack already sets.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("NOTIFY_URL")); v != "" {
		cfg.Notify.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("WS_ORIGIN")); v != "" {
		cfg.API.Origin = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Storage.DSN = v
		if strings.HasPrefix(v, "postgres") {
			cfg.Storage.Driver = "postgres"
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.Simulator.Interval <= 0 {
		cfg.Ingest.Simulator.Interval = 1 * time.Second
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Engine.TrendHorizon <= 0 {
		cfg.Engine.TrendHorizon = 5 * time.Minute
	}
	if cfg.Engine.WindowMaxPoints <= 0 {
		cfg.Engine.WindowMaxPoints = 120
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.MaxOutcomes <= 0 {
		cfg.Engine.MaxOutcomes = 5
	}
	if cfg.Baseline.Backend == "" {
		cfg.Baseline.Backend = "memory"
	}
	if cfg.Baseline.Redis.KeyPrefix == "" {
		cfg.Baseline.Redis.KeyPrefix = "baseline:"
	}
	if cfg.Session.QueueSize <= 0 {
		cfg.Session.QueueSize = 64
	}
	if cfg.Session.WriteTimeout <= 0 {
		cfg.Session.WriteTimeout = 5 * time.Second
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 1500 * time.Millisecond
	}
	if cfg.Notify.SMTP.Port <= 0 {
		cfg.Notify.SMTP.Port = 587
	}
	if len(cfg.Patients) == 0 {
		cfg.Patients = DefaultPatients()
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.MQTT.Enabled && (cfg.Ingest.MQTT.Broker == "" || cfg.Ingest.MQTT.Topic == "") {
		return errors.New("ingest.mqtt requires broker and topic")
	}
	if cfg.Ingest.MQTT.QoS > 2 {
		return fmt.Errorf("ingest.mqtt.qos must be 0, 1 or 2: %d", cfg.Ingest.MQTT.QoS)
	}
	switch strings.ToLower(cfg.Baseline.Backend) {
	case "memory":
	case "redis":
		if cfg.Baseline.Redis.Addr == "" {
			return errors.New("baseline.redis.addr required when baseline.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported baseline backend: %q", cfg.Baseline.Backend)
	}
	seen := make(map[string]struct{}, len(cfg.Patients))
	for _, p := range cfg.Patients {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("patients entries require an id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate patient id: %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

// NewStaticManager wraps an already built config; Reload and Watch are no-ops without a path.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
