package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"risktrajectory/internal/api"
	"risktrajectory/internal/baseline"
	"risktrajectory/internal/config"
	"risktrajectory/internal/engine"
	"risktrajectory/internal/eventlog"
	"risktrajectory/internal/ingest"
	"risktrajectory/internal/logging"
	"risktrajectory/internal/model"
	"risktrajectory/internal/notify"
	"risktrajectory/internal/session"
	"risktrajectory/internal/snapshot"
	"risktrajectory/internal/storage"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "risktrajectory",
		Short:         "Patient vital-sign risk trajectory engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to YAML or JSON config")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(notifierCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadManager(cmd *cobra.Command) (*config.Manager, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("RISKTRAJECTORY_CONFIG")
	}
	return config.NewManager(config.ResolvePath(path))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, the risk engine, the query API and viewer sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadManager(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, mgr)
		},
	}
}

func serve(ctx context.Context, mgr *config.Manager) error {
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel, "")

	baselines, err := baseline.NewStore(cfg.Baseline)
	if err != nil {
		return fmt.Errorf("baseline store: %w", err)
	}
	if closer, ok := baselines.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var events eventlog.Log = eventlog.NewMemory()
	patients := cfg.Patients
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		patients, err = storage.SeedPatients(ctx, store, cfg.Patients)
		if err != nil {
			return fmt.Errorf("seed patients: %w", err)
		}
		events = store
		logger.Info("storage enabled", "driver", cfg.Storage.Driver, "patients", len(patients))
	}

	roster := baseline.NewRoster(baselines)
	for _, p := range patients {
		if err := roster.Register(ctx, p); err != nil {
			return fmt.Errorf("register %s: %w", p.ID, err)
		}
	}

	latest := snapshot.NewStore(0)
	hub := session.NewHub(cfg.Session.QueueSize, logger.With("component", "session"))
	var notifier notify.Dispatcher = notify.Nop{}
	if cfg.Notify.URL != "" {
		notifier = notify.NewHTTPDispatcher(cfg.Notify, logger.With("component", "notify"))
	}

	eng := engine.NewEngine(cfg, logger.With("component", "engine"), engine.Deps{
		Baselines: baselines,
		Patients:  roster,
		Events:    events,
		Latest:    latest,
		Publisher: hub,
		Notifier:  notifier,
	})

	stop := make(chan struct{})
	defer close(stop)
	go mgr.Watch(3*time.Second, func(next *config.Config) {
		eng.UpdateConfig(next)
		logger.Info("config reloaded", "path", mgr.Path())
	}, func(err error) {
		logger.Warn("config reload failed", "err", err)
	}, stop)

	samples := make(chan model.PatientSample, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, samples)

	ingest.StartSimulator(ctx, mgr, roster, samples, logger.With("component", "simulator"))
	ingest.StartREST(ctx, mgr, samples, logger.With("component", "rest"))
	ingest.StartTCPStream(ctx, mgr, samples, logger.With("component", "tcp"))
	ingest.StartKafka(ctx, mgr, samples, logger.With("component", "kafka"))
	if err := ingest.StartMQTT(ctx, mgr, samples, logger.With("component", "mqtt")); err != nil {
		logger.Error("mqtt ingest failed", "err", err)
	}

	api.Start(ctx, api.Deps{
		Config:    mgr,
		Roster:    roster,
		Baselines: baselines,
		Events:    events,
		Latest:    latest,
		Engine:    eng,
		Notifier:  notifier,
		Sessions:  session.NewHandler(hub, roster, latest, cfg.Session, cfg.API.Origin, logger.With("component", "ws")),
		Ingest:    ingest.NewRESTServer(mgr, samples, logger.With("component", "rest")).Handler(),
		Version:   version,
	}, logger.With("component", "api"))

	logger.Info("risk trajectory engine running", "patients", len(roster.List()), "version", version)
	<-ctx.Done()
	logger.Info("shutting down")
	eng.Wait()
	return nil
}

func notifierCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "notifier",
		Short: "Run the notification receiver that renders alerts and sends e-mail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadManager(cmd)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg := mgr.Get()
			if addr == "" {
				addr = cfg.Notify.ListenAddr
			}
			logger := logging.NewLogger(cfg.LogLevel, "notifier")
			ctx, cancel := signalContext()
			defer cancel()
			return notify.NewReceiver(notify.NewMailer(cfg.Notify.SMTP), logger).Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to notify.listen_addr)")
	return cmd
}

func watchCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "watch <patient_id>",
		Short: "Follow a patient's trajectory over WebSocket, reconnecting on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerTo(os.Stderr, "info", "watch")
			ctx, cancel := signalContext()
			defer cancel()
			client := session.NewClient(baseURL, args[0], logger)
			enc := json.NewEncoder(cmd.OutOrStdout())
			return client.Run(ctx, func(a model.Assessment) error {
				return enc.Encode(a)
			})
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8081", "base URL of the risk trajectory API")
	return cmd
}
