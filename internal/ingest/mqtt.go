package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"risktrajectory/internal/config"
	"risktrajectory/internal/model"
)

// StartMQTT subscribes to the configured topic filter. A topic such as
// "ward/3/vitals/P001" supplies P001 when the payload has no patient id.
func StartMQTT(ctx context.Context, cfg *config.Manager, out chan<- model.PatientSample, logger *slog.Logger) error {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil
	}
	clientID := current.ClientID
	if clientID == "" {
		clientID = "risktrajectory-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(current.Broker)
	opts.SetClientID(clientID)
	if current.Username != "" {
		opts.SetUsername(current.Username)
	}
	if current.Password != "" {
		opts.SetPassword(current.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if logger != nil {
			logger.Warn("mqtt connection lost", "err", err)
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	handle := NewMQTTHandler(cfg, out, logger)
	if token := client.Subscribe(current.Topic, current.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handle(ctx, msg.Topic(), msg.Payload())
	}); token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe %s: %w", current.Topic, token.Error())
	}
	if logger != nil {
		logger.Info("mqtt ingest enabled", "broker", current.Broker, "topic", current.Topic, "client_id", clientID)
	}
	go func() {
		<-ctx.Done()
		client.Unsubscribe(current.Topic).Wait()
		client.Disconnect(250)
	}()
	return nil
}

// NewMQTTHandler returns the per-message callback. paho may invoke it from
// several goroutines, so the shared parser is guarded.
func NewMQTTHandler(cfg *config.Manager, out chan<- model.PatientSample, logger *slog.Logger) func(ctx context.Context, topic string, payload []byte) {
	var mu sync.Mutex
	parser := NewParser()
	return func(ctx context.Context, topic string, payload []byte) {
		mu.Lock()
		ps, ok, err := decodeLine(parser, string(payload), cfg.Get(), "mqtt", topicPatient(topic))
		mu.Unlock()
		if err != nil {
			if logger != nil {
				logger.Warn("mqtt sample rejected", "topic", topic, "err", err)
			}
			return
		}
		if ok {
			SendNonBlocking(ctx, out, ps, logger)
		}
	}
}

func topicPatient(topic string) string {
	topic = strings.Trim(topic, "/")
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return ""
}
