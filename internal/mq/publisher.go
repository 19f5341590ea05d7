package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/config"
	"github.com/i474232898/station-ingest/internal/ingest"
)

const publishTimeout = 5 * time.Second

// OutgoingMessage is the envelope every published payload is wrapped in.
type OutgoingMessage struct {
	Source    string      `json:"source"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the payload of a station health event.
type HealthMessage struct {
	Serial             string    `json:"serial_number"`
	Brand              string    `json:"brand"`
	BatteryStatus      string    `json:"battery_status"`
	ConnectivityStatus string    `json:"connectivity_status"`
	CreatedAt          time.Time `json:"created_at"`
}

type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Connect creates a paho client for cfg and waits for the broker handshake.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger zerolog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("connected to broker")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("lost connection to broker")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
		if token.Error() != nil {
			return nil, fmt.Errorf("error connecting to MQTT broker: %w", token.Error())
		}
		return client, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connection to MQTT broker timed out: %w", ctx.Err())
	}
}

// Publisher fans station health snapshots out over MQTT as retained messages.
type Publisher struct {
	client    tokenPublisher
	baseTopic string
	logger    zerolog.Logger
}

func NewPublisher(client mqtt.Client, baseTopic string, logger zerolog.Logger) *Publisher {
	return newPublisher(client, baseTopic, logger)
}

func newPublisher(client tokenPublisher, baseTopic string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client:    client,
		baseTopic: baseTopic,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// HealthTopic returns the retained topic a station's health is published on.
func (p *Publisher) HealthTopic(serial string) string {
	return fmt.Sprintf("%s/v1/stations/%s/health", p.baseTopic, serial)
}

func (p *Publisher) PublishHealth(ctx context.Context, station ingest.Station, log ingest.StationHealthLog) error {
	msg := OutgoingMessage{
		Source: "INGEST",
		Data: HealthMessage{
			Serial:             station.SerialNumber,
			Brand:              string(station.Brand),
			BatteryStatus:      log.BatteryStatus,
			ConnectivityStatus: log.ConnectivityStatus,
			CreatedAt:          log.CreatedAt,
		},
		Timestamp: time.Now().UTC(),
	}
	return p.publish(ctx, p.HealthTopic(station.SerialNumber), msg, 1, true)
}

func (p *Publisher) publish(ctx context.Context, topic string, message interface{}, qos byte, retained bool) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	token := p.client.Publish(topic, qos, retained, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("publish timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	p.logger.Debug().
		Str("topic", topic).
		Int("payload_size", len(payload)).
		Msg("message published")
	return nil
}
