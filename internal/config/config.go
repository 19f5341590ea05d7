package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type DatabaseConfig struct {
	Driver     string `validate:"oneof=postgres sqlite memory"`
	URL        string `validate:"required_if=Driver postgres"`
	SQLitePath string `validate:"required_if=Driver sqlite"`
}

type PAWSConfig struct {
	PortalURL string `validate:"omitempty,url"`
	Email     string
	APIKey    string
}

func (c PAWSConfig) Enabled() bool { return c.PortalURL != "" }

type ZentraConfig struct {
	BaseURL string `validate:"omitempty,url"`
	Token   string `validate:"required_with=BaseURL"`
	PerPage int    `validate:"gte=1,lte=2000"`
}

func (c ZentraConfig) Enabled() bool { return c.BaseURL != "" }

type BaraniConfig struct {
	BaseURL string `validate:"omitempty,url"`
	Token   string `validate:"required_with=BaseURL"`
}

func (c BaraniConfig) Enabled() bool { return c.BaseURL != "" }

type OTTConfig struct {
	BaseURL    string `validate:"omitempty,url"`
	APIKey     string `validate:"required_with=BaseURL"`
	ClientID   string
	StationIDs []string
}

func (c OTTConfig) Enabled() bool { return c.BaseURL != "" }

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int `validate:"gte=0"`
}

type MQTTConfig struct {
	Broker    string
	ClientID  string
	BaseTopic string
	Username  string
	Password  string
}

func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

type InfluxConfig struct {
	URL    string `validate:"omitempty,url"`
	Token  string `validate:"required_with=URL"`
	Org    string `validate:"required_with=URL"`
	Bucket string `validate:"required_with=URL"`
}

func (c InfluxConfig) Enabled() bool { return c.URL != "" }

type LoggerConfig struct {
	Level  string `validate:"oneof=debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
}

type AppConfig struct {
	Database DatabaseConfig

	// StationLocation is the fixed offset (or zone) station-local dates are written in.
	StationLocation *time.Location `validate:"required"`

	IngestWindow        time.Duration `validate:"gt=0"`
	IngestInterval      time.Duration `validate:"gt=0"`
	HealthCheckInterval time.Duration `validate:"gt=0"`
	SoftTimeout         time.Duration `validate:"gt=0"`
	HardTimeout         time.Duration `validate:"gtfield=SoftTimeout"`
	HTTPTimeout         time.Duration `validate:"gt=0"`
	Workers             int           `validate:"gte=0"`

	// LockBackend selects the single-flight guard for ingestion cycles.
	LockBackend string `validate:"oneof=db redis"`

	PAWS   PAWSConfig
	Zentra ZentraConfig
	Barani BaraniConfig
	OTT    OTTConfig
	Redis  RedisConfig
	MQTT   MQTTConfig
	Influx InfluxConfig
	Logger LoggerConfig

	// In-memory store retention (0 = unlimited).
	StoreMaxHistory int

	Port string `validate:"required,numeric"`
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return FromEnv()
}

// FromEnv builds and validates the configuration from the current environment.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{}
	var err error

	cfg.Database = DatabaseConfig{
		Driver:     strings.ToLower(getenvDefault("DB_DRIVER", "postgres")),
		URL:        os.Getenv("DATABASE_URL"),
		SQLitePath: getenvDefault("SQLITE_PATH", "station-ingest.db"),
	}

	if cfg.StationLocation, err = parseLocation(getenvDefault("STATION_UTC_OFFSET", "-04:00")); err != nil {
		return nil, fmt.Errorf("invalid STATION_UTC_OFFSET: %w", err)
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"INGEST_WINDOW", "12h", &cfg.IngestWindow},
		{"INGEST_INTERVAL", "1h", &cfg.IngestInterval},
		{"HEALTH_CHECK_INTERVAL", "60s", &cfg.HealthCheckInterval},
		{"INGEST_SOFT_TIMEOUT", "45m", &cfg.SoftTimeout},
		{"INGEST_HARD_TIMEOUT", "50m", &cfg.HardTimeout},
		{"HTTP_TIMEOUT", "60s", &cfg.HTTPTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	cfg.Workers = getenvInt("INGEST_WORKERS", 0)
	cfg.LockBackend = strings.ToLower(getenvDefault("LOCK_BACKEND", "db"))

	cfg.PAWS = PAWSConfig{
		PortalURL: os.Getenv("PAWS_PORTAL_URL"),
		Email:     os.Getenv("PAWS_EMAIL"),
		APIKey:    os.Getenv("PAWS_API_KEY"),
	}
	cfg.Zentra = ZentraConfig{
		BaseURL: os.Getenv("ZENTRA_BASE_URL"),
		Token:   os.Getenv("ZENTRA_TOKEN"),
		PerPage: getenvInt("ZENTRA_PER_PAGE", 1000),
	}
	cfg.Barani = BaraniConfig{
		BaseURL: os.Getenv("BARANI_BASE_URL"),
		Token:   os.Getenv("BARANI_TOKEN"),
	}
	cfg.OTT = OTTConfig{
		BaseURL:    os.Getenv("OTT_BASE_URL"),
		APIKey:     os.Getenv("OTT_API_KEY"),
		ClientID:   os.Getenv("OTT_CLIENT_ID"),
		StationIDs: getenvList("OTT_STATION_IDS"),
	}
	cfg.Redis = RedisConfig{
		Addr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
		Username: os.Getenv("REDIS_USERNAME"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getenvInt("REDIS_DB", 0),
	}
	cfg.MQTT = MQTTConfig{
		Broker:    os.Getenv("MQTT_BROKER"),
		ClientID:  getenvDefault("MQTT_CLIENT_ID", "station-ingest"),
		BaseTopic: strings.TrimSuffix(getenvDefault("MQTT_BASE_TOPIC", "stations"), "/"),
		Username:  os.Getenv("MQTT_USERNAME"),
		Password:  os.Getenv("MQTT_PASSWORD"),
	}
	cfg.Influx = InfluxConfig{
		URL:    os.Getenv("INFLUXDB_URL"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    os.Getenv("INFLUXDB_ORG"),
		Bucket: getenvDefault("INFLUXDB_BUCKET", "measurements"),
	}
	cfg.Logger = LoggerConfig{
		Level:  strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getenvDefault("LOG_FORMAT", "console")),
	}

	cfg.StoreMaxHistory = getenvInt("STORE_MAX_HISTORY", 0)
	cfg.Port = getenvDefault("PORT", "8080")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseLocation accepts a "+HH:MM" / "-HH:MM" offset or an IANA zone name.
func parseLocation(v string) (*time.Location, error) {
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "UTC") || v == "Z" {
		return time.UTC, nil
	}
	if v[0] == '+' || v[0] == '-' {
		t, err := time.Parse("-07:00", v)
		if err != nil {
			return nil, err
		}
		_, offset := t.Zone()
		return time.FixedZone("UTC"+v, offset), nil
	}
	return time.LoadLocation(v)
}

// getenvList splits a comma separated value, dropping blanks.
func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key, def string) (time.Duration, error) {
	return time.ParseDuration(getenvDefault(key, def))
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}
