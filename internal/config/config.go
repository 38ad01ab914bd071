// Package config loads flight-tracker settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"flight_tracker/internal/pubsub"
	"flight_tracker/internal/storage"
)

// Transports accepted for the live feed.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Config is the full runtime configuration. Command-line flags may override
// any field after Load.
type Config struct {
	Port           int           `env:"FLIGHT_TRACKER_PORT"            envDefault:"8080"`
	RequestTimeout time.Duration `env:"FLIGHT_TRACKER_REQUEST_TIMEOUT" envDefault:"30s"`

	// Historical store.
	StoreDriver string `env:"FLIGHT_TRACKER_STORE"       envDefault:"sqlite"`
	SQLitePath  string `env:"FLIGHT_TRACKER_SQLITE_PATH" envDefault:"flights.db"`

	PGHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PGPort     int    `env:"POSTGRES_PORT"     envDefault:"5432"`
	PGDatabase string `env:"POSTGRES_DATABASE" envDefault:"flights"`
	PGUser     string `env:"POSTGRES_USER"     envDefault:"flights"`
	PGPassword string `env:"POSTGRES_PASSWORD" envDefault:"flights"`

	CHHost     string `env:"CLICKHOUSE_HOST"     envDefault:"localhost"`
	CHPort     int    `env:"CLICKHOUSE_PORT"     envDefault:"9000"`
	CHDatabase string `env:"CLICKHOUSE_DATABASE" envDefault:"flights"`
	CHUser     string `env:"CLICKHOUSE_USER"     envDefault:"default"`
	CHPassword string `env:"CLICKHOUSE_PASSWORD"`

	BackendURL         string        `env:"FLIGHT_TRACKER_BACKEND_URL"         envDefault:"http://localhost:3000"`
	BackendTimeout     time.Duration `env:"FLIGHT_TRACKER_BACKEND_TIMEOUT"     envDefault:"10s"`
	BackendConcurrency int           `env:"FLIGHT_TRACKER_BACKEND_CONCURRENCY" envDefault:"8"`

	// Live feed.
	Transport   string `env:"FLIGHT_TRACKER_TRANSPORT"    envDefault:"websocket"`
	WSURL       string `env:"FLIGHT_TRACKER_WS_URL"       envDefault:"ws://localhost:3000/ws"`
	NATSURL     string `env:"NATS_URL"                    envDefault:"nats://localhost:4222"`
	NATSSubject string `env:"FLIGHT_TRACKER_NATS_SUBJECT" envDefault:"flights.>"`

	BackoffBase      time.Duration `env:"FLIGHT_TRACKER_BACKOFF_BASE"       envDefault:"500ms"`
	BackoffCap       time.Duration `env:"FLIGHT_TRACKER_BACKOFF_CAP"        envDefault:"30s"`
	BackoffMaxJitter time.Duration `env:"FLIGHT_TRACKER_BACKOFF_MAX_JITTER" envDefault:"250ms"`

	// Replay.
	Debounce time.Duration `env:"FLIGHT_TRACKER_DEBOUNCE"  envDefault:"150ms"`
	MaxGap   time.Duration `env:"FLIGHT_TRACKER_MAX_GAP"   envDefault:"2m"`
	RangePad time.Duration `env:"FLIGHT_TRACKER_RANGE_PAD" envDefault:"30s"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.StoreDriver {
	case storage.DriverSQLite, storage.DriverPostgres, storage.DriverClickHouse, storage.DriverHTTP:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", storage.ErrUnknownDriver, c.StoreDriver))
	}
	switch c.Transport {
	case TransportWebSocket, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Debounce < 0 {
		errs = append(errs, errors.New("debounce must not be negative"))
	}
	if c.MaxGap <= 0 {
		errs = append(errs, errors.New("max gap must be positive"))
	}
	return errors.Join(errs...)
}

// Storage returns the store configuration.
func (c Config) Storage() storage.Config {
	return storage.Config{
		Driver:     c.StoreDriver,
		SQLitePath: c.SQLitePath,
		Postgres: storage.PostgresConfig{
			Host:     c.PGHost,
			Port:     c.PGPort,
			Database: c.PGDatabase,
			User:     c.PGUser,
			Password: c.PGPassword,
		},
		ClickHouse: storage.ClickHouseConfig{
			Host:     c.CHHost,
			Port:     c.CHPort,
			Database: c.CHDatabase,
			User:     c.CHUser,
			Password: c.CHPassword,
		},
		HTTP: storage.HTTPConfig{
			BaseURL:     c.BackendURL,
			Timeout:     c.BackendTimeout,
			Concurrency: c.BackendConcurrency,
		},
	}
}

// Backoff returns the reconnect policy for the live feed.
func (c Config) Backoff() pubsub.Backoff {
	return pubsub.Backoff{
		Base:      c.BackoffBase,
		Cap:       c.BackoffCap,
		MaxJitter: c.BackoffMaxJitter,
	}
}

// Dialer returns the live transport selected by Transport.
func (c Config) Dialer() (pubsub.Dialer, error) {
	switch c.Transport {
	case TransportWebSocket:
		return pubsub.WebSocketDialer{URL: c.WSURL}, nil
	case TransportNATS:
		return pubsub.NATSDialer{URL: c.NATSURL, Subject: c.NATSSubject, Name: "flight-tracker"}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", c.Transport)
	}
}
