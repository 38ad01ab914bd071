// Package storage provides the historical sample stores the resolver reads
// flights and telemetry brackets from.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flight_tracker/internal/state"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("storage: unknown driver")

// SampleStore is the read side the resolver depends on.
//
// Brackets returns, per flight, the latest sample at or before at and the
// earliest sample at or after at. Flights with neither are absent from the map.
type SampleStore interface {
	Flights(ctx context.Context) ([]state.Flight, error)
	Brackets(ctx context.Context, ids []string, at time.Time) (map[string]state.Bracket, error)
	Range(ctx context.Context, ids []string) (*state.TimeRange, error)
	Close() error
}

// SampleWriter is implemented by the database-backed stores so flights and
// telemetry can be imported.
type SampleWriter interface {
	UpsertFlight(ctx context.Context, f state.Flight) error
	UpsertSample(ctx context.Context, flightID string, s state.Sample) error
}

// BatchWriter is implemented by stores that can write many samples at once.
type BatchWriter interface {
	InsertSamples(ctx context.Context, samples []FlightSample) error
}

// Drivers accepted by Open.
const (
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
	DriverHTTP       = "http"
)

// Config selects and configures a store.
type Config struct {
	Driver     string
	SQLitePath string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	HTTP       HTTPConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Driver:     DriverSQLite,
		SQLitePath: "flights.db",
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "flights",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "flights",
			User:     "flights",
			Password: "flights",
		},
		HTTP: HTTPConfig{
			BaseURL:     "http://localhost:3000",
			Timeout:     10 * time.Second,
			Concurrency: 8,
		},
	}
}

// Open opens the store named by cfg.Driver and ensures its schema exists.
func Open(ctx context.Context, cfg Config) (SampleStore, error) {
	switch cfg.Driver {
	case DriverSQLite:
		return OpenSQLite(cfg.SQLitePath)
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.CreateSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return pg, nil
	case DriverClickHouse:
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := db.CreateSchemas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	case DriverHTTP:
		return NewHTTPStore(cfg.HTTP)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// msToTime converts epoch milliseconds stored in integer columns.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// bracketBounds splits at for stores that keep timestamps at unit precision.
// The before side searches up to floor(at) and the after side from ceil(at),
// so a sub-unit instant never matches one sample on both sides.
func bracketBounds(at time.Time, unit time.Duration) (lo, hi time.Time) {
	lo = at.Truncate(unit)
	if lo.Equal(at) {
		return lo, lo
	}
	return lo, lo.Add(unit)
}

// rangeOf builds a TimeRange from optional bounds.
func rangeOf(lo, hi *time.Time) *state.TimeRange {
	if lo == nil || hi == nil {
		return nil
	}
	return &state.TimeRange{Min: lo.UTC(), Max: hi.UTC()}
}
