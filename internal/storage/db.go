package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flight_tracker/internal/state"
)

// DB pairs ClickHouse for the telemetry time series with PostgreSQL for the
// flight list. It implements SampleStore and SampleWriter.
type DB struct {
	CH *ClickHouseDB
	PG *PostgresStore
}

// OpenDB opens connections to both ClickHouse and PostgreSQL.
func OpenDB(ctx context.Context, cfg Config) (*DB, error) {
	ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	return &DB{CH: ch, PG: pg}, nil
}

// Close closes both database connections.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		if err := d.PG.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

// CreateSchemas creates the schemas in both databases.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.CH.CreateSchema(ctx); err != nil {
		return fmt.Errorf("clickhouse schema: %w", err)
	}
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}

// Flights reads flight metadata from PostgreSQL.
func (d *DB) Flights(ctx context.Context) ([]state.Flight, error) {
	return d.PG.Flights(ctx)
}

// Brackets reads bracketing samples from ClickHouse.
func (d *DB) Brackets(ctx context.Context, ids []string, at time.Time) (map[string]state.Bracket, error) {
	return d.CH.Brackets(ctx, ids, at)
}

// Range reads the telemetry time range from ClickHouse.
func (d *DB) Range(ctx context.Context, ids []string) (*state.TimeRange, error) {
	return d.CH.Range(ctx, ids)
}

// UpsertFlight stores flight metadata in PostgreSQL.
func (d *DB) UpsertFlight(ctx context.Context, f state.Flight) error {
	return d.PG.UpsertFlight(ctx, f)
}

// UpsertSample stores one telemetry sample in ClickHouse.
func (d *DB) UpsertSample(ctx context.Context, flightID string, s state.Sample) error {
	return d.CH.UpsertSample(ctx, flightID, s)
}

// InsertSamples batches telemetry into ClickHouse.
func (d *DB) InsertSamples(ctx context.Context, samples []FlightSample) error {
	return d.CH.InsertSamples(ctx, samples)
}
