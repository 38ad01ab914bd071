package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flight_tracker/internal/state"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresStore keeps flights and telemetry in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresStore) Close() error {
	d.pool.Close()
	return nil
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresStore) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS flights (
		id                TEXT PRIMARY KEY,
		seq               BIGSERIAL,
		flight_code       TEXT NOT NULL DEFAULT '',
		departure_lat     DOUBLE PRECISION NOT NULL,
		departure_lng     DOUBLE PRECISION NOT NULL,
		destination_lat   DOUBLE PRECISION NOT NULL,
		destination_lng   DOUBLE PRECISION NOT NULL,
		departure_time    TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		flight_id   TEXT NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		lat         DOUBLE PRECISION NOT NULL,
		lng         DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (flight_id, ts)
	);
	`
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// UpsertFlight inserts a flight unless one with the same id exists.
func (d *PostgresStore) UpsertFlight(ctx context.Context, f state.Flight) error {
	var dep *time.Time
	if !f.DepartureTime.IsZero() {
		dep = &f.DepartureTime
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO flights (id, flight_code, departure_lat, departure_lng, destination_lat, destination_lng, departure_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, f.ID, f.FlightCode, f.DepartureLat, f.DepartureLng, f.DestinationLat, f.DestinationLng, dep)
	if err != nil {
		return fmt.Errorf("insert flight %s: %w", f.ID, err)
	}
	return nil
}

// UpsertSample stores a telemetry sample, replacing one with the same timestamp.
func (d *PostgresStore) UpsertSample(ctx context.Context, flightID string, s state.Sample) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO telemetry (flight_id, ts, lat, lng) VALUES ($1, $2, $3, $4)
		ON CONFLICT (flight_id, ts) DO UPDATE SET lat = EXCLUDED.lat, lng = EXCLUDED.lng
	`, flightID, s.Timestamp.UTC(), s.Lat, s.Lng)
	if err != nil {
		return fmt.Errorf("insert sample for %s: %w", flightID, err)
	}
	return nil
}

// Flights returns all flights in insertion order.
func (d *PostgresStore) Flights(ctx context.Context) ([]state.Flight, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, flight_code, departure_lat, departure_lng, destination_lat, destination_lng, departure_time
		FROM flights ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer rows.Close()

	var flights []state.Flight
	for rows.Next() {
		var f state.Flight
		var dep *time.Time
		if err := rows.Scan(&f.ID, &f.FlightCode, &f.DepartureLat, &f.DepartureLng, &f.DestinationLat, &f.DestinationLng, &dep); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		if dep != nil {
			f.DepartureTime = dep.UTC()
		}
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

const pgBracketQuery = `
	(SELECT DISTINCT ON (flight_id) 0 AS side, flight_id, ts, lat, lng
	 FROM telemetry
	 WHERE flight_id = ANY($1) AND ts <= $2
	 ORDER BY flight_id, ts DESC)
	UNION ALL
	(SELECT DISTINCT ON (flight_id) 1 AS side, flight_id, ts, lat, lng
	 FROM telemetry
	 WHERE flight_id = ANY($1) AND ts >= $3
	 ORDER BY flight_id, ts ASC)
`

// Brackets returns the bracketing samples for every id in one round trip.
func (d *PostgresStore) Brackets(ctx context.Context, ids []string, at time.Time) (map[string]state.Bracket, error) {
	out := make(map[string]state.Bracket)
	if len(ids) == 0 {
		return out, nil
	}

	// timestamptz keeps microseconds.
	lo, hi := bracketBounds(at.UTC(), time.Microsecond)
	rows, err := d.pool.Query(ctx, pgBracketQuery, ids, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query brackets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var side int32
		var id string
		var s state.Sample
		if err := rows.Scan(&side, &id, &s.Timestamp, &s.Lat, &s.Lng); err != nil {
			return nil, fmt.Errorf("scan bracket: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()

		b := out[id]
		if side == 0 {
			b.Before = &s
		} else {
			b.After = &s
		}
		out[id] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read brackets: %w", err)
	}
	return out, nil
}

// Range returns the earliest and latest sample timestamps over ids.
func (d *PostgresStore) Range(ctx context.Context, ids []string) (*state.TimeRange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var lo, hi *time.Time
	err := d.pool.QueryRow(ctx,
		`SELECT MIN(ts), MAX(ts) FROM telemetry WHERE flight_id = ANY($1)`, ids,
	).Scan(&lo, &hi)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return rangeOf(lo, hi), nil
}
