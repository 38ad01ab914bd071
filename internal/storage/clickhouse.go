package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"flight_tracker/internal/state"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB holds the telemetry time series.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the telemetry table. Rows sharing (flight_id, ts) are
// collapsed to the latest insert.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS telemetry (
		flight_id    LowCardinality(String),
		ts           DateTime64(3, 'UTC'),
		lat          Float64,
		lng          Float64,
		inserted_at  DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = ReplacingMergeTree(inserted_at)
	PARTITION BY toYYYYMM(ts)
	ORDER BY (flight_id, ts)`

	if err := d.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// FlightSample is one telemetry row.
type FlightSample struct {
	FlightID string
	state.Sample
}

// UpsertSample stores a single sample.
func (d *ClickHouseDB) UpsertSample(ctx context.Context, flightID string, s state.Sample) error {
	err := d.conn.Exec(ctx, `INSERT INTO telemetry (flight_id, ts, lat, lng) VALUES (?, ?, ?, ?)`,
		flightID, s.Timestamp.UTC(), s.Lat, s.Lng)
	if err != nil {
		return fmt.Errorf("insert sample for %s: %w", flightID, err)
	}
	return nil
}

// InsertSamples stores many samples in one batch.
func (d *ClickHouseDB) InsertSamples(ctx context.Context, samples []FlightSample) error {
	if len(samples) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO telemetry (flight_id, ts, lat, lng)`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, s := range samples {
		if err := batch.Append(s.FlightID, s.Timestamp.UTC(), s.Lat, s.Lng); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

const (
	chBeforeQuery = `
		SELECT flight_id, max(ts), argMax(lat, ts), argMax(lng, ts)
		FROM telemetry FINAL
		WHERE has(?, flight_id) AND ts <= ?
		GROUP BY flight_id`

	chAfterQuery = `
		SELECT flight_id, min(ts), argMin(lat, ts), argMin(lng, ts)
		FROM telemetry FINAL
		WHERE has(?, flight_id) AND ts >= ?
		GROUP BY flight_id`
)

// Brackets returns the bracketing samples for every id.
func (d *ClickHouseDB) Brackets(ctx context.Context, ids []string, at time.Time) (map[string]state.Bracket, error) {
	out := make(map[string]state.Bracket)
	if len(ids) == 0 {
		return out, nil
	}

	// ts is DateTime64(3).
	lo, hi := bracketBounds(at, time.Millisecond)
	for _, side := range []struct {
		query  string
		before bool
	}{
		{chBeforeQuery, true},
		{chAfterQuery, false},
	} {
		bound := hi
		if side.before {
			bound = lo
		}
		if err := d.scanBrackets(ctx, side.query, ids, bound, side.before, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *ClickHouseDB) scanBrackets(ctx context.Context, query string, ids []string, at time.Time, before bool, out map[string]state.Bracket) error {
	rows, err := d.conn.Query(ctx, query, ids, at.UTC())
	if err != nil {
		return fmt.Errorf("query brackets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var s state.Sample
		if err := rows.Scan(&id, &s.Timestamp, &s.Lat, &s.Lng); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()

		b := out[id]
		if before {
			b.Before = &s
		} else {
			b.After = &s
		}
		out[id] = b
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	return nil
}

// Range returns the earliest and latest sample timestamps over ids.
func (d *ClickHouseDB) Range(ctx context.Context, ids []string) (*state.TimeRange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var (
		lo, hi time.Time
		n      uint64
	)
	err := d.conn.QueryRow(ctx,
		`SELECT min(ts), max(ts), count() FROM telemetry FINAL WHERE has(?, flight_id)`, ids,
	).Scan(&lo, &hi, &n)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return rangeOf(&lo, &hi), nil
}
