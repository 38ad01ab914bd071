package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flight_tracker/internal/state"
)

// SQLiteStore keeps flights and telemetry in a local SQLite database.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS flights (
		id               TEXT NOT NULL UNIQUE,
		flight_code      TEXT NOT NULL DEFAULT '',
		departure_lat    REAL NOT NULL,
		departure_lng    REAL NOT NULL,
		destination_lat  REAL NOT NULL,
		destination_lng  REAL NOT NULL,
		departure_time   INTEGER
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		flight_id  TEXT NOT NULL,
		ts         INTEGER NOT NULL,
		lat        REAL NOT NULL,
		lng        REAL NOT NULL,
		PRIMARY KEY (flight_id, ts)
	) WITHOUT ROWID;
	`
	_, err := db.Exec(schema)
	return err
}

// UpsertFlight inserts a flight. An existing flight with the same id is left
// untouched, matching the append-only flight list.
func (s *SQLiteStore) UpsertFlight(ctx context.Context, f state.Flight) error {
	var dep sql.NullInt64
	if !f.DepartureTime.IsZero() {
		dep = sql.NullInt64{Int64: f.DepartureTime.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flights (id, flight_code, departure_lat, departure_lng, destination_lat, destination_lng, departure_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, f.ID, f.FlightCode, f.DepartureLat, f.DepartureLng, f.DestinationLat, f.DestinationLng, dep)
	if err != nil {
		return fmt.Errorf("insert flight %s: %w", f.ID, err)
	}
	return nil
}

// UpsertSample stores a telemetry sample; a second sample with the same
// timestamp replaces the first.
func (s *SQLiteStore) UpsertSample(ctx context.Context, flightID string, smp state.Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry (flight_id, ts, lat, lng) VALUES (?, ?, ?, ?)
		ON CONFLICT(flight_id, ts) DO UPDATE SET lat = excluded.lat, lng = excluded.lng
	`, flightID, smp.Timestamp.UnixMilli(), smp.Lat, smp.Lng)
	if err != nil {
		return fmt.Errorf("insert sample for %s: %w", flightID, err)
	}
	return nil
}

// InsertSamples upserts many samples in one transaction.
func (s *SQLiteStore) InsertSamples(ctx context.Context, samples []FlightSample) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry (flight_id, ts, lat, lng) VALUES (?, ?, ?, ?)
		ON CONFLICT(flight_id, ts) DO UPDATE SET lat = excluded.lat, lng = excluded.lng
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, smp := range samples {
		if _, err := stmt.ExecContext(ctx, smp.FlightID, smp.Timestamp.UnixMilli(), smp.Lat, smp.Lng); err != nil {
			return fmt.Errorf("insert sample for %s: %w", smp.FlightID, err)
		}
	}
	return tx.Commit()
}

// Flights returns all flights in insertion order.
func (s *SQLiteStore) Flights(ctx context.Context) ([]state.Flight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, flight_code, departure_lat, departure_lng, destination_lat, destination_lng, departure_time
		FROM flights ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer rows.Close()

	var flights []state.Flight
	for rows.Next() {
		var f state.Flight
		var dep sql.NullInt64
		if err := rows.Scan(&f.ID, &f.FlightCode, &f.DepartureLat, &f.DepartureLng, &f.DestinationLat, &f.DestinationLng, &dep); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		if dep.Valid {
			f.DepartureTime = msToTime(dep.Int64)
		}
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

// sqliteBracketQuery picks the latest sample at or before ?2 and the earliest
// at or after ?3 per flight. The id list is passed as a JSON array and expanded with json_each.
const sqliteBracketQuery = `
	WITH ids AS (SELECT value AS id FROM json_each(?1)),
	prev AS (
		SELECT flight_id, ts, lat, lng,
			ROW_NUMBER() OVER (PARTITION BY flight_id ORDER BY ts DESC) AS rn
		FROM telemetry
		WHERE flight_id IN (SELECT id FROM ids) AND ts <= ?2
	),
	next AS (
		SELECT flight_id, ts, lat, lng,
			ROW_NUMBER() OVER (PARTITION BY flight_id ORDER BY ts ASC) AS rn
		FROM telemetry
		WHERE flight_id IN (SELECT id FROM ids) AND ts >= ?3
	)
	SELECT 0 AS side, flight_id, ts, lat, lng FROM prev WHERE rn = 1
	UNION ALL
	SELECT 1 AS side, flight_id, ts, lat, lng FROM next WHERE rn = 1
`

// Brackets returns the bracketing samples for every id in one query.
func (s *SQLiteStore) Brackets(ctx context.Context, ids []string, at time.Time) (map[string]state.Bracket, error) {
	out := make(map[string]state.Bracket)
	if len(ids) == 0 {
		return out, nil
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal ids: %w", err)
	}

	lo, hi := bracketBounds(at, time.Millisecond)
	rows, err := s.db.QueryContext(ctx, sqliteBracketQuery, string(idsJSON), lo.UnixMilli(), hi.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query brackets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var side int
		var id string
		var ts int64
		var smp state.Sample
		if err := rows.Scan(&side, &id, &ts, &smp.Lat, &smp.Lng); err != nil {
			return nil, fmt.Errorf("scan bracket: %w", err)
		}
		smp.Timestamp = msToTime(ts)

		b := out[id]
		if side == 0 {
			b.Before = &smp
		} else {
			b.After = &smp
		}
		out[id] = b
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read brackets: %w", err)
	}
	return out, nil
}

// Range returns the earliest and latest sample timestamps over ids.
func (s *SQLiteStore) Range(ctx context.Context, ids []string) (*state.TimeRange, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal ids: %w", err)
	}

	var lo, hi sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(ts), MAX(ts) FROM telemetry
		WHERE flight_id IN (SELECT value FROM json_each(?))
	`, string(idsJSON)).Scan(&lo, &hi)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return nil, nil
	}
	return &state.TimeRange{Min: msToTime(lo.Int64), Max: msToTime(hi.Int64)}, nil
}
