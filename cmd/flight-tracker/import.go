package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"flight_tracker/internal/envelope"
	"flight_tracker/internal/storage"
)

// importStats counts what importEnvelopes did with its input.
type importStats struct {
	Lines     int
	Flights   int
	Samples   int
	Malformed int
	Unknown   int
}

// importEnvelopes reads one envelope per line and writes flights and
// telemetry to w. Telemetry is batched when w supports it. Bad lines are
// counted and skipped.
func importEnvelopes(ctx context.Context, r io.Reader, w storage.SampleWriter, batchSize int) (importStats, error) {
	var st importStats
	if batchSize <= 0 {
		batchSize = 1
	}
	bw, batched := w.(storage.BatchWriter)
	pending := make([]storage.FlightSample, 0, batchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := bw.InsertSamples(ctx, pending); err != nil {
			return fmt.Errorf("insert %d samples: %w", len(pending), err)
		}
		st.Samples += len(pending)
		pending = pending[:0]
		return nil
	}

	scanner := bufio.NewScanner(r)
	// Lines are small, but allow for generous flight records.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		st.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		env, err := envelope.Parse([]byte(line))
		if err != nil {
			st.Malformed++
			continue
		}
		p, err := env.Decode()
		if err != nil {
			if errors.Is(err, envelope.ErrUnknownKind) {
				st.Unknown++
			} else {
				st.Malformed++
			}
			continue
		}

		switch m := p.(type) {
		case envelope.FlightCreated:
			if err := w.UpsertFlight(ctx, m.Flight); err != nil {
				return st, fmt.Errorf("line %d: flight %s: %w", st.Lines, m.Flight.ID, err)
			}
			st.Flights++
		case envelope.Telemetry:
			if !batched {
				if err := w.UpsertSample(ctx, m.FlightID, m.Sample()); err != nil {
					return st, fmt.Errorf("line %d: sample for %s: %w", st.Lines, m.FlightID, err)
				}
				st.Samples++
				continue
			}
			pending = append(pending, storage.FlightSample{FlightID: m.FlightID, Sample: m.Sample()})
			if len(pending) >= batchSize {
				if err := flush(); err != nil {
					return st, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return st, fmt.Errorf("read input: %w", err)
	}
	if batched {
		if err := flush(); err != nil {
			return st, err
		}
	}
	return st, nil
}
