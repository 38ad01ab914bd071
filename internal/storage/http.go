package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"flight_tracker/internal/state"
)

// HTTPConfig points HTTPStore at a flights REST backend.
type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	Concurrency int // max in-flight requests per batched call
}

// HTTPStore serves the SampleStore contract from a REST backend that only
// answers per-flight questions:
//
//	GET /flights
//	GET /telemetry/latest?flightId=..&at=..            latest sample <= at
//	GET /telemetry?flightId=..&from=..&limit=1&sort=asc earliest sample >= from
//
// Batched calls fan out one request per flight with bounded concurrency. Any
// failed request fails the whole call.
type HTTPStore struct {
	base   *url.URL
	client *http.Client
	limit  int
	now    func() time.Time
}

// NewHTTPStore validates cfg and returns a store.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 8
	}
	return &HTTPStore{
		base:   base,
		client: &http.Client{Timeout: timeout},
		limit:  limit,
		now:    time.Now,
	}, nil
}

// Close releases idle connections.
func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// Flights fetches the flight list.
func (s *HTTPStore) Flights(ctx context.Context) ([]state.Flight, error) {
	var flights []state.Flight
	if err := s.getJSON(ctx, "/flights", nil, &flights); err != nil {
		return nil, fmt.Errorf("fetch flights: %w", err)
	}
	return flights, nil
}

// Brackets fetches both sides of the bracket for every id.
func (s *HTTPStore) Brackets(ctx context.Context, ids []string, at time.Time) (map[string]state.Bracket, error) {
	out := make(map[string]state.Bracket, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	// The backend speaks milliseconds.
	lo, hi := bracketBounds(at, time.Millisecond)
	for _, id := range ids {
		g.Go(func() error {
			before, err := s.latest(gctx, id, lo)
			if err != nil {
				return err
			}
			after, err := s.earliest(gctx, id, &hi)
			if err != nil {
				return err
			}
			if before == nil && after == nil {
				return nil
			}
			mu.Lock()
			out[id] = state.Bracket{Before: before, After: after}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Range takes each flight's first sample and its latest sample up to now.
func (s *HTTPStore) Range(ctx context.Context, ids []string) (*state.TimeRange, error) {
	var (
		mu     sync.Mutex
		lo, hi *time.Time
	)
	now := s.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for _, id := range ids {
		g.Go(func() error {
			first, err := s.earliest(gctx, id, nil)
			if err != nil {
				return err
			}
			last, err := s.latest(gctx, id, now)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if first != nil && (lo == nil || first.Timestamp.Before(*lo)) {
				lo = &first.Timestamp
			}
			if last != nil && (hi == nil || last.Timestamp.After(*hi)) {
				hi = &last.Timestamp
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rangeOf(lo, hi), nil
}

// wireSample tolerates the backend's extra fields and either timestamp form.
type wireSample struct {
	Lat *float64       `json:"lat"`
	Lng *float64       `json:"lng"`
	TS  state.FlexTime `json:"ts"`
}

func (w *wireSample) sample() *state.Sample {
	if w == nil || w.Lat == nil || w.Lng == nil || w.TS.Time().IsZero() {
		return nil
	}
	return &state.Sample{Lat: *w.Lat, Lng: *w.Lng, Timestamp: w.TS.Time()}
}

func (s *HTTPStore) latest(ctx context.Context, id string, at time.Time) (*state.Sample, error) {
	q := url.Values{"flightId": {id}, "at": {isoMillis(at)}}
	var w *wireSample
	if err := s.getJSON(ctx, "/telemetry/latest", q, &w); err != nil {
		return nil, fmt.Errorf("latest sample for %s: %w", id, err)
	}
	return w.sample(), nil
}

// earliest returns the first sample at or after from, or the very first
// sample when from is nil.
func (s *HTTPStore) earliest(ctx context.Context, id string, from *time.Time) (*state.Sample, error) {
	q := url.Values{"flightId": {id}, "limit": {"1"}, "sort": {"asc"}}
	if from != nil {
		q.Set("from", isoMillis(*from))
	}
	var list []*wireSample
	if err := s.getJSON(ctx, "/telemetry", q, &list); err != nil {
		return nil, fmt.Errorf("first sample for %s: %w", id, err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0].sample(), nil
}

// errNotFound marks a 404, which the telemetry endpoints use for "no sample".
var errNotFound = errors.New("not found")

func (s *HTTPStore) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	u := *s.base
	u.Path = s.base.Path + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		if strings.HasPrefix(path, "/telemetry") {
			return nil
		}
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// isoMillis matches the backend's ISO-8601 UTC format with milliseconds.
func isoMillis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
