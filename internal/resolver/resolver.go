// Package resolver keeps live and replay positions for every tracked flight.
//
// The live channel is fed by pub/sub envelopes. The replay channel is
// recomputed from the historical store whenever a new instant is requested;
// requests are debounced and only the most recently issued round may commit.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"flight_tracker/internal/envelope"
	"flight_tracker/internal/pubsub"
	"flight_tracker/internal/state"
	"flight_tracker/internal/storage"
)

// Defaults.
const (
	DefaultDebounce = 150 * time.Millisecond
	DefaultMaxGap   = 2 * time.Minute
	DefaultRangePad = 30 * time.Second

	// DefaultMaxPending bounds how many unannounced flights may hold live
	// telemetry at once.
	DefaultMaxPending = 1024
)

// Subscriber delivers live envelopes. *pubsub.Client implements it.
type Subscriber interface {
	Subscribe(pubsub.Listener) (unsubscribe func())
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDebounce sets the settling period for replay requests.
func WithDebounce(d time.Duration) Option {
	return func(r *Resolver) { r.debounce = d }
}

// WithMaxGap sets the widest bracket that is still interpolated.
func WithMaxGap(d time.Duration) Option {
	return func(r *Resolver) { r.maxGap = d }
}

// WithRangePad sets the padding applied to both ends of Range.
func WithRangePad(d time.Duration) Option {
	return func(r *Resolver) { r.rangePad = d }
}

// WithMaxPending sets how many flights that are not tracked yet may hold a
// live sample. Past the limit the longest-waiting one is dropped.
func WithMaxPending(n int) Option {
	return func(r *Resolver) { r.maxPending = n }
}

// Resolver owns the live and replay tables.
type Resolver struct {
	store    storage.SampleStore
	debounce time.Duration
	maxGap   time.Duration
	rangePad time.Duration

	maxPending int

	unsubscribe func()

	// tables
	mu       sync.RWMutex
	flights  map[string]state.Flight
	order    []string
	live     map[string]state.LiveState
	replay   map[string]state.ReplayState
	replayAt time.Time

	// live samples for ids not in flights, oldest first
	pending      map[string]struct{}
	pendingOrder []string

	// replay scheduling
	rmu      sync.Mutex
	seq      uint64
	timer    *time.Timer
	inflight context.CancelFunc
	closed   bool
	rounds   sync.WaitGroup

	omu       sync.RWMutex
	observers []observer
	nextObs   uint64
}

type observer struct {
	id uint64
	fn func(state.Mode)
}

// New creates a resolver reading history from store. When sub is non-nil the
// resolver registers itself as a listener; Close removes it.
func New(store storage.SampleStore, sub Subscriber, opts ...Option) *Resolver {
	r := &Resolver{
		store:      store,
		debounce:   DefaultDebounce,
		maxGap:     DefaultMaxGap,
		rangePad:   DefaultRangePad,
		maxPending: DefaultMaxPending,
		flights:    make(map[string]state.Flight),
		live:       make(map[string]state.LiveState),
		replay:     make(map[string]state.ReplayState),
		pending:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if sub != nil {
		r.unsubscribe = sub.Subscribe(r.HandleEnvelope)
	}
	return r
}

// LoadFlights seeds the tracked set from the store. Flights already tracked
// are kept as they are.
func (r *Resolver) LoadFlights(ctx context.Context) error {
	flights, err := r.store.Flights(ctx)
	if err != nil {
		return fmt.Errorf("load flights: %w", err)
	}
	added := 0
	for _, f := range flights {
		if r.addFlight(f) {
			added++
		}
	}
	log.Printf("resolver: loaded %d flights (%d new)", len(flights), added)
	if added > 0 {
		r.notify(state.ModeLive)
	}
	return nil
}

// HandleEnvelope applies one live envelope. It is safe to use as a
// pubsub.Listener.
func (r *Resolver) HandleEnvelope(env envelope.Envelope) {
	p, err := env.Decode()
	if err != nil {
		if !errors.Is(err, envelope.ErrUnknownKind) {
			log.Printf("resolver: dropping %s: %v", env.Type, err)
		}
		return
	}

	switch m := p.(type) {
	case envelope.FlightCreated:
		if r.addFlight(m.Flight) {
			r.notify(state.ModeLive)
		}
	case envelope.Telemetry:
		r.applyTelemetry(m.FlightID, m.Sample())
		r.notify(state.ModeLive)
	}
}

// addFlight tracks f unless its id is already tracked.
func (r *Resolver) addFlight(f state.Flight) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flights[f.ID]; ok {
		return false
	}
	r.flights[f.ID] = f
	r.order = append(r.order, f.ID)
	delete(r.pending, f.ID)
	return true
}

// applyTelemetry shifts Current to Previous and installs s. Samples for
// flights that are not tracked yet are kept until the flight is known, up
// to maxPending such flights.
func (r *Resolver) applyTelemetry(id string, s state.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ls, ok := r.live[id]
	if ok {
		prev := ls.Current
		ls.Previous = &prev
	}
	ls.Current = s
	r.live[id] = ls

	if _, tracked := r.flights[id]; !tracked && !ok {
		r.pending[id] = struct{}{}
		r.pendingOrder = append(r.pendingOrder, id)
		r.evictPending()
	}
}

// evictPending drops the oldest untracked live entries past maxPending.
// Callers hold mu.
func (r *Resolver) evictPending() {
	for len(r.pending) > r.maxPending && len(r.pendingOrder) > 0 {
		id := r.pendingOrder[0]
		r.pendingOrder = r.pendingOrder[1:]
		if _, ok := r.pending[id]; !ok {
			continue // announced since
		}
		delete(r.pending, id)
		delete(r.live, id)
	}
	// Announced ids leave stale entries behind.
	if len(r.pendingOrder) > 2*len(r.pending)+64 {
		kept := r.pendingOrder[:0]
		for _, id := range r.pendingOrder {
			if _, ok := r.pending[id]; ok {
				kept = append(kept, id)
			}
		}
		r.pendingOrder = kept
	}
}

// Flights returns the tracked flights in the order they became known.
func (r *Resolver) Flights() []state.Flight {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]state.Flight, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.flights[id])
	}
	return out
}

// Live returns the live state of one flight.
func (r *Resolver) Live(id string) (state.LiveState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ls, ok := r.live[id]
	return ls, ok
}

// Snapshot returns the positions of tracked flights on the requested channel.
// Flights without a position on that channel are omitted.
func (r *Resolver) Snapshot(mode state.Mode) []state.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]state.Position, 0, len(r.order))
	for _, id := range r.order {
		f := r.flights[id]
		switch mode {
		case state.ModeLive:
			ls, ok := r.live[id]
			if !ok {
				continue
			}
			out = append(out, state.Position{
				FlightID: id,
				Mode:     mode,
				Lat:      ls.Current.Lat,
				Lng:      ls.Current.Lng,
				Heading:  liveHeading(f, ls),
			})
		case state.ModeReplay:
			rs, ok := r.replay[id]
			if !ok {
				continue
			}
			out = append(out, state.Position{
				FlightID: id,
				Mode:     mode,
				Lat:      rs.Lat,
				Lng:      rs.Lng,
				Heading:  rs.Heading,
			})
		}
	}
	return out
}

// ReplayAt returns the instant of the last committed replay round.
func (r *Resolver) ReplayAt() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.replayAt, !r.replayAt.IsZero()
}

// RequestReplay asks for the replay table to be recomputed for at. Requests
// arriving within the debounce period of each other collapse into one round.
// Any earlier round still in flight is cancelled. The returned sequence
// number identifies the round that will commit if nothing supersedes it.
func (r *Resolver) RequestReplay(at time.Time) uint64 {
	r.rmu.Lock()
	defer r.rmu.Unlock()

	if r.closed {
		return r.seq
	}
	r.seq++
	seq := r.seq

	if r.inflight != nil {
		r.inflight()
		r.inflight = nil
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() { r.startRound(seq, at) })
	return seq
}

func (r *Resolver) startRound(seq uint64, at time.Time) {
	r.rmu.Lock()
	if r.closed || seq != r.seq {
		r.rmu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.inflight = cancel
	r.rounds.Add(1)
	r.rmu.Unlock()

	defer r.rounds.Done()
	defer cancel()

	result, err := r.resolve(ctx, at)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Printf("resolver: replay round %d at %s failed: %v", seq, at.UTC().Format(time.RFC3339Nano), err)
		return
	}

	// Check and commit under rmu so a request issued meanwhile cannot be
	// overwritten by this round.
	r.rmu.Lock()
	if seq != r.seq || r.closed {
		r.rmu.Unlock()
		return
	}
	r.inflight = nil
	r.mu.Lock()
	r.replay = result
	r.replayAt = at
	r.mu.Unlock()
	r.rmu.Unlock()

	r.notify(state.ModeReplay)
}

// Resolve computes replay positions for at without committing them.
func (r *Resolver) Resolve(ctx context.Context, at time.Time) ([]state.Position, error) {
	result, err := r.resolve(ctx, at)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]state.Position, 0, len(result))
	for _, id := range r.order {
		rs, ok := result[id]
		if !ok {
			continue
		}
		out = append(out, state.Position{FlightID: id, Mode: state.ModeReplay, Lat: rs.Lat, Lng: rs.Lng, Heading: rs.Heading})
	}
	return out, nil
}

// resolve runs one batched bracket query for every tracked flight.
func (r *Resolver) resolve(ctx context.Context, at time.Time) (map[string]state.ReplayState, error) {
	flights := r.Flights()
	out := make(map[string]state.ReplayState, len(flights))
	if len(flights) == 0 {
		return out, nil
	}

	ids := make([]string, len(flights))
	for i, f := range flights {
		ids[i] = f.ID
	}

	brackets, err := r.store.Brackets(ctx, ids, at)
	if err != nil {
		return nil, fmt.Errorf("brackets: %w", err)
	}
	// A store that ignores cancellation must still not win a stale round.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, f := range flights {
		b, ok := brackets[f.ID]
		if !ok {
			continue
		}
		if rs, ok := resolveBracket(f, b, at, r.maxGap); ok {
			out[f.ID] = rs
		}
	}
	return out, nil
}

// Range returns the scrubbable window for the tracked flights, padded on both
// sides, or nil when it cannot be determined.
func (r *Resolver) Range(ctx context.Context) (*state.TimeRange, error) {
	flights := r.Flights()
	if len(flights) == 0 {
		return nil, nil
	}
	ids := make([]string, len(flights))
	for i, f := range flights {
		ids[i] = f.ID
	}

	tr, err := r.store.Range(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("range: %w", err)
	}
	if tr == nil {
		return nil, nil
	}
	padded := tr.Pad(r.rangePad)
	return &padded, nil
}

// OnChange registers fn to run after each live update and each committed
// replay round. The returned function removes it.
func (r *Resolver) OnChange(fn func(state.Mode)) (remove func()) {
	r.omu.Lock()
	r.nextObs++
	id := r.nextObs
	r.observers = append(r.observers, observer{id: id, fn: fn})
	r.omu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.omu.Lock()
			defer r.omu.Unlock()
			for i, o := range r.observers {
				if o.id == id {
					r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Resolver) notify(mode state.Mode) {
	r.omu.RLock()
	obs := r.observers
	r.omu.RUnlock()

	for _, o := range obs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("resolver: change observer failed: %v", rec)
				}
			}()
			o.fn(mode)
		}()
	}
}

// Close detaches from the subscriber, stops any pending or running replay
// round and waits for it to finish.
func (r *Resolver) Close() {
	r.rmu.Lock()
	if r.closed {
		r.rmu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
	}
	if r.inflight != nil {
		r.inflight()
		r.inflight = nil
	}
	r.rmu.Unlock()

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.rounds.Wait()
}
