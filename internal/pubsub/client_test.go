package pubsub

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flight_tracker/internal/envelope"
)

type fakeConn struct {
	frames    chan []byte
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Receive() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer fails the first `failures` dials, then hands out new fakeConns.
type fakeDialer struct {
	failures atomic.Int32
	dials    atomic.Int32
	opened   chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	d := &fakeDialer{opened: make(chan *fakeConn, 16)}
	d.failures.Store(int32(failures))
	return d
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	if d.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.opened <- c
	return c, nil
}

type scheduled struct {
	delay time.Duration
	fn    func()
}

// manualSchedule records reconnect timers instead of running them.
func manualSchedule(c *Client) chan scheduled {
	ch := make(chan scheduled, 64)
	c.schedule = func(d time.Duration, fn func()) func() bool {
		ch <- scheduled{delay: d, fn: fn}
		return func() bool { return true }
	}
	return ch
}

func waitScheduled(t *testing.T, ch chan scheduled) scheduled {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect to be scheduled")
	}
	return scheduled{}
}

func waitOpened(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.opened:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
	return nil
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func noJitter() Backoff {
	return Backoff{Base: 100 * time.Millisecond, Cap: time.Second, MaxJitter: 0}
}

func TestReconnectBackoffSequenceAndReset(t *testing.T) {
	const failures = 6
	d := newFakeDialer(failures)
	c := NewClient(d, WithBackoff(noJitter()))
	sched := manualSchedule(c)
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var delays []time.Duration
	for i := 0; i < failures; i++ {
		s := waitScheduled(t, sched)
		delays = append(delays, s.delay)
		if c.State() != StateClosed {
			t.Fatalf("state after failure %d = %s, want closed", i, c.State())
		}
		s.fn() // retry timer fires
	}

	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, d := range delays {
		if d != want[i]*time.Millisecond {
			t.Errorf("delay[%d] = %s, want %s", i, d, want[i]*time.Millisecond)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delay sequence decreased at %d: %v", i, delays)
		}
	}

	conn := waitOpened(t, d)
	waitState(t, c, StateOpen)

	// Drop the connection; the attempt counter was reset by the open.
	conn.errs <- errors.New("transport error")
	s := waitScheduled(t, sched)
	if s.delay != 100*time.Millisecond {
		t.Errorf("delay after reset = %s, want base", s.delay)
	}
}

func TestTransportErrorForceClosesConn(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d, WithBackoff(noJitter()))
	sched := manualSchedule(c)
	defer c.Close()

	_ = c.Connect()
	conn := waitOpened(t, d)
	waitState(t, c, StateOpen)

	conn.errs <- errors.New("reset by peer")
	waitScheduled(t, sched)

	select {
	case <-conn.closed:
	default:
		t.Error("connection was not closed after transport error")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	manualSchedule(c)
	defer c.Close()

	_ = c.Connect()
	waitOpened(t, d)
	waitState(t, c, StateOpen)

	for i := 0; i < 3; i++ {
		if err := c.Connect(); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	if got := d.dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestConnectPreemptsPendingRetry(t *testing.T) {
	d := newFakeDialer(1)
	c := NewClient(d, WithBackoff(noJitter()))
	stopped := make(chan struct{}, 1)
	c.schedule = func(time.Duration, func()) func() bool {
		return func() bool { stopped <- struct{}{}; return true }
	}
	defer c.Close()

	_ = c.Connect()
	waitState(t, c, StateClosed)

	_ = c.Connect()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("pending retry was not stopped")
	}
	waitOpened(t, d)
}

func TestCloseStopsReconnecting(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	sched := manualSchedule(c)

	_ = c.Connect()
	conn := waitOpened(t, d)
	waitState(t, c, StateOpen)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-conn.closed:
	default:
		t.Error("connection not closed")
	}
	select {
	case s := <-sched:
		t.Errorf("reconnect scheduled after close: %s", s.delay)
	default:
	}
	if err := c.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

const telemetryFrame = `{"type":"telemetry","flightId":"f1","lat":40,"lng":29,"ts":1000}`

func TestListenerIsolation(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	manualSchedule(c)
	defer c.Close()

	c.Subscribe(func(envelope.Envelope) { panic("listener bug") })
	got := make(chan envelope.Envelope, 1)
	c.Subscribe(func(e envelope.Envelope) { got <- e })

	_ = c.Connect()
	conn := waitOpened(t, d)
	conn.frames <- []byte(telemetryFrame)

	select {
	case e := <-got:
		if e.Type != envelope.KindTelemetry {
			t.Errorf("Type = %q", e.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second listener did not receive the message")
	}
	if c.State() != StateOpen {
		t.Errorf("state = %s after listener panic, want open", c.State())
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	manualSchedule(c)
	defer c.Close()

	got := make(chan envelope.Envelope, 4)
	c.Subscribe(func(e envelope.Envelope) { got <- e })

	_ = c.Connect()
	conn := waitOpened(t, d)
	conn.frames <- []byte(`not json`)
	conn.frames <- []byte(`{"no":"type"}`)
	conn.frames <- []byte(telemetryFrame)

	select {
	case e := <-got:
		if string(e.Raw) != telemetryFrame {
			t.Errorf("first delivered frame = %s", e.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame was not delivered")
	}
	select {
	case e := <-got:
		t.Errorf("unexpected extra delivery: %s", e.Raw)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	c := NewClient(newFakeDialer(0))
	defer c.Close()

	unsubA := c.Subscribe(func(envelope.Envelope) {})
	c.Subscribe(func(envelope.Envelope) {})
	if c.ListenerCount() != 2 {
		t.Fatalf("ListenerCount = %d", c.ListenerCount())
	}

	unsubA()
	unsubA()
	unsubA()
	if c.ListenerCount() != 1 {
		t.Errorf("ListenerCount = %d after repeated unsubscribe, want 1", c.ListenerCount())
	}
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	manualSchedule(c)
	defer c.Close()

	var unsubB func()
	var bCalls atomic.Int32
	done := make(chan struct{}, 4)

	var unsubA func()
	unsubA = c.Subscribe(func(envelope.Envelope) {
		unsubA() // remove self
		unsubB() // and the listener after us
		c.Subscribe(func(envelope.Envelope) { done <- struct{}{} })
		done <- struct{}{}
	})
	unsubB = c.Subscribe(func(envelope.Envelope) { bCalls.Add(1) })

	_ = c.Connect()
	conn := waitOpened(t, d)
	conn.frames <- []byte(telemetryFrame)
	<-done

	// The listener added during delivery sees the next frame only.
	conn.frames <- []byte(telemetryFrame)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener registered during delivery never received a frame")
	}

	if bCalls.Load() != 0 {
		t.Errorf("removed listener received %d frames", bCalls.Load())
	}
	if c.ListenerCount() != 1 {
		t.Errorf("ListenerCount = %d, want 1", c.ListenerCount())
	}
}

func TestCloseFromListener(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	sched := manualSchedule(c)

	returned := make(chan error, 1)
	var later atomic.Int32
	c.Subscribe(func(envelope.Envelope) { returned <- c.Close() })
	c.Subscribe(func(envelope.Envelope) { later.Add(1) })

	_ = c.Connect()
	conn := waitOpened(t, d)
	conn.frames <- []byte(telemetryFrame)

	select {
	case err := <-returned:
		if err != nil {
			t.Errorf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close called from a listener did not return")
	}

	waitState(t, c, StateClosed)
	c.wg.Wait()
	if later.Load() != 0 {
		t.Errorf("listener after Close received %d frames", later.Load())
	}
	select {
	case s := <-sched:
		t.Errorf("reconnect scheduled after close: %s", s.delay)
	default:
	}
}

func TestEveryListenerReceivesEachMessageOnce(t *testing.T) {
	d := newFakeDialer(0)
	c := NewClient(d)
	manualSchedule(c)
	defer c.Close()

	const listeners = 5
	var wg sync.WaitGroup
	wg.Add(listeners * 3)
	counts := make([]atomic.Int32, listeners)
	for i := 0; i < listeners; i++ {
		c.Subscribe(func(envelope.Envelope) {
			counts[i].Add(1)
			wg.Done()
		})
	}

	_ = c.Connect()
	conn := waitOpened(t, d)
	for i := 0; i < 3; i++ {
		conn.frames <- []byte(telemetryFrame)
	}
	wg.Wait()

	for i := range counts {
		if counts[i].Load() != 3 {
			t.Errorf("listener %d got %d messages, want 3", i, counts[i].Load())
		}
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle: "idle", StateConnecting: "connecting", StateOpen: "open", StateClosed: "closed", State(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
