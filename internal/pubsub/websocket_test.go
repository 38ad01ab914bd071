package pubsub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"flight_tracker/internal/envelope"
)

func TestOriginFor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://localhost:3000/ws", "http://localhost:3000/"},
		{"wss://push.example.com/feed?token=x", "https://push.example.com/"},
	}
	for _, tt := range tests {
		got, err := originFor(tt.in)
		if err != nil {
			t.Fatalf("originFor(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("originFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWebSocketDialerDeliversFrames(t *testing.T) {
	hangup := make(chan struct{})
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		_ = websocket.Message.Send(ws, telemetryFrame)
		<-hangup
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(WebSocketDialer{URL: url}, WithBackoff(noJitter()))
	sched := manualSchedule(c)
	defer c.Close()

	got := make(chan envelope.Envelope, 1)
	c.Subscribe(func(e envelope.Envelope) { got <- e })
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	select {
	case e := <-got:
		p, err := e.Decode()
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		tm, ok := p.(envelope.Telemetry)
		if !ok || tm.FlightID != "f1" {
			t.Errorf("payload = %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}

	// Server hangs up: the client closes and schedules a retry.
	close(hangup)
	s := waitScheduled(t, sched)
	if s.delay != 100*time.Millisecond {
		t.Errorf("retry delay = %s, want base", s.delay)
	}
}

func TestWebSocketDialerRefused(t *testing.T) {
	srv := httptest.NewServer(websocket.Handler(func(*websocket.Conn) {}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	c := NewClient(WebSocketDialer{URL: url}, WithBackoff(noJitter()))
	sched := manualSchedule(c)
	defer c.Close()

	_ = c.Connect()
	waitScheduled(t, sched)
	if c.State() != StateClosed {
		t.Errorf("state = %s, want closed", c.State())
	}
}
