package api

import (
	"io"
	"log"
	"net/http"

	"golang.org/x/net/websocket"

	"flight_tracker/internal/state"
)

// StreamFrame is one push on /stream: every position on the channel.
type StreamFrame struct {
	Mode      state.Mode       `json:"mode"`
	Positions []state.Position `json:"positions"`
}

// handleStream upgrades to a WebSocket and pushes the snapshot for the
// requested mode, then again after every change on that channel.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be live or replay")
		return
	}

	ws := websocket.Server{
		// Any origin, like the REST endpoints.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   func(conn *websocket.Conn) { s.stream(conn, mode) },
	}
	ws.ServeHTTP(w, r)
}

func (s *Server) stream(conn *websocket.Conn, mode state.Mode) {
	defer conn.Close()

	// Coalesce bursts: one pending signal is enough to send a fresh snapshot.
	changed := make(chan struct{}, 1)
	remove := s.res.OnChange(func(m state.Mode) {
		if m != mode {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer remove()

	// The client never sends anything we need; reading detects hang-up.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard []byte
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				if err != io.EOF {
					log.Printf("api: stream read: %v", err)
				}
				return
			}
		}
	}()

	send := func() bool {
		frame := StreamFrame{Mode: mode, Positions: s.res.Snapshot(mode)}
		if err := websocket.JSON.Send(conn, frame); err != nil {
			return false
		}
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-gone:
			return
		case <-changed:
			if !send() {
				return
			}
		}
	}
}
