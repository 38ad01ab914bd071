package pubsub

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/net/websocket"
)

// WebSocketDialer connects to a push server that sends one JSON envelope per
// WebSocket message.
type WebSocketDialer struct {
	URL    string // e.g. ws://localhost:3000/ws
	Origin string // defaults to the http(s) form of URL
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	origin := d.Origin
	if origin == "" {
		o, err := originFor(d.URL)
		if err != nil {
			return nil, err
		}
		origin = o
	}

	cfg, err := websocket.NewConfig(d.URL, origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return &wsConn{ws: ws}, nil
}

func originFor(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String(), nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var msg []byte
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
