package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSDialer subscribes to a NATS subject whose messages are JSON envelopes.
// The library's own reconnect logic is disabled so the Client's state
// machine decides when to retry.
type NATSDialer struct {
	URL     string
	Subject string
	Name    string
	Buffer  int // pending message buffer, defaults to 256
}

// DefaultNATSSubject carries flight.created and telemetry envelopes.
const DefaultNATSSubject = "flights.>"

// Dial implements Dialer.
func (d NATSDialer) Dial(ctx context.Context) (Conn, error) {
	subject := d.Subject
	if subject == "" {
		subject = DefaultNATSSubject
	}
	buf := d.Buffer
	if buf <= 0 {
		buf = 256
	}

	c := &natsConn{
		msgs: make(chan *nats.Msg, buf),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}

	nc, err := nats.Connect(d.URL,
		nats.Name(d.Name),
		nats.NoReconnect(),
		nats.Timeout(10*time.Second),
		nats.SetCustomDialer(ctxDialer{ctx: ctx}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				// Messages were dropped; the stream itself is fine.
				log.Printf("pubsub: nats slow consumer on %s", subject)
				return
			}
			c.fail(err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = nats.ErrDisconnected
			}
			c.fail(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.fail(nats.ErrConnectionClosed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", d.URL, err)
	}

	if _, err := nc.ChanSubscribe(subject, c.msgs); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.nc = nc
	return c, nil
}

// ctxDialer lets a cancelled dial context abort the TCP connect.
type ctxDialer struct {
	ctx context.Context
}

func (d ctxDialer) Dial(network, address string) (net.Conn, error) {
	var nd net.Dialer
	return nd.DialContext(d.ctx, network, address)
}

type natsConn struct {
	nc   *nats.Conn
	msgs chan *nats.Msg
	errs chan error
	done chan struct{}

	failOnce  sync.Once
	closeOnce sync.Once
}

// fail records the first transport error; later ones are dropped.
func (c *natsConn) fail(err error) {
	c.failOnce.Do(func() { c.errs <- err })
}

func (c *natsConn) Receive() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m.Data, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func (c *natsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.nc != nil {
			c.nc.Close()
		}
	})
	return nil
}
