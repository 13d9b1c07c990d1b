// Package peerlink owns the daemon's single UDP socket. It is the sole
// reader of that socket: every inbound datagram is decoded here and first
// offered to package transport's TryDeliver (for datagrams that complete an
// in-flight reliable send) before falling through to the session state
// machine. This single-reader design is the resolution of the UDP
// read-contention hazard the original threaded implementation exhibited,
// where both a session's own recv() and the listener's dispatch loop could
// race to read the same socket.
package peerlink

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dfoddav2/simpd/internal/wire"
)

// Deliverer is the transport's TryDeliver: it reports whether the datagram
// was consumed as the ACK an in-flight SendReliable call is waiting for.
type Deliverer interface {
	TryDeliver(d *wire.Datagram) bool
}

// Dispatcher is the session's HandleDatagram: applies a datagram that
// TryDeliver did not consume.
type Dispatcher interface {
	HandleDatagram(ctx context.Context, d *wire.Datagram, addr net.Addr)
}

// readTimeout bounds each blocking read so the loop can observe context
// cancellation promptly at shutdown without an extra goroutine.
const readTimeout = time.Second

// Listener owns a UDP socket and runs the daemon's single read loop. It
// binds independently of the transport and session it will eventually
// serve, since those depend on the socket's WriteToPeer/Sender behavior
// existing first; Run takes the deliverer and dispatcher once the rest of
// the daemon is assembled.
type Listener struct {
	conn *net.UDPConn
	log  *logrus.Entry
}

// Listen binds the peer UDP socket and returns a Listener ready to Run.
func Listen(host string, port int, log *logrus.Entry) (*Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, log: log}, nil
}

// LocalAddr reports the bound address, mainly for logging at startup.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// WriteToPeer implements transport.Sender, letting package transport reuse
// this socket for retransmitted sends without reading it.
func (l *Listener) WriteToPeer(b []byte, addr net.Addr) (int, error) {
	return l.conn.WriteTo(b, addr)
}

// Close releases the socket; Run returns shortly after.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Run reads datagrams until ctx is cancelled or the socket is closed,
// offering each to deliverer before falling through to dispatcher.
// Malformed datagrams are logged and dropped, per spec.md's silent-drop
// rule for invalid input.
func (l *Listener) Run(ctx context.Context, deliverer Deliverer, dispatcher Dispatcher) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}

		raw := append([]byte(nil), buf[:n]...)
		datagram, err := wire.Decode(raw)
		if err != nil {
			l.log.WithError(err).WithField("from", addr.String()).Debug("peerlink: dropping malformed datagram")
			continue
		}

		l.log.WithFields(logrus.Fields{
			"from": addr.String(),
			"op":   datagram.Operation.String(),
			"seq":  datagram.Sequence,
		}).Debug("peerlink: received datagram")

		if deliverer.TryDeliver(datagram) {
			continue
		}
		dispatcher.HandleDatagram(ctx, datagram, addr)
	}
}
