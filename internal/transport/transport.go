// Package transport implements SIMP's stop-and-wait reliability layer: send
// with simulated loss, retransmit on a timer, match ACKs by sequence, and
// toggle the alternating bit exactly once per successfully-ACKed,
// sequence-checked send.
//
// The transport never reads the UDP socket itself. All inbound datagrams
// are read by a single goroutine in package peerlink, which offers each one
// to TryDeliver before falling through to the session state machine. This
// is the single-reader design spec.md §9 asks for in place of a
// shared-socket-timeout hazard.
package transport

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dfoddav2/simpd/internal/wire"
)

// Outcome is the result of a SendReliable call.
type Outcome int

const (
	// OK means a matching ACK was received before retries were exhausted.
	OK Outcome = iota
	// Timeout means no matching ACK arrived within Retries attempts.
	Timeout
)

func (o Outcome) String() string {
	if o == OK {
		return "OK"
	}
	return "Timeout"
}

// Sender abstracts the UDP socket write side so Transport doesn't need to
// own a *net.UDPConn directly; package peerlink supplies one backed by its
// shared socket.
type Sender interface {
	WriteToPeer(b []byte, addr net.Addr) (int, error)
}

// SessionView is the narrow slice of session state the transport needs to
// apply the side effects of a successful send and of a timed-out send. It
// is satisfied by *session.Session without session importing this package.
type SessionView interface {
	// AdvanceSequenceOnSend toggles both send_seq and expected_seq. Called
	// exactly once, here, after a sequence-checked send is ACKed — the
	// single toggle site for the send path (spec.md §9). Skip-seq-check
	// sends never call it.
	AdvanceSequenceOnSend()
	// CurrentSendSeq reports the sequence number presently in use for
	// outgoing control datagrams, so the timeout handler's FINERR carries
	// a consistent sequence.
	CurrentSendSeq() byte
	// LocalUsername reports the attached client's username, or "" if none.
	LocalUsername() string
	// ResetToIdle returns the session to Idle with both sequence numbers
	// at 0x00, per a timeout.
	ResetToIdle(reason string)
	// NotifyClient enqueues a line for the attached client, if any.
	NotifyClient(line string)
}

// Config carries the tunables from package config, so production and test
// code can build a Transport with different retry/timeout/loss behavior
// without touching package-level constants.
type Config struct {
	DropRate float64
	Retries  int
	Timeout  time.Duration
}

// Transport is a stop-and-wait sender bound to one session and one socket.
type Transport struct {
	cfg     Config
	sender  Sender
	session SessionView
	log     *logrus.Entry
	rng     *rand.Rand

	mu     sync.Mutex
	waiter *waiter
}

type waiter struct {
	seq          byte
	skipSeqCheck bool
	ch           chan *wire.Datagram
}

// New builds a Transport. rngSeed lets tests make loss simulation
// deterministic; production code should pass time.Now().UnixNano().
func New(sender Sender, session SessionView, log *logrus.Entry, cfg Config, rngSeed int64) *Transport {
	return &Transport{
		cfg:     cfg,
		sender:  sender,
		session: session,
		log:     log,
		rng:     rand.New(rand.NewSource(rngSeed)),
	}
}

// TryDeliver offers an inbound datagram to any in-flight SendReliable call.
// It reports whether the datagram was consumed as a matching ACK; package
// peerlink dispatches the datagram to the session itself when this returns
// false.
func (t *Transport) TryDeliver(d *wire.Datagram) bool {
	t.mu.Lock()
	w := t.waiter
	t.mu.Unlock()
	if w == nil || d.Operation != wire.OpAck {
		return false
	}
	if !w.skipSeqCheck && d.Sequence != w.seq {
		return false
	}
	select {
	case w.ch <- d:
		return true
	default:
		return false
	}
}

// SendReliable encodes and sends (type, operation, sequence, user,
// payload) to peerAddr, retrying up to cfg.Retries times with simulated
// loss, and blocks for a matching ACK up to cfg.Timeout per attempt. On
// success it returns OK, first toggling both of the session's sequence
// numbers exactly once unless skipSeqCheck is set (skip-seq-check sends
// never toggle). On exhausting all retries it sends a best-effort FINERR
// to peerAddr, resets the session to Idle, notifies the attached client,
// and returns Timeout.
func (t *Transport) SendReliable(ctx context.Context, msgType wire.MessageType, op wire.Operation, seq byte, user string, payload []byte, peerAddr net.Addr, skipSeqCheck bool) (Outcome, error) {
	datagram, err := wire.Encode(msgType, op, seq, user, payload)
	if err != nil {
		return Timeout, errors.Wrap(err, "transport: encoding outbound datagram")
	}

	w := &waiter{seq: seq, skipSeqCheck: skipSeqCheck, ch: make(chan *wire.Datagram, 1)}
	t.mu.Lock()
	t.waiter = w
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.waiter == w {
			t.waiter = nil
		}
		t.mu.Unlock()
	}()

	log := t.log.WithFields(logrus.Fields{"peer": peerAddr.String(), "op": op.String(), "seq": seq})

	for attempt := 1; attempt <= t.cfg.Retries; attempt++ {
		if t.rng.Float64() >= t.cfg.DropRate {
			if _, err := t.sender.WriteToPeer(datagram, peerAddr); err != nil {
				log.WithError(err).WithField("attempt", attempt).Warn("transport: send failed")
			}
		} else {
			log.WithField("attempt", attempt).Debug("transport: simulated loss, not sending")
		}

		timer := time.NewTimer(t.cfg.Timeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Timeout, ctx.Err()
		case <-w.ch:
			timer.Stop()
			if !skipSeqCheck {
				t.session.AdvanceSequenceOnSend()
			}
			return OK, nil
		case <-timer.C:
			log.WithField("attempt", attempt).Debug("transport: timed out waiting for ACK, retrying")
		}
	}

	log.Warn("transport: exhausted retries, resetting session")
	t.onTimeout(peerAddr)
	return Timeout, nil
}

// onTimeout implements spec.md §4.2's unconditional-FINERR-then-reset
// failure path. The FINERR send is itself best-effort: a single attempt,
// not a further retry loop, so a second unreachable peer cannot chain into
// another 15-second wait. It is sent unconditionally, unlike the per-attempt
// retransmits above: loss simulation models a lossy wire for the protocol
// under test, not a reason to skip the terminal failure notice itself.
func (t *Transport) onTimeout(peerAddr net.Addr) {
	const reason = "Connection timed out"
	datagram, err := wire.Encode(wire.MessageTypeControl, wire.OpFinErr, t.session.CurrentSendSeq(), t.session.LocalUsername(), []byte(reason))
	if err != nil {
		t.log.WithError(err).Error("transport: failed to encode timeout FINERR")
	} else if _, err := t.sender.WriteToPeer(datagram, peerAddr); err != nil {
		t.log.WithError(err).Warn("transport: best-effort FINERR send failed")
	}

	t.session.ResetToIdle(reason)
	t.session.NotifyClient(reason + ", exiting chat... :(")
}
