// Package session implements the SIMP session state machine: the single,
// process-wide record of Idle/Inviting/Invited/Chatting state shared by the
// peer listener and the client control channel, guarded by one mutex as
// spec.md §3 requires.
package session

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dfoddav2/simpd/internal/transport"
	"github.com/dfoddav2/simpd/internal/wire"
)

// State is one of the five session states from spec.md §3/§4.3.
type State int

const (
	StateIdle State = iota
	StateInviting
	StateInvited
	StateChatting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInviting:
		return "Inviting"
	case StateInvited:
		return "Invited"
	case StateChatting:
		return "Chatting"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// Notifier delivers one line of text to the locally attached client. It is
// the "mediated enqueue" spec.md §3 requires: only package control
// implements this, backed by a single writer goroutine per connection.
type Notifier interface {
	Notify(line string)
}

// ReliableSender is the slice of *transport.Transport the session needs:
// stop-and-wait sends for SYNACK, CHAT, FIN, and skip-seq-check FINERR
// replies.
type ReliableSender interface {
	SendReliable(ctx context.Context, msgType wire.MessageType, op wire.Operation, seq byte, user string, payload []byte, peerAddr net.Addr, skipSeqCheck bool) (transport.Outcome, error)
}

// RawSender sends one datagram with no retransmission and no ACK wait.
// Used for the initial SYN (spec.md §9: "SYN message does not use
// retransmission on purpose") and for every plain ACK reply, since ACKs are
// never themselves acknowledged.
type RawSender interface {
	WriteToPeer(b []byte, addr net.Addr) (int, error)
}

// Session is the daemon's single chat session record.
type Session struct {
	mu sync.Mutex

	peerPort int

	localUsername  string
	clientAttached bool
	notifier       Notifier

	state      State
	peerAddr   net.Addr
	peerUser   string
	peerSynSeq byte // sequence carried by the SYN that put us in Invited, echoed back in our SYNACK

	sendSeq     byte
	expectedSeq byte

	reliable ReliableSender
	raw      RawSender
	log      *logrus.Entry
}

// New builds a Session bound to the given peer port (used to address
// CONNECT targets) and senders.
func New(peerPort int, reliable ReliableSender, raw RawSender, log *logrus.Entry) *Session {
	return &Session{
		peerPort: peerPort,
		reliable: reliable,
		raw:      raw,
		log:      log,
	}
}

// Snapshot is a read-only copy of session state, safe to log or hand to
// package control for notification formatting without touching the mutex
// directly (spec.md §3's ownership rule, made a concrete API).
type Snapshot struct {
	LocalUsername  string
	ClientAttached bool
	State          State
	PeerUser       string
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		LocalUsername:  s.localUsername,
		ClientAttached: s.clientAttached,
		State:          s.state,
		PeerUser:       s.peerUser,
	}
}

// --- transport.SessionView ---

// AdvanceSequenceOnSend toggles both sequence numbers. Called by the
// transport exactly once per successfully-ACKed, sequence-checked send —
// the single toggle site for the send path (spec.md §9). Skip-seq-check
// sends (unsolicited FINERR replies) never toggle, matching
// original_source/simp_daemon.py's send_with_retransmission, which returns
// immediately on the skip_sequence_check branch without touching either
// counter.
func (s *Session) AdvanceSequenceOnSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggleSequencesLocked()
}

func (s *Session) toggleSequencesLocked() {
	s.sendSeq ^= 1
	s.expectedSeq ^= 1
}

func (s *Session) CurrentSendSeq() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendSeq
}

func (s *Session) LocalUsername() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localUsername
}

// ResetToIdle returns the session to Idle with both sequence numbers at
// 0x00. Called by the transport after exhausting retries; the FIN, FINERR
// and QUIT paths apply the same reset internally through resetLocked.
func (s *Session) ResetToIdle(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.state = StateIdle
	s.peerAddr = nil
	s.sendSeq = 0
	s.expectedSeq = 0
}

// NotifyClient enqueues a line for the attached client, if any. Safe to
// call with no client attached (e.g. a stray late timeout).
func (s *Session) NotifyClient(line string) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	if n != nil {
		n.Notify(line)
	}
}

// --- client attachment (package control) ---

// TryAttachClient admits notifier as the session's sole client, per
// spec.md §4.4's at-most-one policy. It reports whether admission
// succeeded.
func (s *Session) TryAttachClient(notifier Notifier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientAttached {
		return false
	}
	s.clientAttached = true
	s.notifier = notifier
	return true
}

// SetLocalUsername sets the session's username exactly once, per spec.md
// §3 ("immutable for the session's lifetime").
func (s *Session) SetLocalUsername(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localUsername != "" {
		return fmt.Errorf("session: local username already set to %q", s.localUsername)
	}
	s.localUsername = name
	return nil
}

func (s *Session) ClientAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientAttached
}

// Disconnect handles a client QUIT command or an unexpected client socket
// close. If currently Chatting or Inviting it sends a FIN to the peer
// (Invited is deliberately excluded: no session has been established with
// that peer yet, per spec.md §4.3's transition table). It always resets
// the session and clears client attachment; package control is
// responsible for closing the underlying socket afterwards.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	state := s.state
	peerAddr := s.peerAddr
	seq := s.sendSeq
	username := s.localUsername
	s.mu.Unlock()

	if (state == StateChatting || state == StateInviting) && peerAddr != nil {
		s.reliable.SendReliable(ctx, wire.MessageTypeControl, wire.OpFin, seq, username, nil, peerAddr, false)
	}

	s.mu.Lock()
	s.resetLocked()
	s.peerUser = ""
	s.clientAttached = false
	s.notifier = nil
	s.localUsername = ""
	s.mu.Unlock()
}

// --- client commands (package control dispatches text lines here) ---

// HandleClientCommand parses and applies one line of client protocol text
// per spec.md §4.4.
func (s *Session) HandleClientCommand(ctx context.Context, line string) {
	switch {
	case line == "ACCEPT":
		s.handleAccept(ctx)
	case line == "REJECT":
		s.handleReject(ctx)
	case strings.HasPrefix(line, "CONNECT "):
		s.handleConnectCommand(strings.TrimSpace(strings.TrimPrefix(line, "CONNECT ")))
	case strings.HasPrefix(line, "CHAT "):
		s.handleChatCommand(ctx, strings.TrimPrefix(line, "CHAT "))
	case line == "QUIT":
		s.Disconnect(ctx)
	default:
		s.log.WithField("command", line).Warn("session: invalid client command")
		s.NotifyClient(fmt.Sprintf("Invalid command: %s", line))
	}
}

func (s *Session) handleConnectCommand(ip string) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		s.NotifyClient("Already in a chat or awaiting a response; can not connect.")
		return
	}
	peerAddr := &net.UDPAddr{IP: net.ParseIP(ip), Port: s.peerPort}
	s.state = StateInviting
	s.peerAddr = peerAddr
	seq := s.sendSeq
	username := s.localUsername
	s.mu.Unlock()

	datagram, err := wire.Encode(wire.MessageTypeControl, wire.OpSyn, seq, username, nil)
	if err != nil {
		s.log.WithError(err).Error("session: failed to encode SYN")
		return
	}
	// spec.md §9: SYN message does not use retransmission on purpose. An
	// unresponsive peer leaves us in Inviting until QUIT or a later
	// SYNACK/FINERR.
	if _, err := s.raw.WriteToPeer(datagram, peerAddr); err != nil {
		s.log.WithError(err).Warn("session: failed to send SYN")
	}
}

func (s *Session) handleAccept(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateInvited {
		s.mu.Unlock()
		s.NotifyClient("No pending chat invitations to accept.")
		return
	}
	peerAddr := s.peerAddr
	peerUser := s.peerUser
	seq := s.peerSynSeq
	username := s.localUsername
	s.mu.Unlock()

	outcome, err := s.reliable.SendReliable(ctx, wire.MessageTypeControl, wire.OpSynAck, seq, username, nil, peerAddr, false)
	if err != nil {
		s.log.WithError(err).Error("session: failed to send SYNACK")
		return
	}
	if outcome != transport.OK {
		return // transport already reset the session and notified the client
	}

	s.mu.Lock()
	s.state = StateChatting
	s.mu.Unlock()
	s.NotifyClient(fmt.Sprintf("Chat connection established with %s.", peerUser))
}

func (s *Session) handleReject(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateInvited {
		s.mu.Unlock()
		s.NotifyClient("No pending chat invitations to reject.")
		return
	}
	peerAddr := s.peerAddr
	seq := s.peerSynSeq
	username := s.localUsername
	s.state = StateIdle
	s.peerAddr = nil
	s.peerUser = ""
	s.mu.Unlock()

	s.reliable.SendReliable(ctx, wire.MessageTypeControl, wire.OpFinErr, seq, username, []byte("Chat invitation rejected."), peerAddr, true)
	s.NotifyClient("Chat invitation rejected.")
}

func (s *Session) handleChatCommand(ctx context.Context, message string) {
	s.mu.Lock()
	if s.state != StateChatting {
		s.mu.Unlock()
		s.NotifyClient("Not in chat, can not send message.")
		return
	}
	peerAddr := s.peerAddr
	seq := s.sendSeq
	username := s.localUsername
	s.mu.Unlock()

	s.reliable.SendReliable(ctx, wire.MessageTypeChat, wire.OpChatPayload, seq, username, []byte(message), peerAddr, false)
}

// --- inbound peer datagrams (package peerlink dispatches here) ---

// HandleDatagram applies one received, non-ACK-consumed datagram per
// spec.md §4.3. The sequence-validation rule is enforced first and
// uniformly: any operation other than SYN whose sequence disagrees with
// expected_seq is dropped silently, since SYN is exempt (a fresh peer has
// no knowledge of our sequence state).
//
// Datagrams with operation=ACK never reach here in ordinary operation:
// package transport's TryDeliver consumes every ACK that matches an
// in-flight SendReliable call before peerlink offers it to the session
// (spec.md §9's resolution of the UDP read-contention ambiguity). An ACK
// that matches nothing in-flight is simply a stray and is dropped by the
// switch below.
func (s *Session) HandleDatagram(ctx context.Context, d *wire.Datagram, addr net.Addr) {
	s.mu.Lock()
	if d.Operation != wire.OpSyn && d.Sequence != s.expectedSeq {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"op": d.Operation.String(), "got_seq": d.Sequence}).Debug("session: dropping out-of-order datagram")
		return
	}
	s.mu.Unlock()

	switch d.MessageType {
	case wire.MessageTypeControl:
		switch d.Operation {
		case wire.OpSyn:
			s.handleSyn(d, addr)
		case wire.OpSynAck:
			s.handleSynAck(d, addr)
		case wire.OpFin:
			s.handleFin(d, addr)
		case wire.OpFinErr:
			s.handleFinErr(d, addr)
		case wire.OpErr:
			s.handleErr(d, addr)
		default:
			s.log.WithField("op", d.Operation.String()).Debug("session: dropping unhandled control datagram")
		}
	case wire.MessageTypeChat:
		s.handleChat(d, addr)
	}
}

func (s *Session) sendAck(seq byte, addr net.Addr) {
	s.mu.Lock()
	username := s.localUsername
	s.mu.Unlock()
	ack, err := wire.Encode(wire.MessageTypeControl, wire.OpAck, seq, username, nil)
	if err != nil {
		s.log.WithError(err).Error("session: failed to encode ACK")
		return
	}
	if _, err := s.raw.WriteToPeer(ack, addr); err != nil {
		s.log.WithError(err).Warn("session: failed to send ACK")
	}
}

func (s *Session) sendFinErrSkipSeq(ctx context.Context, addr net.Addr, seq byte, reason string) {
	s.mu.Lock()
	username := s.localUsername
	s.mu.Unlock()
	if username == "" {
		username = "DAEMON"
	}
	s.reliable.SendReliable(ctx, wire.MessageTypeControl, wire.OpFinErr, seq, username, []byte(reason), addr, true)
}

// sendFinErrRaw sends an unsolicited FINERR with no retransmission and no
// ACK wait, the same way the initial SYN is sent. This is the only way to
// reply to a busy/no-client SYN: handleSyn runs on peerlink's single read
// goroutine, which is also the sole feeder of transport's ACK rendezvous
// (TryDeliver), so a call here into s.reliable.SendReliable would block
// that goroutine waiting for an ACK that only it could ever deliver.
func (s *Session) sendFinErrRaw(addr net.Addr, seq byte, reason string) {
	s.mu.Lock()
	username := s.localUsername
	s.mu.Unlock()
	if username == "" {
		username = "DAEMON"
	}
	datagram, err := wire.Encode(wire.MessageTypeControl, wire.OpFinErr, seq, username, []byte(reason))
	if err != nil {
		s.log.WithError(err).Error("session: failed to encode unsolicited FINERR")
		return
	}
	if _, err := s.raw.WriteToPeer(datagram, addr); err != nil {
		s.log.WithError(err).Warn("session: failed to send unsolicited FINERR")
	}
}

func (s *Session) handleSyn(d *wire.Datagram, addr net.Addr) {
	s.mu.Lock()
	state := s.state
	clientAttached := s.clientAttached
	s.mu.Unlock()

	switch {
	case state != StateIdle:
		s.sendFinErrRaw(addr, d.Sequence, "User already in chat, or has pending invitation.")
		s.NotifyClient(fmt.Sprintf("User %s tried to start a chat, but was automatically rejected.", d.User))
	case !clientAttached:
		s.sendFinErrRaw(addr, d.Sequence, "No client is connected to the daemon.")
	default:
		s.mu.Lock()
		s.state = StateInvited
		s.peerAddr = addr
		s.peerUser = d.User
		s.peerSynSeq = d.Sequence
		s.mu.Unlock()
		s.NotifyClient(fmt.Sprintf("CONNECT %s wants to chat.", d.User))
	}
}

func (s *Session) handleSynAck(d *wire.Datagram, addr net.Addr) {
	s.mu.Lock()
	if s.state != StateInviting {
		s.mu.Unlock()
		s.log.Debug("session: unexpected SYNACK, ignoring")
		return
	}
	s.mu.Unlock()

	s.sendAck(d.Sequence, addr)

	s.mu.Lock()
	s.state = StateChatting
	s.peerUser = d.User
	s.toggleSequencesLocked()
	peerUser := s.peerUser
	s.mu.Unlock()

	s.NotifyClient(fmt.Sprintf("Chat connection established with %s.", peerUser))
}

func (s *Session) handleFin(d *wire.Datagram, addr net.Addr) {
	s.mu.Lock()
	if s.state != StateChatting {
		s.mu.Unlock()
		return
	}
	peerUser := s.peerUser
	s.mu.Unlock()

	s.sendAck(d.Sequence, addr)

	s.mu.Lock()
	s.resetLocked()
	s.peerUser = ""
	s.mu.Unlock()

	s.NotifyClient(fmt.Sprintf("%s ended the chat.", peerUser))
}

func (s *Session) handleFinErr(d *wire.Datagram, addr net.Addr) {
	s.mu.Lock()
	if s.state != StateChatting && s.state != StateInviting && s.state != StateInvited {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendAck(d.Sequence, addr)

	s.mu.Lock()
	s.resetLocked()
	s.peerUser = ""
	s.mu.Unlock()

	s.NotifyClient(fmt.Sprintf("Connection could not be established: %s.", string(d.Payload)))
}

func (s *Session) handleErr(d *wire.Datagram, addr net.Addr) {
	s.log.WithFields(logrus.Fields{"user": d.User, "payload": string(d.Payload)}).Warn("session: received ERR from peer")
	s.sendAck(d.Sequence, addr)
}

func (s *Session) handleChat(d *wire.Datagram, addr net.Addr) {
	s.mu.Lock()
	if s.state != StateChatting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.sendAck(d.Sequence, addr)

	s.mu.Lock()
	s.toggleSequencesLocked()
	s.mu.Unlock()

	s.NotifyClient(fmt.Sprintf("CHAT %s %s", d.User, string(d.Payload)))
}
