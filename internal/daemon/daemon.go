// Package daemon wires together the peer listener (C5), the client
// control channel (C4), the stop-and-wait transport (C2), and the session
// state machine (C3) into one running process, and owns their shared
// lifecycle: start both activities, run until interrupted, then close
// both sockets and join.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dfoddav2/simpd/internal/config"
	"github.com/dfoddav2/simpd/internal/control"
	"github.com/dfoddav2/simpd/internal/peerlink"
	"github.com/dfoddav2/simpd/internal/session"
	"github.com/dfoddav2/simpd/internal/transport"
)

// Supervisor owns one daemon's sockets, session, and activities.
type Supervisor struct {
	cfg  config.Config
	log  *logrus.Entry
	sess *session.Session
	tr   *transport.Transport
	peer *peerlink.Listener
	ctl  *control.Controller
}

// New binds both sockets and assembles C2 through C5 in dependency order.
// Construction has one forward reference: transport.New requires a
// session.SessionView before *session.Session exists, since session in
// turn needs the already-constructed transport to satisfy
// session.ReliableSender. sessionForward breaks that cycle; it is pointed
// at the real session immediately after New creates it, before any
// datagram can possibly arrive.
func New(cfg config.Config, log *logrus.Entry) (*Supervisor, error) {
	peer, err := peerlink.Listen(cfg.Host, cfg.PeerPort, log.WithField("component", "peerlink"))
	if err != nil {
		return nil, err
	}

	forward := &sessionForward{}
	tcfg := transport.Config{DropRate: cfg.DropRate, Retries: cfg.Retries, Timeout: cfg.Timeout}
	tr := transport.New(peer, forward, log.WithField("component", "transport"), tcfg, time.Now().UnixNano())

	sess := session.New(cfg.PeerPort, tr, peer, log.WithField("component", "session"))
	forward.sess = sess

	ctl, err := control.Listen(cfg.Host, cfg.ClientPort, sess, log.WithField("component", "control"))
	if err != nil {
		peer.Close()
		return nil, err
	}

	return &Supervisor{cfg: cfg, log: log, sess: sess, tr: tr, peer: peer, ctl: ctl}, nil
}

// Run starts both activities and blocks until ctx is cancelled or either
// activity fails on its own (e.g. an unexpected socket error). Either way
// it closes both sockets so Accept and ReadFrom unblock, then waits for
// both activities to return before reporting the outcome.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.WithFields(logrus.Fields{
		"peer_addr":   s.peer.LocalAddr().String(),
		"client_port": s.cfg.ClientPort,
	}).Info("daemon: listening")

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- s.peer.Run(innerCtx, s.tr, s.sess)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		errs <- s.ctl.Run(innerCtx)
	}()

	go func() {
		<-innerCtx.Done()
		s.peer.Close()
		s.ctl.Close()
	}()

	wg.Wait()
	close(errs)

	interrupted := ctx.Err() != nil
	for err := range errs {
		if err != nil && !interrupted {
			return err
		}
	}
	s.log.Info("daemon: shut down cleanly")
	return nil
}

// sessionForward implements transport.SessionView by forwarding every
// call to sess, which is set once during New, before Run is ever called.
type sessionForward struct {
	sess *session.Session
}

func (f *sessionForward) AdvanceSequenceOnSend()   { f.sess.AdvanceSequenceOnSend() }
func (f *sessionForward) CurrentSendSeq() byte     { return f.sess.CurrentSendSeq() }
func (f *sessionForward) LocalUsername() string    { return f.sess.LocalUsername() }
func (f *sessionForward) ResetToIdle(reason string) { f.sess.ResetToIdle(reason) }
func (f *sessionForward) NotifyClient(line string) { f.sess.NotifyClient(line) }
