// Package control implements the client control channel (C4): a
// line-oriented TCP listener that admits at most one client at a time,
// reads its username, and dispatches subsequent lines into the session
// state machine. Notifications flow the other way through a small
// buffered channel per connection, so a send on the client socket never
// blocks a peer-listener or transport goroutine.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dfoddav2/simpd/internal/session"
)

const (
	notifyBufferSize = 32
	maxUsernameLen    = 32
)

// Controller runs the client-facing TCP accept loop.
type Controller struct {
	listener net.Listener
	session  *session.Session
	log      *logrus.Entry
}

// Listen binds the client TCP port.
func Listen(host string, port int, sess *session.Session, log *logrus.Entry) (*Controller, error) {
	laddr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, err
	}
	return &Controller{listener: ln, session: sess, log: log}, nil
}

// Close unblocks Run's Accept call.
func (c *Controller) Close() error {
	return c.listener.Close()
}

// Run accepts connections until the listener is closed, handling each on
// its own goroutine.
func (c *Controller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(ctx, conn)
		}()
	}
}

func (c *Controller) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := c.log.WithField("remote", conn.RemoteAddr().String())

	notifier := newChanNotifier(conn, notifyBufferSize, log)
	go notifier.run()
	defer notifier.stop()

	if !c.session.TryAttachClient(notifier) {
		writeLine(conn, "Another client is already connected.")
		return
	}
	defer c.session.Disconnect(ctx)

	writeLine(conn, "Only client, connection successfully established.")

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		log.Debug("control: connection closed before a username was given")
		return
	}
	username, err := validateUsername(scanner.Text())
	if err != nil {
		writeLine(conn, fmt.Sprintf("Invalid username: %s", err))
		return
	}
	if err := c.session.SetLocalUsername(username); err != nil {
		log.WithError(err).Error("control: failed to set local username")
		return
	}
	log = log.WithField("user", username)
	log.Info("control: client attached")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.session.HandleClientCommand(ctx, line)
		if !c.session.ClientAttached() {
			// QUIT detached us from the session; stop reading and let the
			// deferred conn.Close() above tear down the socket instead of
			// leaving this goroutine parked on a dead session.
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Debug("control: scanner error")
	}
	log.Info("control: client disconnected")
}

func validateUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("username must not be empty")
	}
	if len(name) > maxUsernameLen {
		return "", fmt.Errorf("username must be %d characters or fewer, got %d", maxUsernameLen, len(name))
	}
	for i := 0; i < len(name); i++ {
		if name[i] >= 0x80 {
			return "", fmt.Errorf("username must be ASCII")
		}
	}
	return name, nil
}

func writeLine(conn net.Conn, line string) {
	conn.Write([]byte(line + "\n"))
}

// chanNotifier implements session.Notifier for one client connection. A
// single writer goroutine owns conn's write side; Notify only ever
// enqueues, so callers on the peer-listener or transport goroutines never
// block on client I/O.
type chanNotifier struct {
	ch   chan string
	conn net.Conn
	log  *logrus.Entry
	done chan struct{}
}

func newChanNotifier(conn net.Conn, bufSize int, log *logrus.Entry) *chanNotifier {
	return &chanNotifier{
		ch:   make(chan string, bufSize),
		conn: conn,
		log:  log,
		done: make(chan struct{}),
	}
}

func (n *chanNotifier) Notify(line string) {
	select {
	case n.ch <- line:
	default:
		n.log.Warn("control: dropping notification, client buffer full")
	}
}

func (n *chanNotifier) run() {
	for {
		select {
		case line := <-n.ch:
			if _, err := n.conn.Write([]byte(line + "\n")); err != nil {
				n.log.WithError(err).Debug("control: write failed, stopping notifier")
				return
			}
		case <-n.done:
			return
		}
	}
}

func (n *chanNotifier) stop() {
	close(n.done)
}
