// Package server owns the Unix domain socket: it accepts connections,
// checks the peer's uid against the allow lists and runs one worker per
// connection speaking the dictionary protocol.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/payproc/payprocd/internal/account"
	"github.com/payproc/payprocd/internal/currency"
	"github.com/payproc/payprocd/internal/journal"
	"github.com/payproc/payprocd/internal/logger"
	"github.com/payproc/payprocd/internal/metrics"
	"github.com/payproc/payprocd/internal/paypal"
	"github.com/payproc/payprocd/internal/payerr"
	"github.com/payproc/payprocd/internal/preorder"
	"github.com/payproc/payprocd/internal/protocol"
	"github.com/payproc/payprocd/internal/session"
	"github.com/payproc/payprocd/internal/stripe"
)

// Options holds the static server settings.
type Options struct {
	SocketPath  string
	Live        bool
	AllowedUIDs []int
	AdminUIDs   []int
	Version     string
}

// Params collects the server's collaborators.  Stripe, Paypal, Preorders
// and Accounts may be nil; the corresponding commands then fail with a
// gateway error instead of crashing.
type Params struct {
	Log       zerolog.Logger
	Sessions  *session.Store
	Journal   *journal.Writer
	Preorders *preorder.Store
	Accounts  *account.Store
	Rates     *currency.Rates
	Stripe    *stripe.Client
	Paypal    *paypal.Client

	// Shutdown is invoked by the SHUTDOWN command after the reply has
	// been sent.
	Shutdown func()
}

// Server accepts and serves client connections on the Unix socket.
type Server struct {
	opts Options
	p    Params
	log  zerolog.Logger

	ln      *net.UnixListener
	connID  atomic.Uint64
	wg      sync.WaitGroup
	closing atomic.Bool

	// peerUID is swapped out by tests that serve over pipes.
	peerUID func(conn net.Conn) (int, error)
}

// New returns an unstarted server.
func New(opts Options, p Params) *Server {
	return &Server{
		opts:    opts,
		p:       p,
		log:     p.Log,
		peerUID: socketPeerUID,
	}
}

// probeSocket checks whether a daemon is still answering on path.  A
// stale socket file left over from a crash does not answer the PING and
// may be removed.
func probeSocket(path string) bool {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("PING\n\n")); err != nil {
		return false
	}
	status, _, err := protocol.ReadResponse(bufio.NewReader(conn))
	return err == nil && strings.HasPrefix(status, "OK")
}

// Listen binds the Unix socket, replacing a stale socket file but
// refusing to take over from a live daemon.
func (s *Server) Listen() error {
	path := s.opts.SocketPath
	if probeSocket(path) {
		return fmt.Errorf("another daemon is already answering on %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("bind %s: %w", path, err)
	}
	// Access control is done per connection by peer uid, not by the
	// socket file's mode.
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	s.ln = ln
	s.log.Info().Str("socket", path).Bool("live", s.opts.Live).Msg("listening")
	return nil
}

// Serve runs the accept loop until Close is called.  Each connection is
// handled on its own goroutine; ctx is handed to the workers so gateway
// calls in flight are cancelled on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}
		id := s.connID.Add(1)
		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer metrics.ConnectionsActive.Dec()
			s.serveConn(ctx, conn, id)
		}()
	}
}

// Close stops accepting, removes the socket file and waits for the
// active connections to drain.
func (s *Server) Close() error {
	s.closing.Store(true)
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.opts.SocketPath)
	s.wg.Wait()
	return nil
}

func uidIn(uid int, list []int) bool {
	for _, u := range list {
		if u == uid {
			return true
		}
	}
	return false
}

// uidAllowed reports whether uid may talk to us at all.  The daemon's
// own uid is always allowed.
func (s *Server) uidAllowed(uid int) bool {
	return uid == os.Getuid() ||
		uidIn(uid, s.opts.AllowedUIDs) ||
		uidIn(uid, s.opts.AdminUIDs)
}

func (s *Server) uidIsAdmin(uid int) bool {
	return uid == os.Getuid() || uidIn(uid, s.opts.AdminUIDs)
}

// serveConn handles exactly one request.  The worker reads the command,
// writes the complete reply and closes the socket; clients open a fresh
// connection per command and may wait for EOF after the reply.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, id uint64) {
	defer conn.Close()
	log := logger.ForConnection(s.log, id)

	uid, err := s.peerUID(conn)
	if err != nil {
		log.Warn().Err(err).Msg("cannot read peer credentials")
		return
	}
	if !s.uidAllowed(uid) {
		log.Warn().Int("uid", uid).Msg("connection from uid not allowed")
		w := protocol.NewWriter(conn, log)
		w.Err(int(payerr.CodeForbidden), "Access denied")
		w.End()
		return
	}
	log.Debug().Int("uid", uid).Msg("connection accepted")

	command, dict, err := protocol.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.replyReadError(conn, log, err)
		return
	}
	c := &connctx{
		srv:  s,
		ctx:  ctx,
		w:    protocol.NewWriter(conn, log),
		log:  log,
		uid:  uid,
		dict: dict,
	}
	c.name, c.args = splitCommand(command)
	s.dispatch(c)
	if c.after != nil {
		// The reply is out; close the socket before the deferred work
		// so the client never waits on it.
		conn.Close()
		c.after()
	}
}

// replyReadError reports a request parse failure.  The stream may be out
// of sync afterwards, so the caller closes the connection.
func (s *Server) replyReadError(conn net.Conn, log zerolog.Logger, err error) {
	var code payerr.Code
	switch {
	case errors.Is(err, protocol.ErrEOF):
		return
	case errors.Is(err, protocol.ErrTruncated):
		code = payerr.CodeTruncated
	case errors.Is(err, protocol.ErrInvName):
		code = payerr.CodeInvName
	default:
		code = payerr.CodeProtocolViolation
	}
	e := payerr.New(code, "")
	w := protocol.NewWriter(conn, log)
	w.Err(int(e.Code), e.Desc)
	w.End()
}

func splitCommand(line string) (name, args string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

// dispatch looks up and runs the handler and writes the terminating
// empty line.
func (s *Server) dispatch(c *connctx) {
	var entry *command
	for i := range commands {
		if strings.EqualFold(commands[i].name, c.name) {
			entry = &commands[i]
			break
		}
	}
	if entry == nil {
		cmdUnknown(c)
		c.w.End()
		metrics.CommandsTotal.WithLabelValues("unknown", "err").Inc()
		return
	}

	if entry.admin && !s.uidIsAdmin(c.uid) {
		c.log.Warn().Int("uid", c.uid).Str("command", entry.name).Msg("admin command refused")
		c.w.Err(int(payerr.CodeForbidden), "User is not an admin")
		c.w.End()
		metrics.CommandsTotal.WithLabelValues(entry.name, "err").Inc()
		return
	}

	start := time.Now()
	err := entry.run(c)
	c.w.End()
	metrics.CommandDuration.WithLabelValues(entry.name).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "err"
		c.log.Info().Str("command", entry.name).Str("err", payerr.From(err).Error()).Msg("command failed")
	}
	metrics.CommandsTotal.WithLabelValues(entry.name, status).Inc()
}
