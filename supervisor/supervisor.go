// Package supervisor owns the lifecycle of the privileged helper process:
// spawn through the elevation mechanism, one JSON request line out, one
// response line in, death detection, and the guarantee that at most one
// helper exists per application instance. Nothing else may touch the helper
// process or its pipes.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"fanctl-go/bus"
	"fanctl-go/errcode"
	"fanctl-go/logger"
	"fanctl-go/protocol"
)

// State is the connection state, owned solely by the Supervisor.
type State string

const (
	// Disconnected: no process handle.
	Disconnected State = "disconnected"
	// Connecting: a spawn plus handshake is in flight.
	Connecting State = "connecting"
	// Connected: the last round-trip succeeded.
	Connected State = "connected"
	// Degraded: the last I/O failed but the handle might still be alive.
	// Distinct from Disconnected so reconnects skip a redundant
	// elevation prompt path in the UI.
	Degraded State = "degraded"
)

// TopicState carries retained State strings for anyone watching.
var TopicState = bus.T("helper", "state")

// Link is one live helper session: a duplex byte stream plus exit
// observation. Close must terminate the peer.
type Link interface {
	io.ReadWriteCloser
	// Exited reports the peer's exit code once it has terminated.
	Exited() (code int, done bool)
}

// Transport spawns helper sessions. The production transport launches the
// helper binary through pkexec; tests substitute an in-memory pipe.
type Transport interface {
	Open(ctx context.Context) (Link, error)
	String() string
}

// Options tune the supervisor's bounded waits.
type Options struct {
	// RequestTimeout bounds one round-trip while Connected. A helper that
	// crashes mid-request must resolve the caller, never hang it.
	RequestTimeout time.Duration
	// ConnectTimeout bounds spawn plus handshake. Elevation may prompt the
	// user, so this is much longer than RequestTimeout.
	ConnectTimeout time.Duration
}

func (o *Options) fill() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 3 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
}

// Supervisor is the unprivileged side of the helper boundary.
type Supervisor struct {
	tr   Transport
	conn *bus.Connection // nil is fine; state is then only observable via State()
	opts Options

	// ioMu serializes round-trips; it may be held across a full request
	// timeout plus exit-reaping, so state below gets its own mutex and
	// State() never waits on helper I/O.
	ioMu sync.Mutex

	mu         sync.Mutex
	state      State
	sess       *session
	connecting bool
	bo         *backoff.Backoff
}

// New builds a supervisor over the given transport. conn may be nil.
func New(tr Transport, conn *bus.Connection, opts Options) *Supervisor {
	opts.fill()
	return &Supervisor{
		tr:    tr,
		conn:  conn,
		opts:  opts,
		state: Disconnected,
		bo: &backoff.Backoff{
			Min:    250 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect spawns the helper and performs the handshake round-trip. A second
// Connect while one is in flight is rejected with busy, not queued.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return errcode.New(errcode.Busy, "connect", errors.New("connect already in flight"))
	}
	if s.sess != nil {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.setStateLocked(Connecting)
	s.mu.Unlock()

	return s.finishConnect(ctx, s.establish(ctx), Disconnected)
}

// Reconnect tears down the current session (if any) and runs one full
// spawn-plus-handshake cycle, pacing attempts with backoff. On failure the
// state stays Degraded unless the failure demands user action.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return errcode.New(errcode.Busy, "reconnect", errors.New("connect already in flight"))
	}
	s.connecting = true
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	s.setStateLocked(Connecting)
	delay := s.bo.Duration()
	s.mu.Unlock()

	if !sleepCtx(ctx, delay) {
		return s.finishConnect(ctx, ctx.Err(), Degraded)
	}
	return s.finishConnect(ctx, s.establish(ctx), Degraded)
}

// finishConnect publishes the outcome of an establish attempt. failState is
// where a retryable failure lands; persistent failures requiring user
// action always land in Disconnected.
func (s *Supervisor) finishConnect(ctx context.Context, err error, failState State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connecting = false
	if err == nil {
		s.bo.Reset()
		s.setStateLocked(Connected)
		return nil
	}
	switch errcode.Of(err) {
	case errcode.AuthorizationDeclined, errcode.HardwareUnavailable, errcode.AccessDenied:
		s.setStateLocked(Disconnected)
	default:
		s.setStateLocked(failState)
	}
	return err
}

// establish spawns the helper and validates it with a get_status handshake.
// The session is only installed after the handshake succeeds.
func (s *Supervisor) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	link, err := s.tr.Open(ctx)
	if err != nil {
		return errcode.New(errcode.ProcessLost, "spawn "+s.tr.String(), err)
	}
	sess := newSession(link)

	resp, err := sess.roundtrip(ctx, protocol.GetStatus(), s.opts.ConnectTimeout)
	if err != nil {
		code := classifyExit(sess, errcode.ProcessLost)
		sess.close()
		return errcode.New(code, "handshake", err)
	}
	if !resp.OK {
		// The helper answered but cannot serve, eg. the EC file is absent.
		// Its stable code travels up unchanged.
		sess.close()
		return resp.Err()
	}

	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	return nil
}

// Roundtrip sends one request and waits, bounded, for its response. ioMu
// serializes callers: the periodic poll and user control requests never
// execute in parallel, which is what keeps responses correlated to requests
// by order alone.
func (s *Supervisor) Roundtrip(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return protocol.Response{}, errcode.New(errcode.ProcessLost, "roundtrip", errors.New("no helper session"))
	}

	resp, err := sess.roundtrip(ctx, req, s.opts.RequestTimeout)
	if err != nil {
		code := errcode.Of(err)
		if code == errcode.ProtocolError {
			// Garbled response line. The helper is alive and answered; the
			// next poll retries without tearing the session down.
			return protocol.Response{}, err
		}
		// Classification may wait on the exit reap; only ioMu is held here.
		code = classifyExit(sess, errcode.ProcessLost)
		sess.close()
		s.mu.Lock()
		if s.sess == sess {
			s.sess = nil
			s.setStateLocked(Degraded)
		}
		s.mu.Unlock()
		return protocol.Response{}, errcode.New(code, "roundtrip", err)
	}
	return resp, resp.Err()
}

// Close terminates the helper and releases its handle. This is the only
// path that may signal the process.
func (s *Supervisor) Close() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()

	if sess != nil {
		// Best-effort polite shutdown before the kill inside close().
		_, _ = sess.roundtrip(context.Background(), protocol.Shutdown(), 500*time.Millisecond)
		sess.close()
	}

	s.mu.Lock()
	s.setStateLocked(Disconnected)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	logger.Info("helper state: %s", st)
	if s.conn != nil {
		s.conn.Publish(&bus.Message{Topic: TopicState, Payload: string(st), Retained: true})
	}
}

// classifyExit inspects a dead session's exit code. pkexec reports a
// dismissed prompt as 126 and a policy denial as 127; both mean the user
// (or policy) refused elevation before the helper ever answered.
func classifyExit(sess *session, fallback errcode.Code) errcode.Code {
	code, done := sess.link.Exited()
	if !done {
		// Give a crashing process a moment to be reaped.
		for i := 0; i < 20 && !done; i++ {
			time.Sleep(10 * time.Millisecond)
			code, done = sess.link.Exited()
		}
	}
	if done && (code == 126 || code == 127) {
		return errcode.AuthorizationDeclined
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// session owns one live link. A dedicated goroutine reads response lines so
// round-trips can race the read against a timer and the process dying.
type session struct {
	link  Link
	lines chan []byte
	rdErr chan error
	done  chan struct{} // closed by close(); releases a reader blocked on send

	closeOnce sync.Once
}

func newSession(link Link) *session {
	sess := &session{
		link:  link,
		lines: make(chan []byte, 1),
		rdErr: make(chan error, 1),
		done:  make(chan struct{}),
	}
	go sess.readLoop()
	return sess
}

func (sess *session) readLoop() {
	sc := bufio.NewScanner(sess.link)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case sess.lines <- line:
		case <-sess.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case sess.rdErr <- err:
	case <-sess.done:
	}
}

// roundtrip writes one request line and waits for exactly one response
// line, bounded by timeout. There is no pipelining: the supervisor's mutex
// guarantees one caller at a time.
func (sess *session) roundtrip(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	line, err := protocol.EncodeLine(req)
	if err != nil {
		return protocol.Response{}, err
	}
	if _, err := sess.link.Write(line); err != nil {
		return protocol.Response{}, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case raw := <-sess.lines:
		return protocol.DecodeResponse(raw)
	case err := <-sess.rdErr:
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	case <-timer.C:
		return protocol.Response{}, fmt.Errorf("response timeout after %s", timeout)
	case <-ctx.Done():
		return protocol.Response{}, ctx.Err()
	}
}

func (sess *session) close() {
	sess.closeOnce.Do(func() {
		close(sess.done)
		_ = sess.link.Close()
	})
}
