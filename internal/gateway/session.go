package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/labring/sealos-tty-agent/internal/protocol"
	"github.com/labring/sealos-tty-agent/internal/terminal"
	"github.com/labring/sealos-tty-agent/internal/ticket"
)

// State is the session lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateAuthed
	StateStarting
	StateStarted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateAuthed:
		return "authed"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// execBridge is the upstream side of a session. terminal.Bridge implements
// it; tests substitute a fake.
type execBridge interface {
	Run(ctx context.Context, req terminal.Request, ev terminal.Events)
	WriteStdin(p []byte) (int, error)
	Resize(cols, rows uint16)
	Close()
}

type termSize struct {
	cols uint16
	rows uint16
}

// Session drives one WebSocket connection from accept to close: auth gate,
// lazy exec start on the first post-auth resize, frame dispatch, teardown.
type Session struct {
	id      string
	gateway *Gateway
	conn    *wsConn
	logger  *logrus.Entry

	remoteAddr string
	userAgent  string
	startedAt  time.Time

	alive atomic.Bool

	mu          sync.Mutex
	state       State
	kubeconfig  string
	target      ticket.Target
	pendingSize *termSize
	bridge      execBridge
	authTimer   *time.Timer
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
}

// run services the connection until it closes. Called on its own goroutine
// by the gateway.
func (s *Session) run(queryTicket string) {
	defer s.destroy()

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.state = StateReady
	s.authTimer = time.AfterFunc(s.gateway.cfg.AuthTimeout(), s.onAuthTimeout)
	s.mu.Unlock()

	if err := s.conn.WriteText(protocol.Ready()); err != nil {
		s.logger.WithError(err).Debug("Failed to send ready frame")
		return
	}

	// A query-provided ticket is consumed immediately; it must not be
	// replayable through a later auth frame.
	if queryTicket != "" {
		s.authenticate(queryTicket)
	}

	for {
		messageType, data, err := s.conn.c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("WebSocket read failed")
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
		if s.currentState() == StateClosed {
			return
		}
	}
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) handleText(data []byte) {
	frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		// Local, recoverable: reply with an error frame, leave the FSM
		// where it is.
		s.writeError(err.Error())
		return
	}

	switch frame.Type {
	case protocol.TypePing:
		if err := s.conn.WriteText(protocol.Pong()); err != nil {
			s.logger.WithError(err).Debug("Failed to send pong frame")
		}

	case protocol.TypeAuth:
		s.authenticate(frame.Ticket)

	case protocol.TypeResize:
		s.handleResize(uint16(frame.Cols), uint16(frame.Rows))

	case protocol.TypeStdin:
		s.handleStdin([]byte(frame.Data))
	}
}

func (s *Session) handleBinary(data []byte) {
	s.handleStdin(data)
}

func (s *Session) handleStdin(data []byte) {
	s.mu.Lock()
	state := s.state
	bridge := s.bridge
	s.mu.Unlock()

	if state < StateAuthed {
		s.closeWith(websocket.ClosePolicyViolation, "not authenticated", "Not authenticated.")
		return
	}
	if bridge == nil {
		return
	}
	if _, err := bridge.WriteStdin(data); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.WithError(err).Warn("Failed to forward stdin")
	}
}

func (s *Session) handleResize(cols, rows uint16) {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		// Kept until auth completes; flushed as the initial TTY size.
		s.pendingSize = &termSize{cols: cols, rows: rows}
		s.mu.Unlock()
	case StateAuthed:
		s.pendingSize = &termSize{cols: cols, rows: rows}
		s.startExecLocked()
	case StateStarting, StateStarted:
		bridge := s.bridge
		s.mu.Unlock()
		if bridge != nil {
			bridge.Resize(cols, rows)
		}
	default:
		s.mu.Unlock()
	}
}

// authenticate consumes the ticket and moves the session to authed. A
// repeat auth on an authed session just re-acknowledges.
func (s *Session) authenticate(ticketID string) {
	s.mu.Lock()
	if s.state >= StateAuthed && s.state != StateClosed {
		s.mu.Unlock()
		if err := s.conn.WriteText(protocol.Authed()); err != nil {
			s.logger.WithError(err).Debug("Failed to re-send authed frame")
		}
		return
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	kubeconfig, target, err := s.gateway.tickets.Consume(ticketID, ticket.Meta{
		RemoteAddr: s.remoteAddr,
		UserAgent:  s.userAgent,
	})
	if err != nil {
		if s.gateway.metrics != nil {
			s.gateway.metrics.TicketsConsumed.WithLabelValues(consumeResult(err)).Inc()
		}
		s.logger.WithField("reason", consumeResult(err)).Info("Ticket rejected")
		s.closeWith(websocket.ClosePolicyViolation, "invalid ticket", err.Error())
		return
	}
	if s.gateway.metrics != nil {
		s.gateway.metrics.TicketsConsumed.WithLabelValues("ok").Inc()
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.kubeconfig = kubeconfig
	s.target = target
	s.state = StateAuthed
	if s.authTimer != nil {
		s.authTimer.Stop()
	}
	s.bridge = s.gateway.newBridge(&binaryWriter{conn: s.conn, onWrite: s.countOutput})
	flush := s.pendingSize != nil
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"namespace": target.Namespace,
		"pod":       target.Pod,
		"container": target.Container,
	}).Info("Session authenticated")

	if err := s.conn.WriteText(protocol.Authed()); err != nil {
		s.logger.WithError(err).Debug("Failed to send authed frame")
		return
	}

	if flush {
		s.mu.Lock()
		if s.state == StateAuthed {
			s.startExecLocked()
		} else {
			s.mu.Unlock()
		}
	}
}

// startExecLocked launches the exec bridge with the pending size as the
// initial TTY dimensions. Caller holds s.mu; the lock is released here.
func (s *Session) startExecLocked() {
	size := *s.pendingSize
	s.pendingSize = nil
	s.state = StateStarting
	bridge := s.bridge
	ctx := s.ctx
	kubeconfig := s.kubeconfig
	target := s.target
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"namespace": target.Namespace,
		"pod":       target.Pod,
		"cols":      size.cols,
		"rows":      size.rows,
	}).Info("Starting exec stream")

	go bridge.Run(ctx, terminal.Request{
		Kubeconfig: []byte(kubeconfig),
		Namespace:  target.Namespace,
		Pod:        target.Pod,
		Container:  target.Container,
		Command:    target.Command,
		Cols:       size.cols,
		Rows:       size.rows,
	}, terminal.Events{
		Started: s.onStarted,
		Status:  s.onStatus,
		Exited:  s.onExited,
	})
}

func (s *Session) onStarted() {
	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	s.state = StateStarted
	s.mu.Unlock()

	if err := s.conn.WriteText(protocol.Started()); err != nil {
		s.logger.WithError(err).Debug("Failed to send started frame")
	}
}

func (s *Session) onStatus(status json.RawMessage) {
	if err := s.conn.WriteText(protocol.Status(status)); err != nil {
		s.logger.WithError(err).Debug("Failed to send status frame")
	}
}

func (s *Session) onExited(err error) {
	switch {
	case err == nil:
		s.closeWith(websocket.CloseNormalClosure, "exec finished", "")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.closeWith(websocket.CloseNormalClosure, "aborted", "")
	default:
		var noShell *terminal.NoShellError
		if errors.As(err, &noShell) {
			s.closeWith(websocket.ClosePolicyViolation, "no shell", noShell.Error())
			return
		}
		msg := err.Error()
		if msg == "" {
			msg = "exec failed"
		}
		s.closeWith(websocket.CloseInternalServerErr, "exec failed", msg)
	}
}

func (s *Session) onAuthTimeout() {
	s.mu.Lock()
	pre := s.state < StateAuthed
	s.mu.Unlock()
	if pre {
		timeout := s.gateway.cfg.AuthTimeout()
		s.closeWith(websocket.ClosePolicyViolation, "auth timeout",
			fmt.Sprintf("Auth timeout: no ticket presented within %s.", timeout))
	}
}

func (s *Session) countOutput(n int) {
	if s.gateway.metrics != nil {
		s.gateway.metrics.BytesToClient.Add(float64(n))
	}
}

func (s *Session) writeError(message string) {
	if err := s.conn.WriteText(protocol.Error(message)); err != nil {
		s.logger.WithError(err).Debug("Failed to send error frame")
	}
}

// closeWith emits an optional error frame, sends the close frame and tears
// the session down. Idempotent; later calls are no-ops.
func (s *Session) closeWith(code int, reason, errorMessage string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()

	if errorMessage != "" {
		s.writeError(errorMessage)
	}
	if err := s.conn.WriteClose(code, reason); err != nil {
		s.logger.WithError(err).Debug("Failed to send close frame")
	}

	s.logger.WithFields(logrus.Fields{
		"code":     code,
		"reason":   reason,
		"duration": time.Since(s.startedAt).Round(time.Millisecond).String(),
	}).Info("Session closed")

	s.teardown()
}

// destroy closes without client-visible framing: peer hangup, heartbeat
// miss, read-pump exit.
func (s *Session) destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()

	s.logger.WithField("duration", time.Since(s.startedAt).Round(time.Millisecond).String()).
		Info("Session terminated")

	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	timer := s.authTimer
	cancel := s.cancel
	bridge := s.bridge
	s.bridge = nil
	s.kubeconfig = ""
	s.pendingSize = nil
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if bridge != nil {
		bridge.Close()
	}
	s.conn.Close()
	s.gateway.remove(s.id)
}

func consumeResult(err error) string {
	switch {
	case errors.Is(err, ticket.ErrUsed):
		return "used"
	case errors.Is(err, ticket.ErrExpired):
		return "expired"
	default:
		return "invalid"
	}
}
