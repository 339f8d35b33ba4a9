// Package wssession implements the per-connection session state
// machine (C9, spec.md §4.9): a WebSocket connection progresses
// Opening → AwaitingCatchup → Catchup → Live → Closing → Closed, with
// a reader pump and a writer pump as its two cooperating tasks
// (spec.md §5). Grounded on the teacher's client/server push-pull loop
// generalized from one-shot HTTP requests to a duplex socket, and on
// the upgrade/read-loop shape of zoravur-postgres-spreadsheet-view's
// server/internal/api/ws.go.
package wssession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vibestack/syncd/internal/broadcast"
	"github.com/vibestack/syncd/internal/catchup"
	"github.com/vibestack/syncd/internal/changeset"
	"github.com/vibestack/syncd/internal/lsn"
	"github.com/vibestack/syncd/internal/protocol"
	"github.com/vibestack/syncd/internal/registry"
	"github.com/vibestack/syncd/internal/submit"
)

// State is one of C9's six states.
type State int

const (
	StateOpening State = iota
	StateAwaitingCatchup
	StateCatchup
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateAwaitingCatchup:
		return "awaiting_catchup"
	case StateCatchup:
		return "catchup"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config carries the tunables from spec.md §6.
type Config struct {
	HeartbeatInterval     time.Duration // H
	AckTimeout            time.Duration // T_ack
	WriteTimeout          time.Duration // T_w
	OutboundQueueDepth    int
	CatchupChunkSize      int
	SubmitRateLimitPerMin int // 0 disables submit throttling
}

// SubmitLimiter is the per-clientId admission check applied to
// clt_submit, satisfied by internal/ratelimit.Limiter. Kept as a
// narrow interface so wssession never imports the HTTP-layer package
// that owns the shared limiter.
type SubmitLimiter interface {
	Allow(key string, limit int) bool
}

// Deps are the engine-owned collaborators a Session needs.
type Deps struct {
	Registry      registry.Registry
	Broadcaster   *broadcast.Broadcaster
	Catchup       *catchup.Engine
	Submit        *submit.Path
	SubmitLimiter SubmitLimiter // optional; nil disables throttling
}

// outboundMsg is one queued write, bounded per spec.md §5 by
// OUTBOUND_QUEUE_DEPTH.
type outboundMsg struct {
	envelope any
}

// Session is one C9 state machine instance.
type Session struct {
	clientID string
	conn     *websocket.Conn
	cfg      Config
	deps     Deps
	log      *slog.Logger

	mu    sync.Mutex
	state State

	outbound chan outboundMsg

	ackMu sync.Mutex
	ackCh map[int]chan error

	lastSeen   atomicTime
	closeOnce  sync.Once
	closedCh   chan struct{}
	closeCode  int
	closeText  string
}

// New constructs a Session for an already-upgraded connection.
func New(clientID string, conn *websocket.Conn, cfg Config, deps Deps, log *slog.Logger) *Session {
	if cfg.OutboundQueueDepth <= 0 {
		cfg.OutboundQueueDepth = 256
	}
	s := &Session{
		clientID: clientID,
		conn:     conn,
		cfg:      cfg,
		deps:     deps,
		log:      log.With(slog.String("client_id", clientID)),
		state:    StateOpening,
		outbound: make(chan outboundMsg, cfg.OutboundQueueDepth),
		ackCh:    map[int]chan error{},
		closedCh: make(chan struct{}),
	}
	s.lastSeen.set(time.Now())
	return s
}

// ID satisfies broadcast.Subscriber.
func (s *Session) ID() string { return s.clientID }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the current C9 state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session through its full lifecycle until the
// connection closes, ctx is cancelled, or a protocol violation occurs.
// It owns the reader and writer pump goroutines and guarantees both
// have exited before returning (spec.md §9's structured concurrency
// note: no orphan tasks outlive their session).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.deps.Broadcaster.Unsubscribe(s.clientID)

	var wg sync.WaitGroup
	wg.Add(2)
	var readErr error
	go func() {
		defer wg.Done()
		readErr = s.readPump(ctx, cancel)
	}()
	go func() {
		defer wg.Done()
		s.writerPump(ctx)
	}()
	go s.heartbeatWatchdog(ctx, cancel)

	client, _, err := s.deps.Registry.Get(ctx, s.clientID)
	if err != nil {
		s.closeSession(protocol.CloseProtocolError, "registry lookup failed")
		wg.Wait()
		return err
	}
	fromLSN := client.LastAckLSN

	s.setState(StateAwaitingCatchup)
	head, err := s.deps.Catchup.HeadLSN(ctx)
	if err != nil {
		s.closeSession(protocol.CloseProtocolError, "history unavailable")
		wg.Wait()
		return err
	}

	s.setState(StateCatchup)
	if err := s.deps.Catchup.Run(ctx, s.clientID, fromLSN, head, s, s); err != nil {
		s.closeSession(protocol.CloseProtocolError, "catchup failed")
		wg.Wait()
		return err
	}

	s.setState(StateLive)
	s.deps.Broadcaster.Subscribe(s, head)

	wg.Wait()
	s.setState(StateClosed)
	return readErr
}

// readPump is the reader task: decodes inbound frames and dispatches
// them by type. Any protocol violation transitions to Closing.
func (s *Session) readPump(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		s.lastSeen.set(time.Now())

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			s.closeSession(protocol.CloseProtocolError, "malformed envelope")
			return err
		}

		if err := s.dispatch(ctx, env); err != nil {
			s.closeSession(protocol.CloseProtocolError, err.Error())
			return err
		}

		if env.Type == protocol.TypeDisconnect {
			return nil
		}
	}
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHeartbeat, protocol.TypeDisconnect:
		return nil

	case protocol.TypeCatchupReceived:
		var p protocol.CatchupReceived
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("bad catchup_received payload: %w", err)
		}
		if err := s.ackChunk(p.Chunk, nil); err != nil {
			return err
		}
		// An acknowledged chunk advances lastAckLSN to the lsn the client
		// echoes; an ack without lsn only releases the next chunk.
		if p.LSN == "" {
			return nil
		}
		at, err := lsn.Parse(p.LSN)
		if err != nil {
			return fmt.Errorf("bad catchup_received lsn: %w", err)
		}
		if regErr := s.deps.Registry.UpdateLastAckLSN(ctx, s.clientID, at); regErr != nil {
			return fmt.Errorf("persist lastAckLSN: %w", regErr)
		}
		return nil

	case protocol.TypeChangesReceived:
		var p protocol.ChangesReceived
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("bad changes_received payload: %w", err)
		}
		at, err := lsn.Parse(p.LastLSN)
		if err != nil {
			return fmt.Errorf("bad changes_received lastLSN: %w", err)
		}
		s.deps.Broadcaster.AdvanceCursor(s.clientID, at)
		if regErr := s.deps.Registry.UpdateLastAckLSN(ctx, s.clientID, at); regErr != nil {
			return fmt.Errorf("persist lastAckLSN: %w", regErr)
		}
		return nil

	case protocol.TypeSubmit:
		var p protocol.Submit
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("bad submit payload: %w", err)
		}
		return s.handleSubmit(ctx, p)

	case protocol.TypeCatchupRequest:
		return nil // implicit on connect; explicit re-requests are a no-op here

	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

// ErrSubmitRateLimited is returned to the caller's enqueued nack when a
// client exceeds SUBMIT_RATE_LIMIT_PER_MIN; it never closes the session.
var ErrSubmitRateLimited = errors.New("submit rate limit exceeded")

func (s *Session) handleSubmit(ctx context.Context, p protocol.Submit) error {
	if s.deps.SubmitLimiter != nil && s.cfg.SubmitRateLimitPerMin > 0 {
		if !s.deps.SubmitLimiter.Allow("submit:"+s.clientID, s.cfg.SubmitRateLimitPerMin) {
			s.enqueue(protocol.Envelope{Type: protocol.TypeSubmitNack, ClientID: s.clientID, Timestamp: time.Now()},
				protocol.SubmitNack{BatchID: p.BatchID, Reason: ErrSubmitRateLimited.Error()})
			return nil
		}
	}

	changes := make([]changeset.Change, 0, len(p.Changes))
	for _, w := range p.Changes {
		c, err := protocol.FromWire(w)
		if err != nil {
			return err
		}
		changes = append(changes, c)
	}

	result, err := s.deps.Submit.Apply(ctx, s.clientID, changes)
	if err != nil {
		if errors.Is(err, submit.ErrClientIDMismatch) {
			return err // protocol violation: close the session
		}
		s.enqueue(protocol.Envelope{Type: protocol.TypeSubmitNack, ClientID: s.clientID, Timestamp: time.Now()},
			protocol.SubmitNack{BatchID: p.BatchID, Reason: err.Error()})
		return nil
	}

	var rejected []protocol.RejectedRow
	for _, r := range result.Rejected {
		rejected = append(rejected, protocol.RejectedRow{ID: r.ID, Reason: r.Reason})
	}
	if len(rejected) > 0 {
		s.enqueue(protocol.Envelope{Type: protocol.TypeSubmitNack, ClientID: s.clientID, Timestamp: time.Now()},
			protocol.SubmitNack{BatchID: p.BatchID, Rejected: rejected})
	}
	s.enqueue(protocol.Envelope{Type: protocol.TypeSubmitAck, ClientID: s.clientID, Timestamp: time.Now()},
		protocol.SubmitAck{BatchID: p.BatchID, ResultingLSN: result.ResultingLSN.String()})
	return nil
}

// ackChunk resolves the waiter registered for chunkIndex, if any.
func (s *Session) ackChunk(chunkIndex int, err error) error {
	s.ackMu.Lock()
	ch, ok := s.ackCh[chunkIndex]
	s.ackMu.Unlock()
	if !ok {
		return fmt.Errorf("ack for unknown chunk %d", chunkIndex)
	}
	select {
	case ch <- err:
	default:
	}
	return nil
}

// SendChunk implements catchup.Sender.
func (s *Session) SendChunk(ctx context.Context, chunk catchup.Chunk) error {
	wires := make([]protocol.ChangeWire, len(chunk.Changes))
	for i, c := range chunk.Changes {
		wires[i] = protocol.ToWire(c)
	}
	s.enqueue(protocol.Envelope{Type: protocol.TypeCatchupChanges, ClientID: s.clientID, Timestamp: time.Now()},
		protocol.CatchupChanges{
			Changes:  wires,
			Sequence: protocol.Sequence{Chunk: chunk.Index, Total: chunk.Total},
			LastLSN:  chunk.LastLSN.String(),
		})
	return nil
}

// SendCompleted implements catchup.Sender.
func (s *Session) SendCompleted(ctx context.Context, lastLSN lsn.LSN) error {
	s.enqueue(protocol.Envelope{Type: protocol.TypeCatchupCompleted, ClientID: s.clientID, Timestamp: time.Now()},
		protocol.CatchupCompleted{LastLSN: lastLSN.String()})
	return nil
}

// WaitAck implements catchup.AckWaiter, gating the next chunk on the
// client's catchup_received for chunkIndex within T_ack (spec.md §5).
func (s *Session) WaitAck(ctx context.Context, chunkIndex int) error {
	ch := make(chan error, 1)
	s.ackMu.Lock()
	s.ackCh[chunkIndex] = ch
	s.ackMu.Unlock()
	defer func() {
		s.ackMu.Lock()
		delete(s.ackCh, chunkIndex)
		s.ackMu.Unlock()
	}()

	timeout := s.cfg.AckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("ack timeout for chunk %d", chunkIndex)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver implements broadcast.Subscriber: it enqueues changes for the
// writer pump, blocking up to ctx's deadline (the broadcaster's
// backpressure budget, T_bp) before reporting SlowConsumer.
func (s *Session) Deliver(ctx context.Context, changes []changeset.Change) broadcast.Outcome {
	wires := make([]protocol.ChangeWire, len(changes))
	for i, c := range changes {
		wires[i] = protocol.ToWire(c)
	}
	lastLSN := changes[len(changes)-1].LSN
	msg := outboundMsg{envelope: buildEnvelope(protocol.Envelope{
		Type: protocol.TypeLiveChanges, ClientID: s.clientID, Timestamp: time.Now(),
	}, protocol.LiveChanges{Changes: wires, LastLSN: lastLSN.String()})}

	select {
	case s.outbound <- msg:
		return broadcast.OutcomeDelivered
	case <-ctx.Done():
		return broadcast.OutcomeSlowConsumer
	}
}

func (s *Session) enqueue(env protocol.Envelope, payload any) {
	select {
	case s.outbound <- outboundMsg{envelope: buildEnvelope(env, payload)}:
	default:
		s.log.Warn("outbound queue full, dropping control message", slog.String("type", env.Type))
	}
}

// wireEnvelope is what actually goes over the socket: the envelope
// fields plus the type-specific payload flattened alongside them.
type wireEnvelope struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"clientId"`
	MessageID string    `json:"messageId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

func buildEnvelope(env protocol.Envelope, payload any) wireEnvelope {
	return wireEnvelope{Type: env.Type, ClientID: env.ClientID, MessageID: env.MessageID, Timestamp: env.Timestamp, Payload: payload}
}

// writerPump is the single consumer of s.outbound, the sole goroutine
// allowed to write to the socket (spec.md §5: single-producer/
// single-consumer bounded queue).
func (s *Session) writerPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closedCh:
			return
		case msg := <-s.outbound:
			writeTimeout := s.cfg.WriteTimeout
			if writeTimeout <= 0 {
				writeTimeout = 5 * time.Second
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(msg.envelope); err != nil {
				s.log.Warn("write failed, closing session", slog.String("error", err.Error()))
				s.closeSession(protocol.CloseProtocolError, "write failed")
				return
			}
		}
	}
}

// heartbeatWatchdog closes the session if no inbound frame (including
// heartbeats) has been seen for 3H (spec.md §4.9).
func (s *Session) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.lastSeen.get()) > 3*interval {
				s.closeSession(protocol.CloseHeartbeatLost, "heartbeat lost")
				cancel()
				return
			}
		}
	}
}

// closeSession transitions to Closing/Closed and sends a WebSocket
// close frame with code exactly once.
func (s *Session) closeSession(code int, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeCode = code
		s.closeText = reason
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		}
		close(s.closedCh)
	})
}

// Close forces the session closed with code/reason, used by the
// session manager to supersede a prior connection for the same
// clientId (spec.md §4.9 reconnection rule) with CloseSuperseded.
func (s *Session) Close(code int, reason string) {
	s.closeSession(code, reason)
}

// CloseInfo reports the code and reason the session was closed with,
// for access logging; valid only after Run has returned.
func (s *Session) CloseInfo() (code int, reason string) {
	return s.closeCode, s.closeText
}

// atomicTime is a small helper around a mutex-guarded time.Time; the
// heartbeat watchdog reads it far less often than the reader pump
// writes it, so a plain mutex beats sync/atomic's pointer juggling.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) set(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
