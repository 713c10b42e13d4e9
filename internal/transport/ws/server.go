// Package ws serves the live viewer feed. Each connection handshakes
// with a SUBSCRIBE, joins the grower loop as a viewer, and from then on
// receives the frames the loop broadcasts. Param changes ride the same
// connection and are acked with the loop's verdict.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plantgrow.dev/internal/protocol"
	"plantgrow.dev/internal/sim/grower"
	"plantgrow.dev/internal/sim/tuning"
)

// The server pings idle connections; the read deadline outlasts the
// ping interval so a healthy but silent viewer keeps its deadline
// renewed by pongs alone.
const (
	readIdleTimeout = 60 * time.Second
	pingInterval    = 30 * time.Second
)

type Server struct {
	grower *grower.Grower
	tune   tuning.Tuning
	log    *log.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewServer(g *grower.Grower, tune tuning.Tuning, logger *log.Logger) *Server {
	return &Server{
		grower: g,
		tune:   tune,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.track(conn)
		defer s.untrack(conn)

		sub, ok := s.handshake(conn)
		if !ok {
			return
		}
		if sub.MaxBranches < 0 {
			sub.MaxBranches = 0
		}

		buf := s.tune.ViewerSendBuffer
		if buf <= 0 {
			buf = 64
		}
		out := make(chan []byte, buf)
		respCh := make(chan grower.SubscribeResponse, 1)
		joinReq := grower.SubscribeRequest{
			ViewerName:    sub.ViewerName,
			IncludeStates: sub.IncludeStates,
			IncludeCurves: sub.IncludeCurves,
			MaxBranches:   sub.MaxBranches,
			Out:           out,
			Resp:          respCh,
		}
		select {
		case s.grower.Subscribe() <- joinReq:
		case <-time.After(s.tune.HandshakeTimeout()):
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		var resp grower.SubscribeResponse
		select {
		case resp = <-respCh:
		case <-time.After(s.tune.HandshakeTimeout()):
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		if resp.Code != "" {
			_ = s.writeJSON(conn, protocol.AckMsg{
				Type:            protocol.TypeAck,
				ProtocolVersion: protocol.Version,
				AckFor:          protocol.TypeSubscribe,
				Accepted:        false,
				Code:            resp.Code,
				Message:         resp.Message,
			})
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, resp.Code), time.Now().Add(time.Second))
			return
		}
		defer func() {
			select {
			case s.grower.Unsubscribe() <- resp.ViewerID:
			case <-time.After(time.Second):
				// Grower loop is stopping; the viewer entry goes with it.
			}
		}()

		// Welcome and the initial full tree go out before the writer
		// goroutine takes over the connection.
		if err := s.writeJSON(conn, resp.Welcome); err != nil {
			return
		}
		if err := s.writeJSON(conn, resp.Tree); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Acks from the reader side are funneled through the writer so
		// only one goroutine ever writes data frames.
		acks := make(chan protocol.AckMsg, 8)

		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(s.tune.WriteTimeout()))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				case ack := <-acks:
					if err := s.writeJSON(conn, ack); err != nil {
						writeErr <- err
						return
					}
				case <-ping.C:
					_ = conn.SetWriteDeadline(time.Now().Add(s.tune.WriteTimeout()))
					if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		s.readLoop(ctx, conn, acks)

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handshake reads the opening SUBSCRIBE. A wrong first message closes
// the connection; a version mismatch is acked with an error first so
// the client learns why it was refused.
func (s *Server) handshake(conn *websocket.Conn) (protocol.SubscribeMsg, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.tune.HandshakeTimeout()))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.SubscribeMsg{}, false
	}
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
		return protocol.SubscribeMsg{}, false
	}
	if sub.Type != protocol.TypeSubscribe {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
		return protocol.SubscribeMsg{}, false
	}
	if sub.ProtocolVersion != protocol.Version {
		_ = s.writeJSON(conn, protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          protocol.TypeSubscribe,
			Accepted:        false,
			Code:            protocol.ErrProtoUnsupportedVersion,
			Message:         fmt.Sprintf("want protocol %s", protocol.Version),
		})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unsupported protocol version"), time.Now().Add(time.Second))
		return protocol.SubscribeMsg{}, false
	}
	return sub, true
}

// readLoop handles SET_PARAMS until the connection drops. Other
// message types are ignored.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, acks chan<- protocol.AckMsg) {
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	})

	limiter := newSetParamsLimiter(s.tune.RateLimits, s.tune.CycleDuration())

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeSetParams {
			continue
		}
		var sp protocol.SetParamsMsg
		if err := json.Unmarshal(msg, &sp); err != nil {
			s.sendAck(ctx, acks, s.nack(sp.ID, protocol.ErrProtoBadRequest, "malformed SET_PARAMS"))
			continue
		}
		if !limiter.allow(time.Now()) {
			s.sendAck(ctx, acks, s.nack(sp.ID, protocol.ErrRateLimited, "SET_PARAMS rate limit exceeded"))
			continue
		}

		ackCh := make(chan protocol.AckMsg, 1)
		select {
		case s.grower.Params() <- grower.ParamsRequest{Msg: sp, Resp: ackCh}:
		default:
			s.sendAck(ctx, acks, s.nack(sp.ID, protocol.ErrRateLimited, "params queue full"))
			continue
		}
		// The verdict arrives when the loop takes its next step; relay
		// it without blocking the reader.
		go func() {
			select {
			case ack := <-ackCh:
				s.sendAck(ctx, acks, ack)
			case <-ctx.Done():
			}
		}()
	}
}

func (s *Server) nack(ackFor, code, message string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          ackFor,
		Accepted:        false,
		Code:            code,
		Message:         message,
		Cycle:           s.grower.CurrentCycle(),
	}
}

func (s *Server) sendAck(ctx context.Context, acks chan<- protocol.AckMsg, ack protocol.AckMsg) {
	select {
	case acks <- ack:
	case <-ctx.Done():
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.tune.WriteTimeout()))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Shutdown closes every live viewer connection. Handlers unwind on
// their next read and unsubscribe themselves from the grower.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	if len(conns) > 0 {
		s.log.Printf("closing %d viewer connection(s)", len(conns))
	}
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		_ = c.Close()
	}
}

// setParamsLimiter bounds SET_PARAMS per connection. The window is
// expressed in growth cycles so operators reason in the unit the
// grower ticks in.
type setParamsLimiter struct {
	window time.Duration
	max    int

	start time.Time
	count int
}

func newSetParamsLimiter(rl tuning.RateLimits, cycle time.Duration) *setParamsLimiter {
	return &setParamsLimiter{
		window: time.Duration(rl.SetParamsWindowCycles) * cycle,
		max:    rl.SetParamsMax,
	}
}

func (l *setParamsLimiter) allow(now time.Time) bool {
	if l.max <= 0 || l.window <= 0 {
		return true
	}
	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	l.count++
	return l.count <= l.max
}
