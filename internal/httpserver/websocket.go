package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/skobkin/hosttop-web/internal/api"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.snapshots == nil {
		http.Error(w, "sampler unavailable", http.StatusServiceUnavailable)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	defer closeWebsocket(reqLogger, conn)

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	snapshots, unsubscribe := s.snapshots.Subscribe()
	defer func() {
		unsubscribe()
		outbound.close()
		cancel()
		<-writerDone
	}()

	hello := api.NewHelloMessage(
		int(s.cfg.SampleInterval/time.Millisecond),
		s.host,
		map[string]bool{
			"kill":       s.killEnabled(),
			"prometheus": s.cfg.EnablePrometheus,
		},
	)
	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)
	go s.keepalive(ctx, conn, cancel, logger)

	for {
		select {
		case snapshot, ok := <-snapshots:
			if !ok {
				logger.Debug("snapshot stream closed")
				return
			}
			if !s.enqueueSnapshot(outbound, api.NewSnapshotMessage(snapshot), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(ctx, outbound, data, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

// keepalive pings the client every ReadTimeout and tears the connection
// down when a pong does not arrive in time. Cancelling a pending Read in
// coder/websocket closes the connection, so liveness is checked here
// instead of with read deadlines.
func (s *Server) keepalive(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, logger *slog.Logger) {
	if s.cfg.WS.ReadTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.WS.ReadTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() == nil {
					logger.Info("websocket client unresponsive", "err", err)
				}
				cancel()
				return
			}
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, outbound *wsOutbound, data []byte, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case api.TypePing:
		if !s.enqueueMessage(outbound, api.PongMessage{Type: api.TypePong}, logger) {
			return fmt.Errorf("enqueue pong")
		}
	case api.TypeKill:
		var msg api.KillMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.enqueueError(outbound, "invalid kill payload", logger) {
				return fmt.Errorf("enqueue kill payload error")
			}
			return nil
		}
		result := killDisabledResult(msg.PID)
		if s.killEnabled() {
			result = killResult(msg.PID, s.terminate(ctx, msg.PID))
		}
		if !s.enqueueMessage(outbound, result, logger) {
			return fmt.Errorf("enqueue kill result")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		msg, ok := outbound.next(ctx)
		if !ok {
			return
		}
		if err := s.writeRaw(ctx, conn, msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket write failed", "err", err)
			}
			cancel()
			return
		}
		s.wsSent.Add(1)
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	if s.cfg.WS.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// enqueueMessage queues a control message (hello, pong, kill result, error).
// Control messages are never dropped in favour of newer ones.
func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueueControl(data) {
		logger.Warn("websocket control queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueSnapshot(outbound *wsOutbound, payload api.SnapshotMessage, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueueSnapshot(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: api.TypeError, Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil && logger != nil {
		logger.Debug("websocket close failed", "err", err)
	}
}

// wsOutbound holds two bounded per-connection queues. Snapshots are
// replaceable: when the client falls behind the oldest pending snapshot is
// dropped. Control messages are never dropped; a full control queue fails
// the enqueue instead. The writer drains control messages first. The queues
// are fed and closed from the connection's handler goroutine only.
type wsOutbound struct {
	control   chan []byte
	snapshots chan []byte
	closed    atomic.Bool
	drops     *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		control:   make(chan []byte, size),
		snapshots: make(chan []byte, size),
		drops:     dropCounter,
	}
}

func (o *wsOutbound) enqueueControl(msg []byte) bool {
	if o.closed.Load() {
		return false
	}
	select {
	case o.control <- msg:
		return true
	default:
		return false
	}
}

func (o *wsOutbound) enqueueSnapshot(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.snapshots <- msg:
		return true
	default:
	}

	select {
	case <-o.snapshots:
		o.countDrop()
	default:
	}

	select {
	case o.snapshots <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

// next blocks until a message is pending, preferring control messages. It
// reports false once the queues are closed or ctx is done.
func (o *wsOutbound) next(ctx context.Context) ([]byte, bool) {
	select {
	case msg, ok := <-o.control:
		return msg, ok
	default:
	}

	select {
	case <-ctx.Done():
		return nil, false
	case msg, ok := <-o.control:
		return msg, ok
	case msg, ok := <-o.snapshots:
		return msg, ok
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.control)
		close(o.snapshots)
	}
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
