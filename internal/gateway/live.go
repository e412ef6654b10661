// ABOUTME: Live websocket endpoint: upgrades client sockets and pumps frames into session connections
// ABOUTME: Draining refuses new sockets with close code 4503 after a draining error fact

package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/live-gateway/internal/auth"
	"github.com/2389/live-gateway/internal/envelope"
	"github.com/2389/live-gateway/internal/session"
)

// CloseDraining is the websocket close code sent to sockets opened while draining.
const CloseDraining = 4503

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// wsSender serializes writes to one websocket. gorilla allows a single
// concurrent writer, and bridge facts arrive from upstream reader goroutines.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSender) Send(env envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteJSON(env)
}

func (s *wsSender) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *wsSender) close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (g *Gateway) trackSocket(ws *websocket.Conn) {
	g.socketsMu.Lock()
	g.sockets[ws] = struct{}{}
	g.socketsMu.Unlock()
}

func (g *Gateway) untrackSocket(ws *websocket.Conn) {
	g.socketsMu.Lock()
	delete(g.sockets, ws)
	g.socketsMu.Unlock()
}

// handleLive upgrades the request and runs the connection until the socket closes.
func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	g.trackSocket(ws)
	defer func() {
		g.untrackSocket(ws)
		_ = ws.Close()
	}()

	sender := &wsSender{ws: ws}

	if g.draining.Load() {
		e := envelope.NewError(envelope.CodeDraining, "gateway is draining; reconnect later")
		_ = sender.Send(envelope.ErrorEnvelope("", e))
		sender.close(CloseDraining, "draining")
		g.logger.Debug("refused connection while draining", "remote", r.RemoteAddr)
		return
	}

	conn := g.core.Accept(sender, auth.Subject(r.Context()))
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.Run(ctx)
	go g.keepalive(ctx, sender)

	ws.SetReadLimit(g.config.Session.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("client socket closed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := conn.Enqueue(data); errors.Is(err, session.ErrClosed) {
			return
		}
	}
}

// keepalive pings the client until ctx ends or a ping fails.
func (g *Gateway) keepalive(ctx context.Context, s *wsSender) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}
