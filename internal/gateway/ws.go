package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

// feedEvent is one bus event as sent to websocket clients.
type feedEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// handleWS streams bus events to the client. The optional "topic" query
// parameter narrows the feed to a topic prefix such as "approval.".
// The feed is read-only; anything the client sends is discarded.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed not configured")
		return
	}
	// Subscribe before the upgrade completes so nothing published after the
	// client sees 101 is missed.
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnected", "remote", r.RemoteAddr)
			return
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, feedEvent{Topic: ev.Topic, Payload: ev.Payload, At: time.Now().UTC()})
			cancel()
			if err != nil {
				s.logger.Warn("ws: write failed, closing", "error", err)
				return
			}
		}
	}
}
