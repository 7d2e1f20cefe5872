package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the frame shape pushed to connected operator clients.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	Time    string `json:"time"`
}

// handleWS streams bus events (hitl.* and run.*) to a websocket client.
// The stream is one-way; client frames are read only to detect close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r, "ws") {
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe("")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws client connected", "remote", r.RemoteAddr)
	defer s.logger.Info("ws client disconnected", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{
				Topic:   event.Topic,
				Payload: event.Payload,
				Time:    time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}
}
