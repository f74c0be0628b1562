package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsEvent is the frame written to event stream clients.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	Time    string `json:"time"`
}

// handleEvents upgrades to a WebSocket and forwards bus events. An
// optional topic query parameter narrows the stream by prefix, e.g.
// ?topic=job. Slow clients lose events rather than stalling the bus.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusNotImplemented, "event bus unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	topic := r.URL.Query().Get("topic")
	sub := s.cfg.Bus.Subscribe(topic)
	defer s.cfg.Bus.Unsubscribe(sub)

	s.logger.Info("event stream client connected", "topic", topic)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			frame := wsEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				Time:    time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				s.logger.Debug("event stream write failed, closing", "error", err)
				return
			}
		}
	}
}
