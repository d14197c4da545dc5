package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/miningd/internal/broadcast"
)

// handleEvents streams session events over a websocket. The first message is the
// current snapshot; the stream ends when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	log := zerolog.Ctx(r.Context()).With().Str("user_id", userID).Logger()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	// subscribe before the snapshot so an event published in between is queued;
	// queued events older than the snapshot are skipped by writePump
	sub := s.events.Subscribe(userID, s.cfg.EventBuffer)
	defer sub.Close()

	initial := broadcast.NewEvent(broadcast.EventProgress, s.sessions.Snapshot(userID))

	log.Debug().Msg("event stream opened")

	done := make(chan struct{})
	go s.readPump(conn, done, log)

	if err := s.write(conn, initial); err != nil {
		return
	}
	s.writePump(conn, sub, initial, done, log)

	log.Debug().Msg("event stream closed")
}

func (s *Server) write(conn *websocket.Conn, ev broadcast.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(ev)
}

// supersededBy reports whether ev describes an earlier point of the same session
// than the snapshot event already sent.
func supersededBy(ev, initial broadcast.Event) bool {
	return ev.SessionID == initial.SessionID && ev.ElapsedMs < initial.ElapsedMs
}

func (s *Server) writePump(conn *websocket.Conn, sub *broadcast.Subscription, initial broadcast.Event, done <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if supersededBy(ev, initial) {
				continue
			}
			if err := s.write(conn, ev); err != nil {
				log.Debug().Err(err).Msg("failed to write event")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump discards client messages and closes done when the connection ends.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}, log zerolog.Logger) {
	defer close(done)

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}
