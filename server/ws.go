package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pabawi/pabawi/execution"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

// HandleExecutionStream upgrades GET /ws/executions/{id} and streams the
// execution's events to the client until the terminal event or disconnect.
// Buffered recent events are delivered first (reconnect catch-up), then
// live events. A disconnecting client never affects the execution or other
// subscribers.
func (s *PabawiServer) HandleExecutionStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/executions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "Missing execution id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "execution_id", shortID(id), "error", err)
		return
	}

	sub := s.streams.Subscribe(id)
	s.logger.Debugw("Stream subscriber attached",
		"execution_id", shortID(id),
		"subscribers", s.streams.SubscriberCount(id),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		defer s.streams.Unsubscribe(sub)

		// Reader goroutine: consume control frames, detect disconnect.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pinger := time.NewTicker(pingPeriod)
		defer pinger.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-clientGone:
				s.logger.Debugw("Stream subscriber disconnected", "execution_id", shortID(id))
				return
			case <-pinger.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case ev, ok := <-sub.Events():
				if !ok {
					// Terminal event delivered; tell the client the stream
					// ended cleanly.
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					s.logger.Debugw("Stream write failed, detaching subscriber",
						"execution_id", shortID(id),
						"error", err,
					)
					return
				}
			}
		}
	}()
}

// recordUpdateMessage wraps a record update for the global updates socket.
type recordUpdateMessage struct {
	Type      string            `json:"type"`
	Execution *execution.Record `json:"execution"`
	Timestamp int64             `json:"timestamp"`
}

// HandleUpdates upgrades GET /ws/updates and pushes every record state
// change (admission, promotion, settlement) to the client. This feeds the
// dashboard's live execution list.
func (s *PabawiServer) HandleUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "error", err)
		return
	}

	updates := s.queue.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer conn.Close()
		defer func() {
			// Unsubscribe first (removes from list), then close.
			// Order matters: closing while still subscribed could panic on send.
			s.queue.Unsubscribe(updates)
			close(updates)
		}()

		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pinger := time.NewTicker(pingPeriod)
		defer pinger.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-clientGone:
				return
			case <-pinger.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case rec := <-updates:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				msg := recordUpdateMessage{
					Type:      "execution_update",
					Execution: rec,
					Timestamp: time.Now().Unix(),
				}
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}()
}
