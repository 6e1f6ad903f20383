package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsPushInterval = time.Second

// The API binds to loopback only; cross-origin browser access is not a
// supported surface.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleTasksWS streams the task list to the client once per second, with a
// forced engine refresh per tick. The connection closes when the client goes
// away or the server shuts down.
func (s *Server) handleTasksWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reads are discarded; the read loop only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	for {
		tasks := s.service.ListTasks(r.Context(), true)
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(tasks); err != nil {
			return
		}

		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
