package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-issue-orchestrator/internal/domain"
)

const writeWait = 10 * time.Second

// StreamMessage is one frame on the task stream
type StreamMessage struct {
	Type   string             `json:"type"`
	Task   *domain.TaskRecord `json:"task,omitempty"`
	Status domain.TaskStatus  `json:"status,omitempty"`
	Line   string             `json:"line,omitempty"`
}

const (
	MessageSnapshot = "snapshot"
	MessageStatus   = "status"
	MessageLog      = "log"
)

// streamTask sends a snapshot of the task, then every new log line and
// status change until the task reaches a terminal state or the client leaves
func (s *Server) streamTask(w http.ResponseWriter, r *http.Request, key string) {
	rec, ok := s.store.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pongWait := 2 * s.pingInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// The reader only drains control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(m StreamMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(m); err != nil {
			s.logger.Debug("stream write failed", "issue", key, "error", err)
			return false
		}
		return true
	}

	if !send(StreamMessage{Type: MessageSnapshot, Task: rec}) {
		return
	}
	lastLog := rec.ProgressLog
	lastStatus := rec.Status

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for !lastStatus.IsTerminal() {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-poll.C:
			cur, ok := s.store.Get(key)
			if !ok {
				return
			}
			for _, line := range domain.NewLogLines(lastLog, cur.ProgressLog) {
				if !send(StreamMessage{Type: MessageLog, Line: line}) {
					return
				}
			}
			lastLog = cur.ProgressLog
			if cur.Status != lastStatus {
				if !send(StreamMessage{Type: MessageStatus, Status: cur.Status}) {
					return
				}
				lastStatus = cur.Status
			}
		}
	}

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task "+string(lastStatus)),
		time.Now().Add(writeWait))
}
