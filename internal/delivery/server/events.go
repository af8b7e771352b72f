package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/domain/inspector"
	"taskrunner/internal/shared/async"
	jsonx "taskrunner/internal/shared/json"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// InspectorEntry holds the latest inspector results seen for a task.
type InspectorEntry struct {
	TaskID    string                   `json:"task_id"`
	JS        *inspector.JSResult      `json:"js,omitempty"`
	Network   *inspector.NetworkResult `json:"network,omitempty"`
	UpdatedAt time.Time                `json:"updated_at"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// observe caches inspector results and fans the notification out to
// websocket clients. Slow clients lose notifications.
func (s *Server) observe(n orchestrator.Notification) {
	if n.Type == orchestrator.NotifyInspector && n.TaskID != "" {
		entry, _ := s.inspector.Get(n.TaskID)
		entry.TaskID = n.TaskID
		if n.JS != nil {
			entry.JS = n.JS
		}
		if n.Network != nil {
			entry.Network = n.Network
		}
		entry.UpdatedAt = n.Timestamp
		s.inspector.Add(n.TaskID, entry)
	}

	payload, err := jsonx.Marshal(n)
	if err != nil {
		s.logger.Warn("Encoding notification %s failed: %v", n.ID, err)
		return
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()
	s.logger.Debug("Websocket client connected from %s", c.Request.RemoteAddr)

	async.Go(s.logger, "server.ws.write", func() { s.writePump(client) })
	s.readPump(client)
}

// readPump discards client messages and unregisters the client when the
// connection drops.
func (s *Server) readPump(client *wsClient) {
	defer s.removeClient(client)
	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(client *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		delete(s.clients, client)
		close(client.send)
	}
}

// ClientCount reports connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
