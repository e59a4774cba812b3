package cmd

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/notify"
	"github.com/kimhsiao/studysync/internal/uuid"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin only accepts connections made to a loopback host.
func localOrigin(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// wsClient forwards hub events to one websocket connection. With no
// subscriptions every event is forwarded.
type wsClient struct {
	id   string
	conn *websocket.Conn
	sub  *notify.Subscription
	send chan []byte
	done chan struct{}

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wsRequest is a message sent by a client.
type wsRequest struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

func (c *wsClient) wants(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// reply queues a control message unless the writer has stopped.
func (c *wsClient) reply(v map[string]interface{}) {
	v["timestamp"] = time.Now().UnixMilli()
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	}
}

// readPump handles client requests until the connection fails.
func (c *wsClient) readPump(hub *notify.Hub) {
	defer func() {
		hub.Unsubscribe(c.sub)
		c.conn.Close()
		logging.Debug("websocket client disconnected", map[string]interface{}{"client": c.id})
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("websocket read failed", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			logging.Debug("invalid websocket message", map[string]interface{}{"client": c.id})
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": req.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "unsubscribe_ack", "unsubscribed": req.Events})
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump writes events and replies until the subscription ends.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !c.wants(ev.Type) {
				continue
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the request and forwards hub events to it.
func handleWebSocket(hub *notify.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &wsClient{
			id:            uuid.New(),
			conn:          conn,
			sub:           hub.Subscribe(),
			send:          make(chan []byte, 16),
			done:          make(chan struct{}),
			subscriptions: make(map[string]bool),
		}
		logging.Debug("websocket client connected", map[string]interface{}{
			"client":  client.id,
			"clients": hub.Len(),
		})

		go client.writePump()
		go client.readPump(hub)
	}
}
