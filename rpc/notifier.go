package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/tolelom/framebattles/events"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// notifyTypes are the events forwarded to websocket clients.
var notifyTypes = []events.EventType{
	events.EventTxSubmitted,
	events.EventTxConfirmed,
	events.EventTxFailed,
	events.EventRefreshed,
	events.EventBattleCreated,
	events.EventBattleAccepted,
	events.EventBattleResolved,
	events.EventBattleCancelled,
	events.EventPaused,
	events.EventUnpaused,
	events.EventFeeUpdated,
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Notifier pushes events to every connected websocket client.
type Notifier struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
	unsub   []func()
}

// NewNotifier subscribes to the client-facing events on emitter.
// allowOrigin decides which browser origins may connect; nil allows all.
func NewNotifier(emitter *events.Emitter, allowOrigin func(origin string) bool) *Notifier {
	n := &Notifier{clients: make(map[*wsClient]bool)}
	n.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowOrigin == nil {
				return true
			}
			return allowOrigin(r.Header.Get("Origin"))
		},
	}
	for _, typ := range notifyTypes {
		n.unsub = append(n.unsub, emitter.Subscribe(typ, n.broadcast))
	}
	return n
}

// Handle upgrades the request and streams events until the client leaves.
func (n *Notifier) Handle(c echo.Context) error {
	conn, err := n.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // upgrader already wrote the error
	}
	client := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	n.mu.Lock()
	n.clients[client] = true
	n.mu.Unlock()
	log.Debugf("[rpc] ws client connected from %s", c.RealIP())

	go n.writePump(client)
	n.readPump(client)
	return nil
}

// Clients returns the number of connected clients.
func (n *Notifier) Clients() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}

// Close unsubscribes and disconnects every client.
func (n *Notifier) Close() {
	for _, u := range n.unsub {
		u()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.clients {
		close(c.send)
		delete(n.clients, c)
	}
}

func (n *Notifier) broadcast(ev events.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("[rpc] encode %s: %v", ev.Type, err)
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.clients {
		select {
		case c.send <- msg:
		default:
			// client is not keeping up
			close(c.send)
			delete(n.clients, c)
		}
	}
}

func (n *Notifier) remove(c *wsClient) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.clients[c] {
		close(c.send)
		delete(n.clients, c)
	}
}

// readPump discards client messages and handles pongs until the connection closes.
func (n *Notifier) readPump(c *wsClient) {
	defer func() {
		n.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (n *Notifier) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
