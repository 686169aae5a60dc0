package gateway

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypoint/relaypoint/internal/hub"
	"github.com/relaypoint/relaypoint/internal/logger"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

// client pumps frames between one websocket and the hub connection it was
// registered as
type client struct {
	ws     *websocket.Conn
	conn   *hub.Conn
	router *hub.Router
	log    *logger.Logger
	met    *metrics.HubMetrics
}

func newClient(ws *websocket.Conn, conn *hub.Conn, router *hub.Router, log *logger.Logger, met *metrics.HubMetrics) *client {
	return &client{
		ws:     ws,
		conn:   conn,
		router: router,
		log:    log,
		met:    met,
	}
}

func (c *client) start() {
	go c.writePump()
	go c.readPump()
}

// readPump reads frames from the websocket, normalizes them at the edge,
// and fans valid updates out to the rest of the account's connections.
// Its exit deregisters the connection exactly once, whether the peer
// closed cleanly or the transport failed abruptly.
func (c *client) readPump() {
	defer func() {
		c.router.Deregister(c.conn.Identity().AccountID, c.conn.ID())
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.conn.Touch(time.Now())
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("Connection %s read error: %v", c.conn.ID(), err)
			}
			return
		}

		now := time.Now()
		c.conn.Touch(now)

		update, err := wire.Normalize(raw, now)
		if err != nil {
			// Local to this frame: drop it, record a warning, keep the
			// connection
			c.met.MalformedCounter.Inc()
			c.log.Warn("Connection %s sent malformed frame: %s", c.conn.ID(), wire.ErrorCodeMalformedMessage)
			continue
		}

		delivered := c.router.PublishFrom(c.conn.Identity().AccountID, c.conn.ID(), c.originTarget(), update)
		c.log.Debug("Connection %s published %s to %d peers", c.conn.ID(), update.Kind, delivered)
	}
}

// originTarget is the fan-out filter for client-originated updates: a
// session-bound connection publishes to its session, everything else to
// the whole account.
func (c *client) originTarget() hub.BroadcastTarget {
	ident := c.conn.Identity()
	if c.conn.Scope() == hub.ScopeSession {
		return hub.BroadcastTarget{Kind: hub.FilterSession, Value: ident.SessionID}
	}
	return hub.BroadcastTarget{Kind: hub.FilterAccount, Value: ident.AccountID}
}

// writePump drains the connection's outbound queue to the websocket in
// FIFO order, sends keepalive pings, and honors coordinator-issued close
// requests
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case env := <-c.conn.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))

			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("Failed to marshal envelope for connection %s: %v", c.conn.ID(), err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("Failed to write to connection %s: %v", c.conn.ID(), err)
				return
			}

		case sig := <-c.conn.CloseRequests():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(sig.Code, sig.Reason)
			_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
