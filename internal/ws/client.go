package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // browser clients are served from other origins
	Subprotocols:    []string{subprotocolJSON, subprotocolProtobuf},
}

// Client represents a WebSocket client connection.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	connID   string
	logger   *zap.Logger
	protocol string // "protobuf" or "json"

	mu     sync.Mutex
	closed bool
}

var _ fsync.Subscriber = (*Client)(nil)

// HandleWS upgrades the request and streams the snapshot and its deltas.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	protocol, offered := negotiateProtocol(websocket.Subprotocols(r))

	h.logger.Debug("websocket subprotocol negotiated",
		zap.String("protocol", protocol),
		zap.Strings("requested", websocket.Subprotocols(r)),
	)

	var responseHeader http.Header
	if offered != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {offered}}
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		connID:   uuid.New().String(),
		logger:   h.logger,
		protocol: protocol,
	}

	// The snapshot is queued before the pumps start, so it is always the
	// first frame the client sees.
	if err := h.broadcaster.Connect(h, client); err != nil {
		h.logger.Warn("failed to bootstrap client",
			zap.String("connID", client.connID),
			zap.Error(err),
		)
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ID implements Subscriber.
func (c *Client) ID() string { return c.connID }

// Send implements Subscriber. The message is encoded in the client's protocol.
func (c *Client) Send(msg *fsync.Message) error {
	frame, err := c.hub.encode(c.protocol, msg)
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		return fsync.ErrSlowSubscriber
	}
	return nil
}

func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			break
		}
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	// Determine message type based on protocol
	msgType := websocket.BinaryMessage
	if c.protocol == protocolJSON {
		msgType = websocket.TextMessage
	}

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed, send close message
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
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

// handleMessage processes an incoming upstream message.
func (c *Client) handleMessage(data []byte) {
	// Parse based on protocol
	var msg any
	var err error
	if c.protocol == protocolJSON {
		msg, err = parseUpstreamMessageJSON(data)
	} else {
		msg, err = parseUpstreamMessage(c.hub.encoder, data)
	}

	if err != nil {
		c.logger.Debug("failed to parse upstream message",
			zap.String("connID", c.connID),
			zap.String("protocol", c.protocol),
			zap.Error(err),
		)
		c.reply(c.hub.broadcaster.SendError(c, err.Error()))
		return
	}

	switch m := msg.(type) {
	case *submitRequest:
		c.reply(c.hub.broadcaster.Ack(c, c.submit(m)))

	case *requestRowsRequest:
		c.reply(c.hub.broadcaster.Reply(c, m.indices))

	case *pingRequest:
		c.reply(c.Send(&fsync.Message{Type: messagePong, Timestamp: time.Now().UnixMilli()}))
	}
}

func (c *Client) submit(m *submitRequest) fsync.SubmitAck {
	ack := fsync.SubmitAck{AckID: m.ackID}
	if c.hub.submitter == nil {
		ack.Error = "submissions are disabled"
		return ack
	}

	sub, err := c.hub.submitter.Submit(context.Background(), m.fields)
	if err != nil {
		ack.Error = err.Error()
		return ack
	}
	ack.ID = sub.ID
	ack.Success = true
	return ack
}

// reply drops the client when a unicast could not be queued.
func (c *Client) reply(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, fsync.ErrSlowSubscriber) {
		c.hub.Remove(c)
		return
	}
	c.logger.Warn("failed to reply to client",
		zap.String("connID", c.connID),
		zap.Error(err),
	)
}
