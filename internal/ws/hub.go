package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	fsync "github.com/dgnsrekt/fieldsync/internal/sync"
)

// Submitter appends client submissions to the source.
type Submitter interface {
	Submit(ctx context.Context, values []any) (fsync.Submission, error)
}

// Hub manages WebSocket connections. It is a Publisher for the Broadcaster.
type Hub struct {
	clients     map[*Client]bool
	unregister  chan *Client
	done        chan struct{}
	mu          sync.RWMutex
	broadcaster *fsync.Broadcaster
	submitter   Submitter
	encoder     *Encoder
	logger      *zap.Logger
}

var _ fsync.Publisher = (*Hub)(nil)

// NewHub creates a Hub and registers it with b. submitter may be nil, in
// which case submissions are answered with a negative ack.
func NewHub(b *fsync.Broadcaster, submitter Submitter, encoder *Encoder, logger *zap.Logger) *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		broadcaster: b,
		submitter:   submitter,
		encoder:     encoder,
		logger:      logger,
	}
	b.AddPublisher(h)
	return h
}

// Run processes hub events. Call this in a goroutine.
// Returns when context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			close(h.done)
			return

		case client := <-h.unregister:
			h.broadcaster.Disconnect(h, client)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
}

// Name implements Publisher.
func (h *Hub) Name() string { return "ws" }

// Add implements Publisher.
func (h *Hub) Add(sub fsync.Subscriber) {
	client, ok := sub.(*Client)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.logger.Debug("client registered", zap.String("connID", client.connID))
}

// Remove implements Publisher. The client's send channel is closed, which
// makes its write pump close the connection.
func (h *Hub) Remove(sub fsync.Subscriber) {
	client, ok := sub.(*Client)
	if !ok {
		return
	}
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.closeSend()
	h.logger.Debug("client unregistered", zap.String("connID", client.connID))
}

// Count implements Publisher.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast implements Publisher. msg is encoded at most once per protocol.
func (h *Hub) Broadcast(msg *fsync.Message) {
	h.mu.RLock()
	// Copy clients to avoid holding lock during send
	clientList := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	if len(clientList) == 0 {
		return
	}

	frames := make(map[string][]byte, 2)
	for _, client := range clientList {
		frame, ok := frames[client.protocol]
		if !ok {
			var err error
			frame, err = h.encode(client.protocol, msg)
			if err != nil {
				h.logger.Error("failed to encode broadcast",
					zap.String("protocol", client.protocol),
					zap.String("type", string(msg.Type)),
					zap.Error(err),
				)
				return
			}
			frames[client.protocol] = frame
		}

		if !client.enqueue(frame) {
			h.logger.Warn("client send buffer full, disconnecting",
				zap.String("connID", client.connID),
			)
			h.Remove(client)
		}
	}
}

func (h *Hub) encode(protocol string, msg *fsync.Message) ([]byte, error) {
	if protocol == protocolProtobuf {
		return h.encoder.EncodeProtobuf(msg)
	}
	return h.encoder.EncodeJSON(msg)
}
