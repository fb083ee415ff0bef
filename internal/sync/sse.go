package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sseBufferSize = 64

// SSEStream is a read-only Publisher that streams messages as server-sent events.
type SSEStream struct {
	broadcaster *Broadcaster
	logger      *zap.Logger

	mu      gosync.RWMutex
	clients map[*sseClient]bool
}

// sseClient represents a connected SSE subscriber.
type sseClient struct {
	id     string
	dataCh chan []byte
	doneCh chan struct{}
	once   gosync.Once
}

var (
	_ Publisher  = (*SSEStream)(nil)
	_ Subscriber = (*sseClient)(nil)
)

// NewSSEStream creates an SSE publisher and registers it with b.
func NewSSEStream(b *Broadcaster, logger *zap.Logger) *SSEStream {
	s := &SSEStream{
		broadcaster: b,
		logger:      logger,
		clients:     make(map[*sseClient]bool),
	}
	b.AddPublisher(s)
	return s
}

// Name implements Publisher.
func (s *SSEStream) Name() string { return "sse" }

// Add implements Publisher.
func (s *SSEStream) Add(sub Subscriber) {
	c, ok := sub.(*sseClient)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = true
}

// Remove implements Publisher.
func (s *SSEStream) Remove(sub Subscriber) {
	c, ok := sub.(*sseClient)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// Count implements Publisher.
func (s *SSEStream) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast implements Publisher. The event is formatted once and queued for
// every client; clients whose buffer is full are dropped so they reconnect
// and rebuild from a fresh snapshot.
func (s *SSEStream) Broadcast(msg *Message) {
	event, err := formatEvent(msg)
	if err != nil {
		s.logger.Error("failed to format event", zap.Error(err))
		return
	}

	s.mu.RLock()
	var slow []*sseClient
	for c := range s.clients {
		if !c.enqueue(event) {
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("sse client too slow, disconnecting", zap.String("subscriber", c.id))
		s.Remove(c)
	}
}

// HandleSSE handles the event stream endpoint.
func (s *SSEStream) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := &sseClient{
		id:     uuid.New().String(),
		dataCh: make(chan []byte, sseBufferSize),
		doneCh: make(chan struct{}),
	}

	if err := s.broadcaster.Connect(s, client); err != nil {
		s.logger.Error("failed to send snapshot", zap.Error(err))
		return
	}
	defer s.broadcaster.Disconnect(s, client)

	s.logger.Debug("sse stream opened",
		zap.String("subscriber", client.id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.doneCh:
			return
		case event := <-client.dataCh:
			if _, err := w.Write(event); err != nil {
				s.logger.Debug("failed to write to client", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// ID implements Subscriber.
func (c *sseClient) ID() string { return c.id }

// Send implements Subscriber.
func (c *sseClient) Send(msg *Message) error {
	event, err := formatEvent(msg)
	if err != nil {
		return err
	}
	if !c.enqueue(event) {
		return ErrSlowSubscriber
	}
	return nil
}

func (c *sseClient) enqueue(event []byte) bool {
	select {
	case <-c.doneCh:
		return false
	default:
	}
	select {
	case c.dataCh <- event:
		return true
	default:
		return false
	}
}

func (c *sseClient) close() {
	c.once.Do(func() { close(c.doneCh) })
}

func formatEvent(msg *Message) ([]byte, error) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\nid: %d\ndata: %s\n\n", msg.Type, msg.Sequence, jsonData)), nil
}
