package sync

import (
	"errors"
	"time"

	"github.com/dgnsrekt/fieldsync/internal/data"
)

// MessageType names the kind of message sent to subscribers.
type MessageType string

const (
	MessageFullSnapshot   MessageType = "full-snapshot"
	MessageChangedRows    MessageType = "changed-rows"
	MessageRemovedIndices MessageType = "removed-indices"
	MessageRows           MessageType = "rows"
	MessageSubmitAck      MessageType = "submit-ack"
	MessageError          MessageType = "error"
)

// ErrSlowSubscriber is returned by Send when a subscriber's buffer is full.
var ErrSlowSubscriber = errors.New("subscriber send buffer full")

// Message is the unit delivered to subscribers. Rows are keyed by row index.
type Message struct {
	Type      MessageType         `json:"type"`
	Sequence  uint64              `json:"sequence"`
	Timestamp int64               `json:"timestamp"`
	Updated   *time.Time          `json:"updated,omitempty"`
	Columns   []string            `json:"columns,omitempty"`
	Rows      map[int]data.Record `json:"rows,omitempty"`
	Removed   []int               `json:"removed,omitempty"`
	Ack       *SubmitAck          `json:"ack,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// SubmitAck answers a client submission.
type SubmitAck struct {
	ID      string  `json:"id,omitempty"`
	AckID   *uint64 `json:"ackId,omitempty"`
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
}

// Subscriber is one connected client endpoint.
type Subscriber interface {
	ID() string

	// Send queues msg for the subscriber without blocking.
	Send(msg *Message) error
}

// Publisher is a transport that owns a set of subscribers and can deliver a
// message to all of them.
type Publisher interface {
	Name() string
	Add(sub Subscriber)
	Remove(sub Subscriber)
	Broadcast(msg *Message)
	Count() int
}

// Update is handed from the Poller to the Broadcaster after the Store has
// been replaced.
type Update struct {
	Snapshot *data.Snapshot
	Changes  data.ChangeSet
}
