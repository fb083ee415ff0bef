package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
)

// Broadcaster fans change sets and query results out to subscribers of every
// registered transport.
type Broadcaster struct {
	store  *data.Store
	logger *zap.Logger

	// mu orders subscriber bootstrap against delta broadcasts: a subscriber
	// joins and receives the published snapshot before any later delta.
	mu         gosync.Mutex
	published  *data.Snapshot
	publishers []Publisher

	sequence atomic.Uint64
}

// NewBroadcaster creates a Broadcaster reading rows from store.
func NewBroadcaster(store *data.Store, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		store:     store,
		logger:    logger,
		published: store.Current(),
	}
}

// AddPublisher registers a transport.
func (b *Broadcaster) AddPublisher(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers = append(b.publishers, p)
}

// Run applies updates from the Poller until ctx is cancelled or updates is closed.
func (b *Broadcaster) Run(ctx context.Context, updates <-chan Update) {
	b.logger.Info("broadcaster starting")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("broadcaster stopping")
			return
		case u, ok := <-updates:
			if !ok {
				b.logger.Info("update channel closed, broadcaster stopping")
				return
			}
			b.Apply(u)
		}
	}
}

// Apply records u.Snapshot as the published state and broadcasts its changes.
func (b *Broadcaster) Apply(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u.Snapshot != nil {
		b.published = u.Snapshot
	}
	b.broadcastLocked(u.Changes)
}

// Connect adds sub to p and sends it the full published snapshot.
func (b *Broadcaster) Connect(p Publisher, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p.Add(sub)

	msg := b.fullSnapshotLocked()
	if err := sub.Send(msg); err != nil {
		p.Remove(sub)
		return err
	}

	b.logger.Info("subscriber connected",
		zap.String("transport", p.Name()),
		zap.String("subscriber", sub.ID()),
		zap.Int("rows", len(msg.Rows)),
	)
	return nil
}

// Disconnect removes sub from p.
func (b *Broadcaster) Disconnect(p Publisher, sub Subscriber) {
	p.Remove(sub)
	b.logger.Info("subscriber disconnected",
		zap.String("transport", p.Name()),
		zap.String("subscriber", sub.ID()),
	)
}

// BroadcastChange sends the changed rows and the removed indices as two
// separate messages. An empty ChangeSet sends nothing.
func (b *Broadcaster) BroadcastChange(cs data.ChangeSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broadcastLocked(cs)
}

func (b *Broadcaster) broadcastLocked(cs data.ChangeSet) {
	if cs.IsEmpty() {
		return
	}
	updated := b.published.Updated

	if len(cs.AddedOrModified) > 0 {
		msg := b.newMessage(MessageChangedRows)
		msg.Updated = &updated
		msg.Rows = cs.AddedOrModified
		b.publishLocked(msg)
	}

	if len(cs.RemovedIndices) > 0 {
		msg := b.newMessage(MessageRemovedIndices)
		msg.Updated = &updated
		msg.Removed = cs.RemovedIndices
		b.publishLocked(msg)
	}

	b.logger.Debug("broadcast change set",
		zap.Int("changed", len(cs.AddedOrModified)),
		zap.Int("removed", len(cs.RemovedIndices)),
		zap.Int("subscribers", b.countLocked()),
	)
}

func (b *Broadcaster) publishLocked(msg *Message) {
	for _, p := range b.publishers {
		p.Broadcast(msg)
	}
}

// Reply sends the rows at indices to sub only. Unknown indices are omitted.
// Rows come from the Store, not the published snapshot: between a poll
// replacing the Store and Run applying its update, a reply can carry rows
// newer than the deltas sub has received. The pending delta follows shortly
// and repeats the same values.
func (b *Broadcaster) Reply(sub Subscriber, indices []int) error {
	msg := b.newMessage(MessageRows)
	msg.Rows = b.store.RowsAt(indices)

	b.logger.Debug("replying with rows",
		zap.String("subscriber", sub.ID()),
		zap.Int("requested", len(indices)),
		zap.Int("returned", len(msg.Rows)),
	)
	return sub.Send(msg)
}

// Ack sends a submission acknowledgment to sub.
func (b *Broadcaster) Ack(sub Subscriber, ack SubmitAck) error {
	msg := b.newMessage(MessageSubmitAck)
	msg.Ack = &ack
	return sub.Send(msg)
}

// SendError sends an error reply to sub.
func (b *Broadcaster) SendError(sub Subscriber, reason string) error {
	msg := b.newMessage(MessageError)
	msg.Error = reason
	return sub.Send(msg)
}

// Subscribers returns the number of connected subscribers across transports.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked()
}

func (b *Broadcaster) countLocked() int {
	n := 0
	for _, p := range b.publishers {
		n += p.Count()
	}
	return n
}

func (b *Broadcaster) fullSnapshotLocked() *Message {
	snap := b.published
	msg := b.newMessage(MessageFullSnapshot)
	updated := snap.Updated
	msg.Updated = &updated
	msg.Columns = snap.Columns
	msg.Rows = make(map[int]data.Record, len(snap.Rows))
	for i, r := range snap.Rows {
		msg.Rows[i] = r
	}
	return msg
}

func (b *Broadcaster) newMessage(t MessageType) *Message {
	return &Message{
		Type:      t,
		Sequence:  b.sequence.Add(1),
		Timestamp: time.Now().UnixMilli(),
	}
}
