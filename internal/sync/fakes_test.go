package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/notify"
)

var (
	testColumns = []string{"Longitude", "Latitude", "Verified Status", "Notes"}
	t0          = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func row(lon, lat float64, verified, notes string) data.Record {
	return data.NewRecord(testColumns, []any{lon, lat, verified, notes})
}

func snapshotAt(updated time.Time, rows ...data.Record) *data.Snapshot {
	return &data.Snapshot{Columns: testColumns, Rows: rows, Updated: updated}
}

var (
	rowA = row(-71.10, 42.37, "yes", "")
	rowB = row(-71.11, 42.38, "no", "faded paint")
	rowC = row(-71.12, 42.39, "unknown", "")
	rowX = row(-71.11, 42.38, "yes", "repainted")
)

// fakeSource serves a configurable snapshot or error. When block is set,
// FetchSnapshot signals entered and waits for block to close.
type fakeSource struct {
	mu       gosync.Mutex
	snap     *data.Snapshot
	err      error
	appended []data.Record
	appendFn func(data.Record) error
	fetches  int

	entered chan struct{}
	block   chan struct{}
}

func (f *fakeSource) set(snap *data.Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap, f.err = snap, err
}

func (f *fakeSource) FetchSnapshot(ctx context.Context) (*data.Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if block != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeSource) AppendRecord(_ context.Context, rec data.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendFn != nil {
		if err := f.appendFn(rec); err != nil {
			return err
		}
	}
	f.appended = append(f.appended, rec)
	return nil
}

type fakeSubscriber struct {
	id  string
	err error

	mu   gosync.Mutex
	msgs []*Message
}

func (s *fakeSubscriber) ID() string { return s.id }

func (s *fakeSubscriber) Send(msg *Message) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSubscriber) messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Message(nil), s.msgs...)
}

// fakePublisher delivers broadcasts synchronously to its subscribers.
type fakePublisher struct {
	mu   gosync.Mutex
	subs map[string]Subscriber
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{subs: make(map[string]Subscriber)}
}

func (p *fakePublisher) Name() string { return "fake" }

func (p *fakePublisher) Add(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[sub.ID()] = sub
}

func (p *fakePublisher) Remove(sub Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, sub.ID())
}

func (p *fakePublisher) Broadcast(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		_ = s.Send(msg)
	}
}

func (p *fakePublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type fakeNotifier struct {
	mu        gosync.Mutex
	down      []notify.Outage
	recovered []notify.Outage
}

func (n *fakeNotifier) SendSourceDown(_ context.Context, o notify.Outage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = append(n.down, o)
	return nil
}

func (n *fakeNotifier) SendSourceRecovered(_ context.Context, o notify.Outage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recovered = append(n.recovered, o)
	return nil
}
