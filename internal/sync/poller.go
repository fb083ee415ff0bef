package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/data"
	"github.com/dgnsrekt/fieldsync/internal/notify"
	"github.com/dgnsrekt/fieldsync/internal/source"
)

// ErrPollInProgress is returned by Poll when another cycle is running.
var ErrPollInProgress = errors.New("poll already in progress")

// PollerConfig holds Poller settings.
type PollerConfig struct {
	// Name identifies the source in logs and notifications.
	Name             string
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

// Status is a point-in-time view of the Poller.
type Status struct {
	Polling             bool      `json:"polling"`
	Cycles              uint64    `json:"cycles"`
	LastAttempt         time.Time `json:"last_attempt"`
	LastSuccess         time.Time `json:"last_success"`
	LastChange          time.Time `json:"last_change"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Rows                int       `json:"rows"`
	Updated             time.Time `json:"updated"`
}

// Poller fetches snapshots from a Source on a fixed interval, diffs them
// against the Store and hands changes to the Broadcaster.
type Poller struct {
	source   source.Source
	store    *data.Store
	differ   data.Differ
	updates  chan<- Update
	notifier notify.Notifier
	config   PollerConfig
	logger   *zap.Logger
	now      func() time.Time

	pollMu gosync.Mutex // held for the duration of a cycle
	synced bool         // guarded by pollMu

	lifeMu   gosync.Mutex
	lifetime context.Context // Run's context; handoffs outlive callers but not the Poller

	statusMu gosync.RWMutex
	status   Status
	outage   *notify.Outage
	notified bool
}

// NewPoller creates a Poller. updates may be nil when no Broadcaster is attached.
func NewPoller(
	src source.Source,
	store *data.Store,
	differ data.Differ,
	updates chan<- Update,
	notifier notify.Notifier,
	cfg PollerConfig,
	logger *zap.Logger,
) *Poller {
	if differ == nil {
		differ = data.PositionalDiffer{}
	}
	if notifier == nil {
		notifier = &notify.NoopNotifier{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Poller{
		source:   src,
		store:    store,
		differ:   differ,
		updates:  updates,
		notifier: notifier,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		lifetime: context.Background(),
	}
}

// Run polls immediately, then sleeps Interval between cycles until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.lifeMu.Lock()
	p.lifetime = ctx
	p.lifeMu.Unlock()

	p.logger.Info("poller starting",
		zap.String("source", p.config.Name),
		zap.Duration("interval", p.config.Interval),
		zap.Duration("timeout", p.config.Timeout),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-timer.C:
			if _, err := p.Poll(ctx); errors.Is(err, ErrPollInProgress) {
				p.logger.Debug("skipping scheduled cycle, manual poll running")
			}
			timer.Reset(p.config.Interval)
		}
	}
}

// Poll runs one fetch-diff-replace-handoff cycle. A failed fetch leaves the
// Store untouched. The returned ChangeSet is empty when nothing changed.
// ctx bounds the fetch only: once the Store has been replaced the ChangeSet
// is always handed off, unless the Poller itself is stopping.
func (p *Poller) Poll(ctx context.Context) (data.ChangeSet, error) {
	if !p.pollMu.TryLock() {
		return data.NewChangeSet(), ErrPollInProgress
	}
	defer p.pollMu.Unlock()

	start := p.now()
	p.setPolling(true, start)
	defer p.setPolling(false, start)

	fetchCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	snap, err := p.source.FetchSnapshot(fetchCtx)
	cancel()
	if err != nil {
		if !errors.Is(err, source.ErrUnavailable) && !errors.Is(err, source.ErrFormat) {
			err = fmt.Errorf("%w: %w", source.ErrUnavailable, err)
		}
		p.recordFailure(ctx, err)
		return data.NewChangeSet(), err
	}

	p.recordSuccess(ctx, snap)

	if p.synced && !snap.Updated.After(p.store.Updated()) {
		p.logger.Debug("source not modified",
			zap.Time("updated", snap.Updated),
			zap.Duration("duration", p.now().Sub(start)),
		)
		return data.NewChangeSet(), nil
	}

	cs := p.differ.Diff(p.store.Current(), snap)
	p.store.Replace(snap)
	p.synced = true

	p.statusMu.Lock()
	p.status.Rows = snap.Len()
	p.status.Updated = snap.Updated
	if !cs.IsEmpty() {
		p.status.LastChange = p.now()
	}
	p.statusMu.Unlock()

	p.logger.Info("snapshot replaced",
		zap.Int("rows", snap.Len()),
		zap.Int("changed", len(cs.AddedOrModified)),
		zap.Int("removed", len(cs.RemovedIndices)),
		zap.Time("updated", snap.Updated),
		zap.Duration("duration", p.now().Sub(start)),
	)

	p.handoff(Update{Snapshot: snap, Changes: cs})
	return cs, nil
}

func (p *Poller) handoff(u Update) {
	if p.updates == nil {
		return
	}

	select {
	case p.updates <- u:
		return
	default:
	}

	p.lifeMu.Lock()
	lifetime := p.lifetime
	p.lifeMu.Unlock()

	select {
	case p.updates <- u:
	case <-lifetime.Done():
		p.logger.Warn("dropping update, poller stopped before handoff")
	}
}

// Status returns a copy of the current poller status.
func (p *Poller) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.status
}

func (p *Poller) setPolling(polling bool, at time.Time) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status.Polling = polling
	if polling {
		p.status.Cycles++
		p.status.LastAttempt = at
	}
}

func (p *Poller) recordFailure(ctx context.Context, err error) {
	now := p.now()

	p.statusMu.Lock()
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()
	failures := p.status.ConsecutiveFailures
	if p.outage == nil {
		p.outage = &notify.Outage{Source: p.config.Name, Since: now}
	}
	p.outage.Failures = failures
	p.outage.LastError = err.Error()
	outage := *p.outage
	sendDown := failures >= p.config.FailureThreshold && !p.notified
	if sendDown {
		p.notified = true
	}
	p.statusMu.Unlock()

	if errors.Is(err, source.ErrFormat) {
		p.logger.Error("source returned malformed data, keeping previous snapshot",
			zap.Error(err),
			zap.Int("consecutive_failures", failures),
		)
	} else {
		p.logger.Warn("source unavailable, skipping cycle",
			zap.Error(err),
			zap.Int("consecutive_failures", failures),
		)
	}

	if sendDown {
		if nerr := p.notifier.SendSourceDown(ctx, outage); nerr != nil {
			p.logger.Warn("failed to send outage notification", zap.Error(nerr))
		}
	}
}

func (p *Poller) recordSuccess(ctx context.Context, snap *data.Snapshot) {
	p.statusMu.Lock()
	p.status.LastSuccess = p.now()
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	var outage notify.Outage
	sendRecovered := p.notified && p.outage != nil
	if sendRecovered {
		outage = *p.outage
		outage.RecoveredRows = snap.Len()
	}
	p.outage = nil
	p.notified = false
	p.statusMu.Unlock()

	if sendRecovered {
		p.logger.Info("source recovered", zap.Int("failed_cycles", outage.Failures))
		if err := p.notifier.SendSourceRecovered(ctx, outage); err != nil {
			p.logger.Warn("failed to send recovery notification", zap.Error(err))
		}
	}
}
