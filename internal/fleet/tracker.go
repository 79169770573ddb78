// Package fleet keeps a rolling history of per-wallet server availability.
package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qudata/provisioner/internal/domain"
	"github.com/qudata/provisioner/internal/notify"
	"github.com/qudata/provisioner/internal/telemetry"
)

// Sample is one point of fleet history.
type Sample struct {
	Timestamp     string  `json:"timestamp"`
	ActiveServers int     `json:"activeServers"`
	TotalServers  int     `json:"totalServers"`
	UptimeRate    float64 `json:"uptimeRate"`
}

// NewSample summarises instances at time now. An empty fleet has 100%
// uptime.
func NewSample(instances []domain.Instance, now time.Time) Sample {
	active := 0
	for i := range instances {
		if instances[i].Status == domain.StatusOnline {
			active++
		}
	}
	total := len(instances)
	uptime := 100.0
	if total > 0 {
		uptime = float64(active) / float64(total) * 100
	}
	return Sample{
		Timestamp:     now.Format("15:04"),
		ActiveServers: active,
		TotalServers:  total,
		UptimeRate:    uptime,
	}
}

// Owner identifies one fleet: a user's records under one wallet. Two users
// connected to the same wallet have separate fleets.
type Owner struct {
	UserID string
	Wallet string
}

// Source lists the instances an owner created.
type Source interface {
	ListOwnedInstances(ctx context.Context, userID, wallet string) ([]domain.Instance, error)
}

type Config struct {
	PollInterval time.Duration
	Debounce     time.Duration
	HistorySize  int
}

// Tracker samples one owner's fleet. Timer ticks, change notifications
// and explicit requests all feed a single refresh-requested channel; the
// first request arms a debounce window and everything arriving inside it
// collapses into one store read.
type Tracker struct {
	owner   Owner
	source  Source
	broker  notify.Broker
	cfg     Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	requests chan struct{}
	ready    chan struct{}

	mu       sync.RWMutex
	history  []Sample
	watchers map[int]chan Sample
	nextID   int
	stopped  bool
}

func NewTracker(owner Owner, source Source, broker notify.Broker, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Tracker {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 30
	}
	return &Tracker{
		owner:    owner,
		source:   source,
		broker:   broker,
		cfg:      cfg,
		logger:   logger.With("wallet", owner.Wallet, "user_id", owner.UserID),
		metrics:  metrics,
		now:      time.Now,
		requests: make(chan struct{}, 1),
		ready:    make(chan struct{}),
		watchers: make(map[int]chan Sample),
	}
}

// Request asks for a refresh. It never blocks.
func (t *Tracker) Request() {
	select {
	case t.requests <- struct{}{}:
	default:
	}
}

// Ready is closed once the initial refresh has completed.
func (t *Tracker) Ready() <-chan struct{} {
	return t.ready
}

// History returns a copy of the retained samples, oldest first.
func (t *Tracker) History() []Sample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Sample, len(t.history))
	copy(out, t.history)
	return out
}

// Watch streams every new sample until cancel is called. Slow watchers
// miss samples rather than stall the tracker.
func (t *Tracker) Watch() (<-chan Sample, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Sample, 8)
	if t.stopped {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.watchers[id]; ok {
				delete(t.watchers, id)
				close(ch)
			}
		})
	}
}

func (t *Tracker) watching() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.watchers)
}

// Run samples until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	defer t.closeWatchers()

	var changes <-chan struct{}
	if t.broker != nil {
		ch, cancel, err := t.broker.Subscribe(t.owner.Wallet)
		if err != nil {
			t.logger.Warn("subscribe to changes failed, polling only", "err", err)
		} else {
			defer cancel()
			changes = ch
		}
	}

	t.refresh(ctx)
	close(t.ready)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	var (
		window  *time.Timer
		windowC <-chan time.Time
	)
	defer func() {
		if window != nil {
			window.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Request()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			t.Request()
		case <-t.requests:
			if windowC != nil {
				continue
			}
			if window == nil {
				window = time.NewTimer(t.cfg.Debounce)
			} else {
				window.Reset(t.cfg.Debounce)
			}
			windowC = window.C
		case <-windowC:
			windowC = nil
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) refresh(ctx context.Context) {
	instances, err := t.source.ListOwnedInstances(ctx, t.owner.UserID, t.owner.Wallet)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("fleet refresh failed", "err", err)
		}
		t.count("error")
		return
	}
	t.count("ok")

	s := NewSample(instances, t.now())

	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, s)
	if over := len(t.history) - t.cfg.HistorySize; over > 0 {
		t.history = append(t.history[:0:0], t.history[over:]...)
	}
	for _, ch := range t.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

func (t *Tracker) count(result string) {
	if t.metrics != nil {
		t.metrics.FleetRefreshes.WithLabelValues(result).Inc()
	}
}

// stop marks a tracker that will never run as finished.
func (t *Tracker) stop() {
	close(t.ready)
	t.closeWatchers()
}

func (t *Tracker) closeWatchers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, ch := range t.watchers {
		delete(t.watchers, id)
		close(ch)
	}
}
