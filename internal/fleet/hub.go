package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/qudata/provisioner/internal/notify"
	"github.com/qudata/provisioner/internal/telemetry"
)

// Hub owns one Tracker per owner that is being looked at. Trackers start
// on first use and stop after IdleTTL without readers.
type Hub struct {
	source  Source
	broker  notify.Broker
	cfg     Config
	idleTTL time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	trackers map[Owner]*hubEntry
	closed   bool
}

type hubEntry struct {
	tracker  *Tracker
	cancel   context.CancelFunc
	lastUsed time.Time
}

func NewHub(source Source, broker notify.Broker, cfg Config, idleTTL time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:   source,
		broker:   broker,
		cfg:      cfg,
		idleTTL:  idleTTL,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[Owner]*hubEntry),
	}
}

// Tracker returns the owner's tracker, starting it if needed.
func (h *Hub) Tracker(owner Owner) *Tracker {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.trackers[owner]; ok {
		e.lastUsed = h.now()
		return e.tracker
	}

	t := NewTracker(owner, h.source, h.broker, h.cfg, h.logger, h.metrics)
	if h.closed {
		t.stop()
		return t
	}
	ctx, cancel := context.WithCancel(h.ctx)
	h.trackers[owner] = &hubEntry{tracker: t, cancel: cancel, lastUsed: h.now()}
	h.gauge()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t.Run(ctx)
	}()

	h.logger.Debug("fleet tracker started", "wallet", owner.Wallet, "user_id", owner.UserID)
	return t
}

// History waits for the tracker's first sample, bounded by ctx, and
// returns the retained history.
func (h *Hub) History(ctx context.Context, owner Owner) []Sample {
	t := h.Tracker(owner)
	select {
	case <-t.Ready():
	case <-ctx.Done():
	}
	return t.History()
}

// Watch streams new samples for owner. A watched tracker is never evicted.
func (h *Hub) Watch(owner Owner) (<-chan Sample, func()) {
	return h.Tracker(owner).Watch()
}

// Run evicts idle trackers until ctx is cancelled, then stops them all.
func (h *Hub) Run(ctx context.Context) {
	interval := h.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

func (h *Hub) evictIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-h.idleTTL)
	for owner, e := range h.trackers {
		if e.tracker.watching() > 0 {
			e.lastUsed = h.now()
			continue
		}
		if e.lastUsed.Before(cutoff) {
			e.cancel()
			delete(h.trackers, owner)
			h.logger.Debug("fleet tracker evicted", "wallet", owner.Wallet, "user_id", owner.UserID)
		}
	}
	h.gauge()
}

// Close stops every tracker and waits for them to exit. Open watchers see
// their channels closed. Trackers requested afterwards come back stopped.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	h.closed = true
	for owner := range h.trackers {
		delete(h.trackers, owner)
	}
	h.gauge()
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *Hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.trackers)
}

func (h *Hub) gauge() {
	if h.metrics != nil {
		h.metrics.FleetTrackers.Set(float64(len(h.trackers)))
	}
}
