package health

import (
	"log/slog"
	"sync"
	"time"

	"chatrt/internal/domain"
)

// EventHealthSnapshot carries a single platform's Metrics to listeners
// registered on HealthMonitor's Emitter.
const EventHealthSnapshot domain.EventName = "health_snapshot"

// HealthMonitor orchestrates one Collector per platform, creating them
// lazily on Record or eagerly via RegisterPlatform.
type HealthMonitor struct {
	cfg    CollectorConfig
	logger *slog.Logger
	clock  func() time.Time

	emitter *domain.Emitter

	mu         sync.Mutex
	collectors map[domain.Platform]*Collector
}

// NewHealthMonitor returns a HealthMonitor applying cfg to every
// collector it creates.
func NewHealthMonitor(cfg CollectorConfig, logger *slog.Logger, clock func() time.Time) *HealthMonitor {
	if clock == nil {
		clock = time.Now
	}
	return &HealthMonitor{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		emitter:    domain.NewEmitter(),
		collectors: make(map[domain.Platform]*Collector),
	}
}

// On registers a listener for EventHealthSnapshot (payload: Metrics) or
// any other event this monitor emits.
func (h *HealthMonitor) On(name domain.EventName, handler domain.EventHandler) domain.Unsubscribe {
	return h.emitter.On(name, handler)
}

// RegisterPlatform eagerly creates a collector for platform, a no-op if
// one already exists.
func (h *HealthMonitor) RegisterPlatform(platform domain.Platform) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collectorLocked(platform)
}

func (h *HealthMonitor) collectorLocked(platform domain.Platform) *Collector {
	c, ok := h.collectors[platform]
	if !ok {
		c = NewCollector(h.cfg, h.clock)
		h.collectors[platform] = c
	}
	return c
}

// Record appends result to platform's collector, creating it lazily.
func (h *HealthMonitor) Record(platform domain.Platform, result ActionResult) {
	h.mu.Lock()
	c := h.collectorLocked(platform)
	h.mu.Unlock()
	c.Record(result)
}

// SnapshotAll returns every registered platform's current Metrics and
// notifies EventHealthSnapshot listeners once per platform. A panicking
// listener is recovered by the underlying Emitter; iteration over
// platforms always completes.
func (h *HealthMonitor) SnapshotAll() map[domain.Platform]Metrics {
	h.mu.Lock()
	collectors := make(map[domain.Platform]*Collector, len(h.collectors))
	for p, c := range h.collectors {
		collectors[p] = c
	}
	h.mu.Unlock()

	out := make(map[domain.Platform]Metrics, len(collectors))
	for platform, c := range collectors {
		m := c.Snapshot(platform)
		out[platform] = m
		h.emitter.Emit(EventHealthSnapshot, m)
	}
	return out
}

// HasDetectionSignal reports whether any collector's current snapshot has
// any detection flag set.
func (h *HealthMonitor) HasDetectionSignal() bool {
	for _, m := range h.SnapshotAll() {
		if m.SuspectedDetection || m.CaptchaEncountered || m.RateLimited {
			return true
		}
	}
	return false
}

// GetDisconnectedPlatforms returns every platform whose snapshot has
// connected=false.
func (h *HealthMonitor) GetDisconnectedPlatforms() []domain.Platform {
	var out []domain.Platform
	for platform, m := range h.SnapshotAll() {
		if !m.Connected {
			out = append(out, platform)
		}
	}
	return out
}

// Reset clears every collector's recorded state.
func (h *HealthMonitor) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.collectors {
		c.Reset()
	}
}
