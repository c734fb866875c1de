// Package health implements the sliding-window health metrics collector
// and the rule-based alert manager that watches it. Grounded on the
// teacher's small, mutex-guarded, table-driven style (errors.go's
// errorCodeMap, circuitbreaker.go's state-transition shape) rather than
// any one teacher file directly, since this subsystem has no teacher
// precedent beyond that idiom.
package health

import (
	"math"
	"sort"
	"sync"
	"time"

	"chatrt/internal/domain"
)

// Outcome classifies one recorded action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Detection flags an action result may carry, each sticky only while a
// carrying sample remains inside the collector's window.
type Detection struct {
	Captcha            bool
	RateLimited         bool
	SuspectedDetection bool
}

// ActionResult is one recorded outcome of a platform action.
type ActionResult struct {
	Timestamp time.Time
	LatencyMs int64
	Outcome   Outcome
	ErrorType string
	Detection Detection
}

// Metrics is a point-in-time snapshot of one platform's collector.
type Metrics struct {
	Platform           domain.Platform
	Timestamp          time.Time
	Connected          bool
	LastSuccessAt      *time.Time
	AvgLatencyMs       float64
	P99LatencyMs       int64
	SuccessRate        float64
	ErrorRate          float64
	ErrorTypes         map[string]int
	SuspectedDetection bool
	CaptchaEncountered bool
	RateLimited        bool
	SampleCount        int
}

// CollectorConfig bounds one platform's sliding window.
type CollectorConfig struct {
	WindowMs              int64
	MaxWindowSize         int
	DisconnectThresholdMs int64
}

func (c CollectorConfig) withDefaults() CollectorConfig {
	if c.WindowMs <= 0 {
		c.WindowMs = 5 * 60 * 1000
	}
	if c.MaxWindowSize <= 0 {
		c.MaxWindowSize = 1000
	}
	if c.DisconnectThresholdMs <= 0 {
		c.DisconnectThresholdMs = 2 * 60 * 1000
	}
	return c
}

// Collector holds a timestamp-sorted window of ActionResult for one
// platform. record/snapshot evict entries older than WindowMs lazily, via
// binary search over the (already timestamp-sorted) slice, and cap the
// window to MaxWindowSize by dropping the oldest entries.
type Collector struct {
	cfg CollectorConfig

	mu            sync.Mutex
	results       []ActionResult
	lastSuccessAt *time.Time
	clock         func() time.Time
}

// NewCollector returns a Collector for one platform. clock is injected
// for determinism, matching the module's clock-injection convention.
func NewCollector(cfg CollectorConfig, clock func() time.Time) *Collector {
	if clock == nil {
		clock = time.Now
	}
	return &Collector{cfg: cfg.withDefaults(), clock: clock}
}

// Record appends result to the window, evicting stale/excess entries.
func (c *Collector) Record(result ActionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results = append(c.results, result)
	if result.Outcome == OutcomeSuccess {
		ts := result.Timestamp
		c.lastSuccessAt = &ts
	}
	c.evictLocked(c.clock())
}

// Reset clears all recorded state.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = nil
	c.lastSuccessAt = nil
}

// evictLocked drops entries older than now-WindowMs (via binary search,
// since results is timestamp-sorted by append order) and, if the window
// still exceeds MaxWindowSize, drops the oldest excess entries.
func (c *Collector) evictLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(c.cfg.WindowMs) * time.Millisecond)
	idx := sort.Search(len(c.results), func(i int) bool {
		return !c.results[i].Timestamp.Before(cutoff)
	})
	if idx > 0 {
		c.results = append([]ActionResult(nil), c.results[idx:]...)
	}
	if len(c.results) > c.cfg.MaxWindowSize {
		drop := len(c.results) - c.cfg.MaxWindowSize
		c.results = append([]ActionResult(nil), c.results[drop:]...)
	}
}

// Snapshot computes the current Metrics for this collector's window.
func (c *Collector) Snapshot(platform domain.Platform) Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	c.evictLocked(now)

	m := Metrics{
		Platform:   platform,
		Timestamp:  now,
		ErrorTypes: make(map[string]int),
	}

	n := len(c.results)
	m.SampleCount = n
	m.LastSuccessAt = c.lastSuccessAt
	m.Connected = c.lastSuccessAt != nil && now.Sub(*c.lastSuccessAt) < time.Duration(c.cfg.DisconnectThresholdMs)*time.Millisecond

	if n == 0 {
		return m
	}

	var successCount int
	var latencySum int64
	latencies := make([]int64, 0, n)
	for _, r := range c.results {
		if r.Outcome == OutcomeSuccess {
			successCount++
		} else if r.ErrorType != "" {
			m.ErrorTypes[r.ErrorType]++
		}
		latencySum += r.LatencyMs
		latencies = append(latencies, r.LatencyMs)
		if r.Detection.Captcha {
			m.CaptchaEncountered = true
		}
		if r.Detection.RateLimited {
			m.RateLimited = true
		}
		if r.Detection.SuspectedDetection {
			m.SuspectedDetection = true
		}
	}

	m.SuccessRate = float64(successCount) / float64(n)
	m.ErrorRate = 1 - m.SuccessRate
	m.AvgLatencyMs = float64(latencySum) / float64(n)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(math.Ceil(float64(n)*0.99)) - 1
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	m.P99LatencyMs = latencies[idx]

	return m
}
