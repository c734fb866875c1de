package health

import (
	"sync"
	"time"

	"chatrt/internal/domain"
)

// Comparator is a numeric comparison operator for an AlertCondition.
type Comparator string

const (
	OpGT  Comparator = "gt"
	OpGTE Comparator = "gte"
	OpLT  Comparator = "lt"
	OpLTE Comparator = "lte"
	OpEQ  Comparator = "eq"
)

// Severity labels an AlertRule's importance.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertCondition compares one Metrics field against threshold.
type AlertCondition struct {
	Metric    string
	Op        Comparator
	Threshold float64
}

// AlertRule defines when an alert fires and resolves for the platforms it
// applies to (Platforms empty means all platforms).
type AlertRule struct {
	ID                string
	Name              string
	Severity          Severity
	Platforms         []domain.Platform
	Conditions        []AlertCondition
	ResolveConditions []AlertCondition
	CooldownMs        int64
}

// AlertState describes whether a rule/platform pair is currently firing.
type AlertState string

const (
	AlertFiring   AlertState = "firing"
	AlertResolved AlertState = "resolved"
)

// AlertEvent is emitted on every firing/resolved transition.
type AlertEvent struct {
	RuleID   string
	Platform domain.Platform
	Severity Severity
	State    AlertState
	FiredAt  time.Time
	Metrics  Metrics
}

// EventAlert carries an AlertEvent to HealthMonitor-style listeners.
const EventAlert domain.EventName = "alert"

type ruleKey struct {
	ruleID   string
	platform domain.Platform
}

type fireState struct {
	firing  bool
	firedAt time.Time
}

// AlertManager evaluates AlertRules against Metrics snapshots, tracking
// per-(rule, platform) fire state with hysteresis and cooldown, per the
// module's rule engine contract.
type AlertManager struct {
	emitter *domain.Emitter
	clock   func() time.Time

	mu     sync.Mutex
	rules  map[string]AlertRule
	states map[ruleKey]fireState
}

// NewAlertManager returns an empty AlertManager.
func NewAlertManager(clock func() time.Time) *AlertManager {
	if clock == nil {
		clock = time.Now
	}
	return &AlertManager{
		emitter: domain.NewEmitter(),
		clock:   clock,
		rules:   make(map[string]AlertRule),
		states:  make(map[ruleKey]fireState),
	}
}

// On registers a listener for EventAlert (payload: AlertEvent).
func (a *AlertManager) On(name domain.EventName, handler domain.EventHandler) domain.Unsubscribe {
	return a.emitter.On(name, handler)
}

// AddRule registers or replaces rule.
func (a *AlertManager) AddRule(rule AlertRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules[rule.ID] = rule
}

// RemoveRule deletes a rule and clears any fire state for it.
func (a *AlertManager) RemoveRule(ruleID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.rules, ruleID)
	for k := range a.states {
		if k.ruleID == ruleID {
			delete(a.states, k)
		}
	}
}

// Evaluate runs every rule applicable to metrics.Platform against it,
// firing or resolving alerts and emitting EventAlert on each transition.
func (a *AlertManager) Evaluate(metrics Metrics) {
	a.mu.Lock()
	rules := make([]AlertRule, 0, len(a.rules))
	for _, r := range a.rules {
		if ruleApplies(r, metrics.Platform) {
			rules = append(rules, r)
		}
	}
	a.mu.Unlock()

	now := a.clock()
	for _, rule := range rules {
		a.evaluateRule(rule, metrics, now)
	}
}

func ruleApplies(rule AlertRule, platform domain.Platform) bool {
	if len(rule.Platforms) == 0 {
		return true
	}
	for _, p := range rule.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

func (a *AlertManager) evaluateRule(rule AlertRule, metrics Metrics, now time.Time) {
	key := ruleKey{ruleID: rule.ID, platform: metrics.Platform}
	fireHolds := evaluateConditions(rule.Conditions, metrics)

	a.mu.Lock()
	state := a.states[key]
	a.mu.Unlock()

	if state.firing {
		resolveHolds := !fireHolds
		if len(rule.ResolveConditions) > 0 {
			resolveHolds = evaluateConditions(rule.ResolveConditions, metrics)
		}
		if resolveHolds {
			a.mu.Lock()
			a.states[key] = fireState{firing: false, firedAt: state.firedAt}
			a.mu.Unlock()
			a.emit(rule, metrics, AlertResolved, state.firedAt)
		}
		return
	}

	if !fireHolds {
		return
	}
	if !state.firedAt.IsZero() && now.Sub(state.firedAt) < time.Duration(rule.CooldownMs)*time.Millisecond {
		return
	}

	a.mu.Lock()
	a.states[key] = fireState{firing: true, firedAt: now}
	a.mu.Unlock()
	a.emit(rule, metrics, AlertFiring, now)
}

func (a *AlertManager) emit(rule AlertRule, metrics Metrics, state AlertState, firedAt time.Time) {
	a.emitter.Emit(EventAlert, AlertEvent{
		RuleID:   rule.ID,
		Platform: metrics.Platform,
		Severity: rule.Severity,
		State:    state,
		FiredAt:  firedAt,
		Metrics:  metrics,
	})
}

// evaluateConditions reports whether every condition holds against metrics
// (conjunction — an empty slice holds vacuously).
func evaluateConditions(conditions []AlertCondition, metrics Metrics) bool {
	for _, c := range conditions {
		if !evaluateCondition(c, metrics) {
			return false
		}
	}
	return true
}

func evaluateCondition(c AlertCondition, metrics Metrics) bool {
	value, ok := metricValue(c.Metric, metrics)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGT:
		return value > c.Threshold
	case OpGTE:
		return value >= c.Threshold
	case OpLT:
		return value < c.Threshold
	case OpLTE:
		return value <= c.Threshold
	case OpEQ:
		return value == c.Threshold
	default:
		return false
	}
}

// metricValue resolves a named Metrics field to a float64, coercing
// booleans to 0/1 per the rule engine's numeric comparator contract.
func metricValue(metric string, m Metrics) (float64, bool) {
	switch metric {
	case "successRate":
		return m.SuccessRate, true
	case "errorRate":
		return m.ErrorRate, true
	case "avgLatencyMs":
		return m.AvgLatencyMs, true
	case "p99LatencyMs":
		return float64(m.P99LatencyMs), true
	case "sampleCount":
		return float64(m.SampleCount), true
	case "connected":
		return boolToFloat(m.Connected), true
	case "suspectedDetection":
		return boolToFloat(m.SuspectedDetection), true
	case "captchaEncountered":
		return boolToFloat(m.CaptchaEncountered), true
	case "rateLimited":
		return boolToFloat(m.RateLimited), true
	default:
		return 0, false
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Resolve manually clears fire state for (ruleID, platform) without
// emitting an event, per the module's manual-clear contract.
func (a *AlertManager) Resolve(ruleID string, platform domain.Platform) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, ruleKey{ruleID: ruleID, platform: platform})
}

// ResetAlerts clears every rule's fire state without emitting events.
func (a *AlertManager) ResetAlerts() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states = make(map[ruleKey]fireState)
}

// ActiveAlert identifies one currently-firing (rule, platform) pair.
type ActiveAlert struct {
	RuleID   string
	Platform domain.Platform
	FiredAt  time.Time
}

// GetActiveAlerts returns every currently-firing (rule, platform) pair.
func (a *AlertManager) GetActiveAlerts() []ActiveAlert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ActiveAlert
	for k, st := range a.states {
		if st.firing {
			out = append(out, ActiveAlert{RuleID: k.ruleID, Platform: k.platform, FiredAt: st.firedAt})
		}
	}
	return out
}
