package dlq

import (
	"sync"
	"time"
)

// Action is the policy response once a message is declared poison.
type Action string

const (
	ActionQuarantine              Action = "QUARANTINE"
	ActionDiscard                 Action = "DISCARD"
	ActionMoveToDLQWithQuarantined Action = "MOVE_TO_DLQ_WITH_STATUS_QUARANTINED"
	ActionRequireManual           Action = "REQUIRE_MANUAL"
)

// PoisonPolicyConfig tunes consecutive-failure detection.
// ConsecutiveFailureThreshold counts failures already observed before the
// triggering one: with a threshold of 3, the event must fail 3 times and a
// 4th consecutive failure of the same error class is the one declared poison.
type PoisonPolicyConfig struct {
	ConsecutiveFailureThreshold int
	Action                      Action
	TrackerTTL                  time.Duration
	MaxTrackers                 int
}

// DefaultPoisonPolicyConfig returns a 3-strikes, quarantine-on-detect policy.
func DefaultPoisonPolicyConfig() PoisonPolicyConfig {
	return PoisonPolicyConfig{
		ConsecutiveFailureThreshold: 3,
		Action:                      ActionQuarantine,
		TrackerTTL:                  1 * time.Hour,
		MaxTrackers:                 10000,
	}
}

type tracker struct {
	consecutiveFailures int
	lastErrorType       string
	lastSeen            time.Time
}

// PoisonStatistics summarizes the policy's decisions since inception.
type PoisonStatistics struct {
	TotalPoisonMessages int
	TotalsByAction      map[Action]int
	ActiveTrackers      int
}

// PoisonPolicy decides, on a failed (eventId, attempt) pair, whether a
// message has become poison: the same event id failing more than N
// consecutive times with the same error class, where N is
// ConsecutiveFailureThreshold. Trackers expire on success or TTL.
type PoisonPolicy struct {
	cfg PoisonPolicyConfig

	mu       sync.Mutex
	trackers map[string]*tracker

	totalPoison int
	byAction    map[Action]int
}

// NewPoisonPolicy creates a policy instance with the given config.
func NewPoisonPolicy(cfg PoisonPolicyConfig) *PoisonPolicy {
	if cfg.ConsecutiveFailureThreshold <= 0 {
		cfg.ConsecutiveFailureThreshold = 3
	}
	return &PoisonPolicy{
		cfg:      cfg,
		trackers: make(map[string]*tracker),
		byAction: make(map[Action]int),
	}
}

// RecordFailure registers one failed attempt for eventID with errorType and
// reports whether this failure declares the message poison, along with the
// action to take if so.
func (p *PoisonPolicy) RecordFailure(eventID, errorType string) (isPoison bool, action Action) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.expireLocked()

	t, ok := p.trackers[eventID]
	if !ok {
		if p.cfg.MaxTrackers > 0 && len(p.trackers) >= p.cfg.MaxTrackers {
			p.evictOldestLocked()
		}
		t = &tracker{}
		p.trackers[eventID] = t
	}

	if t.lastErrorType == errorType {
		t.consecutiveFailures++
	} else {
		t.consecutiveFailures = 1
		t.lastErrorType = errorType
	}
	t.lastSeen = time.Now()

	if t.consecutiveFailures > p.cfg.ConsecutiveFailureThreshold {
		p.totalPoison++
		p.byAction[p.cfg.Action]++
		delete(p.trackers, eventID)
		return true, p.cfg.Action
	}
	return false, ""
}

// RecordSuccess expires the tracker for eventID; a successful delivery
// clears consecutive-failure history.
func (p *PoisonPolicy) RecordSuccess(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.trackers, eventID)
}

func (p *PoisonPolicy) expireLocked() {
	if p.cfg.TrackerTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.cfg.TrackerTTL)
	for id, t := range p.trackers {
		if t.lastSeen.Before(cutoff) {
			delete(p.trackers, id)
		}
	}
}

func (p *PoisonPolicy) evictOldestLocked() {
	var oldestID string
	var oldestTime time.Time
	for id, t := range p.trackers {
		if oldestID == "" || t.lastSeen.Before(oldestTime) {
			oldestID = id
			oldestTime = t.lastSeen
		}
	}
	if oldestID != "" {
		delete(p.trackers, oldestID)
	}
}

// Statistics returns a snapshot of the policy's decisions.
func (p *PoisonPolicy) Statistics() PoisonStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	byAction := make(map[Action]int, len(p.byAction))
	for k, v := range p.byAction {
		byAction[k] = v
	}

	return PoisonStatistics{
		TotalPoisonMessages: p.totalPoison,
		TotalsByAction:      byAction,
		ActiveTrackers:      len(p.trackers),
	}
}
