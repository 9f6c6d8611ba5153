package throttle

import (
	"fmt"
	"strings"
	"time"

	"github.com/conneroisu/livegate/internal/config"
)

// Priority decides how long an outbound event may be held for coalescing.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// ParsePriority accepts the lower-case priority names.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Rule is the throttling policy of one event type.
type Rule struct {
	Priority    Priority
	MinInterval time.Duration
}

// DefaultRules classifies the built-in live commerce event types.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"stream:ended":           {Priority: PriorityCritical},
		"alert:critical":         {Priority: PriorityCritical},
		"stream:quality:changed": {Priority: PriorityHigh},
		"stream:started":         {Priority: PriorityHigh},
		"chat:message":           {Priority: PriorityMedium},
		"viewer:joined":          {Priority: PriorityLow, MinInterval: time.Second},
		"viewer:left":            {Priority: PriorityLow, MinInterval: time.Second},
		"viewer:count":           {Priority: PriorityLow, MinInterval: time.Second},
	}
}

// policy is an immutable view of ThrottleConfig.
type policy struct {
	maxDelay    map[Priority]time.Duration
	rules       map[string]Rule
	historySize int
}

func newPolicy(cfg config.ThrottleConfig) (*policy, error) {
	p := &policy{
		maxDelay: map[Priority]time.Duration{
			PriorityCritical: cfg.MaxDelayCritical,
			PriorityHigh:     cfg.MaxDelayHigh,
			PriorityMedium:   cfg.MaxDelayMedium,
			PriorityLow:      cfg.MaxDelayLow,
		},
		rules:       DefaultRules(),
		historySize: cfg.HistorySize,
	}
	if p.historySize <= 0 {
		p.historySize = 50
	}

	for eventType, r := range cfg.Rules {
		prio, err := ParsePriority(r.Priority)
		if err != nil {
			return nil, fmt.Errorf("throttle rule %s: %w", eventType, err)
		}
		p.rules[eventType] = Rule{Priority: prio, MinInterval: r.MinInterval}
	}
	return p, nil
}

// resolve returns the rule for an event. A configured rule wins over the
// producer's hint; medium is used when neither exists.
func (p *policy) resolve(eventType string, hint Priority) Rule {
	if r, ok := p.rules[eventType]; ok {
		return r
	}
	if hint != "" {
		return Rule{Priority: hint}
	}
	return Rule{Priority: PriorityMedium}
}
