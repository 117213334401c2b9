package queue

import (
	"time"

	"github.com/fresh-milkshake/searcher-agent/internal/domain"
)

// PriorityConfig tunes the priority formula.
type PriorityConfig struct {
	// RecencyBonus is granted to a task updated just now and decays linearly
	// to zero over RecencyWindow.
	RecencyBonus  float64
	RecencyWindow time.Duration
	// StarvationBase is subtracted right after a dequeue; every waiting
	// minute gives AgingPerMinute of it back, and keeps going past zero.
	StarvationBase float64
	AgingPerMinute float64
}

// DefaultPriority returns the production tuning.
func DefaultPriority() PriorityConfig {
	return PriorityConfig{
		RecencyBonus:   5,
		RecencyWindow:  time.Hour,
		StarvationBase: 25,
		AgingPerMinute: 1,
	}
}

// PriorityModel scores queued tasks:
//
//	weight(tier) + recency_bonus(updated_at) - starvation_penalty(wait)
//
// where wait runs from the last dequeue, or creation for fresh tasks.
type PriorityModel struct {
	cfg   PriorityConfig
	plans domain.PlanTable
}

// NewPriorityModel scores tasks with cfg against the plan weights.
func NewPriorityModel(cfg PriorityConfig, plans domain.PlanTable) PriorityModel {
	if plans == nil {
		plans = domain.DefaultPlans()
	}
	return PriorityModel{cfg: cfg, plans: plans}
}

// Score is the priority of t for an owner on tier at now.
func (m PriorityModel) Score(t domain.Task, tier domain.PlanTier, now time.Time) float64 {
	score := m.plans.Lookup(tier).Weight

	if m.cfg.RecencyWindow > 0 {
		age := now.Sub(t.UpdatedAt)
		if age < 0 {
			age = 0
		}
		if age < m.cfg.RecencyWindow {
			score += m.cfg.RecencyBonus * (1 - float64(age)/float64(m.cfg.RecencyWindow))
		}
	}

	since := t.CreatedAt
	if t.LastDequeuedAt != nil {
		since = *t.LastDequeuedAt
	}
	waited := now.Sub(since).Minutes()
	if waited < 0 {
		waited = 0
	}
	return score - (m.cfg.StarvationBase - m.cfg.AgingPerMinute*waited)
}
