package domain

import (
	"fmt"
	"strings"
	"time"
)

// PlanTier names a bundle of limits attached to a user.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanPremium PlanTier = "premium"
)

// ParsePlanTier accepts case-insensitive tier names.
func ParsePlanTier(value string) (PlanTier, error) {
	switch PlanTier(strings.ToLower(strings.TrimSpace(value))) {
	case PlanFree:
		return PlanFree, nil
	case PlanPremium:
		return PlanPremium, nil
	default:
		return "", fmt.Errorf("unknown plan tier %q", value)
	}
}

// DisplayName is used in user-facing messages.
func (p PlanTier) DisplayName() string {
	switch p {
	case PlanPremium:
		return "Premium"
	default:
		return "Free"
	}
}

// Plan carries the limits of one tier.
type Plan struct {
	Tier          PlanTier
	MaxConcurrent int
	CycleLimit    int
	DailyQuota    int
	Weight        float64
}

// PlanTable is the explicit tier lookup.
type PlanTable map[PlanTier]Plan

// DefaultPlans mirrors the limits the bot has always advertised.
func DefaultPlans() PlanTable {
	return PlanTable{
		PlanFree:    {Tier: PlanFree, MaxConcurrent: 1, CycleLimit: 5, DailyQuota: 5, Weight: 10},
		PlanPremium: {Tier: PlanPremium, MaxConcurrent: 5, CycleLimit: 100, DailyQuota: 100, Weight: 30},
	}
}

// Lookup returns the plan for a tier, falling back to Free.
func (t PlanTable) Lookup(tier PlanTier) Plan {
	if p, ok := t[tier]; ok {
		return p
	}
	if p, ok := t[PlanFree]; ok {
		return p
	}
	return DefaultPlans()[PlanFree]
}

// Settings are per-user thresholds and routing.
type Settings struct {
	MinRelevance     float64
	InstantThreshold float64
	DailyThreshold   float64
	WeeklyThreshold  float64
	GroupChatID      string
}

// DefaultSettings returns the thresholds new users start with.
func DefaultSettings(minRelevance float64) Settings {
	return Settings{
		MinRelevance:     minRelevance,
		InstantThreshold: 80,
		DailyThreshold:   50,
		WeeklyThreshold:  30,
	}
}

// User owns tasks and carries a plan tier.
type User struct {
	ID        string
	ChatID    string
	Plan      PlanTier
	Settings  Settings
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NotifyChat returns the chat notifications should be routed to.
func (u User) NotifyChat() string {
	if u.Settings.GroupChatID != "" {
		return u.Settings.GroupChatID
	}
	if u.ChatID != "" {
		return u.ChatID
	}
	return u.ID
}
