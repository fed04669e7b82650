package policy

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
)

// Tier selects the base limits for a user.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// ParseTier maps a configured tier name onto a Tier, defaulting to free.
func ParseTier(raw string) Tier {
	if Tier(strings.ToLower(strings.TrimSpace(raw))) == TierPremium {
		return TierPremium
	}
	return TierFree
}

// TierLimits are the base caps for a tier before violation shrinkage.
type TierLimits struct {
	RitualsPerHour        int
	JournalEntriesPerHour int
	AISessionsPerDay      int
}

var baseLimitsByTier = map[Tier]TierLimits{
	TierFree: {
		RitualsPerHour:        10,
		JournalEntriesPerHour: 10,
		AISessionsPerDay:      20,
	},
	TierPremium: {
		RitualsPerHour:        15,
		JournalEntriesPerHour: 20,
		AISessionsPerDay:      50,
	},
}

// BaseLimits returns the caps for tier; unknown tiers receive the free caps.
func BaseLimits(tier Tier) TierLimits {
	limits, ok := baseLimitsByTier[tier]
	if !ok {
		return baseLimitsByTier[TierFree]
	}
	return limits
}

// EffectiveLimit shrinks base by 20% per active violation, flooring the result at 1.
// It is floor(base * (1 - 0.2*violations)) computed in integers as floor(base*(5-v)/5).
func EffectiveLimit(base, violationCount int) int {
	if violationCount < 0 {
		violationCount = 0
	}
	remainingFifths := 5 - violationCount
	if remainingFifths <= 0 || base <= 0 {
		return 1
	}
	limit := base * remainingFifths / 5
	if limit < 1 {
		return 1
	}
	return limit
}

// limitTable resolves base limits per tier. A positive freeRitualsPerHour
// replaces the free tier's hourly ritual limit.
type limitTable struct {
	freeRitualsPerHour int
}

func (t limitTable) base(tier Tier) TierLimits {
	base := BaseLimits(tier)
	if tier != TierPremium && t.freeRitualsPerHour > 0 {
		base.RitualsPerHour = t.freeRitualsPerHour
	}
	return base
}

func (t limitTable) effective(tier Tier, violationCount int) Limits {
	base := t.base(tier)
	return Limits{
		Tier:                  tier,
		RitualsPerHour:        EffectiveLimit(base.RitualsPerHour, violationCount),
		JournalEntriesPerHour: EffectiveLimit(base.JournalEntriesPerHour, violationCount),
		AISessionsPerDay:      EffectiveLimit(base.AISessionsPerDay, violationCount),
	}
}

// TierResolver resolves the subscription tier of a user.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID users.UserID) (Tier, error)
}

// StaticTierResolver assigns the same tier to every user.
type StaticTierResolver struct {
	Tier Tier
}

// ResolveTier returns the configured tier.
func (r StaticTierResolver) ResolveTier(context.Context, users.UserID) (Tier, error) {
	if r.Tier == "" {
		return TierFree, nil
	}
	return r.Tier, nil
}
