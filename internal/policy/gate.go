package policy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/mend/backend/internal/users"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	opNewGate           = "policy.gate.new"
	opCheckStatus       = "policy.check_status"
	opCheckRitual       = "policy.check_ritual"
	opCheckJournal      = "policy.check_journal"
	opCheckAITherapy    = "policy.check_ai_therapy"
	opDetectGaming      = "policy.detect_gaming"
	opRecordAction      = "policy.record_action"
	opRecordViolation   = "policy.record_violation"
	opEvaluate          = "policy.evaluate"
	tracerName          = "github.com/MarcoPoloResearchLab/mend/backend/internal/policy"
	fieldUserID         = "user_id"
	fieldPersonaVoice   = "persona_voice"
	ritualDenyCooldown  = 60
	ritualSpamCooldown  = 30
	usageWarningPercent = 80

	ReasonRateLimitExceeded  = "Rate limit exceeded. You've completed a lot of rituals this hour."
	ReasonCriticalBlock      = "Your account is temporarily blocked due to a policy violation."
	ReasonCoolingDown        = "You're on a short cooldown after unusual activity."
	ReasonJournalCooldown    = "Journaling is on a short cooldown."
	ReasonPersonaCooldown    = "This persona is taking a short break."
	ReasonAIDailyLimit       = "You've reached today's AI session limit."
	ReasonJournalHourlyLimit = "You've reached this hour's journaling limit."
	ritualSpamReason         = "hourly ritual cap reached"
)

var (
	errMissingStore      = errors.New("policy store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for new violations.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// GateConfig describes the dependencies of the fair-use gate.
type GateConfig struct {
	Store           Store
	Tiers           TierResolver
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	Metrics         metrics.Recorder
	Tracer          trace.Tracer
	// RitualHourlyCap replaces the free tier's base hourly ritual limit when positive.
	RitualHourlyCap int
	JournalDetector AbuseDetector
	AIDetector      AbuseDetector
	XPDetector      XPFarmingDetector
}

// Gate decides whether a user's gated action may proceed right now.
// It holds no per-user state; every decision is recomputed from the store.
// Checks are read-then-act, so two concurrent requests from one user can both
// take the last slot of a window.
type Gate struct {
	store           Store
	tiers           TierResolver
	clock           func() time.Time
	idProvider      IDProvider
	logger          *zap.Logger
	metrics         metrics.Recorder
	tracer          trace.Tracer
	limits          limitTable
	journalDetector AbuseDetector
	aiDetector      AbuseDetector
	xpDetector      XPFarmingDetector
}

// NewGate constructs a Gate, filling optional dependencies with defaults.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, apperr.New(opNewGate, "missing_store", errMissingStore)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	tiers := cfg.Tiers
	if tiers == nil {
		tiers = StaticTierResolver{Tier: TierFree}
	}
	journalDetector := cfg.JournalDetector
	if journalDetector == nil {
		journalDetector = NewJournalFrequencyDetector()
	}
	aiDetector := cfg.AIDetector
	if aiDetector == nil {
		aiDetector = NewAISessionFrequencyDetector()
	}
	xpDetector := cfg.XPDetector
	if xpDetector == nil {
		xpDetector = NoXPFarming{}
	}

	return &Gate{
		store:           cfg.Store,
		tiers:           tiers,
		clock:           clock,
		idProvider:      idProvider,
		logger:          logger,
		metrics:         recorder,
		tracer:          tracer,
		limits:          limitTable{freeRitualsPerHour: cfg.RitualHourlyCap},
		journalDetector: journalDetector,
		aiDetector:      aiDetector,
		xpDetector:      xpDetector,
	}, nil
}

// CheckStatus evaluates the user's fair-use state. Store failures fail open and
// yield a permissive status with default limits.
func (g *Gate) CheckStatus(ctx context.Context, userID users.UserID) Status {
	now := g.now()
	status, err := g.evaluate(ctx, userID, now)
	if err != nil {
		g.logFailOpen(opCheckStatus, "evaluate_failed", err, zap.String(fieldUserID, userID.String()))
		return g.permissiveStatus(g.defaultTier(ctx, userID))
	}
	return status
}

// CheckRitualAction decides whether a ritual completion may proceed.
func (g *Gate) CheckRitualAction(ctx context.Context, userID users.UserID) Decision {
	now := g.now()
	status, err := g.evaluate(ctx, userID, now)
	if err != nil {
		g.logFailOpen(opCheckRitual, "evaluate_failed", err, zap.String(fieldUserID, userID.String()))
		return g.observe(ctx, ActionRitual, allow())
	}
	if decision, blocked := blockedDecision(status, now); blocked {
		return g.observe(ctx, ActionRitual, decision)
	}

	if status.Limits.CurrentUsage.RitualsLastHour >= status.Limits.RitualsPerHour {
		g.recordViolation(ctx, userID, AbuseVerdict{
			Abusive:          true,
			Kind:             ViolationRitualSpam,
			Severity:         SeverityMinor,
			CooldownMinutes:  ritualSpamCooldown,
			Reason:           ritualSpamReason,
			AffectedFeatures: []string{FeatureAll},
		})
		return g.observe(ctx, ActionRitual, deny(ReasonRateLimitExceeded, ritualDenyCooldown))
	}
	return g.observe(ctx, ActionRitual, allow())
}

// CheckJournalAction decides whether a journal entry may proceed.
func (g *Gate) CheckJournalAction(ctx context.Context, userID users.UserID) Decision {
	now := g.now()
	status, err := g.evaluate(ctx, userID, now)
	if err != nil {
		g.logFailOpen(opCheckJournal, "evaluate_failed", err, zap.String(fieldUserID, userID.String()))
		return g.observe(ctx, ActionJournal, allow())
	}
	if decision, blocked := blockedDecision(status, now); blocked {
		return g.observe(ctx, ActionJournal, decision)
	}
	if end, cooling := status.Cooldowns.ActiveUntil(FeatureJournal, now); cooling {
		return g.observe(ctx, ActionJournal, deny(ReasonJournalCooldown, remainingMinutes(end, now)))
	}

	verdict, err := g.journalDetector.Detect(ctx, AbuseInput{UserID: userID, FeatureKey: FeatureJournal, Now: now, History: g.store})
	if err != nil {
		g.logFailOpen(opCheckJournal, "detector_failed", err, zap.String(fieldUserID, userID.String()))
		return g.observe(ctx, ActionJournal, allow())
	}
	if verdict.Abusive {
		if len(verdict.AffectedFeatures) == 0 {
			verdict.AffectedFeatures = []string{FeatureJournal}
		}
		g.recordViolation(ctx, userID, verdict)
		return g.observe(ctx, ActionJournal, deny(verdict.Reason, verdict.CooldownMinutes))
	}

	if status.Limits.CurrentUsage.JournalEntriesLastHour >= status.Limits.JournalEntriesPerHour {
		cooldown := g.windowCooldown(ctx, userID, ActionJournal, status.Limits.JournalEntriesPerHour, time.Hour, now)
		return g.observe(ctx, ActionJournal, deny(ReasonJournalHourlyLimit, cooldown))
	}
	return g.observe(ctx, ActionJournal, allow())
}

// CheckAITherapyAction decides whether an AI therapy turn with personaVoice may proceed.
// The persona's own cooldown is consulted before the account-wide block.
func (g *Gate) CheckAITherapyAction(ctx context.Context, userID users.UserID, personaVoice string) Decision {
	personaVoice = strings.TrimSpace(personaVoice)
	now := g.now()
	status, err := g.evaluate(ctx, userID, now)
	if err != nil {
		g.logFailOpen(opCheckAITherapy, "evaluate_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldPersonaVoice, personaVoice))
		return g.observe(ctx, ActionAISession, allow())
	}

	if personaVoice != "" && personaVoice != FeatureAll {
		if end, cooling := status.Cooldowns.ActiveUntil(personaVoice, now); cooling {
			return g.observe(ctx, ActionAISession, deny(ReasonPersonaCooldown, remainingMinutes(end, now)))
		}
	}
	if decision, blocked := blockedDecision(status, now); blocked {
		return g.observe(ctx, ActionAISession, decision)
	}

	verdict, err := g.aiDetector.Detect(ctx, AbuseInput{UserID: userID, FeatureKey: personaVoice, Now: now, History: g.store})
	if err != nil {
		g.logFailOpen(opCheckAITherapy, "detector_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldPersonaVoice, personaVoice))
		return g.observe(ctx, ActionAISession, allow())
	}
	if verdict.Abusive {
		if personaVoice != "" {
			verdict.AffectedFeatures = []string{personaVoice}
		}
		g.recordViolation(ctx, userID, verdict)
		return g.observe(ctx, ActionAISession, deny(verdict.Reason, verdict.CooldownMinutes))
	}

	if status.Limits.CurrentUsage.AISessionsLastDay >= status.Limits.AISessionsPerDay {
		cooldown := g.windowCooldown(ctx, userID, ActionAISession, status.Limits.AISessionsPerDay, 24*time.Hour, now)
		return g.observe(ctx, ActionAISession, deny(ReasonAIDailyLimit, cooldown))
	}
	return g.observe(ctx, ActionAISession, allow())
}

// RecordAction appends an action record once the caller has performed a permitted action.
func (g *Gate) RecordAction(ctx context.Context, userID users.UserID, actionType ActionType, featureKey string) error {
	record := ActionRecord{
		UserID:     userID.String(),
		ActionType: actionType,
		FeatureKey: strings.TrimSpace(featureKey),
		OccurredAt: g.now(),
	}
	if err := g.store.AppendAction(ctx, record); err != nil {
		g.logError(opRecordAction, "append_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String("action_type", string(actionType)))
		return apperr.New(opRecordAction, "append_failed", err)
	}
	return nil
}

func (g *Gate) evaluate(ctx context.Context, userID users.UserID, now time.Time) (status Status, err error) {
	ctx, span := g.tracer.Start(ctx, opEvaluate)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "evaluate failed")
		} else {
			span.SetAttributes(
				attribute.String("tier", string(status.Limits.Tier)),
				attribute.Bool("blocked", status.IsBlocked),
				attribute.Int("active_violations", len(status.ActiveViolations)))
		}
		span.End()
	}()

	tier := g.defaultTier(ctx, userID)

	violations, err := g.store.ActiveViolations(ctx, userID, now)
	if err != nil {
		return Status{}, err
	}
	ritualCount, err := g.store.CountActions(ctx, userID, ActionRitual, "", now.Add(-time.Hour))
	if err != nil {
		return Status{}, err
	}
	journalCount, err := g.store.CountActions(ctx, userID, ActionJournal, "", now.Add(-time.Hour))
	if err != nil {
		return Status{}, err
	}
	aiCount, err := g.store.CountActions(ctx, userID, ActionAISession, "", now.Add(-24*time.Hour))
	if err != nil {
		return Status{}, err
	}

	cooldowns := deriveCooldowns(violations, now)
	limits := g.limits.effective(tier, len(violations))
	limits.CurrentUsage = Usage{
		RitualsLastHour:        ritualCount,
		JournalEntriesLastHour: journalCount,
		AISessionsLastDay:      aiCount,
	}

	_, globalCooldown := cooldowns.ActiveUntil(FeatureAll, now)
	status = Status{
		IsBlocked:        hasCritical(violations) || globalCooldown,
		ActiveViolations: violations,
		Cooldowns:        cooldowns,
		Warnings:         usageWarnings(limits, len(violations)),
		NextAllowedAt:    earliestCooldownEnd(cooldowns, now),
		Limits:           limits,
	}
	return status, nil
}

func (g *Gate) defaultTier(ctx context.Context, userID users.UserID) Tier {
	tier, err := g.tiers.ResolveTier(ctx, userID)
	if err != nil {
		g.logFailOpen(opCheckStatus, "tier_resolution_failed", err, zap.String(fieldUserID, userID.String()))
		return TierFree
	}
	return tier
}

// windowCooldown is the wait until the oldest action counted toward a
// trailing-window cap ages out.
func (g *Gate) windowCooldown(ctx context.Context, userID users.UserID, actionType ActionType, limit int, window time.Duration, now time.Time) int {
	records, err := g.store.RecentActions(ctx, userID, actionType, limit)
	if err != nil || len(records) == 0 {
		return ritualDenyCooldown
	}
	oldest := records[len(records)-1]
	minutes := remainingMinutes(oldest.OccurredAt.Add(window), now)
	if minutes <= 0 {
		return 1
	}
	return minutes
}

func (g *Gate) recordViolation(ctx context.Context, userID users.UserID, verdict AbuseVerdict) {
	violationID, err := g.idProvider.NewID()
	if err != nil {
		g.logError(opRecordViolation, "id_generation_failed", err, zap.String(fieldUserID, userID.String()))
		return
	}
	features := verdict.AffectedFeatures
	if len(features) == 0 {
		features = []string{FeatureAll}
	}
	violation := Violation{
		ViolationID:      violationID,
		UserID:           userID.String(),
		Kind:             verdict.Kind,
		Severity:         verdict.Severity,
		CooldownMinutes:  verdict.CooldownMinutes,
		AffectedFeatures: append([]string(nil), features...),
		Reason:           verdict.Reason,
		RecordedAt:       g.now(),
	}
	if err := g.store.AppendViolation(ctx, violation); err != nil {
		g.logError(opRecordViolation, "append_failed", err,
			zap.String(fieldUserID, userID.String()),
			zap.String("kind", string(verdict.Kind)))
		return
	}
	g.metrics.RecordViolation(ctx, string(verdict.Kind), string(verdict.Severity))
	g.logger.Info("policy violation recorded",
		zap.String(fieldUserID, userID.String()),
		zap.String("kind", string(violation.Kind)),
		zap.String("severity", string(violation.Severity)),
		zap.Int("cooldown_minutes", violation.CooldownMinutes),
		zap.Strings("affected_features", features))
}

func (g *Gate) observe(ctx context.Context, action ActionType, decision Decision) Decision {
	g.metrics.RecordPolicyDecision(ctx, string(action), decision.Allowed, decision.Reason)
	return decision
}

func (g *Gate) now() time.Time {
	return g.clock().UTC()
}

func (g *Gate) loggerOrDefault() *zap.Logger {
	if g == nil || g.logger == nil {
		return noOpLogger
	}
	return g.logger
}

func (g *Gate) logError(operation, reason string, err error, fields ...zap.Field) {
	g.loggerOrDefault().Error("policy gate error", operationFields(operation, reason, err, fields)...)
}

func (g *Gate) logFailOpen(operation, reason string, err error, fields ...zap.Field) {
	g.loggerOrDefault().Warn("policy gate failing open", operationFields(operation, reason, err, fields)...)
}

func operationFields(operation, reason string, err error, fields []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}

func (g *Gate) permissiveStatus(tier Tier) Status {
	return Status{
		Cooldowns: CooldownMap{},
		Warnings:  []string{},
		Limits:    g.limits.effective(tier, 0),
	}
}

// deriveCooldowns keeps, per feature key, the latest still-future end among active violations.
func deriveCooldowns(violations []Violation, now time.Time) CooldownMap {
	cooldowns := CooldownMap{}
	for _, violation := range violations {
		if violation.IsIndefinite() {
			continue
		}
		end := violation.CooldownEndsAt()
		if !end.After(now) {
			continue
		}
		for _, feature := range violation.AffectedFeatures {
			if existing, ok := cooldowns[feature]; !ok || existing.Before(end) {
				cooldowns[feature] = end
			}
		}
	}
	return cooldowns
}

func hasCritical(violations []Violation) bool {
	for _, violation := range violations {
		if violation.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func earliestCooldownEnd(cooldowns CooldownMap, now time.Time) *time.Time {
	var earliest *time.Time
	for _, end := range cooldowns {
		if !end.After(now) {
			continue
		}
		if earliest == nil || end.Before(*earliest) {
			value := end
			earliest = &value
		}
	}
	return earliest
}

// blockedDecision denies with the smallest remaining cooldown among active violations.
func blockedDecision(status Status, now time.Time) (Decision, bool) {
	if !status.IsBlocked {
		return Decision{}, false
	}
	reason := ReasonCoolingDown
	if hasCritical(status.ActiveViolations) {
		reason = ReasonCriticalBlock
	}
	minimum := 0
	for _, violation := range status.ActiveViolations {
		if violation.IsIndefinite() {
			continue
		}
		minutes := remainingMinutes(violation.CooldownEndsAt(), now)
		if minutes <= 0 {
			continue
		}
		if minimum == 0 || minutes < minimum {
			minimum = minutes
		}
	}
	return deny(reason, minimum), true
}

// remainingMinutes is ceil((end - now) / 1 minute) at millisecond resolution.
func remainingMinutes(end, now time.Time) int {
	milliseconds := end.Sub(now).Milliseconds()
	if milliseconds <= 0 {
		return 0
	}
	return int(math.Ceil(float64(milliseconds) / float64(time.Minute/time.Millisecond)))
}

func usageWarnings(limits Limits, violationCount int) []string {
	warnings := []string{}
	checks := []struct {
		label string
		used  int
		limit int
	}{
		{label: "hourly ritual", used: limits.CurrentUsage.RitualsLastHour, limit: limits.RitualsPerHour},
		{label: "hourly journal", used: limits.CurrentUsage.JournalEntriesLastHour, limit: limits.JournalEntriesPerHour},
		{label: "daily AI session", used: limits.CurrentUsage.AISessionsLastDay, limit: limits.AISessionsPerDay},
	}
	for _, check := range checks {
		if check.limit > 0 && check.used*100 > check.limit*usageWarningPercent {
			warnings = append(warnings, fmt.Sprintf("Approaching your %s limit (%d/%d).", check.label, check.used, check.limit))
		}
	}
	if violationCount > 0 {
		warnings = append(warnings, fmt.Sprintf("%d active policy violation(s) are reducing your limits.", violationCount))
	}
	return warnings
}

// CooldownKeys returns the cooldown map's feature keys in sorted order.
func (m CooldownMap) CooldownKeys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
