// Package quota enforces per-channel daily budgets for metered external
// resources. Budgets reset at UTC midnight by keying usage on the UTC day;
// no scheduled reset job exists or is needed.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/persistence"
)

// Limits holds the configured daily budgets. Defaults apply to every
// channel; Channels holds per-channel overrides. A resource present in
// neither map is unlimited.
type Limits struct {
	Defaults map[string]int64
	Channels map[string]map[string]int64
}

// Usage is the counter state after a Record call.
type Usage struct {
	Total int64
	Limit int64
}

// Fraction returns consumed/limit, or 0 for unlimited resources.
func (u Usage) Fraction() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Total) / float64(u.Limit)
}

// Level classifies the usage fraction for alerting: "critical" at or above
// the full budget, "warning" at or above 80%, otherwise empty.
func (u Usage) Level() string {
	f := u.Fraction()
	switch {
	case u.Limit > 0 && f >= 1.0:
		return "critical"
	case u.Limit > 0 && f >= 0.8:
		return "warning"
	default:
		return ""
	}
}

// Ledger answers admission checks against the persisted daily counters and
// records actual consumption. Limits are swappable at runtime for config
// hot reload.
type Ledger struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	limits Limits

	// now is swapped in tests to pin the UTC day.
	now func() time.Time
}

func NewLedger(store *persistence.Store, eventBus *bus.Bus, limits Limits, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  store,
		bus:    eventBus,
		logger: logger,
		limits: limits,
		now:    time.Now,
	}
}

// SetLimits replaces the budgets, applying a config reload to subsequent
// checks without touching recorded usage.
func (l *Ledger) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	l.logger.Info("quota limits updated")
}

// LimitFor resolves the effective daily limit for a channel and resource.
// The second return is false when the resource is unlimited.
func (l *Ledger) LimitFor(channelID, resource string) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if per, ok := l.limits.Channels[channelID]; ok {
		if v, ok := per[resource]; ok {
			return v, true
		}
	}
	if v, ok := l.limits.Defaults[resource]; ok {
		return v, true
	}
	return 0, false
}

func (l *Ledger) day() string {
	return l.now().UTC().Format("2006-01-02")
}

// Check reports whether a channel can spend projected more units of a
// resource today. The projection is the task's remaining cost, so a task
// that would overshoot the budget is held back entirely rather than
// started and stranded midway.
func (l *Ledger) Check(ctx context.Context, channelID, resource string, projected int64) (bool, error) {
	limit, bounded := l.LimitFor(channelID, resource)
	if !bounded {
		return true, nil
	}
	used, err := l.store.QuotaUsage(ctx, channelID, resource, l.day())
	if err != nil {
		return false, fmt.Errorf("quota check: %w", err)
	}
	return used+projected <= limit, nil
}

// Record adds actually-consumed units to the channel's daily counter and
// publishes a threshold event when the addition crosses the warning or
// critical line.
func (l *Ledger) Record(ctx context.Context, channelID, resource string, units int64) (Usage, error) {
	if units <= 0 {
		limit, _ := l.LimitFor(channelID, resource)
		used, err := l.store.QuotaUsage(ctx, channelID, resource, l.day())
		return Usage{Total: used, Limit: limit}, err
	}
	limit, _ := l.LimitFor(channelID, resource)
	total, err := l.store.AddQuotaUsage(ctx, channelID, resource, l.day(), units, limit)
	if err != nil {
		return Usage{}, fmt.Errorf("quota record: %w", err)
	}
	usage := Usage{Total: total, Limit: limit}
	l.maybeAlert(channelID, resource, total-units, usage)
	return usage, nil
}

// maybeAlert publishes at most one threshold event per crossing: only when
// the previous total was below the line and the new total is at or above it.
func (l *Ledger) maybeAlert(channelID, resource string, prevTotal int64, usage Usage) {
	if l.bus == nil || usage.Limit <= 0 {
		return
	}
	prev := Usage{Total: prevTotal, Limit: usage.Limit}
	level := usage.Level()
	if level == "" || prev.Level() == level {
		return
	}
	l.logger.Warn("quota threshold crossed",
		"channel_id", channelID,
		"resource", resource,
		"used", usage.Total,
		"limit", usage.Limit,
		"level", level,
	)
	l.bus.Publish(bus.TopicQuotaThreshold, bus.QuotaThreshold{
		ChannelID: channelID,
		Resource:  resource,
		Used:      usage.Total,
		Limit:     usage.Limit,
		Fraction:  usage.Fraction(),
		Level:     level,
	})
}
