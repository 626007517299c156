// Package budget gates generation calls on the operator kill switch and the
// daily token ceiling.
//
// The ceiling is soft: CheckCeiling reads the ledger and usage is appended
// later by the invoker, so concurrent callers can pass the same check and
// overshoot the limit together.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"launchpath/internal/events"
	"launchpath/internal/operator"
)

const (
	ReasonDisabled     = "service disabled"
	ReasonLimitReached = "daily limit reached"

	DefaultWarnPercent = 80
)

type Cause string

const (
	CauseNone       Cause = ""
	CauseKillSwitch Cause = "kill_switch"
	CauseCeiling    Cause = "ceiling"
)

type Decision struct {
	Allowed bool   `json:"allowed"`
	Used    int64  `json:"used"`
	Limit   int64  `json:"limit"`
	Percent int    `json:"percent"`
	Reason  string `json:"reason,omitempty"`
	Cause   Cause  `json:"cause,omitempty"`
}

// UsageSource aggregates the usage ledger.
type UsageSource interface {
	SumUsageSince(ctx context.Context, since time.Time) (int64, error)
}

type Switchboard interface {
	Settings(ctx context.Context) (operator.Settings, error)
}

// Recorder receives budget warnings. events.Writer satisfies it.
type Recorder interface {
	Record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

type Guard struct {
	usage       UsageSource
	switchboard Switchboard
	warnPercent int
	logger      *slog.Logger
	recorder    Recorder
	now         func() time.Time

	mu       sync.Mutex
	warnedOn string
}

type Option func(*Guard)

func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithWarnPercent sets the usage percentage that triggers a warning.
func WithWarnPercent(p int) Option {
	return func(g *Guard) {
		if p > 0 && p <= 100 {
			g.warnPercent = p
		}
	}
}

func New(usage UsageSource, sb Switchboard, opts ...Option) *Guard {
	g := &Guard{
		usage:       usage,
		switchboard: sb,
		warnPercent: DefaultWarnPercent,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckCeiling decides whether a new generation call may start. It has no
// write side effect apart from the warning event.
func (g *Guard) CheckCeiling(ctx context.Context) (Decision, error) {
	settings, err := g.switchboard.Settings(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("operator settings: %w", err)
	}
	dec := Decision{Limit: settings.DailyTokenLimit}

	day := StartOfDay(g.now())
	used, err := g.usage.SumUsageSince(ctx, day)
	if err != nil {
		if settings.KillSwitch {
			g.logger.Warn("usage read failed while kill switch active", "err", err)
			dec.Reason, dec.Cause = ReasonDisabled, CauseKillSwitch
			return dec, nil
		}
		return Decision{}, fmt.Errorf("read usage: %w", err)
	}
	dec.Used = used
	dec.Percent = Percent(used, settings.DailyTokenLimit)
	if dec.Percent >= g.warnPercent {
		g.warn(ctx, day, dec)
	}

	switch {
	case settings.KillSwitch:
		dec.Reason, dec.Cause = ReasonDisabled, CauseKillSwitch
	case used >= settings.DailyTokenLimit:
		dec.Reason, dec.Cause = ReasonLimitReached, CauseCeiling
	default:
		dec.Allowed = true
	}
	return dec, nil
}

// Percent returns min(100, floor(used*100/limit)). A non-positive limit is
// treated as exhausted once anything was used.
func Percent(used, limit int64) int {
	if limit <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	if used >= limit {
		return 100
	}
	if used <= 0 {
		return 0
	}
	return int(used * 100 / limit)
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// warn logs every crossing but records at most one event per UTC day.
func (g *Guard) warn(ctx context.Context, day time.Time, dec Decision) {
	g.logger.Warn("token budget nearly exhausted", "used", dec.Used, "limit", dec.Limit, "percent", dec.Percent)
	key := day.Format("2006-01-02")
	g.mu.Lock()
	first := g.warnedOn != key
	g.warnedOn = key
	g.mu.Unlock()
	if !first || g.recorder == nil {
		return
	}
	err := g.recorder.Record(ctx, events.BudgetWarning, "", "budget", key, "system", events.EventPayload{
		"used":    dec.Used,
		"limit":   dec.Limit,
		"percent": dec.Percent,
	})
	if err != nil {
		g.logger.Warn("record budget warning", "err", err)
	}
}
