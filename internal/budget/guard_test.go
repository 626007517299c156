package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpath/internal/events"
	"launchpath/internal/operator"
)

type fixedUsage struct {
	used  int64
	err   error
	since time.Time
}

func (f *fixedUsage) SumUsageSince(_ context.Context, since time.Time) (int64, error) {
	f.since = since
	return f.used, f.err
}

type recorded struct {
	evtType string
	payload events.EventPayload
}

type memRecorder struct{ got []recorded }

func (m *memRecorder) Record(_ context.Context, evtType, _, _, _, _ string, payload events.EventPayload) error {
	m.got = append(m.got, recorded{evtType: evtType, payload: payload})
	return nil
}

func TestCheckCeiling(t *testing.T) {
	tests := []struct {
		name        string
		used        int64
		settings    operator.Settings
		wantAllowed bool
		wantPercent int
		wantCause   Cause
		wantReason  string
	}{
		{name: "under limit", used: 10, settings: operator.Settings{DailyTokenLimit: 1000}, wantAllowed: true, wantPercent: 1},
		{name: "over limit", used: 1_000_001, settings: operator.Settings{DailyTokenLimit: 1_000_000}, wantPercent: 100, wantCause: CauseCeiling, wantReason: ReasonLimitReached},
		{name: "over limit with kill switch", used: 1_000_001, settings: operator.Settings{DailyTokenLimit: 1_000_000, KillSwitch: true}, wantPercent: 100, wantCause: CauseKillSwitch, wantReason: ReasonDisabled},
		{name: "exactly at limit", used: 500, settings: operator.Settings{DailyTokenLimit: 500}, wantPercent: 100, wantCause: CauseCeiling, wantReason: ReasonLimitReached},
		{name: "kill switch with no usage", used: 0, settings: operator.Settings{DailyTokenLimit: 1000, KillSwitch: true}, wantCause: CauseKillSwitch, wantReason: ReasonDisabled},
		{name: "floor percent", used: 999, settings: operator.Settings{DailyTokenLimit: 1000}, wantAllowed: true, wantPercent: 99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(&fixedUsage{used: tt.used}, operator.Static(tt.settings))
			dec, err := g.CheckCeiling(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, dec.Allowed)
			assert.Equal(t, tt.wantPercent, dec.Percent)
			assert.Equal(t, tt.wantCause, dec.Cause)
			assert.Equal(t, tt.wantReason, dec.Reason)
			assert.Equal(t, tt.used, dec.Used)
			assert.Equal(t, tt.settings.DailyTokenLimit, dec.Limit)
		})
	}
}

func TestCheckCeilingReadsCurrentUTCDay(t *testing.T) {
	usage := &fixedUsage{}
	loc := time.FixedZone("UTC+5", 5*3600)
	g := New(usage, operator.Static{DailyTokenLimit: 10}, WithClock(func() time.Time {
		return time.Date(2024, 5, 2, 3, 0, 0, 0, loc)
	}))
	_, err := g.CheckCeiling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), usage.since)
}

func TestWarningRecordedOncePerDay(t *testing.T) {
	rec := &memRecorder{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	g := New(&fixedUsage{used: 850}, operator.Static{DailyTokenLimit: 1000},
		WithRecorder(rec), WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		dec, err := g.CheckCeiling(context.Background())
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
	}
	require.Len(t, rec.got, 1)
	assert.Equal(t, events.BudgetWarning, rec.got[0].evtType)
	assert.Equal(t, 85, rec.got[0].payload["percent"])

	now = now.Add(24 * time.Hour)
	_, err := g.CheckCeiling(context.Background())
	require.NoError(t, err)
	assert.Len(t, rec.got, 2)
}

func TestUsageErrors(t *testing.T) {
	boom := errors.New("disk gone")

	_, err := New(&fixedUsage{err: boom}, operator.Static{DailyTokenLimit: 10}).CheckCeiling(context.Background())
	assert.ErrorIs(t, err, boom)

	dec, err := New(&fixedUsage{err: boom}, operator.Static{DailyTokenLimit: 10, KillSwitch: true}).CheckCeiling(context.Background())
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, CauseKillSwitch, dec.Cause)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, Percent(0, 0))
	assert.Equal(t, 100, Percent(1, 0))
	assert.Equal(t, 50, Percent(5, 10))
	assert.Equal(t, 100, Percent(1_000_001, 1_000_000))
}
