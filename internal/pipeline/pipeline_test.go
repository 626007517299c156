package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"launchpath/internal/generation"
)

type fakeStep struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
	seen  Input
	fn    func(ctx context.Context) error
}

func (s *fakeStep) Name() string { return s.name }

func (s *fakeStep) Execute(ctx context.Context, in Input) (generation.Result, error) {
	s.calls.Add(1)
	s.seen = in
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.fn != nil {
		if err := s.fn(ctx); err != nil {
			return generation.Result{}, err
		}
	}
	if s.err != nil {
		return generation.Result{}, s.err
	}
	return generation.Result{Feature: s.name, Data: map[string]any{"from": s.name}}, nil
}

func TestRunSequentialAbortsOnFirstFailure(t *testing.T) {
	boom := errors.New("provider down")
	steps := []*fakeStep{{name: "evaluation"}, {name: "swot", err: boom}, {name: "risk_analysis"}, {name: "verdict"}}
	var asSteps []Step
	for _, s := range steps {
		asSteps = append(asSteps, s)
	}

	res := (&Orchestrator{}).RunSequential(context.Background(), asSteps)

	assert.False(t, res.Success)
	assert.Equal(t, "swot", res.FailedStep)
	require.NotNil(t, res.Err)
	assert.Equal(t, 1, res.Err.Index)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, int32(0), steps[2].calls.Load())
	assert.Equal(t, int32(0), steps[3].calls.Load())
	assert.Equal(t, []string{"evaluation"}, res.Artifacts)

	require.Len(t, res.Steps, 4)
	assert.Equal(t, StatusSucceeded, res.Steps[0].Status)
	assert.Equal(t, StatusFailed, res.Steps[1].Status)
	assert.Equal(t, StatusSkipped, res.Steps[2].Status)
	assert.Equal(t, StatusSkipped, res.Steps[3].Status)
}

func TestRunSequentialFeedsPriorResults(t *testing.T) {
	a, b, c := &fakeStep{name: "a"}, &fakeStep{name: "b"}, &fakeStep{name: "c"}
	res := (&Orchestrator{}).RunSequential(context.Background(), []Step{a, b, c})

	require.True(t, res.Success)
	assert.Nil(t, res.Err)
	assert.Nil(t, a.seen.Previous)
	require.NotNil(t, c.seen.Previous)
	assert.Equal(t, "b", c.seen.Previous.Feature)
	require.Len(t, c.seen.Prior, 2)
	assert.Equal(t, "a", c.seen.Prior[0].Feature)
	assert.Equal(t, []string{"a", "b", "c"}, res.Artifacts)
}

func TestRunSequentialStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeStep{name: "first", fn: func(context.Context) error { cancel(); return nil }}
	second := &fakeStep{name: "second"}
	res := (&Orchestrator{}).RunSequential(ctx, []Step{first, second})
	assert.False(t, res.Success)
	assert.Equal(t, "second", res.FailedStep)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestRunParallelOneOfThreeSucceeds(t *testing.T) {
	errA, errB := errors.New("a failed"), errors.New("b failed")
	steps := []Step{
		&fakeStep{name: "evaluation", err: errA},
		&fakeStep{name: "questions", delay: 20 * time.Millisecond},
		&fakeStep{name: "project_analysis", err: errB},
	}
	res := (&Orchestrator{}).RunParallel(context.Background(), steps)

	assert.True(t, res.Success)
	assert.Equal(t, []string{"questions"}, res.Artifacts)
	require.NotNil(t, res.Err)
	assert.Len(t, res.Err.Failures, 2)
	assert.ErrorIs(t, res.Err.Failures["evaluation"], errA)
	assert.ErrorIs(t, res.Err, errB)
	assert.Equal(t, "questions", res.Steps[1].Name)
	assert.Equal(t, StatusSucceeded, res.Steps[1].Status)
}

func TestRunParallelAllFail(t *testing.T) {
	res := (&Orchestrator{}).RunParallel(context.Background(), []Step{
		&fakeStep{name: "a", err: errors.New("x")},
		&fakeStep{name: "b", err: errors.New("y")},
	})
	assert.False(t, res.Success)
	assert.Empty(t, res.Artifacts)
	assert.Len(t, res.Err.Failures, 2)
	assert.Contains(t, res.Err.Error(), "2 of 2 steps failed")
}

func TestRunParallelRunsConcurrently(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	gate := make(chan struct{})
	track := func(ctx context.Context) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		if running == 3 {
			close(gate)
		}
		mu.Unlock()
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}
	steps := []Step{&fakeStep{name: "a", fn: track}, &fakeStep{name: "b", fn: track}, &fakeStep{name: "c", fn: track}}
	res := (&Orchestrator{}).RunParallel(context.Background(), steps)
	assert.True(t, res.Success)
	assert.Nil(t, res.Err)
	assert.Equal(t, 3, peak)
}

func TestRunParallelRespectsMaxParallel(t *testing.T) {
	var current, peak atomic.Int32
	track := func(context.Context) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	}
	var steps []Step
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		steps = append(steps, &fakeStep{name: name, fn: track})
	}
	res := (&Orchestrator{MaxParallel: 2}).RunParallel(context.Background(), steps)
	assert.True(t, res.Success)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, res.Artifacts, 5)
}

type panicStep struct{}

func (panicStep) Name() string { return "panics" }

func (panicStep) Execute(context.Context, Input) (generation.Result, error) {
	panic("nil map")
}

func TestRunParallelIsolatesPanics(t *testing.T) {
	res := (&Orchestrator{}).RunParallel(context.Background(), []Step{panicStep{}, &fakeStep{name: "ok"}})
	assert.True(t, res.Success)
	assert.ErrorIs(t, res.Err.Failures["panics"], errStepPanicked)
}

func TestRunSequentialIsolatesPanics(t *testing.T) {
	first := &fakeStep{name: "swot"}
	last := &fakeStep{name: "verdict"}
	res := (&Orchestrator{}).RunSequential(context.Background(), []Step{first, panicStep{}, last})

	assert.False(t, res.Success)
	assert.Equal(t, "panics", res.FailedStep)
	require.NotNil(t, res.Err)
	assert.Equal(t, 1, res.Err.Index)
	assert.ErrorIs(t, res.Err, errStepPanicked)
	assert.Equal(t, []string{"swot"}, res.Artifacts)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, StatusFailed, res.Steps[1].Status)
	assert.Equal(t, StatusSkipped, res.Steps[2].Status)
	assert.Equal(t, int32(0), last.calls.Load())
}

func TestRunParallelKeepsFailuresOfSameNamedSteps(t *testing.T) {
	errA, errB := errors.New("first"), errors.New("second")
	res := (&Orchestrator{}).RunParallel(context.Background(), []Step{
		&fakeStep{name: "pricing", err: errA},
		&fakeStep{name: "pricing", err: errB},
		&fakeStep{name: "channels"},
	})

	assert.True(t, res.Success)
	require.NotNil(t, res.Err)
	assert.Len(t, res.Err.Failures, 2)
	assert.ErrorIs(t, res.Err.Failures["pricing"], errA)
	assert.ErrorIs(t, res.Err.Failures["pricing#2"], errB)
	assert.Contains(t, res.Err.Error(), "2 of 3 steps failed")
}
