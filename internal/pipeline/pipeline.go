// Package pipeline runs generation steps as an ordered chain or as an
// independent fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"launchpath/internal/generation"
)

type Input struct {
	// Prior holds the results of every earlier chain step, in order. Empty
	// for fan-out steps.
	Prior []generation.Result
	// Previous is the last element of Prior, or nil.
	Previous *generation.Result
}

type Step interface {
	Name() string
	Execute(ctx context.Context, in Input) (generation.Result, error)
}

// TaskStep adapts a generation task to a Step.
type TaskStep struct {
	Task   generation.Task
	Runner *generation.Runner
}

func (s TaskStep) Name() string { return s.Task.Feature }

func (s TaskStep) Execute(ctx context.Context, in Input) (generation.Result, error) {
	return s.Runner.Run(ctx, s.Task, in.Prior)
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

type StepOutcome struct {
	Name   string             `json:"name"`
	Status Status             `json:"status"`
	Result *generation.Result `json:"result,omitempty"`
	Err    error              `json:"-"`
	Error  string             `json:"error,omitempty"`
}

func succeeded(name string, res generation.Result) StepOutcome {
	return StepOutcome{Name: name, Status: StatusSucceeded, Result: &res}
}

func failed(name string, err error) StepOutcome {
	return StepOutcome{Name: name, Status: StatusFailed, Err: err, Error: err.Error()}
}

// ChainAbortedError wraps the error of the step that stopped a chain.
type ChainAbortedError struct {
	Step  string
	Index int
	Err   error
}

func (e *ChainAbortedError) Error() string {
	return fmt.Sprintf("chain aborted at step %d (%s): %v", e.Index+1, e.Step, e.Err)
}

func (e *ChainAbortedError) Unwrap() error { return e.Err }

type ChainResult struct {
	Success    bool               `json:"success"`
	Steps      []StepOutcome      `json:"steps"`
	Artifacts  []string           `json:"artifacts"`
	FailedStep string             `json:"failed_step,omitempty"`
	Err        *ChainAbortedError `json:"-"`
}

// PartialFanOutError carries the per-step errors of a fan-out. It is set
// whenever any step failed, including when the fan-out succeeded overall.
// Failures is keyed by step name; a repeated name gets a "#<position>"
// suffix.
type PartialFanOutError struct {
	Failures  map[string]error
	Succeeded int
}

func (e *PartialFanOutError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+e.Failures[name].Error())
	}
	return fmt.Sprintf("%d of %d steps failed: %s", len(e.Failures), len(e.Failures)+e.Succeeded, strings.Join(parts, "; "))
}

// Unwrap exposes every step error to errors.Is and errors.As.
func (e *PartialFanOutError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		out = append(out, err)
	}
	return out
}

type FanOutResult struct {
	Success   bool                `json:"success"`
	Steps     []StepOutcome       `json:"steps"`
	Artifacts []string            `json:"artifacts"`
	Err       *PartialFanOutError `json:"-"`
}

type Orchestrator struct {
	// MaxParallel bounds concurrent fan-out steps. Zero means unbounded.
	MaxParallel int
	Logger      *slog.Logger
}

// RunSequential runs steps strictly in order. The first failure aborts the
// chain; later steps are never invoked and are reported skipped. Artifacts
// already written by earlier steps stay persisted.
func (o *Orchestrator) RunSequential(ctx context.Context, steps []Step) ChainResult {
	res := ChainResult{Steps: make([]StepOutcome, 0, len(steps)), Artifacts: []string{}}
	var prior []generation.Result
	for i, step := range steps {
		if res.Err != nil {
			res.Steps = append(res.Steps, StepOutcome{Name: step.Name(), Status: StatusSkipped})
			continue
		}
		err := ctx.Err()
		var out generation.Result
		if err == nil {
			in := Input{Prior: append([]generation.Result(nil), prior...)}
			if len(prior) > 0 {
				last := prior[len(prior)-1]
				in.Previous = &last
			}
			out, err = runIsolated(ctx, step, in)
		}
		if err != nil {
			o.logger().WarnContext(ctx, "chain step failed", "step", step.Name(), "index", i, "err", err)
			res.Steps = append(res.Steps, failed(step.Name(), err))
			res.FailedStep = step.Name()
			res.Err = &ChainAbortedError{Step: step.Name(), Index: i, Err: err}
			continue
		}
		prior = append(prior, out)
		res.Steps = append(res.Steps, succeeded(step.Name(), out))
		res.Artifacts = append(res.Artifacts, artifactKey(step.Name(), out))
	}
	res.Success = res.Err == nil
	return res
}

// RunParallel starts every step concurrently and waits for all of them. A
// failing step never cancels its siblings. The fan-out succeeds when at
// least one step succeeded.
func (o *Orchestrator) RunParallel(ctx context.Context, steps []Step) FanOutResult {
	outcomes := make([]StepOutcome, len(steps))
	var limit chan struct{}
	if o.MaxParallel > 0 {
		limit = make(chan struct{}, o.MaxParallel)
	}

	var wg sync.WaitGroup
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step Step) {
			defer wg.Done()
			if limit != nil {
				select {
				case limit <- struct{}{}:
					defer func() { <-limit }()
				case <-ctx.Done():
					outcomes[i] = failed(step.Name(), ctx.Err())
					return
				}
			}
			out, err := runIsolated(ctx, step, Input{})
			if err != nil {
				o.logger().WarnContext(ctx, "fan-out step failed", "step", step.Name(), "err", err)
				outcomes[i] = failed(step.Name(), err)
				return
			}
			outcomes[i] = succeeded(step.Name(), out)
		}(i, step)
	}
	wg.Wait()

	res := FanOutResult{Steps: outcomes, Artifacts: []string{}}
	failures := map[string]error{}
	for i, oc := range outcomes {
		if oc.Status == StatusSucceeded {
			res.Artifacts = append(res.Artifacts, artifactKey(oc.Name, *oc.Result))
			continue
		}
		key := oc.Name
		if _, dup := failures[key]; dup {
			key = fmt.Sprintf("%s#%d", oc.Name, i+1)
		}
		failures[key] = oc.Err
	}
	res.Success = len(res.Artifacts) > 0
	if len(failures) > 0 {
		res.Err = &PartialFanOutError{Failures: failures, Succeeded: len(res.Artifacts)}
	}
	return res
}

func artifactKey(step string, res generation.Result) string {
	if res.Feature != "" {
		return res.Feature
	}
	return step
}

var errStepPanicked = errors.New("step panicked")

// runIsolated turns a panic in one step into that step's error.
func runIsolated(ctx context.Context, step Step, in Input) (res generation.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errStepPanicked, r)
		}
	}()
	return step.Execute(ctx, in)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
