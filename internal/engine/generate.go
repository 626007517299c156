package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"launchpath/internal/domain"
	"launchpath/internal/events"
	"launchpath/internal/generation"
	"launchpath/internal/pipeline"
	"launchpath/internal/repo"
	"launchpath/internal/stages"
)

// StageRun reports one stage or feature generation.
type StageRun struct {
	RunID           string                 `json:"run_id"`
	ProjectID       string                 `json:"project_id"`
	Stage           domain.Stage           `json:"stage"`
	Mode            Mode                   `json:"mode"`
	Success         bool                   `json:"success"`
	Steps           []pipeline.StepOutcome `json:"steps"`
	Artifacts       []string               `json:"artifacts"`
	FailedStep      string                 `json:"failed_step,omitempty"`
	Invalidated     []domain.Stage         `json:"invalidated"`
	UpstreamLocked  bool                   `json:"upstream_locked"`
	PendingUpstream []domain.Stage         `json:"pending_upstream,omitempty"`
}

// GenerateStage produces every artifact of a stage using the stage plan.
// Upstream artifacts are prompt context. When anything was produced the
// downstream stages are marked outdated. The returned error is nil exactly
// when the run succeeded; a partial fan-out success returns nil and reports
// failed steps in Steps.
func (e Engine) GenerateStage(ctx context.Context, projectID string, stage domain.Stage, callerID string) (StageRun, error) {
	if !stage.Valid() {
		return StageRun{}, fmt.Errorf("%w: %q", stages.ErrUnknownStage, stage)
	}
	plan, ok := e.Plans[stage]
	if !ok {
		return StageRun{}, fmt.Errorf("no plan for stage %s", stage)
	}
	project, pending, err := e.prepare(ctx, projectID, stage)
	if err != nil {
		return StageRun{}, err
	}
	ctxArtifacts, err := e.upstreamArtifacts(ctx, projectID, stage)
	if err != nil {
		return StageRun{}, err
	}

	steps := make([]pipeline.Step, 0, len(plan.Features))
	for _, name := range plan.Features {
		f, ok := e.Catalog.Lookup(name)
		if !ok {
			return StageRun{}, fmt.Errorf("%w: %s", ErrUnknownFeature, name)
		}
		task, err := generation.NewTask(f, projectID, callerID, project.TextInputs(), ctxArtifacts)
		if err != nil {
			return StageRun{}, err
		}
		steps = append(steps, pipeline.TaskStep{Task: task, Runner: e.Runner})
	}

	run := StageRun{
		RunID:           uuid.NewString(),
		ProjectID:       projectID,
		Stage:           stage,
		Mode:            plan.Mode,
		UpstreamLocked:  len(pending) == 0,
		PendingUpstream: pending,
		Invalidated:     []domain.Stage{},
	}
	genCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	var runErr error
	switch plan.Mode {
	case ModeSequential:
		res := e.Pipeline.RunSequential(genCtx, steps)
		run.Success, run.Steps, run.Artifacts, run.FailedStep = res.Success, res.Steps, res.Artifacts, res.FailedStep
		if res.Err != nil {
			runErr = res.Err
		}
	default:
		res := e.Pipeline.RunParallel(genCtx, steps)
		run.Success, run.Steps, run.Artifacts = res.Success, res.Steps, res.Artifacts
		if !res.Success && res.Err != nil {
			runErr = res.Err
		}
	}

	if err := e.afterRun(ctx, &run, callerID, events.GenerationRun); err != nil {
		return run, err
	}
	return run, runErr
}

// RunFeature regenerates one feature. In a sequential stage the artifacts of
// the earlier siblings are passed as prior steps when they exist.
func (e Engine) RunFeature(ctx context.Context, projectID, feature, callerID string) (StageRun, error) {
	f, ok := e.Catalog.Lookup(feature)
	if !ok {
		return StageRun{}, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	project, pending, err := e.prepare(ctx, projectID, f.Stage)
	if err != nil {
		return StageRun{}, err
	}
	ctxArtifacts, err := e.upstreamArtifacts(ctx, projectID, f.Stage)
	if err != nil {
		return StageRun{}, err
	}
	prior, err := e.priorSiblings(ctx, projectID, f.Stage, feature)
	if err != nil {
		return StageRun{}, err
	}
	task, err := generation.NewTask(f, projectID, callerID, project.TextInputs(), ctxArtifacts)
	if err != nil {
		return StageRun{}, err
	}

	run := StageRun{
		RunID:           uuid.NewString(),
		ProjectID:       projectID,
		Stage:           f.Stage,
		Mode:            ModeSingle,
		UpstreamLocked:  len(pending) == 0,
		PendingUpstream: pending,
		Artifacts:       []string{},
		Invalidated:     []domain.Stage{},
	}
	genCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	res, runErr := e.Runner.Run(genCtx, task, prior)
	if runErr != nil {
		run.Steps = []pipeline.StepOutcome{{Name: feature, Status: pipeline.StatusFailed, Err: runErr, Error: runErr.Error()}}
		run.FailedStep = feature
	} else {
		run.Success = true
		run.Steps = []pipeline.StepOutcome{{Name: feature, Status: pipeline.StatusSucceeded, Result: &res}}
		run.Artifacts = []string{feature}
	}
	if err := e.afterRun(ctx, &run, callerID, events.FeatureRun); err != nil {
		return run, err
	}
	return run, runErr
}

// prepare loads the project and refuses generation into a locked stage.
func (e Engine) prepare(ctx context.Context, projectID string, stage domain.Stage) (domain.Project, []domain.Stage, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	statuses, _, err := e.Stages.Status(ctx, projectID)
	if err != nil {
		return domain.Project{}, nil, err
	}
	if statuses[stage] == domain.StatusLocked {
		return domain.Project{}, nil, fmt.Errorf("%w: %s", ErrStageLocked, stage)
	}
	return project, stages.PendingUpstream(statuses, stage), nil
}

func (e Engine) priorSiblings(ctx context.Context, projectID string, stage domain.Stage, feature string) ([]generation.Result, error) {
	plan, ok := e.Plans[stage]
	if !ok || plan.Mode != ModeSequential {
		return nil, nil
	}
	var prior []generation.Result
	for _, name := range plan.Features {
		if name == feature {
			break
		}
		a, err := e.Repo.ReadArtifact(ctx, projectID, name)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var data any
		if err := json.Unmarshal(a.Payload, &data); err != nil {
			return nil, fmt.Errorf("decode artifact %s: %w", name, err)
		}
		prior = append(prior, generation.Result{
			Feature:      a.Feature,
			Stage:        a.Stage,
			Data:         data,
			Completeness: a.Completeness,
			Model:        a.Model,
			Tokens:       a.Tokens,
		})
	}
	return prior, nil
}

// afterRun marks downstream stages outdated when the run produced artifacts
// and records the run event. It uses the caller context so a generation
// timeout does not skip the bookkeeping.
func (e Engine) afterRun(ctx context.Context, run *StageRun, actorID, evtType string) error {
	if len(run.Artifacts) > 0 {
		tr, err := e.Stages.InvalidateDownstream(ctx, run.ProjectID, run.Stage, actorID)
		if err != nil {
			return err
		}
		run.Invalidated = tr.Affected
	}
	failedSteps := []string{}
	for _, s := range run.Steps {
		if s.Status == pipeline.StatusFailed {
			failedSteps = append(failedSteps, s.Name)
		}
	}
	payload := events.EventPayload{
		"run_id":      run.RunID,
		"stage":       string(run.Stage),
		"mode":        string(run.Mode),
		"success":     run.Success,
		"artifacts":   run.Artifacts,
		"failed":      failedSteps,
		"invalidated": run.Invalidated,
	}
	if err := e.Events.Record(ctx, evtType, run.ProjectID, "stage", string(run.Stage), actorID, payload); err != nil {
		e.logger().WarnContext(ctx, "record run event", "run", run.RunID, "err", err)
	}
	e.logger().InfoContext(ctx, "generation finished",
		"run", run.RunID, "project", run.ProjectID, "stage", run.Stage, "mode", run.Mode,
		"success", run.Success, "artifacts", len(run.Artifacts))
	return nil
}
