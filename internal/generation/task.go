// Package generation runs one feature through the request pipeline: input
// screening, budget gate, model call, output cleanup, and persistence.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"launchpath/internal/budget"
	"launchpath/internal/domain"
	"launchpath/internal/features"
	"launchpath/internal/outputs"
	"launchpath/internal/provider"
	"launchpath/internal/threat"
)

type Task struct {
	Feature        string
	Stage          domain.Stage
	Tier           string
	SystemPrompt   string
	Prompt         *template.Template
	Inputs         map[string]string
	RequiredFields []string
	// Context holds artifacts of earlier stages, keyed by feature. They are
	// read-only prompt material.
	Context   map[string]json.RawMessage
	ProjectID string
	CallerID  string
}

// NewTask builds a task for a catalog feature.
func NewTask(f features.Feature, projectID, callerID string, inputs map[string]string, ctxArtifacts map[string]json.RawMessage) (Task, error) {
	tmpl, err := f.Parse()
	if err != nil {
		return Task{}, err
	}
	return Task{
		Feature:        f.Name,
		Stage:          f.Stage,
		Tier:           f.Tier,
		SystemPrompt:   f.SystemPrompt,
		Prompt:         tmpl,
		Inputs:         inputs,
		RequiredFields: f.Required,
		Context:        ctxArtifacts,
		ProjectID:      projectID,
		CallerID:       callerID,
	}, nil
}

// PromptData is the value a feature template is executed with.
type PromptData struct {
	Inputs map[string]string
	// Upstream maps feature name to compact JSON, from earlier stages and
	// from earlier steps of the same chain.
	Upstream map[string]string
	// Previous is the JSON output of the step immediately before, if any.
	Previous string
}

type Result struct {
	Feature      string              `json:"feature"`
	Stage        domain.Stage        `json:"stage"`
	Data         any                 `json:"data"`
	Completeness domain.Completeness `json:"completeness"`
	Warnings     []string            `json:"warnings,omitempty"`
	Model        string              `json:"model,omitempty"`
	Tokens       int64               `json:"tokens"`
}

type Gate interface {
	CheckCeiling(ctx context.Context) (budget.Decision, error)
}

type Invoker interface {
	Invoke(ctx context.Context, call provider.Call) (provider.Response, error)
}

// ArtifactStore persists results. repo.Repo satisfies it.
type ArtifactStore interface {
	WriteArtifact(ctx context.Context, a domain.Artifact) error
}

type Runner struct {
	Threats   *threat.Filter
	Budget    Gate
	Invoker   Invoker
	Sanitizer *outputs.Sanitizer
	Schemas   *outputs.Schemas
	Store     ArtifactStore
	Logger    *slog.Logger
	Now       func() time.Time
}

// Run executes the task. upstream holds results of earlier chain steps in
// order. Security and budget rejections happen before any network call.
// Validation problems never fail the task; they mark the result partial.
func (r *Runner) Run(ctx context.Context, task Task, upstream []Result) (Result, error) {
	logger := r.logger().With("feature", task.Feature, "project", task.ProjectID)

	filter := r.Threats
	if filter == nil {
		filter = threat.New(0)
	}
	clean, screen := filter.SanitizeAll(task.Inputs)
	if !screen.Safe {
		logger.WarnContext(ctx, "input rejected", "threats", len(screen.Threats))
		return Result{}, &SecurityThreatError{Feature: task.Feature, Threats: screen.Threats}
	}
	for _, w := range screen.Warnings {
		logger.InfoContext(ctx, "input warning", "warning", w)
	}

	if r.Budget != nil {
		dec, err := r.Budget.CheckCeiling(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("budget check: %w", err)
		}
		if !dec.Allowed {
			logger.WarnContext(ctx, "generation denied", "reason", dec.Reason, "used", dec.Used, "limit", dec.Limit)
			return Result{}, budgetError(dec)
		}
	}

	prompt, err := render(task, clean, upstream)
	if err != nil {
		return Result{}, err
	}
	resp, err := r.Invoker.Invoke(ctx, provider.Call{
		Feature:      task.Feature,
		CallerID:     task.CallerID,
		ProjectID:    task.ProjectID,
		SystemPrompt: task.SystemPrompt,
		UserPrompt:   prompt,
		Tier:         task.Tier,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Feature:      task.Feature,
		Stage:        task.Stage,
		Completeness: domain.Complete,
		Model:        resp.Model,
		Tokens:       resp.Tokens,
	}
	sanitizer := r.Sanitizer
	if sanitizer == nil {
		sanitizer = outputs.New(nil, 0)
	}
	data, removed := sanitizer.SanitizeValue(resp.Data)
	for _, item := range removed {
		res.Warnings = append(res.Warnings, "removed "+item)
	}
	res.Data = data

	problems := outputs.ValidateShape(data, task.RequiredFields).Errors
	if r.Schemas != nil {
		problems = append(problems, r.Schemas.Validate(task.Feature, data)...)
	}
	if len(problems) > 0 {
		warn := &outputs.ShapeValidationWarning{Feature: task.Feature, Problems: problems}
		logger.WarnContext(ctx, "partial output", "err", warn)
		res.Completeness = domain.Partial
		res.Warnings = append(res.Warnings, problems...)
	}

	if err := r.persist(ctx, task, res); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (r *Runner) persist(ctx context.Context, task Task, res Result) error {
	if r.Store == nil {
		return nil
	}
	payload, err := json.Marshal(res.Data)
	if err != nil {
		return fmt.Errorf("encode %s artifact: %w", task.Feature, err)
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	err = r.Store.WriteArtifact(ctx, domain.Artifact{
		ProjectID:    task.ProjectID,
		Feature:      task.Feature,
		Stage:        task.Stage,
		Payload:      payload,
		Completeness: res.Completeness,
		Warnings:     res.Warnings,
		Model:        res.Model,
		Tokens:       res.Tokens,
		UpdatedAt:    now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("persist %s artifact: %w", task.Feature, err)
	}
	return nil
}

func render(task Task, inputs map[string]string, upstream []Result) (string, error) {
	data := PromptData{Inputs: inputs, Upstream: map[string]string{}}
	for name, raw := range task.Context {
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			data.Upstream[name] = string(raw)
			continue
		}
		data.Upstream[name] = buf.String()
	}
	for i, prior := range upstream {
		js, err := json.Marshal(prior.Data)
		if err != nil {
			return "", fmt.Errorf("encode %s output: %w", prior.Feature, err)
		}
		data.Upstream[prior.Feature] = string(js)
		if i == len(upstream)-1 {
			data.Previous = string(js)
		}
	}
	if task.Prompt == nil {
		return "", fmt.Errorf("feature %s has no prompt template", task.Feature)
	}
	var buf bytes.Buffer
	if err := task.Prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", task.Feature, err)
	}
	return buf.String(), nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
