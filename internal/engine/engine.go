package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"launchpath/internal/budget"
	"launchpath/internal/config"
	"launchpath/internal/domain"
	"launchpath/internal/events"
	"launchpath/internal/features"
	"launchpath/internal/generation"
	"launchpath/internal/operator"
	"launchpath/internal/outputs"
	"launchpath/internal/pipeline"
	"launchpath/internal/provider"
	"launchpath/internal/repo"
	"launchpath/internal/stages"
	"launchpath/internal/threat"
)

var (
	ErrStageLocked    = errors.New("stage is locked")
	ErrUnknownFeature = errors.New("unknown feature")
)

// ModeSingle marks a run that regenerated one feature.
const ModeSingle Mode = "single"

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Now      func() time.Time
	Logger   *slog.Logger
	Catalog  *features.Catalog
	Plans    map[domain.Stage]Plan
	Stages   *stages.Machine
	Budget   *budget.Guard
	Runner   *generation.Runner
	Pipeline *pipeline.Orchestrator
}

type options struct {
	invoker     generation.Invoker
	switchboard budget.Switchboard
	logger      *slog.Logger
	now         func() time.Time
	apiKey      string
	catalog     *features.Catalog
}

type Option func(*options)

// WithInvoker replaces the HTTP model invoker, e.g. with a stub in tests.
func WithInvoker(inv generation.Invoker) Option {
	return func(o *options) { o.invoker = inv }
}

// WithSwitchboard replaces the config-backed operator settings.
func WithSwitchboard(sb budget.Switchboard) Option {
	return func(o *options) { o.switchboard = sb }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

func WithCatalog(c *features.Catalog) Option {
	return func(o *options) { o.catalog = c }
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = features.Default()
	}
	plans := DefaultPlans()
	if err := ValidatePlans(plans, o.catalog); err != nil {
		return Engine{}, err
	}
	schemas, err := o.catalog.Schemas()
	if err != nil {
		return Engine{}, err
	}

	r := repo.Repo{DB: db}
	ev := events.Writer{DB: db, Now: o.now}
	if o.switchboard == nil {
		o.switchboard = operator.Static{KillSwitch: cfg.Budget.KillSwitch, DailyTokenLimit: cfg.Budget.DailyTokenLimit}
	}
	if o.invoker == nil {
		key := o.apiKey
		if key == "" {
			key = os.Getenv(cfg.Provider.APIKeyEnv)
		}
		inv, err := provider.NewInvoker(cfg, key, r, o.logger)
		if err != nil {
			return Engine{}, err
		}
		inv.Now = o.now
		o.invoker = inv
	}
	guard := budget.New(r, o.switchboard,
		budget.WithClock(o.now),
		budget.WithLogger(o.logger),
		budget.WithRecorder(ev),
		budget.WithWarnPercent(cfg.Budget.WarnPercent),
	)
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  ev,
		Config:  cfg,
		Now:     o.now,
		Logger:  o.logger,
		Catalog: o.catalog,
		Plans:   plans,
		Stages:  stages.NewMachine(r, ev, o.logger),
		Budget:  guard,
		Runner: &generation.Runner{
			Threats:   threat.New(cfg.Security.MaxInputChars),
			Budget:    guard,
			Invoker:   o.invoker,
			Sanitizer: outputs.New(cfg.Security.TrustedDomains, cfg.Security.MaxOutputChars),
			Schemas:   schemas,
			Store:     r,
			Logger:    o.logger,
			Now:       o.now,
		},
		Pipeline: &pipeline.Orchestrator{MaxParallel: cfg.Generation.MaxParallel, Logger: o.logger},
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID           string
	OwnerID      string
	Idea         string
	Audience     string
	BusinessType string
	Geography    string
	FounderType  string
}

// InitProject creates a project with every stage in draft.
func (e Engine) InitProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if strings.TrimSpace(opts.Idea) == "" {
		return domain.Project{}, errors.New("idea is required")
	}
	if opts.OwnerID == "" {
		return domain.Project{}, errors.New("owner is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	p := domain.Project{
		ID:           opts.ID,
		OwnerID:      opts.OwnerID,
		Idea:         strings.TrimSpace(opts.Idea),
		Audience:     opts.Audience,
		BusinessType: opts.BusinessType,
		Geography:    opts.Geography,
		FounderType:  opts.FounderType,
		Status:       "active",
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Record(ctx, events.ProjectCreated, p.ID, "project", p.ID, opts.OwnerID, events.EventPayload{"status": p.Status}); err != nil {
		e.logger().WarnContext(ctx, "record project event", "err", err)
	}
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) ListProjects(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return e.Repo.ListProjects(ctx, ownerID)
}

func (e Engine) Artifact(ctx context.Context, projectID, feature string) (domain.Artifact, error) {
	if _, ok := e.Catalog.Lookup(feature); !ok {
		return domain.Artifact{}, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}
	return e.Repo.ReadArtifact(ctx, projectID, feature)
}

// ListArtifacts lists a project's artifacts, optionally for one stage.
func (e Engine) ListArtifacts(ctx context.Context, projectID string, stage domain.Stage) ([]domain.Artifact, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	if stage == "" {
		return e.Repo.ListArtifacts(ctx, projectID)
	}
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", stages.ErrUnknownStage, stage)
	}
	return e.Repo.ListArtifacts(ctx, projectID, stage)
}

type StageStatus struct {
	ProjectID string                `json:"project_id"`
	Statuses  domain.StageStatusMap `json:"statuses"`
	Version   int64                 `json:"version"`
}

func (e Engine) StageStatus(ctx context.Context, projectID string) (StageStatus, error) {
	m, version, err := e.Stages.Status(ctx, projectID)
	if err != nil {
		return StageStatus{}, err
	}
	return StageStatus{ProjectID: projectID, Statuses: m, Version: version}, nil
}

func (e Engine) LockStage(ctx context.Context, projectID string, stage domain.Stage, actorID string) (stages.Transition, error) {
	return e.Stages.Lock(ctx, projectID, stage, actorID)
}

func (e Engine) UnlockStage(ctx context.Context, projectID string, stage domain.Stage, actorID string) (stages.Transition, error) {
	return e.Stages.Unlock(ctx, projectID, stage, actorID)
}

func (e Engine) InvalidateDownstream(ctx context.Context, projectID string, stage domain.Stage, actorID string) (stages.Transition, error) {
	return e.Stages.InvalidateDownstream(ctx, projectID, stage, actorID)
}

type UpstreamCheck struct {
	Stage   domain.Stage   `json:"stage"`
	Locked  bool           `json:"locked"`
	Pending []domain.Stage `json:"pending"`
}

func (e Engine) CheckUpstream(ctx context.Context, projectID string, stage domain.Stage) (UpstreamCheck, error) {
	ok, pending, err := e.Stages.CheckUpstreamLocked(ctx, projectID, stage)
	if err != nil {
		return UpstreamCheck{}, err
	}
	return UpstreamCheck{Stage: stage, Locked: ok, Pending: pending}, nil
}

type BudgetReport struct {
	budget.Decision
	WarnPercent int              `json:"warn_percent"`
	ByFeature   map[string]int64 `json:"by_feature"`
	Since       string           `json:"since" format:"date-time"`
}

func (e Engine) BudgetStatus(ctx context.Context) (BudgetReport, error) {
	dec, err := e.Budget.CheckCeiling(ctx)
	if err != nil {
		return BudgetReport{}, err
	}
	since := budget.StartOfDay(e.now())
	byFeature, err := e.Repo.UsageByFeatureSince(ctx, since)
	if err != nil {
		return BudgetReport{}, err
	}
	return BudgetReport{
		Decision:    dec,
		WarnPercent: e.Config.Budget.WarnPercent,
		ByFeature:   byFeature,
		Since:       since.Format(time.RFC3339),
	}, nil
}

func (e Engine) ListEvents(ctx context.Context, projectID string, limit int, cursor int64) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, projectID, "")
}

// upstreamArtifacts returns artifacts of every stage before stage, keyed by
// feature.
func (e Engine) upstreamArtifacts(ctx context.Context, projectID string, stage domain.Stage) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	upstream := domain.Upstream(stage)
	if len(upstream) == 0 {
		return out, nil
	}
	arts, err := e.Repo.ListArtifacts(ctx, projectID, upstream...)
	if err != nil {
		return nil, err
	}
	for _, a := range arts {
		out[a.Feature] = a.Payload
	}
	return out, nil
}

func (e Engine) timeout() time.Duration {
	if e.Config != nil && e.Config.Generation.Timeout > 0 {
		return e.Config.Generation.Timeout.Std()
	}
	return 60 * time.Second
}
