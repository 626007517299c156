package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"launchpath/internal/domain"
	"launchpath/internal/engine"
	"launchpath/internal/generation"
	"launchpath/internal/provider"
	"launchpath/internal/repo"
	"launchpath/internal/stages"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_locked"`
	Message string         `json:"message" example:"stage is locked: idea_check"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Launchpath API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Launchpath API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerGeneration(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerBudget(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors to the envelope. Storage errors keep their
// message so a failed stage write is reported as-is.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var threatErr *generation.SecurityThreatError
	var budgetErr *generation.BudgetError
	var upstreamErr *provider.UpstreamError
	var malformedErr *provider.MalformedOutputError
	switch {
	case errors.As(err, &threatErr):
		return newAPIError(http.StatusBadRequest, "security_threat", msg, map[string]any{"feature": threatErr.Feature, "threats": threatErr.Threats})
	case errors.As(err, &budgetErr) && errors.Is(budgetErr.Err, generation.ErrAIKillSwitchActive):
		return newAPIError(http.StatusServiceUnavailable, "ai_disabled", msg, budgetDetails(budgetErr))
	case errors.As(err, &budgetErr):
		return newAPIError(http.StatusTooManyRequests, "cost_ceiling", msg, budgetDetails(budgetErr))
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", "generation timed out; reload the project to see what was saved", map[string]any{"error": msg})
	case errors.As(err, &malformedErr):
		return newAPIError(http.StatusBadGateway, "malformed_output", msg, map[string]any{"preview": malformedErr.CleanedPreview})
	case errors.As(err, &upstreamErr), errors.Is(err, provider.ErrRateLimited):
		return newAPIError(http.StatusBadGateway, "upstream_error", msg, nil)
	case errors.Is(err, engine.ErrStageLocked):
		return newAPIError(http.StatusConflict, "stage_locked", msg, nil)
	case errors.Is(err, repo.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, stages.ErrUnknownStage), errors.Is(err, engine.ErrUnknownFeature):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(strings.ToLower(msg), "required"), strings.Contains(strings.ToLower(msg), "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", msg, nil)
	}
}

func budgetDetails(be *generation.BudgetError) map[string]any {
	return map[string]any{
		"used":    be.Decision.Used,
		"limit":   be.Decision.Limit,
		"percent": be.Decision.Percent,
		"reason":  be.Decision.Reason,
	}
}

// runError attaches the partial run report to a failed generation.
func runError(run engine.StageRun, err error) huma.StatusError {
	se := handleError(err)
	if ae, ok := se.(*apiError); ok && run.RunID != "" {
		if ae.Body.Details == nil {
			ae.Body.Details = map[string]any{}
		}
		ae.Body.Details["run"] = run
	}
	return se
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Launchpath API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

type stagePath struct {
	ProjectID string `path:"project_id"`
	Stage     string `path:"stage" enum:"idea_check,market_reality,build_plan,launch_plan,decision"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.InitProject(ctx, engine.ProjectCreateOptions{
			ID:           input.Body.ID,
			OwnerID:      callerID(ctx),
			Idea:         input.Body.Idea,
			Audience:     input.Body.Audience,
			BusinessType: input.Body.BusinessType,
			Geography:    input.Body.Geography,
			FounderType:  input.Body.FounderType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List the caller's projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx, callerID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: paginatedProjects{Items: mapProjects(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "Stage statuses",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body engine.StageStatus `json:"body"`
	}, error) {
		st, err := e.StageStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StageStatus `json:"body"`
		}{Body: st}, nil
	})

	transitions := []struct {
		name    string
		summary string
		apply   func(context.Context, string, domain.Stage, string) (stages.Transition, error)
	}{
		{"lock", "Lock stage", e.LockStage},
		{"unlock", "Unlock stage and mark locked downstream stages outdated", e.UnlockStage},
		{"invalidate", "Mark locked downstream stages outdated", e.InvalidateDownstream},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.name + "-stage",
			Method:      http.MethodPost,
			Path:        "/projects/{project_id}/stages/{stage}/" + tr.name,
			Summary:     tr.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
		}, func(ctx context.Context, input *stagePath) (*struct {
			Body stages.Transition `json:"body"`
		}, error) {
			out, err := apply(ctx, input.ProjectID, domain.Stage(input.Stage), callerID(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body stages.Transition `json:"body"`
			}{Body: out}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "check-upstream",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{stage}/upstream",
		Summary:     "Report whether every earlier stage is locked",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body engine.UpstreamCheck `json:"body"`
	}, error) {
		chk, err := e.CheckUpstream(ctx, input.ProjectID, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.UpstreamCheck `json:"body"`
		}{Body: chk}, nil
	})
}

var generationErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

func registerGeneration(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-stage",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/stages/{stage}/generate",
		Summary:     "Generate every artifact of a stage",
		Errors:      generationErrors,
	}, func(ctx context.Context, input *stagePath) (*struct {
		Body StageRunResponse `json:"body"`
	}, error) {
		run, err := e.GenerateStage(ctx, input.ProjectID, domain.Stage(input.Stage), callerID(ctx))
		if err != nil {
			return nil, runError(run, err)
		}
		return &struct {
			Body StageRunResponse `json:"body"`
		}{Body: StageRunResponse{StageRun: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-feature",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/features/{feature}/generate",
		Summary:     "Regenerate one feature",
		Errors:      generationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Feature   string `path:"feature"`
	}) (*struct {
		Body StageRunResponse `json:"body"`
	}, error) {
		run, err := e.RunFeature(ctx, input.ProjectID, input.Feature, callerID(ctx))
		if err != nil {
			return nil, runError(run, err)
		}
		return &struct {
			Body StageRunResponse `json:"body"`
		}{Body: StageRunResponse{StageRun: run}}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List artifacts",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Stage     string `query:"stage"`
	}) (*struct {
		Body artifactList `json:"body"`
	}, error) {
		items, err := e.ListArtifacts(ctx, input.ProjectID, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		out := artifactList{Items: make([]ArtifactResponse, 0, len(items))}
		for _, a := range items {
			out.Items = append(out.Items, artifactResponse(a))
		}
		return &struct {
			Body artifactList `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts/{feature}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Feature   string `path:"feature"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		a, err := e.Artifact(ctx, input.ProjectID, input.Feature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a)}, nil
	})
}

func registerBudget(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-budget",
		Method:      http.MethodGet,
		Path:        "/budget",
		Summary:     "Today's token usage against the ceiling",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.BudgetReport `json:"body"`
	}, error) {
		rep, err := e.BudgetStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BudgetReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, input.ProjectID, limit+1, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
