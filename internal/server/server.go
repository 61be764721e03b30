package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/eventlog"
	"gateline/internal/ownership"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         *engine.Engine
	BasePath       string
	Auth           AuthConfig
	Logger         *zap.Logger
	AllowedOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"escalation_required"`
	Message string         `json:"message" example:"AUTH-FEAT-001 is blocked by open escalation ESC-1a2b3c4d"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the gateline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerStories(group, e)
	registerWaves(group, e)
	registerDispatch(group, e)
	registerReports(group, e)
	registerEscalations(group, e)
	registerStatus(group, e)
	registerEvents(group, e)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	router.Get(path.Join(basePath, "events/stream"), streamHandler(e, logger, cfg.AllowedOrigins))
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

// handleError maps the engine's error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var (
		vErr     *engine.ValidationError
		cErr     *engine.ConfigurationError
		escErr   *engine.EscalationRequired
		refusal  *engine.IrreversibleRollbackRefusal
		ownerErr *ownership.ConflictError
		msg      = err.Error()
	)
	switch {
	case errors.As(err, &vErr):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"problems": vErr.Problems})
	case errors.As(err, &cErr):
		return newAPIError(http.StatusBadRequest, "configuration_error", msg, map[string]any{"op": cErr.Op})
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &escErr):
		return newAPIError(http.StatusConflict, "escalation_required", msg, map[string]any{
			"story_id": escErr.StoryID, "wave": escErr.Wave, "escalations": escErr.Escalations,
		})
	case errors.As(err, &refusal):
		return newAPIError(http.StatusConflict, "irreversible_rollback", msg, map[string]any{
			"story_id": refusal.StoryID, "escalation_id": refusal.EscalationID,
		})
	case errors.As(err, &ownerErr):
		return newAPIError(http.StatusConflict, "ownership_conflict", msg, map[string]any{
			"holder": ownerErr.Holder, "paths": ownerErr.Paths,
		})
	case errors.Is(err, eventlog.ErrSeqConflict), errors.Is(err, eventlog.ErrDuplicateKey):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusForbidden:
		return "forbidden"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
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
	public := map[string]bool{
		path.Join(basePath, "health"):          true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, authErr := requireRole(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return respond(WhoAmIResponse{ActorID: p.ActorID, Roles: nonNilSlice(p.Roles), Source: p.Source}), nil
	})
}

func registerStories(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stories",
		Method:        http.MethodPost,
		Path:          "/stories",
		Summary:       "Create stories in one batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateStoriesRequest `json:"body"`
	}) (*output[StoriesResponse], error) {
		p, authErr := requireRole(ctx, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		stories, err := e.CreateStories(ctx, input.Body.Stories, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(StoriesResponse{Stories: nonNilSlice(stories)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stories",
		Method:      http.MethodGet,
		Path:        "/stories",
		Summary:     "List stories",
	}, func(ctx context.Context, input *struct {
		Wave int `query:"wave" minimum:"0"`
	}) (*output[StoriesResponse], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		stories, err := e.Stories(ctx, input.Wave)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(StoriesResponse{Stories: nonNilSlice(stories)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-story",
		Method:      http.MethodGet,
		Path:        "/stories/{story_id}",
		Summary:     "Get story",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*output[domain.Story], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Story(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})
}

func registerWaves(api huma.API, e *engine.Engine) {
	type wavePath struct {
		Wave int `path:"wave" minimum:"1"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "plan-wave",
		Method:      http.MethodGet,
		Path:        "/waves/{wave}/plan",
		Summary:     "Compute a wave's phase plan without launching it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *wavePath) (*output[PlanResponse], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.PlanWave(ctx, input.Wave)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(planResponse(p)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "launch-wave",
		Method:      http.MethodPost,
		Path:        "/waves/{wave}/launch",
		Summary:     "Launch a wave",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *wavePath) (*output[PlanResponse], error) {
		p, authErr := requireRole(ctx, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		pl, err := e.LaunchWave(ctx, input.Wave, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(planResponse(pl)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replan-wave",
		Method:      http.MethodPost,
		Path:        "/waves/{wave}/replan",
		Summary:     "Re-plan a launched wave with new stories or re-pointed dependencies",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Wave int           `path:"wave" minimum:"1"`
		Body ReplanRequest `json:"body"`
	}) (*output[ReplanResponse], error) {
		p, authErr := requireRole(ctx, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReplanWave(ctx, engine.Replan{
			Wave:      input.Wave,
			Stories:   input.Body.Stories,
			BlockedBy: input.Body.BlockedBy,
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ReplanResponse{Plan: planResponse(res.Plan), Created: nonNilSlice(res.Created), Released: nonNilSlice(res.Released)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-usage",
		Method:      http.MethodPost,
		Path:        "/waves/{wave}/usage",
		Summary:     "Record consumption against a wave budget",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Wave int          `path:"wave" minimum:"1"`
		Body UsageRequest `json:"body"`
	}) (*output[engine.UsageResult], error) {
		p, authErr := requireRole(ctx, RoleAgent, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReportUsage(ctx, engine.UsageReport{
			Wave: input.Wave, Amount: input.Body.Amount, Note: input.Body.Note, Key: input.Body.Key, ActorID: p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerDispatch(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch",
		Summary:     "Request the next story for the calling agent",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body DispatchRequest `json:"body"`
	}) (*output[engine.Assignment], error) {
		p, authErr := requireRole(ctx, RoleAgent)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Dispatch(ctx, p.ActorID, input.Body.AgentClass)
		if err != nil {
			return nil, handleError(err)
		}
		a.Skipped = nonNilSlice(a.Skipped)
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-attempt",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/attempts",
		Summary:     "Open the next attempt at the story's current gate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StoryID string `path:"story_id"`
	}) (*output[domain.Story], error) {
		p, authErr := requireRole(ctx, RoleAgent)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartAttempt(ctx, input.StoryID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "poll",
		Method:      http.MethodGet,
		Path:        "/poll",
		Summary:     "Readiness changes since a log position",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Since int64 `query:"since" minimum:"0"`
	}) (*output[engine.Delta], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Poll(ctx, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		d.Dispatchable = nonNilSlice(d.Dispatchable)
		return respond(d), nil
	})
}

func registerReports(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "report-gate-check",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/reports",
		Summary:     "Report a gate check result",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StoryID string            `path:"story_id"`
		Body    GateReportRequest `json:"body"`
	}) (*output[engine.Verdict], error) {
		p, authErr := requireRole(ctx, RoleAgent)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ReportGateCheck(ctx, engine.GateReport{
			StoryID:    input.StoryID,
			Gate:       input.Body.Gate,
			Attempt:    input.Body.Attempt,
			AgentID:    p.ActorID,
			Outcome:    domain.Outcome(input.Body.Outcome),
			Checklist:  input.Body.Checklist,
			Criteria:   input.Body.Criteria,
			DataImpact: domain.DataImpact(input.Body.DataImpact),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-anomaly",
		Method:      http.MethodPost,
		Path:        "/anomalies",
		Summary:     "Report an anomaly",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AnomalyRequest `json:"body"`
	}) (*output[engine.AnomalyResult], error) {
		p, authErr := requireRole(ctx, RoleAgent, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		res, err := e.ReportAnomaly(ctx, engine.AnomalyReport{
			StoryID: b.StoryID, Wave: b.Wave, Class: b.Class, Severity: domain.Severity(b.Severity),
			Description: b.Description, Gate: b.Gate, Key: b.Key, ActorID: p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-anomalies",
		Method:      http.MethodGet,
		Path:        "/anomalies",
		Summary:     "List anomalies",
	}, func(ctx context.Context, input *struct {
		StoryID string `query:"story_id"`
	}) (*output[AnomaliesResponse], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Anomalies(ctx, input.StoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(AnomaliesResponse{Items: nonNilSlice(items)}), nil
	})
}

func registerEscalations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
	}, func(ctx context.Context, input *struct {
		Open bool `query:"open"`
	}) (*output[EscalationsResponse], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Escalations(ctx, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(EscalationsResponse{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{escalation_id}/resolve",
		Summary:     "Resolve an escalation with resume or rollback",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EscalationID string         `path:"escalation_id"`
		Body         ResolveRequest `json:"body"`
	}) (*output[engine.ResolveResult], error) {
		p, authErr := requireRole(ctx, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveEscalation(ctx, engine.Resolution{
			ID:          input.EscalationID,
			Decision:    domain.Decision(input.Body.Decision),
			Gate:        input.Body.Gate,
			KeepRetries: input.Body.KeepRetries,
			Note:        input.Body.Note,
			ActorID:     p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-story",
		Method:      http.MethodPost,
		Path:        "/stories/{story_id}/rollback",
		Summary:     "Roll a story back",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StoryID string          `path:"story_id"`
		Body    RollbackRequest `json:"body"`
	}) (*output[domain.RollbackRecord], error) {
		p, authErr := requireRole(ctx, RoleApprover)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Rollback(ctx, input.StoryID, input.Body.Reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(rec), nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Progress and blocking reasons",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Scope string `query:"scope" enum:"story,wave,all" default:"all"`
		ID    string `query:"id"`
	}) (*output[engine.StatusReport], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		rep, err := e.Status(ctx, engine.StatusQuery{Scope: engine.Scope(input.Scope), ID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		rep.Stories = nonNilSlice(rep.Stories)
		return respond(rep), nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind    string `query:"kind"`
		StoryID string `query:"story_id"`
		Wave    int    `query:"wave" minimum:"0"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, authErr := requireRole(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		q := eventlog.Query{Limit: limit + 1, StoryID: input.StoryID, Wave: input.Wave}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			q.Before = parsed
		}
		for _, k := range strings.Split(input.Kind, ",") {
			if k = strings.TrimSpace(k); k != "" {
				q.Kinds = append(q.Kinds, domain.EventKind(k))
			}
		}
		items, err := e.Store.Latest(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].Seq)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
