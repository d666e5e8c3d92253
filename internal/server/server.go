package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/metrics"
	"planforge/internal/migrate"
	"planforge/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Logger   hclog.Logger
}

const Version = "0.1.0"

// New returns an HTTP handler exposing the planforge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the flat {code,message,field} envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, fieldOf(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		field := fieldOf(errs)
		if status == http.StatusBadRequest && field == "" {
			field = "body"
		}
		return newAPIError(status, "", msg, field)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors)
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("planforge API", Version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerPlan(group, cfg.Engine, logger)
	registerRuns(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.Enabled())
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	return router, nil
}

func newAPIError(status int, code, message, field string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Code: code, Message: message, Field: field}
}

// fieldOf turns huma's "body.goal" style locations into a field name.
func fieldOf(errs []error) string {
	for _, err := range errs {
		var detail *huma.ErrorDetail
		if errors.As(err, &detail) && detail.Location != "" {
			loc := detail.Location
			for _, prefix := range []string{"body.", "query.", "path.", "header."} {
				loc = strings.TrimPrefix(loc, prefix)
			}
			return loc
		}
	}
	return ""
}

func handleError(err error, runID string) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "NOT_FOUND", "run not found", "")
	}
	code, field := engine.Classify(err)
	status := http.StatusInternalServerError
	if code == engine.CodeValidation {
		status = http.StatusBadRequest
	}
	return &apiError{status: status, Code: code, Message: err.Error(), Field: field, RunID: runID}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return engine.CodeValidation
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusInternalServerError:
		return engine.CodeAgent
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// cors answers every preflight with 204 and marks every response as
// readable from any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Expose-Headers", "X-Run-Id")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger hclog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
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
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>planforge API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		out := &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}
		if e.DB != nil {
			v, err := migrate.Version(ctx, e.DB)
			if err != nil {
				return nil, newAPIError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error(), "")
			}
			out.Body.SchemaVersion = v
		}
		return out, nil
	})
}

func registerPlan(api huma.API, e engine.Engine, logger hclog.Logger) {
	type planInput struct {
		RawBody []byte
	}
	// The body schema is documentation only; the goal validator owns every
	// rejection so that it can name the field and journal the run.
	op := huma.Operation{
		OperationID:      "plan",
		Method:           http.MethodPost,
		Path:             "/plan",
		Summary:          "Turn a goal into a validated action plan",
		DefaultStatus:    http.StatusOK,
		SkipValidateBody: true,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}
	if oas := api.OpenAPI(); oas.Components != nil && oas.Components.Schemas != nil {
		op.RequestBody = &huma.RequestBody{
			Content: map[string]*huma.MediaType{
				"application/json": {Schema: oas.Components.Schemas.Schema(reflect.TypeOf(PlanRequest{}), true, "PlanRequest")},
			},
		}
	}
	huma.Register(api, op, func(ctx context.Context, input *planInput) (*PlanResponse, error) {
		res, err := e.PlanJSON(ctx, input.RawBody)
		if err != nil {
			if p, ok := principalFromContext(ctx); ok {
				logger.Debug("plan rejected", "run_id", res.RunID, "sub", p.Subject)
			}
			return nil, handleError(err, res.RunID)
		}
		return &PlanResponse{RunID: res.RunID, Body: res.Response}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	type listInput struct {
		Limit  int    `query:"limit" minimum:"1" maximum:"200" default:"20"`
		Status string `query:"status" enum:"succeeded,failed"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List journaled runs, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *listInput) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		runs, err := e.ListRuns(ctx, repo.RunFilters{Limit: input.Limit, Status: input.Status})
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), "status")
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Items: runs}}, nil
	})

	type runPath struct {
		RunID string `path:"run_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a run with its step journal",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.GetRun(ctx, input.RunID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err, "")
			}
			return nil, newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), "")
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}
