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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"issueforge/internal/domain"
	"issueforge/internal/engine"
	"issueforge/internal/repo"
)

// Config for the reviewer API handler.
type Config struct {
	Queue    engine.Queue
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"request 1: illegal transition approved -> rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reviewer API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("api jwt secret is required")
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

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("issueforge reviewer API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, cfg.Queue)
	registerDecisions(group, cfg.Queue)
	registerRuns(group, cfg.Queue.Store)
	registerAudit(group, cfg.Queue.Store)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start).Round(time.Microsecond))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	var te domain.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), map[string]any{
			"from":    te.From,
			"to":      te.To,
			"missing": te.Missing,
		})
	}
	switch {
	case errors.Is(err, domain.ErrIllegalTransition):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var se domain.StoreError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"op": se.Op})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// decorateOpenAPI documents the error envelope on every operation and marks
// all but the public routes as requiring a bearer token.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	errResponse := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResponse
			op.Security = bearer
			if public[route] {
				op.Security = []map[string][]string{}
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>issueforge API Docs</title>
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

type healthOutput struct {
	Body struct {
		Status string `json:"status"`
		Time   string `json:"time" format:"date-time"`
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		out.Body.Time = time.Now().UTC().Format(time.RFC3339)
		return out, nil
	})
}

func registerRequests(api huma.API, q engine.Queue) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Decision string `query:"decision" enum:"pending,approved,rejected,expired"`
		RunState string `query:"run_state" enum:"queued,running,succeeded,failed,cancelled"`
		Since    string `query:"since" doc:"RFC3339 lower bound on discovery time"`
		Until    string `query:"until" doc:"RFC3339 upper bound on discovery time"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body requestList `json:"body"`
	}, error) {
		f := repo.RequestFilter{
			Decision: domain.DecisionState(input.Decision),
			RunState: domain.RunState(input.RunState),
			Limit:    normalizeLimit(input.Limit),
		}
		var err error
		if f.Since, err = parseTime("since", input.Since); err != nil {
			return nil, err
		}
		if f.Until, err = parseTime("until", input.Until); err != nil {
			return nil, err
		}
		items, err := q.Store.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body requestList `json:"body"`
		}{Body: requestList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending",
		Method:      http.MethodGet,
		Path:        "/requests/pending",
		Summary:     "List requests awaiting a decision",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body summaryList `json:"body"`
	}, error) {
		items, err := q.ListPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body summaryList `json:"body"`
		}{Body: summaryList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Show a request with its decision, runs and artifacts",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RequestID int64 `path:"request_id"`
	}) (*struct {
		Body engine.RequestDetail `json:"body"`
	}, error) {
		detail, err := q.Show(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RequestDetail `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})
}

type decisionInput struct {
	RequestID int64           `path:"request_id"`
	Body      DecisionRequest `json:"body" required:"false"`
}

type decisionOutput struct {
	Body engine.RequestDetail `json:"body"`
}

func registerDecisions(api huma.API, q engine.Queue) {
	actions := []struct {
		id, summary string
		apply       func(ctx context.Context, id int64, reviewer, notes string) error
	}{
		{"approve", "Approve a pending request", q.Approve},
		{"reject", "Reject a pending request", q.Reject},
		{"requeue", "Authorise another attempt after a failed or cancelled run", q.Requeue},
	}
	for _, a := range actions {
		huma.Register(api, huma.Operation{
			OperationID: a.id + "-request",
			Method:      http.MethodPost,
			Path:        "/requests/{request_id}/" + a.id,
			Summary:     a.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *decisionInput) (*decisionOutput, error) {
			reviewer, authErr := requireRole(ctx, RoleReviewer)
			if authErr != nil {
				return nil, authErr
			}
			if err := a.apply(ctx, input.RequestID, reviewer, input.Body.Notes); err != nil {
				return nil, handleError(err)
			}
			detail, err := q.Show(ctx, input.RequestID)
			if err != nil {
				return nil, handleError(err)
			}
			return &decisionOutput{Body: detailResponse(detail)}, nil
		})
	}
}

func registerRuns(api huma.API, store repo.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		RequestID int64  `query:"request_id"`
		State     string `query:"state" enum:"queued,running,succeeded,failed,cancelled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body runList `json:"body"`
	}, error) {
		f := repo.RunFilter{RequestID: input.RequestID, Limit: normalizeLimit(input.Limit)}
		if input.State != "" {
			f.States = []domain.RunState{domain.RunState(input.State)}
		}
		items, err := store.ListRuns(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runList `json:"body"`
		}{Body: runList{Items: nonNilSlice(items)}}, nil
	})
}

func registerAudit(api huma.API, store repo.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List recent audit entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind"`
		SubjectID int64  `query:"subject_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body auditPage `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		f := repo.AuditFilter{Kind: input.Kind, SubjectID: input.SubjectID, Limit: limit + 1}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.BeforeID = parsed
		}
		items, err := store.AuditTail(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		page := auditPage{Items: nonNilSlice(items)}
		if len(items) > limit {
			page.Items = items[:limit]
			page.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		return &struct {
			Body auditPage `json:"body"`
		}{Body: page}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current reviewer",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Reviewer: p.Reviewer, Roles: nonNilSlice(p.Roles)}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a reviewer JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		reviewer := strings.TrimSpace(input.Body.Reviewer)
		if reviewer == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reviewer is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, reviewer, input.Body.Roles, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func parseTime(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+field, map[string]any{field: raw})
	}
	return t, nil
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
