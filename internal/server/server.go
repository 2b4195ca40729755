package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"homeline/internal/dispatch"
	"homeline/internal/engine"
	"homeline/internal/events"
	"homeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
	Log        *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"payment of 200 exceeds remaining balance 100"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Homeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Homeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)
	registerHealth(group)
	registerDevAuth(group, cfg.Auth)
	registerApplications(group, cfg.Engine)
	registerQuestionnaires(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerEventConfig(group, cfg.Engine)
	registerEvents(group, cfg.Engine, cfg.Dispatcher)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var se engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_state", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, events.ErrUnknownType) || errors.Is(err, events.ErrDisabled) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "invalid_state"
	case http.StatusUnauthorized:
		return "unauthorized"
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

// registerOpenAPI serves the spec lazily so route registration can finish first.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyBearerSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyBearerSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Security = []map[string][]string{{"bearerAuth": {}}}
	open := map[string]bool{
		"/" + strings.TrimPrefix(path.Join(basePath, "health"), "/"):         true,
		"/" + strings.TrimPrefix(path.Join(basePath, "auth/dev-login"), "/"): true,
	}
	for route, item := range oas.Paths {
		if !open[route] {
			continue
		}
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op != nil {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Homeline API Docs</title>
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

func registerDevAuth(api huma.API, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev-login",
		Summary:     "Mint a development token",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if !auth.DevAuth {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login is disabled", nil)
		}
		tenant := input.Body.Tenant
		if tenant == "" {
			tenant = auth.DefaultTenant
		}
		token, err := auth.MintToken(input.Body.ActorID, tenant, input.Body.Role, 24*time.Hour)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token}}, nil
	})
}
