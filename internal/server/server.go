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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
	"opsqueue/internal/ops"
)

// Operations is the controller surface the API drives.
type Operations interface {
	Snapshot() ops.Snapshot
	Status() ops.Status
	AssignNext(ctx context.Context, specialty domain.Specialty) (ops.Snapshot, engine.Assignment, error)
	UpdateQueueStatus(ctx context.Context, id string, status domain.QueueStatus) (ops.Snapshot, engine.Transition, error)
	AddManualItem(ctx context.Context, in engine.ManualItem) (ops.Snapshot, engine.Assignment, error)
	UpdateProfessional(ctx context.Context, id string, patch engine.ProfessionalPatch) (ops.Snapshot, error)
	RemoveProfessional(ctx context.Context, id string) (ops.Snapshot, error)
	UpdateSettings(ctx context.Context, patch engine.SettingsPatch) (ops.Snapshot, error)
	Resync(ctx context.Context) (ops.Snapshot, bool, error)
	Automate(ctx context.Context) (ops.Snapshot, []engine.Assignment, error)
}

// Config for the HTTP API handler.
type Config struct {
	Ops      Operations
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"cannot move from delivered to waiting"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"delivered\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ops queue API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Ops == nil {
		return nil, errors.New("server: Ops is required")
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
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Ops Queue API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerState(group, cfg.Ops)
	registerQueue(group, cfg.Ops)
	registerProfessionals(group, cfg.Ops)
	registerSettings(group, cfg.Ops)
	registerMaintenance(group, cfg.Ops)
	registerOpenAPI(router, api, basePath, cfg.Auth)

	return router, nil
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			}
			if p, ok := principalFromContext(r.Context()); ok {
				fields = append(fields, zap.String("subject", p.Subject))
			}
			logger.Debug("request", fields...)
		})
	}
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
	var se invalidSpecialtyError
	switch {
	case errors.Is(err, ops.ErrUnknownProfessional):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ops.ErrDuplicateItem):
		return newAPIError(http.StatusConflict, "duplicate_item", err.Error(), nil)
	case errors.Is(err, ops.ErrInvalidSpecialty), errors.Is(err, ops.ErrInvalidItem), errors.As(err, &se):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, ops.ErrNotStarted), errors.Is(err, ops.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
		return "validation_failed"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if auth.enabled() {
				applyAuthSecurity(oas, basePath)
			}
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <title>Ops Queue API Docs</title>
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

func registerState(api huma.API, o Operations) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Full operational state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ops.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body ops.Snapshot `json:"body"`
		}{Body: o.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-storage",
		Method:      http.MethodGet,
		Path:        "/storage",
		Summary:     "Storage mode and durability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ops.Status `json:"body"`
	}, error) {
		return &struct {
			Body ops.Status `json:"body"`
		}{Body: o.Status()}, nil
	})
}

func registerQueue(api huma.API, o Operations) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List queue items in creation order",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"waiting,assigned,in_production,delivered"`
		Specialty string `query:"specialty" enum:"design,video,motion,web,social,paid_traffic"`
	}) (*struct {
		Body QueueResponse `json:"body"`
	}, error) {
		snap := o.Snapshot()
		return &struct {
			Body QueueResponse `json:"body"`
		}{Body: QueueResponse{
			Items:   filterQueue(snap.State.Queue, input.Status, input.Specialty),
			Version: snap.Version,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue",
		Summary:     "Add a manual queue item and try to assign it",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateQueueItemRequest `json:"body"`
	}) (*struct {
		Body AddItemResponse `json:"body"`
	}, error) {
		specialty := domain.Specialty(input.Body.Specialty)
		if specialty == "" {
			specialty = engine.GuessSpecialty(input.Body.ServiceType)
		}
		snap, res, err := o.AddManualItem(ctx, engine.ManualItem{
			LeadID:      strings.TrimSpace(input.Body.LeadID),
			LeadName:    input.Body.LeadName,
			ServiceType: input.Body.ServiceType,
			Specialty:   specialty,
			Notes:       input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		var item domain.QueueItem
		for _, q := range snap.State.Queue {
			if q.LeadID == strings.TrimSpace(input.Body.LeadID) && q.Specialty == specialty && q.Status.Active() {
				item = q
			}
		}
		return &struct {
			Body AddItemResponse `json:"body"`
		}{Body: AddItemResponse{Item: item, Assignment: res, Version: snap.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-next",
		Method:      http.MethodPost,
		Path:        "/queue/assign",
		Summary:     "Assign the oldest waiting item of a specialty",
		Description: "Nothing to assign is not an error: the outcome says why.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body AssignResponse `json:"body"`
	}, error) {
		snap, res, err := o.AssignNext(ctx, domain.Specialty(input.Body.Specialty))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignResponse `json:"body"`
		}{Body: AssignResponse{Assignment: res, Version: snap.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-queue-status",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/status",
		Summary:     "Move a queue item forward in its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		snap, tr, err := o.UpdateQueueStatus(ctx, input.ID, domain.QueueStatus(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		switch tr.Outcome {
		case engine.UnknownItem:
			return nil, newAPIError(http.StatusNotFound, "not_found", "queue item not found", map[string]any{"id": input.ID})
		case engine.Rejected:
			return nil, newAPIError(http.StatusConflict, "invalid_transition", tr.Reason, map[string]any{
				"from": tr.From,
				"to":   tr.To,
			})
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Transition: tr,
			Item:       snap.State.Queue[snap.State.FindQueueItem(input.ID)],
			Version:    snap.Version,
		}}, nil
	})
}

func registerProfessionals(api huma.API, o Operations) {
	huma.Register(api, huma.Operation{
		OperationID: "list-professionals",
		Method:      http.MethodGet,
		Path:        "/professionals",
		Summary:     "List professionals",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProfessionalsResponse `json:"body"`
	}, error) {
		snap := o.Snapshot()
		return &struct {
			Body ProfessionalsResponse `json:"body"`
		}{Body: ProfessionalsResponse{Items: sortedProfessionals(snap.State.Professionals), Version: snap.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-professional",
		Method:      http.MethodPatch,
		Path:        "/professionals/{id}",
		Summary:     "Tune a professional",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body UpdateProfessionalRequest `json:"body"`
	}) (*struct {
		Body domain.Professional `json:"body"`
	}, error) {
		patch, err := input.Body.patch()
		if err != nil {
			return nil, handleError(err)
		}
		snap, err := o.UpdateProfessional(ctx, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Professional `json:"body"`
		}{Body: snap.State.Professionals[input.ID]}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-professional",
		Method:      http.MethodDelete,
		Path:        "/professionals/{id}",
		Summary:     "Remove a professional",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RemovedResponse `json:"body"`
	}, error) {
		snap, err := o.RemoveProfessional(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemovedResponse `json:"body"`
		}{Body: RemovedResponse{ID: input.ID, Version: snap.Version}}, nil
	})
}

func registerSettings(api huma.API, o Operations) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Distribution mode and revenue split",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: o.Snapshot().State.Settings}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPatch,
		Path:        "/settings",
		Summary:     "Update settings; the agency share absorbs the remainder",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpdateSettingsRequest `json:"body"`
	}) (*struct {
		Body domain.Settings `json:"body"`
	}, error) {
		snap, err := o.UpdateSettings(ctx, input.Body.patch())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settings `json:"body"`
		}{Body: snap.State.Settings}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "split-revenue",
		Method:      http.MethodGet,
		Path:        "/settings/split",
		Summary:     "Commission split of an amount under the current settings",
	}, func(ctx context.Context, input *struct {
		AmountCents int64 `query:"amount_cents" minimum:"0" required:"true"`
	}) (*struct {
		Body engine.RevenueSplit `json:"body"`
	}, error) {
		return &struct {
			Body engine.RevenueSplit `json:"body"`
		}{Body: engine.SplitRevenue(o.Snapshot().State.Settings, input.AmountCents)}, nil
	})
}

func registerMaintenance(api huma.API, o Operations) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-feed",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Pull the CRM feed now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		snap, changed, err := o.Resync(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Changed: changed, Version: snap.Version}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "automate",
		Method:      http.MethodPost,
		Path:        "/automate",
		Summary:     "Run the fairness sweep now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AutomateResponse `json:"body"`
	}, error) {
		snap, res, err := o.Automate(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if res == nil {
			res = []engine.Assignment{}
		}
		return &struct {
			Body AutomateResponse `json:"body"`
		}{Body: AutomateResponse{Assignments: res, Version: snap.Version}}, nil
	})
}
