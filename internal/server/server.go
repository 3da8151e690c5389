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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wastesync/internal/domain"
	"wastesync/internal/engine"
	"wastesync/internal/engine/auth"
	"wastesync/internal/feed"
	"wastesync/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Hub      *feed.Hub
	BasePath string
	Auth     AuthConfig
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid_transition: report R1 Pending -> Resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"report\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// output is the common response shape; a zero Status keeps the
// operation's default.
type output[T any] struct {
	Status int
	Body   T
}

// New returns an HTTP handler exposing the wastesync API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Config == nil {
		return nil, engine.ErrConfigNotLoaded
	}
	if cfg.Repo.DB == nil {
		cfg.Repo = repo.Repo{DB: cfg.Engine.DB, Config: cfg.Engine.Config}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
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

	svc := auth.Service{Config: cfg.Engine.Config}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, svc))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("wastesync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Hub)
	registerMe(group)
	registerDevAuth(group, svc, cfg.Auth)
	registerKinds(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerMoves(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerSync(group, cfg.Engine, cfg.Repo)
	registerStream(group, cfg.Engine, cfg.Hub, cfg.Logger)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var re auth.UnknownRoleError
	if errors.As(err, &re) {
		return newAPIError(http.StatusForbidden, "unknown_role", err.Error(), map[string]any{"role": re.Role})
	}
	var details map[string]any
	var me *engine.MoveError
	if errors.As(err, &me) {
		details = map[string]any{"kind": me.Kind, "source_id": me.SourceID, "direction": me.Direction, "key": me.Key}
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		details = map[string]any{"kind": te.Kind, "work_item_id": te.WorkItemID, "from": te.From, "to": te.To}
	}
	msg := err.Error()
	switch code := engine.Code(err); code {
	case engine.CodeInvalidTransition, engine.CodeResponseRequired, engine.CodeFutureTimestamp:
		return newAPIError(http.StatusUnprocessableEntity, code, msg, details)
	case engine.CodeNotFound, engine.CodeUnknownKind:
		return newAPIError(http.StatusNotFound, code, msg, details)
	case engine.CodeMoveFailed, engine.CodeFeedDisconnected, engine.CodeNotificationDegraded:
		return newAPIError(http.StatusServiceUnavailable, code, msg, details)
	case engine.CodeStaleDuplicate, engine.CodeNotDeletable:
		return newAPIError(http.StatusConflict, code, msg, details)
	case engine.CodePartialMove:
		return newAPIError(http.StatusAccepted, code, msg, details)
	}
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>wastesync API Docs</title>
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

func registerHealth(api huma.API, hub *feed.Hub) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		body := map[string]string{"status": "ok", "feed": "off"}
		if hub != nil {
			body["feed"] = "live"
			if hub.Degraded() {
				body["feed"] = "degraded"
			}
		}
		return &output[map[string]string]{Body: body}, nil
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
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &output[WhoAmIResponse]{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Role:        p.Role,
			Permissions: p.PermissionList(),
		}}, nil
	})
}

func registerDevAuth(api huma.API, svc auth.Service, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		role := strings.TrimSpace(input.Body.Role)
		if actor == "" || role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		if _, err := svc.Principal(actor, role); err != nil {
			return nil, handleError(err)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &output[DevLoginResponse]{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerKinds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-kinds",
		Method:      http.MethodGet,
		Path:        "/kinds",
		Summary:     "List workflow kinds",
	}, func(ctx context.Context, _ *struct{}) (*output[[]KindResponse], error) {
		if _, err := requirePermission(ctx, auth.PermItemRead); err != nil {
			return nil, handleError(err)
		}
		out := []KindResponse{}
		for _, name := range e.Config.KindNames() {
			out = append(out, kindResponse(name, e.Config.Kinds[name]))
		}
		return &output[[]KindResponse]{Body: out}, nil
	})
}

type kindPath struct {
	Kind string `path:"kind"`
}

type itemPath struct {
	Kind string `path:"kind"`
	ID   string `path:"id"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/kinds/{kind}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		kindPath
		Body CreateItemRequest `json:"body"`
	}) (*output[domain.WorkItem], error) {
		p, err := requirePermission(ctx, auth.PermItemCreate)
		if err != nil {
			return nil, handleError(err)
		}
		payload, err := encodePayload(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", nil)
		}
		owner := input.Body.OwnerRef
		if owner == "" {
			owner = p.ActorID
		}
		it, err := e.CreateItem(ctx, engine.CreateItemOptions{
			ID:       input.Body.ID,
			Kind:     input.Kind,
			OwnerRef: owner,
			Payload:  payload,
			ActorID:  p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.WorkItem]{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/kinds/{kind}/items",
		Summary:     "List active work items",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		kindPath
		OwnerRef string `query:"owner_ref"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[itemList], error) {
		if _, err := requirePermission(ctx, auth.PermItemRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListItems(ctx, input.Kind, repo.ItemFilters{OwnerRef: input.OwnerRef, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[itemList]{Body: itemList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/kinds/{kind}/items/{id}",
		Summary:     "Get active work item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*output[domain.WorkItem], error) {
		if _, err := requirePermission(ctx, auth.PermItemRead); err != nil {
			return nil, handleError(err)
		}
		it, err := e.GetItem(ctx, input.Kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.WorkItem]{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item-status",
		Method:      http.MethodGet,
		Path:        "/kinds/{kind}/items/{id}/status",
		Summary:     "Latest status event of a work item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*output[domain.StatusEvent], error) {
		if _, err := requirePermission(ctx, auth.PermItemRead); err != nil {
			return nil, handleError(err)
		}
		se, err := e.GetStatus(ctx, input.Kind, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.StatusEvent]{Body: se}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-archived",
		Method:      http.MethodGet,
		Path:        "/kinds/{kind}/archive",
		Summary:     "List archived work items",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		kindPath
		OwnerRef string `query:"owner_ref"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[archiveList], error) {
		if _, err := requirePermission(ctx, auth.PermItemRead); err != nil {
			return nil, handleError(err)
		}
		recs, err := e.ListArchived(ctx, input.Kind, repo.ItemFilters{OwnerRef: input.OwnerRef, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[archiveList]{Body: archiveList{Items: nonNilSlice(recs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-item",
		Method:        http.MethodDelete,
		Path:          "/kinds/{kind}/items/{id}",
		Summary:       "Permanently delete a work item",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		itemPath
		From string `query:"from" enum:"active,archive" default:"active"`
	}) (*struct{}, error) {
		p, err := requirePermission(ctx, auth.PermItemPurge)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Purge(ctx, input.Kind, input.ID, input.From, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerMoves(api huma.API, e engine.Engine) {
	respond := func(res engine.MoveResult, err error) (*output[MoveResponse], error) {
		if err == nil {
			return &output[MoveResponse]{Body: moveResponse(res)}, nil
		}
		if engine.Code(err) != engine.CodePartialMove {
			return nil, handleError(err)
		}
		// the destination is committed; the sweeper finishes the source delete
		body := moveResponse(res)
		body.Warnings = append(body.Warnings, engine.Warning{Code: engine.CodePartialMove, Message: err.Error(), Kind: res.Kind, EntityID: res.SourceID})
		return &output[MoveResponse]{Status: http.StatusAccepted, Body: body}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "archive-item",
		Method:      http.MethodPost,
		Path:        "/kinds/{kind}/items/{id}/archive",
		Summary:     "Move an active work item to the archive",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *itemPath) (*output[MoveResponse], error) {
		p, err := requirePermission(ctx, auth.PermItemArchive)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e.Archive(ctx, input.Kind, input.ID, p.ActorID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-item",
		Method:      http.MethodPost,
		Path:        "/kinds/{kind}/archive/{source_id}/restore",
		Summary:     "Move an archived work item back to the active table",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		kindPath
		SourceID string `path:"source_id"`
	}) (*output[MoveResponse], error) {
		p, err := requirePermission(ctx, auth.PermItemRestore)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e.Restore(ctx, input.Kind, input.SourceID, p.ActorID))
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/kinds/{kind}/items/{id}/transition",
		Summary:     "Change the status of a work item",
		Description: "A request carrying an older timestamp than the stored status returns applied=false.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		itemPath
		Body TransitionRequest `json:"body"`
	}) (*output[engine.TransitionResult], error) {
		p, err := requirePermission(ctx, auth.PermItemTransition)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Force {
			if err := p.Require(auth.PermItemTransitionForce); err != nil {
				return nil, handleError(err)
			}
		}
		if strings.TrimSpace(input.Body.Status) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		opts := engine.TransitionOptions{
			Kind:       input.Kind,
			WorkItemID: input.ID,
			Target:     input.Body.Status,
			Response:   input.Body.Response,
			ActorID:    p.ActorID,
			Force:      input.Body.Force,
			SkipNotify: input.Body.SkipNotify,
		}
		if input.Body.At != "" {
			at, err := domain.ParseTime(input.Body.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at timestamp", map[string]any{"at": input.Body.At})
			}
			opts.At = at
		}
		res, err := e.Transition(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		res.Warnings = nonNilSlice(res.Warnings)
		return &output[engine.TransitionResult]{Body: res}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "publish-notification",
		Method:      http.MethodPost,
		Path:        "/notifications",
		Summary:     "Publish the notification of a work item",
		Description: "A failed write is queued for retry and answered with 202.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PublishRequest `json:"body"`
	}) (*output[PublishResponse], error) {
		p, err := requirePermission(ctx, auth.PermNotificationPublish)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.PublishOptions{
			WorkItemID: input.Body.WorkItemID,
			OwnerRef:   input.Body.OwnerRef,
			Kind:       input.Body.Kind,
			Message:    input.Body.Message,
			Status:     input.Body.Status,
			Response:   input.Body.Response,
			ActorID:    p.ActorID,
		}
		if input.Body.At != "" {
			at, err := domain.ParseTime(input.Body.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at timestamp", map[string]any{"at": input.Body.At})
			}
			opts.At = at
		}
		n, err := e.Publish(ctx, opts)
		if errors.Is(err, engine.ErrNotificationDegraded) {
			return &output[PublishResponse]{Status: http.StatusAccepted, Body: PublishResponse{
				Queued:   true,
				Warnings: []engine.Warning{{Code: engine.CodeNotificationDegraded, Message: err.Error(), Kind: opts.Kind, EntityID: opts.WorkItemID}},
			}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &output[PublishResponse]{Body: PublishResponse{Notification: &n, Warnings: []engine.Warning{}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications",
		Description: "Callers without notification.publish only see their own notifications.",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OwnerRef   string `query:"owner_ref"`
		UnreadOnly bool   `query:"unread_only"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[notificationList], error) {
		p, err := requirePermission(ctx, auth.PermNotificationRead)
		if err != nil {
			return nil, handleError(err)
		}
		owner := input.OwnerRef
		if !p.Has(auth.PermNotificationPublish) {
			owner = p.ActorID
		}
		items, err := e.ListNotifications(ctx, repo.NotificationFilters{OwnerRef: owner, UnreadOnly: input.UnreadOnly, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[notificationList]{Body: notificationList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-notification",
		Method:      http.MethodGet,
		Path:        "/notifications/{id}",
		Summary:     "Get notification",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Notification], error) {
		p, err := requirePermission(ctx, auth.PermNotificationRead)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := ownNotification(ctx, e, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Notification]{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark notification read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Notification], error) {
		p, err := requirePermission(ctx, auth.PermNotificationRead)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := ownNotification(ctx, e, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		n, err := e.MarkRead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Notification]{Body: n}, nil
	})
}

// ownNotification hides notifications of other owners from callers that
// cannot publish.
func ownNotification(ctx context.Context, e engine.Engine, p auth.Principal, id string) (domain.Notification, error) {
	n, err := e.GetNotification(ctx, id)
	if err != nil {
		return n, err
	}
	if !p.Has(auth.PermNotificationPublish) && n.OwnerRef != p.ActorID {
		return domain.Notification{}, repo.ErrNotFound
	}
	return n, nil
}

func registerSync(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sync-warnings",
		Method:      http.MethodGet,
		Path:        "/sync/warnings",
		Summary:     "Findings escalated for manual review",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[warningList], error) {
		if _, err := requirePermission(ctx, auth.PermSyncWarningsRead); err != nil {
			return nil, handleError(err)
		}
		ws, err := e.StaleWarnings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[warningList]{Body: warningList{Items: nonNilSlice(ws)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-log",
		Method:      http.MethodGet,
		Path:        "/sync/log",
		Summary:     "Recent sync log entries, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		Kind     string `query:"kind"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*output[logList], error) {
		if _, err := requirePermission(ctx, auth.PermSyncWarningsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListLog(ctx, repo.LogFilters{Type: input.Type, Kind: input.Kind, EntityID: input.EntityID, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[logList]{Body: logList{Items: nonNilSlice(items)}}, nil
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
