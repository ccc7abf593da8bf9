package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KamaTechOrg/BSDFlow/internal/app"
	"github.com/KamaTechOrg/BSDFlow/internal/domain"
	"github.com/KamaTechOrg/BSDFlow/internal/entity"
	"github.com/KamaTechOrg/BSDFlow/internal/process"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"required field missing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the BSDFlow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("BSDFlow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTypes(group, cfg.App)
	registerEntities(group, cfg.App)
	registerQueries(group, cfg.App)
	registerConditions(group, cfg.App)
	registerProcesses(group, cfg.App)
	registerEvents(group, cfg.App)
	registerJournal(group, cfg.App)
	registerDevAuth(group, cfg.Auth)
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
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", ve.Error(), map[string]any{"violations": ve.Violations})
	}
	var nfe *domain.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nfe.Kind, "id": nfe.ID})
	}
	var ce *domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "revision_conflict", err.Error(), map[string]any{"kind": ce.Kind, "id": ce.ID, "revision": ce.Revision})
	}
	var ure *domain.UnresolvedReferenceError
	if errors.As(err, &ure) {
		return newAPIError(http.StatusUnprocessableEntity, "unresolved_reference", err.Error(), map[string]any{"ref": ure.Ref})
	}
	var tme *domain.TypeMismatchError
	if errors.As(err, &tme) {
		return newAPIError(http.StatusUnprocessableEntity, "type_mismatch", err.Error(), nil)
	}
	var uoe *domain.UnsupportedOperatorError
	if errors.As(err, &uoe) {
		return newAPIError(http.StatusBadRequest, "unsupported_operator", err.Error(), map[string]any{"operator": uoe.Operator})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>BSDFlow API Docs</title>
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

func registerTypes(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-type",
		Method:        http.MethodPost,
		Path:          "/types",
		Summary:       "Create entity type",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTypeRequest `json:"body"`
	}) (*struct {
		Body TypeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields := make([]domain.FieldDef, 0, len(input.Body.Fields))
		for _, f := range input.Body.Fields {
			def := domain.FieldDef{
				Name:      f.Name,
				Type:      domain.FieldType(f.Type),
				Required:  f.Required,
				Validator: f.Validator,
			}
			if f.ID != nil {
				def.ID = *f.ID
			}
			fields = append(fields, def)
		}
		opts := schema.TypeCreateOptions{Tenant: tenant, Name: input.Body.Name, Fields: fields, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := a.Schemas.CreateType(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TypeResponse `json:"body"`
		}{Body: typeResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-types",
		Method:      http.MethodGet,
		Path:        "/types",
		Summary:     "List entity types",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TypeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Schemas.ListTypes(ctx, tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TypeResponse `json:"body"`
		}{Body: mapTypes(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-type",
		Method:      http.MethodGet,
		Path:        "/types/{type_id}",
		Summary:     "Get entity type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TypeID string `path:"type_id"`
	}) (*struct {
		Body TypeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Schemas.GetType(ctx, tenant, input.TypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TypeResponse `json:"body"`
		}{Body: typeResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "modify-field",
		Method:      http.MethodPatch,
		Path:        "/types/{type_id}/fields/{field_id}",
		Summary:     "Modify a field",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TypeID  string             `path:"type_id"`
		FieldID string             `path:"field_id"`
		Body    ModifyFieldRequest `json:"body"`
	}) (*struct {
		Body TypeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := schema.FieldPatch{
			Rename:   input.Body.Name,
			Required: input.Body.Required,
		}
		if input.Body.Type != nil {
			ft := domain.FieldType(*input.Body.Type)
			patch.Retype = &ft
		}
		if input.Body.ClearValidator {
			var none *domain.ValidatorSpec
			patch.Validator = &none
		} else if input.Body.Validator != nil {
			patch.Validator = &input.Body.Validator
		}
		t, err := a.Schemas.ModifyField(ctx, tenant, input.TypeID, input.FieldID, patch, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TypeResponse `json:"body"`
		}{Body: typeResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-field",
		Method:      http.MethodDelete,
		Path:        "/types/{type_id}/fields/{field_id}",
		Summary:     "Soft-delete a field",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TypeID  string `path:"type_id"`
		FieldID string `path:"field_id"`
	}) (*struct {
		Body TypeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Schemas.RemoveField(ctx, tenant, input.TypeID, input.FieldID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TypeResponse `json:"body"`
		}{Body: typeResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-field",
		Method:      http.MethodPost,
		Path:        "/types/{type_id}/fields/{field_id}/restore",
		Summary:     "Restore a soft-deleted field",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TypeID  string `path:"type_id"`
		FieldID string `path:"field_id"`
	}) (*struct {
		Body TypeResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.Schemas.RestoreField(ctx, tenant, input.TypeID, input.FieldID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TypeResponse `json:"body"`
		}{Body: typeResponse(t)}, nil
	})
}

func registerEntities(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/types/{type_id}/entities",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TypeID string              `path:"type_id"`
		Body   CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields, err := fieldsFromWire(input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		opts := entity.CreateOptions{Tenant: tenant, Type: input.TypeID, Fields: fields, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		e, err := a.Entities.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/types/{type_id}/entities",
		Summary:     "List entities",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TypeID         string `path:"type_id"`
		Limit          int    `query:"limit"`
		IncludeDeleted bool   `query:"include_deleted"`
	}) (*struct {
		Body []EntityResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Entities.List(ctx, tenant, input.TypeID, input.Limit, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EntityResponse `json:"body"`
		}{Body: mapEntities(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/types/{type_id}/entities/{entity_id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TypeID         string `path:"type_id"`
		EntityID       string `path:"entity_id"`
		IncludeDeleted bool   `query:"include_deleted"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		e, err := a.Entities.Get(ctx, tenant, input.TypeID, input.EntityID, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/types/{type_id}/entities/{entity_id}",
		Summary:     "Update entity fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TypeID   string              `path:"type_id"`
		EntityID string              `path:"entity_id"`
		Body     UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fields, err := fieldsFromWire(input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		e, err := a.Entities.Update(ctx, entity.UpdateOptions{
			Tenant:   tenant,
			Type:     input.TypeID,
			ID:       input.EntityID,
			Fields:   fields,
			Revision: input.Body.Revision,
			ActorID:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(e)}, nil
	})
}

func registerQueries(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-query",
		Method:        http.MethodPost,
		Path:          "/queries",
		Summary:       "Create query",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateQueryRequest `json:"body"`
	}) (*struct {
		Body QueryResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q := domain.Query{
			Tenant: tenant,
			Source: domain.QuerySource(input.Body.Source),
			Field:  input.Body.Field,
		}
		if input.Body.ID != nil {
			q.ID = *input.Body.ID
		}
		if input.Body.CreatedBy != nil {
			q.CreatedBy = *input.Body.CreatedBy
		}
		q, err := a.Schemas.CreateQuery(ctx, q, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueryResponse `json:"body"`
		}{Body: queryResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-queries",
		Method:      http.MethodGet,
		Path:        "/queries",
		Summary:     "List queries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QueryResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Schemas.Repo.ListQueries(ctx, tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QueryResponse `json:"body"`
		}{Body: mapQueries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-query",
		Method:      http.MethodGet,
		Path:        "/queries/{query_id}",
		Summary:     "Get query",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QueryID string `path:"query_id"`
	}) (*struct {
		Body QueryResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := a.Schemas.GetQuery(ctx, tenant, input.QueryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueryResponse `json:"body"`
		}{Body: queryResponse(q)}, nil
	})
}

func registerConditions(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-condition",
		Method:        http.MethodPost,
		Path:          "/conditions",
		Summary:       "Create condition",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateConditionRequest `json:"body"`
	}) (*struct {
		Body ConditionResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c := domain.NamedCondition{Tenant: tenant, Tree: input.Body.Tree}
		if input.Body.ID != nil {
			c.ID = *input.Body.ID
		}
		c, err := a.Schemas.CreateCondition(ctx, c, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConditionResponse `json:"body"`
		}{Body: ConditionResponse{ID: c.ID, Tree: c.Tree}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conditions",
		Method:      http.MethodGet,
		Path:        "/conditions",
		Summary:     "List conditions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ConditionResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Schemas.Repo.ListConditions(ctx, tenant)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ConditionResponse, 0, len(items))
		for _, c := range items {
			out = append(out, ConditionResponse{ID: c.ID, Tree: c.Tree})
		}
		return &struct {
			Body []ConditionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-condition",
		Method:      http.MethodGet,
		Path:        "/conditions/{condition_id}",
		Summary:     "Get condition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConditionID string `path:"condition_id"`
	}) (*struct {
		Body ConditionResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := a.Schemas.GetCondition(ctx, tenant, input.ConditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConditionResponse `json:"body"`
		}{Body: ConditionResponse{ID: c.ID, Tree: c.Tree}}, nil
	})
}

func registerProcesses(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-process",
		Method:        http.MethodPost,
		Path:          "/processes",
		Summary:       "Create process",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProcessRequest `json:"body"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := schema.ProcessCreateOptions{Tenant: tenant, Name: input.Body.Name, Steps: input.Body.Steps, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := a.Schemas.CreateProcess(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-processes",
		Method:      http.MethodGet,
		Path:        "/processes",
		Summary:     "List processes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProcessResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Schemas.Repo.ListProcesses(ctx, tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProcessResponse `json:"body"`
		}{Body: mapProcesses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-process",
		Method:      http.MethodGet,
		Path:        "/processes/{process_id}",
		Summary:     "Get process",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Schemas.GetProcess(ctx, tenant, input.ProcessID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-step",
		Method:      http.MethodDelete,
		Path:        "/processes/{process_id}/steps/{step_id}",
		Summary:     "Soft-delete a process step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		StepID    string `path:"step_id"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Schemas.RemoveStep(ctx, tenant, input.ProcessID, input.StepID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-step",
		Method:      http.MethodPost,
		Path:        "/processes/{process_id}/steps/{step_id}/restore",
		Summary:     "Restore a soft-deleted process step",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProcessID string `path:"process_id"`
		StepID    string `path:"step_id"`
	}) (*struct {
		Body ProcessResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Schemas.RestoreStep(ctx, tenant, input.ProcessID, input.StepID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProcessResponse `json:"body"`
		}{Body: processResponse(p)}, nil
	})
}

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Start a process instance",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body StartEventRequest `json:"body"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ProcessID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "process_id is required", nil)
		}
		opts := process.StartOptions{
			Tenant:    tenant,
			ProcessID: input.Body.ProcessID,
			Entities:  input.Body.Entities,
			Documents: input.Body.Documents,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		ev, err := a.Engine.Start(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List process instances",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,completed,failed,aborted,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Engine.List(ctx, tenant, domain.EventStatus(input.Status), input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get process instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := a.Engine.Get(ctx, tenant, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/advance",
		Summary:     "Attempt the current step now",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := a.Engine.Advance(ctx, tenant, input.EventID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-event",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/abort",
		Summary:     "Abort a process instance",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body EventResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := a.Engine.Abort(ctx, tenant, input.EventID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventResponse `json:"body"`
		}{Body: eventResponse(ev)}, nil
	})
}

func registerJournal(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-journal",
		Method:      http.MethodGet,
		Path:        "/journal",
		Summary:     "List audit journal entries",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []JournalEntryResponse `json:"body"`
	}, error) {
		tenant, authErr := tenantFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Schemas.Repo.JournalAfter(ctx, tenant, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]JournalEntryResponse, 0, len(items))
		for _, e := range items {
			out = append(out, journalResponse(e))
		}
		return &struct {
			Body []JournalEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Tenant  string `json:"tenant"`
			ActorID string `json:"actor_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if input.Body.Tenant == "" || input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant and actor_id are required", nil)
		}
		token, err := MintToken(cfg.JWTSecret, input.Body.Tenant, input.Body.ActorID, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": token}}, nil
	})
}
