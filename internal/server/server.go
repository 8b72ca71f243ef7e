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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"keel/internal/engine"
	"keel/internal/export"
	"keel/internal/ledger"
	"keel/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Webhooks []WebhookConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"precondition_failed"`
	Message string         `json:"message" example:"cannot finalize a decision with no artifact"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Keel API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Keel API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEnterprises(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerGovernance(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerScores(group, cfg.Engine)
	registerExport(router, cfg.Engine, basePath)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.Webhooks)

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
	var pe engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "precondition_failed", err.Error(), map[string]any{"reason": pe.Reason})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	var be ledger.ErrBadReference
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_reference", err.Error(), map[string]any{"field": be.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "precondition_failed"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
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

func registerEnterprises(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-enterprise",
		Method:        http.MethodPost,
		Path:          "/enterprises",
		Summary:       "Create enterprise",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateEnterpriseRequest `json:"body"`
	}) (*struct {
		Body EnterpriseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ent, err := e.CreateEnterprise(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnterpriseResponse `json:"body"`
		}{Body: enterpriseResponse(ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-enterprises",
		Method:      http.MethodGet,
		Path:        "/enterprises",
		Summary:     "List enterprises",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []EnterpriseResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEnterprises(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EnterpriseResponse, 0, len(items))
		for _, ent := range items {
			out = append(out, enterpriseResponse(ent))
		}
		return &struct {
			Body []EnterpriseResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-enterprise",
		Method:      http.MethodGet,
		Path:        "/enterprises/{enterprise_id}",
		Summary:     "Get enterprise",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EnterpriseID string `path:"enterprise_id"`
	}) (*struct {
		Body EnterpriseResponse `json:"body"`
	}, error) {
		ent, err := e.Repo.GetEnterprise(ctx, input.EnterpriseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnterpriseResponse `json:"body"`
		}{Body: enterpriseResponse(ent)}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-decision",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Create decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.CreateDecision(ctx, engine.DecisionCreateOptions{
			EnterpriseID:    input.Body.EnterpriseID,
			Title:           input.Body.Title,
			Owner:           input.Body.Owner,
			ExpectedOutcome: input.Body.ExpectedOutcome,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/decisions",
		Summary:     "List decisions",
	}, func(ctx context.Context, input *struct {
		EnterpriseID string `query:"enterprise_id"`
		Status       string `query:"status" enum:",draft,finalized,signed_off"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDecisions(ctx, input.EnterpriseID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: mapDecisions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Get decision with latest artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := decisionResponse(d)
		if d.ArtifactVersion != nil {
			latest, err := e.Repo.LatestArtifactVersion(ctx, d.ID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			if err == nil {
				resp.Artifact = json.RawMessage(latest.PayloadJSON)
				resp.ArtifactHash = latest.Hash
			}
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-decision-execution",
		Method:      http.MethodPatch,
		Path:        "/decisions/{decision_id}/execution",
		Summary:     "Update execution fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string                 `path:"decision_id"`
		Body       UpdateExecutionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.UpdateExecution(ctx, engine.ExecutionUpdateOptions{
			DecisionID:      input.DecisionID,
			Owner:           input.Body.Owner,
			ExpectedOutcome: input.Body.ExpectedOutcome,
			ReviewNotes:     input.Body.ReviewNotes,
			ReviewReminder:  input.Body.ReviewReminder,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-readiness",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/readiness",
		Summary:     "Readiness band for a decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		res, err := e.DecisionReadiness(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"decision_id":          input.DecisionID,
			"band":                 res.Band,
			"score":                res.Score,
			"reviews":              res.Reviews,
			"completion_rate":      res.CompletionRate,
			"governance_adherence": res.GovernanceAdherence,
		}}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-artifact",
		Method:        http.MethodPost,
		Path:          "/decisions/{decision_id}/artifact",
		Summary:       "Append a new artifact version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string                `path:"decision_id"`
		Body       SubmitArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactVersionResponse `json:"body"`
	}, error) {
		if len(input.Body.Payload) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payload is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SubmitArtifact(ctx, input.DecisionID, input.Body.Payload, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactVersionResponse `json:"body"`
		}{Body: artifactResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "patch-artifact",
		Method:        http.MethodPatch,
		Path:          "/decisions/{decision_id}/artifact",
		Summary:       "Patch the latest artifact into a new version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string                `path:"decision_id"`
		Body       SubmitArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactVersionResponse `json:"body"`
	}, error) {
		if len(input.Body.Payload) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "payload is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.PatchArtifact(ctx, input.DecisionID, input.Body.Payload, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactVersionResponse `json:"body"`
		}{Body: artifactResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifact-versions",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/artifact/versions",
		Summary:     "List artifact versions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body []ArtifactVersionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDecision(ctx, input.DecisionID); err != nil {
			return nil, handleError(err)
		}
		versions, err := e.Repo.ListArtifactVersions(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ArtifactVersionResponse, 0, len(versions))
		for _, v := range versions {
			out = append(out, artifactResponse(v))
		}
		return &struct {
			Body []ArtifactVersionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerGovernance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/finalize",
		Summary:     "Finalize a draft decision",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Finalize(ctx, input.DecisionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signoff-decision",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/signoff",
		Summary:     "Sign off a finalized decision",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SignOff(ctx, input.DecisionID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "commit-plan",
		Method:      http.MethodPost,
		Path:        "/decisions/{decision_id}/plan",
		Summary:     "Commit the execution plan",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string            `path:"decision_id"`
		Body       CommitPlanRequest `json:"body"`
	}) (*struct {
		Body ArtifactVersionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CommitExecutionPlan(ctx, input.DecisionID, input.Body.MustDoIDs, input.Body.Note, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactVersionResponse `json:"body"`
		}{Body: artifactResponse(v)}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger-events",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/events",
		Summary:     "List a decision's ledger events, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body []LedgerEventResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDecision(ctx, input.DecisionID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Repo.ListLedgerEvents(ctx, input.DecisionID, input.Type, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LedgerEventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-milestone",
		Method:        http.MethodPost,
		Path:          "/decisions/{decision_id}/milestones",
		Summary:       "Create milestone",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string                 `path:"decision_id"`
		Body       CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.CreateMilestone(ctx, engine.MilestoneCreateOptions{
			DecisionID:  input.DecisionID,
			Name:        input.Body.Name,
			Responsible: input.Body.Responsible,
			DueDate:     input.Body.DueDate,
			Status:      input.Body.Status,
			Notes:       input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/milestones",
		Summary:     "List milestones",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body []MilestoneResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDecision(ctx, input.DecisionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMilestones(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MilestoneResponse `json:"body"`
		}{Body: mapMilestones(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-milestone",
		Method:      http.MethodPatch,
		Path:        "/milestones/{milestone_id}",
		Summary:     "Update milestone",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        UpdateMilestoneRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		opts := engine.MilestoneUpdateOptions{
			ID:          input.MilestoneID,
			Name:        input.Body.Name,
			Responsible: input.Body.Responsible,
			Status:      input.Body.Status,
			Notes:       input.Body.Notes,
		}
		if input.Body.DueDate != nil {
			opts.DueDate = &input.Body.DueDate
		}
		m, err := e.UpdateMilestone(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-milestone",
		Method:        http.MethodDelete,
		Path:          "/milestones/{milestone_id}",
		Summary:       "Delete milestone",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MilestoneID string `path:"milestone_id"`
	}) (*struct{}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteMilestone(ctx, input.MilestoneID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-review",
		Method:        http.MethodPost,
		Path:          "/decisions/{decision_id}/reviews",
		Summary:       "Record outcome review",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		DecisionID string              `path:"decision_id"`
		Body       CreateReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rv, err := e.RecordOutcomeReview(ctx, engine.OutcomeReviewOptions{
			DecisionID:     input.DecisionID,
			Summary:        input.Body.Summary,
			WhatWorked:     input.Body.WhatWorked,
			WhatDidNot:     input.Body.WhatDidNot,
			Learnings:      input.Body.Learnings,
			Assumptions:    input.Body.Assumptions,
			ReadinessDelta: input.Body.ReadinessDelta,
			FollowUp:       input.Body.FollowUp,
			NextCycleFocus: input.Body.NextCycleFocus,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(rv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}/reviews",
		Summary:     "List outcome reviews",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body []ReviewResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetDecision(ctx, input.DecisionID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOutcomeReviews(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ReviewResponse `json:"body"`
		}{Body: mapReviews(items)}, nil
	})
}

func registerScores(api huma.API, e engine.Engine) {
	type enterprisePath struct {
		EnterpriseID string `path:"enterprise_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "enterprise-health",
		Method:      http.MethodGet,
		Path:        "/enterprises/{enterprise_id}/health",
		Summary:     "Enterprise health score",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *enterprisePath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		res, err := e.EnterpriseHealth(ctx, input.EnterpriseID)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{
			"enterprise_id": input.EnterpriseID,
			"execution":     res.Execution,
			"governance":    res.Governance,
			"learning":      res.Learning,
			"total":         res.Total,
		}
		if res.Trend != nil {
			body["trend"] = *res.Trend
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enterprise-readiness-index",
		Method:      http.MethodGet,
		Path:        "/enterprises/{enterprise_id}/readiness-index",
		Summary:     "Enterprise capital-readiness index",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *enterprisePath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		res, err := e.EnterpriseReadinessIndex(ctx, input.EnterpriseID)
		if err != nil {
			return nil, handleError(err)
		}
		body := map[string]any{
			"enterprise_id":       input.EnterpriseID,
			"total":               res.Total,
			"band":                res.Band,
			"activation_percent":  res.ActivationPercent,
			"health_total":        res.HealthTotal,
			"velocity_score":      res.VelocityScore,
			"governance_maturity": res.GovernanceMaturity,
		}
		if res.Trend != nil {
			body["trend"] = *res.Trend
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enterprise-activation",
		Method:      http.MethodGet,
		Path:        "/enterprises/{enterprise_id}/activation",
		Summary:     "Enterprise activation checklist",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *enterprisePath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		res, err := e.EnterpriseActivation(ctx, input.EnterpriseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"enterprise_id": input.EnterpriseID,
			"steps":         res.Steps,
			"percent":       res.Percent,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enterprise-velocity",
		Method:      http.MethodGet,
		Path:        "/enterprises/{enterprise_id}/velocity",
		Summary:     "Enterprise decision velocity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *enterprisePath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		res, err := e.EnterpriseVelocity(ctx, input.EnterpriseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: velocityBody(res.AverageDays, res.Decisions, res.Score)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "global-velocity",
		Method:      http.MethodGet,
		Path:        "/velocity",
		Summary:     "Decision velocity across all enterprises",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		res, err := e.GlobalVelocity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: velocityBody(res.AverageDays, res.Decisions, res.Score)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enterprise-timeline",
		Method:      http.MethodGet,
		Path:        "/enterprises/{enterprise_id}/timeline",
		Summary:     "Chronological decisions with readiness bands",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *enterprisePath) (*struct {
		Body []map[string]any `json:"body"`
	}, error) {
		entries, err := e.EnterpriseTimeline(ctx, input.EnterpriseID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			out = append(out, map[string]any{
				"decision":  decisionResponse(entry.Decision),
				"readiness": entry.Readiness,
			})
		}
		return &struct {
			Body []map[string]any `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "portfolio",
		Method:      http.MethodGet,
		Path:        "/portfolio",
		Summary:     "Portfolio view across enterprises",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.PortfolioEntry `json:"body"`
	}, error) {
		entries, err := e.Portfolio(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.PortfolioEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func velocityBody(avg *float64, decisions int, score float64) map[string]any {
	body := map[string]any{
		"decisions": decisions,
		"score":     score,
	}
	if avg != nil {
		body["average_days"] = *avg
	}
	return body
}

// Export endpoints stream whole files, so they bypass Huma and register on
// the router directly.
func registerExport(r chi.Router, e engine.Engine, basePath string) {
	ex := export.Exporter{Repo: e.Repo}

	r.Get(path.Join(basePath, "decisions/{decision_id}/export"), func(w http.ResponseWriter, req *http.Request) {
		bundle, err := ex.Decision(req.Context(), chi.URLParam(req, "decision_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		switch req.URL.Query().Get("format") {
		case "", "json", "structured":
			w.Header().Set("Content-Type", "application/json")
			_ = export.WriteJSON(w, bundle)
		case "csv", "tabular":
			w.Header().Set("Content-Type", "text/csv")
			_ = export.WriteDecisionCSV(w, bundle)
		default:
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "format must be json or csv", nil))
		}
	})

	r.Get(path.Join(basePath, "enterprises/{enterprise_id}/export"), func(w http.ResponseWriter, req *http.Request) {
		bundle, err := ex.Enterprise(req.Context(), chi.URLParam(req, "enterprise_id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		switch req.URL.Query().Get("format") {
		case "", "json", "structured":
			w.Header().Set("Content-Type", "application/json")
			_ = export.WriteJSON(w, bundle)
		case "csv", "tabular":
			w.Header().Set("Content-Type", "text/csv")
			_ = export.WriteEnterpriseCSV(w, bundle)
		default:
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "format must be json or csv", nil))
		}
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ActorID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "jwt secret not configured", nil)
		}
		claims := jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   input.Body.ActorID,
				IssuedAt:  jwt.NewNumericDate(time.Now()),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			},
			Role: input.Body.Role,
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(authCfg.JWTSecret))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", "sign token", nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>Keel API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
