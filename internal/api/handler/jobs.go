package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/internal/slotfill"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// JobService is the job control surface the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, ownerID uuid.UUID, jobType models.JobType, params map[string]string) (*models.Job, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, ownerID, id uuid.UUID) (*jobs.StatusView, error)
	List(ctx context.Context, ownerID uuid.UUID, activeOnly bool, limit int) ([]*models.Job, error)
	Cancel(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error)
	Retry(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error)
}

// Conversations runs the slot-filling loop.
type Conversations interface {
	Start(ctx context.Context, ownerID uuid.UUID, message string) (*slotfill.Outcome, error)
	Continue(ctx context.Context, ownerID, conversationID uuid.UUID, response string, previous *models.ConversationContext) (*slotfill.Outcome, error)
}

// Canceller cancels a job on behalf of its owner.
type Canceller interface {
	Cancel(ctx context.Context, ownerID, id uuid.UUID) (*models.Job, error)
}

// InputSupplier resolves awaiting_input suspensions.
type InputSupplier interface {
	Supply(ctx context.Context, ownerID, id uuid.UUID, kind, value string) (*models.Job, error)
}

type createJobRequest struct {
	Message             string                      `json:"message"`
	ConversationContext *models.ConversationContext `json:"conversation_context"`
	JobType             models.JobType              `json:"job_type"`
	Parameters          map[string]string           `json:"parameters"`
}

type clarifyRequest struct {
	ConversationID  string                      `json:"conversation_id"`
	Response        string                      `json:"response"`
	PreviousContext *models.ConversationContext `json:"previous_context"`
}

// turnResponse is returned while the conversation has not produced a job.
type turnResponse struct {
	Kind                slotfill.Kind               `json:"kind"`
	ConversationID      *uuid.UUID                  `json:"conversation_id,omitempty"`
	JobType             models.JobType              `json:"job_type,omitempty"`
	MissingFields       []models.MissingField       `json:"missing_fields,omitempty"`
	Message             string                      `json:"message"`
	ConversationContext *models.ConversationContext `json:"conversation_context,omitempty"`
}

type jobCreatedResponse struct {
	Kind string      `json:"kind"`
	Job  *models.Job `json:"job"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs. It
// accepts either a free-text message, optionally continuing a conversation,
// or a fully structured job_type with parameters.
func NewCreateJobHandler(svc JobService, conv Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		var req createJobRequest
		if !decode(w, r, &req) {
			return
		}

		if req.JobType != "" {
			if strings.TrimSpace(req.Message) != "" {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Send either a message or a job_type, not both", nil)
				return
			}
			job, err := svc.Submit(r.Context(), owner, req.JobType, req.Parameters)
			if err != nil {
				writeError(w, r, err)
				return
			}
			response.Created(w, jobCreatedResponse{Kind: "job", Job: job})
			return
		}

		var (
			out *slotfill.Outcome
			err error
		)
		if req.ConversationContext != nil {
			out, err = conv.Continue(r.Context(), owner, req.ConversationContext.ConversationID, req.Message, req.ConversationContext)
		} else {
			out, err = conv.Start(r.Context(), owner, req.Message)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondTurn(w, r, svc, owner, out)
	}
}

// NewClarifyHandler returns an http.HandlerFunc for POST /api/v1/jobs/clarify.
func NewClarifyHandler(svc JobService, conv Conversations) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		var req clarifyRequest
		if !decode(w, r, &req) {
			return
		}
		convID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "conversation_id is required", nil)
			return
		}

		out, err := conv.Continue(r.Context(), owner, convID, req.Response, req.PreviousContext)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondTurn(w, r, svc, owner, out)
	}
}

func respondTurn(w http.ResponseWriter, r *http.Request, svc JobService, owner uuid.UUID, out *slotfill.Outcome) {
	if out.Kind == slotfill.KindReady {
		job, err := svc.Submit(r.Context(), owner, out.JobType, out.Parameters)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, jobCreatedResponse{Kind: "job", Job: job})
		return
	}

	resp := turnResponse{
		Kind:                out.Kind,
		JobType:             out.JobType,
		MissingFields:       out.MissingFields,
		Message:             out.Message,
		ConversationContext: out.Context,
	}
	if out.ConversationID != uuid.Nil {
		id := out.ConversationID
		resp.ConversationID = &id
	}
	response.JSON(w, resp)
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		active := q.Get("active") == "true"
		limit := 50
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 200 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 200", nil)
				return
			}
			limit = n
		}

		list, err := svc.List(r.Context(), owner, active, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.JSON(w, list)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return jobAction(func(r *http.Request, owner, id uuid.UUID) (any, error) {
		return svc.Get(r.Context(), owner, id)
	})
}

// NewJobStatusHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return jobAction(func(r *http.Request, owner, id uuid.UUID) (any, error) {
		return svc.Status(r.Context(), owner, id)
	})
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(c Canceller) http.HandlerFunc {
	return jobAction(func(r *http.Request, owner, id uuid.UUID) (any, error) {
		return c.Cancel(r.Context(), owner, id)
	})
}

// NewRetryJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/retry.
func NewRetryJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Retry(r.Context(), owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, job)
	}
}

// NewSupplyInputHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/input.
func NewSupplyInputHandler(inputs InputSupplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		var req struct {
			InputKind string `json:"input_kind"`
			Value     string `json:"value"`
		}
		if !decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.InputKind) == "" || strings.TrimSpace(req.Value) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "input_kind and value are required", nil)
			return
		}

		job, err := inputs.Supply(r.Context(), owner, id, req.InputKind, strings.TrimSpace(req.Value))
		if err != nil {
			if errors.Is(err, jobs.ErrInputExpired) && job != nil {
				response.Error(w, http.StatusGone, "INPUT_TIMEOUT", jobs.UserMessage(jobs.CodeInputTimeout),
					map[string]any{"job_id": job.ID, "status": job.Status})
				return
			}
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

func jobAction(fn func(r *http.Request, owner, id uuid.UUID) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		id, ok := pathID(w, r, "jobID")
		if !ok {
			return
		}
		v, err := fn(r, owner, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, v)
	}
}
