package handler

import (
	"net/http"

	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

type jobTypeView struct {
	JobType                  models.JobType     `json:"job_type"`
	Title                    string             `json:"title"`
	Description              string             `json:"description"`
	Fields                   []models.FieldSpec `json:"fields"`
	EstimatedDurationSeconds int                `json:"estimated_duration_seconds"`
}

// NewJobTypesHandler returns an http.HandlerFunc for GET /api/v1/job-types.
func NewJobTypesHandler() http.HandlerFunc {
	specs := models.JobTypes()
	views := make([]jobTypeView, len(specs))
	for i, s := range specs {
		views[i] = jobTypeView{
			JobType:                  s.Type,
			Title:                    s.Title,
			Description:              s.Description,
			Fields:                   s.Fields,
			EstimatedDurationSeconds: int(s.EstimatedDuration.Seconds()),
		}
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, views)
	}
}
