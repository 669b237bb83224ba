package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/internal/store"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

const (
	maxProfileFields   = 64
	maxProfileKeyLen   = 64
	maxProfileValueLen = 512
)

// ProfileStore reads and writes user profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error
}

type profileResponse struct {
	Fields    map[string]string `json:"fields"`
	UpdatedAt *time.Time        `json:"updated_at,omitempty"`
}

// NewGetProfileHandler returns an http.HandlerFunc for GET /api/v1/profile.
// Sensitive values are masked.
func NewGetProfileHandler(s ProfileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		p, err := s.GetProfile(r.Context(), owner)
		if errors.Is(err, store.ErrNotFound) {
			response.JSON(w, profileResponse{Fields: map[string]string{}})
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, profileResponse{Fields: p.Sanitized(), UpdatedAt: &p.UpdatedAt})
	}
}

// NewPutProfileHandler returns an http.HandlerFunc for PUT /api/v1/profile.
// Given fields are merged into the stored profile; an empty value removes a
// field. Credentials are never accepted.
func NewPutProfileHandler(s ProfileStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := userID(w, r)
		if !ok {
			return
		}
		var req struct {
			Fields map[string]string `json:"fields"`
		}
		if !decode(w, r, &req) {
			return
		}
		if len(req.Fields) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "fields is required", nil)
			return
		}

		var rejected []string
		for k, v := range req.Fields {
			if k == "" || len(k) > maxProfileKeyLen || len(v) > maxProfileValueLen || models.IsSecretField(k) {
				rejected = append(rejected, k)
			}
		}
		if len(rejected) > 0 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"Some profile fields cannot be stored", map[string]any{"rejected": rejected})
			return
		}

		p, err := s.GetProfile(r.Context(), owner)
		if errors.Is(err, store.ErrNotFound) {
			p = &models.Profile{UserID: owner, Fields: map[string]string{}}
		} else if err != nil {
			writeError(w, r, err)
			return
		}
		for k, v := range req.Fields {
			if v = strings.TrimSpace(v); v == "" {
				delete(p.Fields, k)
				continue
			}
			p.Fields[k] = v
		}
		if len(p.Fields) > maxProfileFields {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Too many profile fields", nil)
			return
		}
		p.UpdatedAt = time.Now().UTC()

		if err := s.UpsertProfile(r.Context(), p); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, profileResponse{Fields: p.Sanitized(), UpdatedAt: &p.UpdatedAt})
	}
}
