package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/api/response"
	"github.com/kiranshivaraju/govflow/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix = "gfk_"
	keyPrefixLen = 8
)

var validScopes = []string{"read", "write", "admin"}

// KeyStore manages API keys and users.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// GenerateAPIKey returns a new random raw key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

// NewAPIKey builds the stored form of rawKey. Only the bcrypt hash is kept.
func NewAPIKey(userID uuid.UUID, name, rawKey string, scopes []string) (*models.APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: rawKey[:keyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// subjectUser is the user an admin request acts on: the user_id query
// parameter or body field when given, the caller otherwise.
func subjectUser(w http.ResponseWriter, r *http.Request, explicit string) (uuid.UUID, bool) {
	if explicit == "" {
		explicit = r.URL.Query().Get("user_id")
	}
	if explicit == "" {
		return userID(w, r)
	}
	id, err := uuid.Parse(explicit)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid user_id format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
func NewCreateKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
			UserID string   `json:"user_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"read", "write"}
		}
		for _, sc := range req.Scopes {
			if !slices.Contains(validScopes, sc) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown scope "+sc, nil)
				return
			}
		}
		owner, ok := subjectUser(w, r, req.UserID)
		if !ok {
			return
		}
		if _, err := s.GetUser(r.Context(), owner); err != nil {
			writeError(w, r, err)
			return
		}

		rawKey, err := GenerateAPIKey()
		if err != nil {
			writeError(w, r, err)
			return
		}
		key, err := NewAPIKey(owner, req.Name, rawKey, req.Scopes)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID.String(),
			"user_id":    key.UserID.String(),
			"name":       key.Name,
			"key":        rawKey, // Only shown once at creation
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := subjectUser(w, r, "")
		if !ok {
			return
		}
		keys, err := s.ListAPIKeys(r.Context(), owner)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		// KeyHash is never serialized.
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for
// DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := subjectUser(w, r, "")
		if !ok {
			return
		}
		id, ok := pathID(w, r, "keyID")
		if !ok {
			return
		}
		if err := s.RevokeAPIKey(r.Context(), id, owner); err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// NewCreateUserHandler returns an http.HandlerFunc for POST /api/v1/admin/users.
func NewCreateUserHandler(s KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		}
		if !decode(w, r, &req) {
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if _, err := mail.ParseAddress(req.Email); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "A valid email is required", nil)
			return
		}

		now := time.Now().UTC()
		user := &models.User{ID: uuid.New(), Name: req.Name, Email: req.Email, CreatedAt: now, UpdatedAt: now}
		if err := s.CreateUser(r.Context(), user); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, user)
	}
}
