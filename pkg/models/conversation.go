package models

import (
	"time"

	"github.com/google/uuid"
)

// MissingField is a required parameter that neither the profile nor the
// conversation has supplied yet.
type MissingField struct {
	Name   string      `json:"name"`
	Label  string      `json:"label"`
	Source FieldSource `json:"source"`
}

// ConversationContext is the ephemeral slot-filling state. It is discarded once
// a Job Record is created or the clarification ceiling is exceeded.
type ConversationContext struct {
	ConversationID        uuid.UUID         `json:"conversation_id"`
	OwnerID               uuid.UUID         `json:"owner_id"`
	JobType               JobType           `json:"job_type,omitempty"`
	ExtractedParameters   map[string]string `json:"extracted_parameters"`
	MissingFields         []MissingField    `json:"missing_fields"`
	ClarificationAttempts int               `json:"clarification_attempts"`
	UpdatedAt             time.Time         `json:"updated_at"`
}
