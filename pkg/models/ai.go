// Package models contains shared data models used across the GovFlow codebase.
package models

import "context"

// Classifier is the interface every classification backend implements.
// Never call a specific provider directly; always inject this interface.
type Classifier interface {
	// Classify maps a free-text request onto a catalog job type and extracts parameters.
	Classify(ctx context.Context, req ClassificationRequest) (ClassificationResponse, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// ClassificationRequest is what the classification service sees. The profile
// is always the sanitized view.
type ClassificationRequest struct {
	Message                  string            `json:"message"`
	PriorExtractedParameters map[string]string `json:"prior_extracted_parameters"`
	SanitizedProfile         map[string]string `json:"sanitized_profile"`
	JobTypes                 []JobTypeSpec     `json:"-"`
}

// ClassificationResponse is the untrusted answer of the classification service.
// Restated lists parameter names the user explicitly corrected in this message.
type ClassificationResponse struct {
	JobType             JobType           `json:"job_type"`
	Confidence          float64           `json:"confidence"`
	ExtractedParameters map[string]string `json:"extracted_parameters"`
	Restated            []string          `json:"restated,omitempty"`
	Reasoning           string            `json:"reasoning"`
}
