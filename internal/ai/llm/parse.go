package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/govflow/pkg/models"
)

// rawResponse accepts the loose shapes models produce: numbers or strings
// for confidence and non-string parameter values.
type rawResponse struct {
	JobType             string                     `json:"job_type"`
	Confidence          json.RawMessage            `json:"confidence"`
	ExtractedParameters map[string]json.RawMessage `json:"extracted_parameters"`
	Restated            []string                   `json:"restated"`
	Reasoning           string                     `json:"reasoning"`
}

// ParseClassification extracts the JSON object from model output, tolerating
// code fences and surrounding prose. It does not check the values against
// the catalog.
func ParseClassification(text string) (models.ClassificationResponse, error) {
	obj, ok := extractObject(text)
	if !ok {
		return models.ClassificationResponse{}, fmt.Errorf("%w: no JSON object in output", ErrInvalidResponse)
	}

	var raw rawResponse
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return models.ClassificationResponse{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	conf, err := parseConfidence(raw.Confidence)
	if err != nil {
		return models.ClassificationResponse{}, err
	}

	params := make(map[string]string, len(raw.ExtractedParameters))
	for k, v := range raw.ExtractedParameters {
		s := scalar(v)
		if s == "" {
			continue
		}
		params[k] = s
	}

	return models.ClassificationResponse{
		JobType:             models.JobType(strings.TrimSpace(raw.JobType)),
		Confidence:          conf,
		ExtractedParameters: params,
		Restated:            raw.Restated,
		Reasoning:           raw.Reasoning,
	}, nil
}

func parseConfidence(v json.RawMessage) (float64, error) {
	s := strings.Trim(strings.TrimSpace(string(v)), `"`)
	if s == "" || s == "null" {
		return 0, fmt.Errorf("%w: missing confidence", ErrInvalidResponse)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: confidence %q", ErrInvalidResponse, s)
	}
	return f, nil
}

func scalar(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.TrimSpace(s)
	}
	t := strings.TrimSpace(string(v))
	if t == "null" || strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		return ""
	}
	return t
}

// extractObject returns the first balanced top-level JSON object in text.
func extractObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
