package mock

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/kiranshivaraju/govflow/internal/ai"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// MockClassifier satisfies models.Classifier for testing.
type MockClassifier struct {
	Name_        string
	ClassifyFunc func(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error)

	calls atomic.Int64
}

func (m *MockClassifier) Name() string { return m.Name_ }

func (m *MockClassifier) Classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	m.calls.Add(1)
	if m.ClassifyFunc != nil {
		return m.ClassifyFunc(ctx, req)
	}
	return models.ClassificationResponse{}, nil
}

// Calls returns how many times Classify was invoked.
func (m *MockClassifier) Calls() int { return int(m.calls.Load()) }

var (
	fyPattern        = regexp.MustCompile(`(?i)\b(?:fy|financial year)?\s*(20\d{2})\s*[-/]\s*(\d{2,4})\b`)
	incomePattern    = regexp.MustCompile(`(?i)income\s*(?:of|is|:)?\s*(?:rs\.?|inr|₹)?\s*([\d,.]+)\s*(lakhs?|lacs?|crores?|k)?`)
	deductionPattern = regexp.MustCompile(`(?i)deductions?\s*(?:of|are|is|:)?\s*(?:rs\.?|inr|₹)?\s*([\d,.]+)\s*(lakhs?|lacs?|crores?|k)?`)
	noDeductions     = regexp.MustCompile(`(?i)\bno deductions?\b`)
	bookletPattern   = regexp.MustCompile(`\b(36|60)\s*pages?\b`)
)

// NewMockClassifier returns a MockClassifier that recognises the catalog job
// types by keyword and extracts the obvious conversational parameters.
func NewMockClassifier() *MockClassifier {
	return &MockClassifier{
		Name_: "mock",
		ClassifyFunc: func(_ context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
			msg := strings.ToLower(req.Message)
			params := map[string]string{}
			resp := models.ClassificationResponse{ExtractedParameters: params, Confidence: 0.2}

			switch {
			case strings.Contains(msg, "itr") || strings.Contains(msg, "tax return") || strings.Contains(msg, "income tax"):
				resp.JobType, resp.Confidence = models.JobTypeFileITR, 0.9
			case strings.Contains(msg, "passport"):
				resp.JobType, resp.Confidence = models.JobTypePassportFresh, 0.9
			case len(req.PriorExtractedParameters) > 0:
				// A follow-up answer; the slot filler keeps the provisional type.
				resp.Confidence = 0.8
			}

			if m := fyPattern.FindStringSubmatch(req.Message); m != nil {
				end := m[2]
				if len(end) == 4 {
					end = end[2:]
				}
				params["financialYear"] = m[1] + "-" + end
			}
			if m := incomePattern.FindStringSubmatch(req.Message); m != nil {
				params["income"] = amount(m[1], m[2])
			}
			if noDeductions.MatchString(req.Message) {
				params["deductions"] = "0"
			} else if m := deductionPattern.FindStringSubmatch(req.Message); m != nil {
				params["deductions"] = amount(m[1], m[2])
			}
			if strings.Contains(msg, "tatkal") || strings.Contains(msg, "tatkaal") {
				params["applicationType"] = "tatkaal"
			} else if strings.Contains(msg, "normal") {
				params["applicationType"] = "normal"
			}
			if m := bookletPattern.FindStringSubmatch(req.Message); m != nil {
				params["bookletPages"] = m[1]
			}
			return resp, nil
		},
	}
}

// amount converts "8" + "lakhs" into "800000".
func amount(num, unit string) string {
	v, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return num
	}
	switch u := strings.ToLower(unit); {
	case strings.HasPrefix(u, "lakh"), strings.HasPrefix(u, "lac"):
		v *= 100000
	case strings.HasPrefix(u, "crore"):
		v *= 10000000
	case u == "k":
		v *= 1000
	}
	return strconv.FormatInt(int64(v), 10)
}

// NewFailingClassifier returns a MockClassifier that always returns the given error.
func NewFailingClassifier(err error) *MockClassifier {
	return &MockClassifier{
		Name_: "mock-failing",
		ClassifyFunc: func(_ context.Context, _ models.ClassificationRequest) (models.ClassificationResponse, error) {
			return models.ClassificationResponse{}, err
		},
	}
}

// NewTimeoutClassifier returns a MockClassifier that blocks until context is cancelled.
func NewTimeoutClassifier() *MockClassifier {
	return &MockClassifier{
		Name_: "mock-timeout",
		ClassifyFunc: func(ctx context.Context, _ models.ClassificationRequest) (models.ClassificationResponse, error) {
			<-ctx.Done()
			return models.ClassificationResponse{}, ai.ErrInferenceTimeout
		},
	}
}

// NewSequenceClassifier returns a MockClassifier that answers with results in
// order and repeats the last one once they run out.
func NewSequenceClassifier(results ...Result) *MockClassifier {
	var n atomic.Int64
	return &MockClassifier{
		Name_: "mock-sequence",
		ClassifyFunc: func(_ context.Context, _ models.ClassificationRequest) (models.ClassificationResponse, error) {
			i := int(n.Add(1)) - 1
			if i >= len(results) {
				i = len(results) - 1
			}
			return results[i].Response, results[i].Err
		},
	}
}

// Result is one canned answer for NewSequenceClassifier.
type Result struct {
	Response models.ClassificationResponse
	Err      error
}

// Compile-time check that MockClassifier implements Classifier.
var _ models.Classifier = (*MockClassifier)(nil)
