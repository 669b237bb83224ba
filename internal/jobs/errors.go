package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/govflow/internal/redact"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrIllegalTransition = errors.New("illegal job status transition")
	ErrStaleInput        = errors.New("job is not awaiting input")
	ErrInputExpired      = errors.New("input window expired")
	ErrInputKindMismatch = errors.New("input kind does not match the pending request")
	ErrNotRunnable       = errors.New("job is not runnable")
	ErrLeaseLost         = errors.New("job lease lost")
	ErrLeased            = errors.New("job is leased by another worker")
	ErrQueue             = errors.New("job could not be enqueued")
)

// Error codes stored in JobError.Code.
const (
	CodeInputTimeout       = "INPUT_TIMEOUT"
	CodeExecutionFailed    = "EXECUTION_FAILED"
	CodeRetriesExhausted   = "RETRIES_EXHAUSTED"
	CodeQueueError         = "QUEUE_ERROR"
	CodeUnsupportedJobType = "UNSUPPORTED_JOB_TYPE"
	CodeInternal           = "INTERNAL"
)

var userMessages = map[string]string{
	CodeInputTimeout:       "The requested code was not entered in time. Please start the request again.",
	CodeExecutionFailed:    "We could not complete your request on the portal. Please try again later.",
	CodeRetriesExhausted:   "The portal did not respond after several attempts. Please try again later.",
	CodeQueueError:         "We could not schedule your request. Please try again.",
	CodeUnsupportedJobType: "This service is not available right now.",
	CodeInternal:           "Something went wrong on our side. Please try again.",
}

// UserMessage returns the short, non-technical text shown to the requester for
// an error code. Unknown codes get the generic portal failure text.
func UserMessage(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeExecutionFailed]
}

// NewJobError builds a JobError whose Message is user-safe and whose Detail is
// redacted operator diagnostics.
func NewJobError(code, detail string, recoverable bool) *models.JobError {
	return &models.JobError{
		Code:        code,
		Message:     UserMessage(code),
		Detail:      redact.Detail(detail),
		Recoverable: recoverable,
	}
}

// ValidationError reports missing or malformed input parameters. No Job Record
// is created when it is returned.
type ValidationError struct {
	JobType models.JobType
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("invalid %s request: %s", e.JobType, e.Reason)
	case len(e.Missing) > 0:
		return fmt.Sprintf("invalid %s request: missing %s", e.JobType, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid %s request", e.JobType)
}
