package slotfill

import (
	"errors"
	"fmt"
)

var (
	// ErrClarificationExhausted is returned once a conversation needs more
	// clarification rounds than the policy allows. The context is discarded.
	ErrClarificationExhausted = errors.New("clarification attempts exhausted")

	// ErrConversationNotFound is returned when neither the server nor the
	// client holds the conversation being continued.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrMalformedResponse marks a classification answer that cannot be
	// trusted. It is retried like a transport failure.
	ErrMalformedResponse = errors.New("malformed classification response")
)

// ClassificationError is returned when the classification service could not
// produce a usable answer within the retry budget.
type ClassificationError struct {
	Attempts int
	Err      error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the requester.
func (e *ClassificationError) UserMessage() string {
	return "We could not understand your request right now, please try again."
}
