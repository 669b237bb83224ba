// Package slotfill turns free-text requests into complete job proposals,
// asking follow-up questions until every required parameter is known.
package slotfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/cache"
	"github.com/kiranshivaraju/govflow/internal/redact"
	"github.com/kiranshivaraju/govflow/internal/store"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// Kind is the shape of an Outcome.
type Kind string

const (
	KindReady    Kind = "ready"
	KindClarify  Kind = "clarify"
	KindRephrase Kind = "rephrase"
)

// Outcome is the result of one conversational turn.
type Outcome struct {
	Kind           Kind
	ConversationID uuid.UUID
	JobType        models.JobType
	// Parameters is set for KindReady and holds everything the job needs,
	// profile values included.
	Parameters    map[string]string
	MissingFields []models.MissingField
	Message       string
	Context       *models.ConversationContext
}

// ProfileSource loads the requester's stored profile.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
}

// ContextStore keeps conversation contexts between turns.
type ContextStore interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// Service runs the slot-filling loop.
type Service struct {
	classifier models.Classifier
	profiles   ProfileSource
	contexts   ContextStore
	policy     Policy
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service.
func NewService(c models.Classifier, profiles ProfileSource, contexts ContextStore, policy Policy, opts ...Option) *Service {
	s := &Service{
		classifier: c,
		profiles:   profiles,
		contexts:   contexts,
		policy:     policy.withDefaults(),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the limits in force.
func (s *Service) Policy() Policy { return s.policy }

// Start classifies the first message of a new conversation.
func (s *Service) Start(ctx context.Context, ownerID uuid.UUID, message string) (*Outcome, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	conv := &models.ConversationContext{
		ConversationID:      uuid.New(),
		OwnerID:             ownerID,
		ExtractedParameters: map[string]string{},
	}
	return s.turn(ctx, conv, message, false)
}

// Continue classifies a reply within an existing conversation. The server
// copy of the context wins; previous, as echoed back by the client, is only
// used when the server copy has expired, and never lowers the number of
// clarification rounds already spent.
func (s *Service) Continue(ctx context.Context, ownerID, conversationID uuid.UUID, response string, previous *models.ConversationContext) (*Outcome, error) {
	if strings.TrimSpace(response) == "" {
		return nil, ErrEmptyMessage
	}
	conv, err := s.load(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		if previous == nil || previous.ConversationID != conversationID {
			return nil, ErrConversationNotFound
		}
		conv = adopt(ownerID, previous)
		s.logger.Info("conversation restored from client copy", "conversation_id", conversationID, "owner_id", ownerID)
	} else if previous != nil && previous.ConversationID == conversationID && previous.ClarificationAttempts > conv.ClarificationAttempts {
		conv.ClarificationAttempts = previous.ClarificationAttempts
	}
	return s.turn(ctx, conv, response, true)
}

// Discard drops a conversation. Used once the caller has created the job.
func (s *Service) Discard(ctx context.Context, ownerID, conversationID uuid.UUID) error {
	return s.contexts.Delete(ctx, cache.ConversationKey(ownerID, conversationID))
}

func (s *Service) turn(ctx context.Context, conv *models.ConversationContext, message string, existing bool) (*Outcome, error) {
	profile, err := s.profile(ctx, conv.OwnerID)
	if err != nil {
		return nil, err
	}

	resp, err := s.classify(ctx, models.ClassificationRequest{
		Message:                  message,
		PriorExtractedParameters: maps.Clone(conv.ExtractedParameters),
		SanitizedProfile:         profile.Sanitized(),
		JobTypes:                 models.JobTypes(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("request classified",
		"conversation_id", conv.ConversationID,
		"provider", s.classifier.Name(),
		"job_type", resp.JobType,
		"confidence", resp.Confidence,
		"message", redact.Truncate(redact.String(message), 200),
	)

	if conv.JobType == "" {
		if resp.JobType == "" || resp.Confidence < s.policy.ConfidenceThreshold {
			if !existing {
				return &Outcome{Kind: KindRephrase, Message: rephrase}, nil
			}
			if err := s.save(ctx, conv); err != nil {
				return nil, err
			}
			return &Outcome{Kind: KindRephrase, ConversationID: conv.ConversationID, Message: rephrase, Context: conv}, nil
		}
		conv.JobType = resp.JobType
	} else if resp.JobType != "" && resp.JobType != conv.JobType {
		s.logger.Debug("ignoring job type change within conversation",
			"conversation_id", conv.ConversationID, "provisional", conv.JobType, "classified", resp.JobType)
	}

	spec, _ := models.LookupJobType(conv.JobType)
	merge(spec, conv.ExtractedParameters, resp.ExtractedParameters, resp.Restated)
	conv.MissingFields = missingFields(spec, profile, conv.ExtractedParameters)
	conv.UpdatedAt = s.now()

	if len(conv.MissingFields) == 0 {
		if err := s.Discard(ctx, conv.OwnerID, conv.ConversationID); err != nil {
			s.logger.Warn("failed to discard conversation", "conversation_id", conv.ConversationID, "error", err)
		}
		return &Outcome{
			Kind:           KindReady,
			ConversationID: conv.ConversationID,
			JobType:        conv.JobType,
			Parameters:     parameters(spec, profile, conv.ExtractedParameters),
			Context:        conv,
		}, nil
	}

	conv.ClarificationAttempts++
	if conv.ClarificationAttempts > s.policy.MaxClarifications {
		if err := s.Discard(ctx, conv.OwnerID, conv.ConversationID); err != nil {
			s.logger.Warn("failed to discard conversation", "conversation_id", conv.ConversationID, "error", err)
		}
		s.logger.Info("clarification attempts exhausted", "conversation_id", conv.ConversationID, "job_type", conv.JobType)
		return nil, ErrClarificationExhausted
	}
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}
	return &Outcome{
		Kind:           KindClarify,
		ConversationID: conv.ConversationID,
		JobType:        conv.JobType,
		MissingFields:  conv.MissingFields,
		Message:        question(spec, conv.MissingFields),
		Context:        conv,
	}, nil
}

// classify calls the classifier with bounded retries under one deadline.
// Transport failures and untrustworthy answers are both retried.
func (s *Service) classify(ctx context.Context, req models.ClassificationRequest) (models.ClassificationResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.Deadline)
	defer cancel()

	var lastErr error
	delay := s.policy.RetryBase
	attempt := 0
	for attempt < s.policy.MaxAttempts {
		attempt++
		resp, err := s.classifier.Classify(ctx, req)
		if err == nil {
			err = validate(&resp)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		s.logger.Warn("classification attempt failed", "provider", s.classifier.Name(), "attempt", attempt, "error", err)
		if attempt == s.policy.MaxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.ClassificationResponse{}, &ClassificationError{Attempts: attempt, Err: errors.Join(lastErr, ctx.Err())}
		case <-timer.C:
		}
		delay *= 2
	}
	return models.ClassificationResponse{}, &ClassificationError{Attempts: attempt, Err: lastErr}
}

// validate rejects answers that would let the classifier invent a job type.
func validate(resp *models.ClassificationResponse) error {
	if math.IsNaN(resp.Confidence) || resp.Confidence < 0 || resp.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, resp.Confidence)
	}
	resp.JobType = models.JobType(strings.TrimSpace(string(resp.JobType)))
	if resp.JobType != "" && !models.IsKnownJobType(resp.JobType) {
		return fmt.Errorf("%w: unknown job type %q", ErrMalformedResponse, resp.JobType)
	}
	if resp.ExtractedParameters == nil {
		resp.ExtractedParameters = map[string]string{}
	}
	return nil
}

// merge folds fresh values into confirmed ones. A confirmed value only
// changes when the user restated it. Names outside the job type are dropped.
func merge(spec models.JobTypeSpec, confirmed, fresh map[string]string, restated []string) {
	again := map[string]bool{}
	for _, name := range restated {
		again[name] = true
	}
	for name, value := range fresh {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := spec.Field(name); !ok {
			continue
		}
		if old, ok := confirmed[name]; ok && old != "" && !again[name] {
			continue
		}
		confirmed[name] = value
	}
}

// parameters assembles the job input: conversation values first, then the
// profile for anything the conversation did not supply.
func parameters(spec models.JobTypeSpec, profile *models.Profile, extracted map[string]string) map[string]string {
	out := map[string]string{}
	for _, f := range spec.Fields {
		if v := strings.TrimSpace(extracted[f.Name]); v != "" {
			out[f.Name] = v
			continue
		}
		if profile.Has(f.Name) {
			out[f.Name] = profile.Fields[f.Name]
		}
	}
	return out
}

// adopt rebuilds a context from the client's copy. Only conversation
// fields are taken over; profile fields always come from the stored profile.
func adopt(ownerID uuid.UUID, prev *models.ConversationContext) *models.ConversationContext {
	conv := &models.ConversationContext{
		ConversationID:        prev.ConversationID,
		OwnerID:               ownerID,
		ExtractedParameters:   map[string]string{},
		ClarificationAttempts: max(prev.ClarificationAttempts, 0),
	}
	spec, ok := models.LookupJobType(prev.JobType)
	if !ok {
		return conv
	}
	conv.JobType = spec.Type
	fromChat := map[string]string{}
	for name, value := range prev.ExtractedParameters {
		if f, ok := spec.Field(name); ok && f.Source == models.SourceConversation {
			fromChat[name] = value
		}
	}
	merge(spec, conv.ExtractedParameters, fromChat, nil)
	return conv
}

func (s *Service) profile(ctx context.Context, ownerID uuid.UUID) (*models.Profile, error) {
	p, err := s.profiles.GetProfile(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	return p, nil
}

func (s *Service) load(ctx context.Context, ownerID, conversationID uuid.UUID) (*models.ConversationContext, error) {
	data, found, err := s.contexts.Get(ctx, cache.ConversationKey(ownerID, conversationID))
	if err != nil {
		s.logger.Warn("conversation cache read failed", "conversation_id", conversationID, "error", err)
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	var conv models.ConversationContext
	if err := json.Unmarshal(data, &conv); err != nil {
		s.logger.Warn("discarding unreadable conversation", "conversation_id", conversationID, "error", err)
		return nil, nil
	}
	if conv.OwnerID != ownerID {
		return nil, nil
	}
	if conv.ExtractedParameters == nil {
		conv.ExtractedParameters = map[string]string{}
	}
	return &conv, nil
}

func (s *Service) save(ctx context.Context, conv *models.ConversationContext) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encoding conversation: %w", err)
	}
	if err := s.contexts.Set(ctx, cache.ConversationKey(conv.OwnerID, conv.ConversationID), data, s.policy.ContextTTL); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}
