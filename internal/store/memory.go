package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// DefaultUserID is the id of the user seeded by the initial migration.
var DefaultUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// MemoryStore is an in-process Store used by tests. Every read returns a copy,
// and UpdateJob holds the store lock for the duration of the mutator.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	keys     map[uuid.UUID]*models.APIKey
	profiles map[uuid.UUID]*models.Profile
	jobs     map[uuid.UUID]*models.Job
}

// NewMemoryStore returns a MemoryStore seeded with the default user.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		users: map[uuid.UUID]*models.User{
			DefaultUserID: {ID: DefaultUserID, Name: "default", CreatedAt: now, UpdatedAt: now},
		},
		keys:     map[uuid.UUID]*models.APIKey{},
		profiles: map[uuid.UUID]*models.Profile{},
		jobs:     map[uuid.UUID]*models.Job{},
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	return s.GetUser(ctx, DefaultUserID)
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == user.ID || u.Name == user.Name {
			return ErrDuplicateKey
		}
	}
	c := *user
	s.users[user.ID] = &c
	return nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.UserID == key.UserID && k.Name == key.Name {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.UserID == userID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.APIKey) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.UserID != userID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID uuid.UUID) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.Fields = maps.Clone(p.Fields)
	return &c, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, profile *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *profile
	c.Fields = maps.Clone(profile.Fields)
	s.profiles[profile.UserID] = &c
	return nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id uuid.UUID, fn JobMutator) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := j.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = id
	s.jobs[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if filter.OwnerID != uuid.Nil && j.OwnerID != filter.OwnerID {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, j.Status) {
			continue
		}
		if !filter.InputExpiresBefore.IsZero() &&
			(j.PendingInput == nil || j.PendingInput.ExpiresAt.After(filter.InputExpiresBefore)) {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !j.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *models.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
