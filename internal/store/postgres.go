package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, created_at, updated_at FROM users WHERE name = 'default' LIMIT 1`,
	).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Name, user.Email, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Profiles ---

func (s *PostgresStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, fields, updated_at FROM profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Fields, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	fields := profile.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, fields, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = EXCLUDED.updated_at`,
		profile.UserID, fields, profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, owner_id, type, status, progress, progress_log, input_parameters, result,
	error_code, error_message, error_detail, error_recoverable, pending_input,
	retry_count, max_retries, priority, retry_of, cancel_requested,
	lease_owner, lease_expires_at, resume_input, checkpoints, next_attempt_at,
	created_at, updated_at, started_at, completed_at, cancelled_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	args := jobArgs(job)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`, input_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		         $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob locks the row for the duration of fn, so concurrent writers to the
// same job serialize on the database.
func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, fn JobMutator) (*models.Job, error) {
	var updated *models.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job: %w", err)
		}

		if err := fn(job); err != nil {
			return err
		}
		job.ID = id

		args := jobArgs(job)
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET owner_id = $2, type = $3, status = $4, progress = $5, progress_log = $6,
			   input_parameters = $7, result = $8, error_code = $9, error_message = $10,
			   error_detail = $11, error_recoverable = $12, pending_input = $13, retry_count = $14,
			   max_retries = $15, priority = $16, retry_of = $17, cancel_requested = $18,
			   lease_owner = $19, lease_expires_at = $20, resume_input = $21, checkpoints = $22,
			   next_attempt_at = $23, created_at = $24, updated_at = $25, started_at = $26,
			   completed_at = $27, cancelled_at = $28, input_expires_at = $29
			 WHERE id = $1`, args...)
		if err != nil {
			return fmt.Errorf("write job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.OwnerID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
		argIdx++
	}
	if !filter.InputExpiresBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("input_expires_at <= $%d", argIdx))
		args = append(args, filter.InputExpiresBefore)
		argIdx++
	}
	if !filter.UpdatedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", argIdx))
		args = append(args, filter.UpdatedBefore)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// jobArgs flattens a job into the column order of jobColumns followed by
// input_expires_at.
func jobArgs(j *models.Job) []any {
	var (
		errCode, errMessage, errDetail *string
		errRecoverable                 *bool
		leaseOwner                     *string
		leaseExpires, inputExpires     *time.Time
	)
	if j.Error != nil {
		errCode, errMessage, errDetail = &j.Error.Code, &j.Error.Message, &j.Error.Detail
		errRecoverable = &j.Error.Recoverable
	}
	if j.Lease != nil {
		leaseOwner, leaseExpires = &j.Lease.Owner, &j.Lease.ExpiresAt
	}
	if j.PendingInput != nil {
		inputExpires = &j.PendingInput.ExpiresAt
	}
	log := j.ProgressLog
	if log == nil {
		log = []models.ProgressEntry{}
	}
	params := j.InputParameters
	if params == nil {
		params = map[string]string{}
	}
	checkpoints := j.Checkpoints
	if checkpoints == nil {
		checkpoints = map[string]map[string]string{}
	}
	return []any{
		j.ID, j.OwnerID, string(j.Type), string(j.Status), j.Progress, log, params, j.Result,
		errCode, errMessage, errDetail, errRecoverable, j.PendingInput,
		j.RetryCount, j.MaxRetries, j.Priority, j.RetryOf, j.CancelRequested,
		leaseOwner, leaseExpires, j.ResumeInput, checkpoints, j.NextAttemptAt,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt, j.CancelledAt,
		inputExpires,
	}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j                              models.Job
		jobType, status                string
		errCode, errMessage, errDetail *string
		errRecoverable                 *bool
		leaseOwner                     *string
		leaseExpires                   *time.Time
	)
	err := row.Scan(&j.ID, &j.OwnerID, &jobType, &status, &j.Progress, &j.ProgressLog,
		&j.InputParameters, &j.Result, &errCode, &errMessage, &errDetail, &errRecoverable,
		&j.PendingInput, &j.RetryCount, &j.MaxRetries, &j.Priority, &j.RetryOf,
		&j.CancelRequested, &leaseOwner, &leaseExpires, &j.ResumeInput, &j.Checkpoints,
		&j.NextAttemptAt, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.CancelledAt)
	if err != nil {
		return nil, err
	}
	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	if errCode != nil {
		j.Error = &models.JobError{Code: *errCode}
		if errMessage != nil {
			j.Error.Message = *errMessage
		}
		if errDetail != nil {
			j.Error.Detail = *errDetail
		}
		if errRecoverable != nil {
			j.Error.Recoverable = *errRecoverable
		}
	}
	if leaseOwner != nil && leaseExpires != nil {
		j.Lease = &models.Lease{Owner: *leaseOwner, ExpiresAt: *leaseExpires}
	}
	return &j, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
