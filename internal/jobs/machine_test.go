package jobs_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/jobs"
	"github.com/kiranshivaraju/govflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func itrParams() map[string]string {
	return map[string]string{
		"pan":           "ABCDE1234F",
		"mobile":        "9876543210",
		"bankAccount":   "123456789012",
		"financialYear": "2024-25",
		"income":        "1200000",
		"deductions":    "150000",
	}
}

func newJob(t *testing.T) *models.Job {
	t.Helper()
	j, err := jobs.New(uuid.New(), models.JobTypeFileITR, itrParams(), 3, t0)
	require.NoError(t, err)
	return j
}

func TestNew_PendingWithCreatedEntry(t *testing.T) {
	j := newJob(t)
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, 0, j.Progress)
	assert.Equal(t, jobs.DefaultPriority, j.Priority)
	require.Len(t, j.ProgressLog, 1)
	assert.Equal(t, 1, j.ProgressLog[0].Seq)
	assert.Equal(t, jobs.StepCreated, j.ProgressLog[0].Step)
}

func TestNew_MissingParameters(t *testing.T) {
	params := itrParams()
	delete(params, "pan")
	delete(params, "income")

	_, err := jobs.New(uuid.New(), models.JobTypeFileITR, params, 3, t0)
	var verr *jobs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"pan", "income"}, verr.Missing)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := jobs.New(uuid.New(), models.JobType("renew_licence"), nil, 3, t0)
	var verr *jobs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Error(), "unsupported")
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to models.JobStatus
		want     bool
	}{
		{models.JobStatusPending, models.JobStatusQueued, true},
		{models.JobStatusQueued, models.JobStatusProcessing, true},
		{models.JobStatusProcessing, models.JobStatusAwaitingInput, true},
		{models.JobStatusAwaitingInput, models.JobStatusProcessing, true},
		{models.JobStatusProcessing, models.JobStatusCompleted, true},
		{models.JobStatusAwaitingInput, models.JobStatusFailed, true},
		{models.JobStatusPending, models.JobStatusProcessing, false},
		{models.JobStatusQueued, models.JobStatusCompleted, false},
		{models.JobStatusAwaitingInput, models.JobStatusCompleted, false},
		{models.JobStatusProcessing, models.JobStatusProcessing, false},
		{models.JobStatusCompleted, models.JobStatusQueued, false},
		{models.JobStatusFailed, models.JobStatusProcessing, false},
		{models.JobStatusCancelled, models.JobStatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, jobs.IsValidTransition(tt.from, tt.to))
		})
	}
}

func TestIllegalTransitionLeavesJobUnchanged(t *testing.T) {
	j := newJob(t)
	require.NoError(t, jobs.Enqueue(j, t0))
	require.NoError(t, jobs.Begin(j, "w1", time.Minute, t0))
	require.NoError(t, jobs.Complete(j, &models.JobResult{}, t0))
	before := j.Clone()

	err := jobs.Fail(j, jobs.NewJobError(jobs.CodeInternal, "x", false), t0.Add(time.Second))
	require.ErrorIs(t, err, jobs.ErrIllegalTransition)
	err = jobs.Cancel(j, t0.Add(time.Second))
	require.ErrorIs(t, err, jobs.ErrIllegalTransition)
	assert.Equal(t, before, j)
}

func TestAppendProgress_ClampsAndNeverDecreases(t *testing.T) {
	j := newJob(t)
	require.NoError(t, jobs.Enqueue(j, t0))
	require.NoError(t, jobs.Begin(j, "w1", time.Minute, t0))

	require.NoError(t, jobs.AppendProgress(j, "login", "Logged in", 40, t0))
	assert.Equal(t, 40, j.Progress)
	require.NoError(t, jobs.AppendProgress(j, "again", "Re-login", 10, t0))
	assert.Equal(t, 40, j.Progress)
	require.NoError(t, jobs.AppendProgress(j, "over", "Over", 150, t0))
	assert.Equal(t, 100, j.Progress)
}

func TestBegin_RespectsLiveLeaseAndDueTime(t *testing.T) {
	j := newJob(t)
	require.NoError(t, jobs.Enqueue(j, t0))
	require.NoError(t, jobs.Begin(j, "w1", time.Minute, t0))

	err := jobs.Begin(j, "w2", time.Minute, t0.Add(time.Second))
	require.ErrorIs(t, err, jobs.ErrNotRunnable)
	assert.ErrorIs(t, err, jobs.ErrLeased)

	require.NoError(t, jobs.ScheduleRetry(j, 10*time.Second, t0.Add(2*time.Second)))
	assert.Equal(t, 1, j.RetryCount)
	assert.Nil(t, j.Lease)

	err = jobs.Begin(j, "w2", time.Minute, t0.Add(5*time.Second))
	require.ErrorIs(t, err, jobs.ErrNotRunnable)
	assert.NotErrorIs(t, err, jobs.ErrLeased)
	require.NoError(t, jobs.Begin(j, "w2", time.Minute, t0.Add(12*time.Second)))
	assert.Equal(t, "w2", j.Lease.Owner)
	assert.Nil(t, j.NextAttemptAt)
}

func TestSuspendAndSupply(t *testing.T) {
	j := newJob(t)
	require.NoError(t, jobs.Enqueue(j, t0))
	require.NoError(t, jobs.Begin(j, "w1", time.Minute, t0))
	require.NoError(t, jobs.AppendProgress(j, "login", "Logged in", 30, t0))
	require.NoError(t, jobs.RequestInput(j, jobs.InputRequest{Kind: "otp", Challenge: "c1", Prompt: "Enter the OTP"}, t0.Add(5*time.Minute), t0))

	assert.Equal(t, models.JobStatusAwaitingInput, j.Status)
	assert.Nil(t, j.Lease)
	require.NotNil(t, j.PendingInput)

	err := jobs.SupplyInput(j, "captcha", "x", t0.Add(time.Minute))
	require.ErrorIs(t, err, jobs.ErrInputKindMismatch)
	assert.Equal(t, models.JobStatusAwaitingInput, j.Status)

	require.NoError(t, jobs.SupplyInput(j, "otp", "123456", t0.Add(time.Minute)))
	assert.Equal(t, models.JobStatusProcessing, j.Status)
	assert.Nil(t, j.PendingInput)
	assert.Equal(t, &models.SuppliedInput{Kind: "otp", Challenge: "c1", Value: "123456"}, j.ResumeInput)
	assert.Equal(t, 30, j.Progress)

	err = jobs.SupplyInput(j, "otp", "123456", t0.Add(time.Minute))
	require.ErrorIs(t, err, jobs.ErrStaleInput)
}

func TestSupplyInput_Expired(t *testing.T) {
	j := newJob(t)
	require.NoError(t, jobs.Enqueue(j, t0))
	require.NoError(t, jobs.Begin(j, "w1", time.Minute, t0))
	require.NoError(t, jobs.RequestInput(j, jobs.InputRequest{Kind: "otp", Challenge: "c1", Prompt: "Enter the OTP"}, t0.Add(5*time.Minute), t0))

	err := jobs.SupplyInput(j, "otp", "1", t0.Add(5*time.Minute))
	require.ErrorIs(t, err, jobs.ErrInputExpired)
	assert.Equal(t, models.JobStatusAwaitingInput, j.Status)
}

func TestCancel_ExecutingJobNeedsRequest(t *testing.T) {
	j := newJob(t)
	require.NoError(t, jobs.Enqueue(j, t0))
	require.NoError(t, jobs.Begin(j, "w1", time.Minute, t0))

	require.ErrorIs(t, jobs.Cancel(j, t0), jobs.ErrIllegalTransition)
	require.ErrorIs(t, jobs.AbortCancelled(j, t0), jobs.ErrIllegalTransition)

	require.NoError(t, jobs.RequestCancel(j, t0))
	n := len(j.ProgressLog)
	require.NoError(t, jobs.RequestCancel(j, t0))
	assert.Len(t, j.ProgressLog, n)

	require.NoError(t, jobs.AbortCancelled(j, t0))
	assert.Equal(t, models.JobStatusCancelled, j.Status)
	assert.NotNil(t, j.CancelledAt)
}

// TestRandomOperations drives jobs through random operation sequences and
// checks that every observed status change is allowed, terminal states are
// final, sequence numbers strictly increase and progress never decreases.
func TestRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ops := []func(j *models.Job, now time.Time) error{
		func(j *models.Job, now time.Time) error { return jobs.Enqueue(j, now) },
		func(j *models.Job, now time.Time) error { return jobs.Begin(j, "w", time.Second, now) },
		func(j *models.Job, now time.Time) error {
			return jobs.AppendProgress(j, "step", "m", rng.Intn(120), now)
		},
		func(j *models.Job, now time.Time) error {
			return jobs.RequestInput(j, jobs.InputRequest{Kind: "otp", Prompt: "p"}, now.Add(time.Minute), now)
		},
		func(j *models.Job, now time.Time) error { return jobs.SupplyInput(j, "otp", "1", now) },
		func(j *models.Job, now time.Time) error { return jobs.Complete(j, &models.JobResult{}, now) },
		func(j *models.Job, now time.Time) error {
			return jobs.Fail(j, jobs.NewJobError(jobs.CodeExecutionFailed, "", false), now)
		},
		func(j *models.Job, now time.Time) error { return jobs.ScheduleRetry(j, time.Second, now) },
		func(j *models.Job, now time.Time) error { return jobs.Cancel(j, now) },
		func(j *models.Job, now time.Time) error { return jobs.RequestCancel(j, now) },
		func(j *models.Job, now time.Time) error { return jobs.AbortCancelled(j, now) },
	}

	for run := 0; run < 500; run++ {
		j := newJob(t)
		now := t0
		for step := 0; step < 40; step++ {
			now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
			before := j.Clone()
			err := ops[rng.Intn(len(ops))](j, now)
			if err != nil {
				require.Equal(t, before, j, "failed operation mutated the job")
				continue
			}
			if before.Status != j.Status {
				require.True(t, jobs.IsValidTransition(before.Status, j.Status),
					"illegal %s -> %s", before.Status, j.Status)
			}
			if before.Status.IsTerminal() {
				require.Equal(t, before.Status, j.Status)
			}
			require.GreaterOrEqual(t, j.Progress, before.Progress)
		}
		for i := 1; i < len(j.ProgressLog); i++ {
			require.Greater(t, j.ProgressLog[i].Seq, j.ProgressLog[i-1].Seq)
		}
	}
}

func TestPolicyBackoff(t *testing.T) {
	p := jobs.Policy{BackoffBase: 2 * time.Second, BackoffMax: 30 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(0))
	assert.Equal(t, 4*time.Second, p.Backoff(1))
	assert.Equal(t, 8*time.Second, p.Backoff(2))
	assert.Equal(t, 16*time.Second, p.Backoff(3))
	assert.Equal(t, 30*time.Second, p.Backoff(4))
	assert.Equal(t, 30*time.Second, p.Backoff(60))

	prev := time.Duration(0)
	def := jobs.DefaultPolicy()
	for i := 0; i < def.MaxRetries; i++ {
		d := def.Backoff(i)
		assert.Greater(t, d, prev)
		prev = d
	}
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, jobs.UserMessage(jobs.CodeInputTimeout), "not entered in time")
	assert.Equal(t, jobs.UserMessage(jobs.CodeExecutionFailed), jobs.UserMessage("PORTAL_SAID_NO"))

	e := jobs.NewJobError(jobs.CodeExecutionFailed, "portal rejected PAN ABCDE1234F", true)
	assert.NotContains(t, e.Detail, "ABCDE1234F")
	assert.NotContains(t, e.Message, "portal rejected")
}
