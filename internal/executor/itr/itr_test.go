package itr_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/internal/executor"
	"github.com/kiranshivaraju/govflow/internal/executor/executortest"
	"github.com/kiranshivaraju/govflow/internal/executor/itr"
	"github.com/kiranshivaraju/govflow/internal/portal"
	"github.com/kiranshivaraju/govflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itrJob() *models.Job {
	return &models.Job{
		ID:   uuid.New(),
		Type: models.JobTypeFileITR,
		InputParameters: map[string]string{
			"pan":           "abcde1234f",
			"mobile":        "9876543210",
			"bankAccount":   "123456789012",
			"financialYear": "2024-25",
			"income":        "12,00,000",
			"deductions":    "₹1,50,000",
		},
	}
}

func TestExecute_SuspendsForOTPThenFiles(t *testing.T) {
	ctx := context.Background()
	sim := portal.NewSimulator()
	exec := itr.New(sim)
	rt := executortest.New()
	job := itrJob()

	_, err := exec.Execute(ctx, job, rt)
	var susp *executor.Suspension
	require.ErrorAs(t, err, &susp)
	assert.Equal(t, executor.InputOTP, susp.Kind)
	assert.Equal(t, []string{"login"}, rt.StepNames())

	rt.Supply(executor.InputOTP, "123456")
	res, err := exec.Execute(ctx, job, rt)
	require.NoError(t, err)
	assert.Contains(t, res.Data["acknowledgementNumber"], "ITR")
	assert.Equal(t, "2024-25", res.Data["financialYear"])
	assert.Equal(t, "new", res.Data["regime"])
	require.Len(t, res.Artifacts, 1)

	token := rt.Checkpoints["session"]["token"]
	assert.Equal(t, "1200000", sim.Form(token, "income")["grossIncome"])
	assert.Equal(t, "150000", sim.Form(token, "deductions")["totalDeductions"])

	again, err := exec.Execute(ctx, job, rt)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestExecute_TransientFailureResumesWhereItStopped(t *testing.T) {
	ctx := context.Background()
	sim := portal.NewSimulator()
	sim.InjectFault("submit:deductions", portal.Fault{Transient: 1})
	exec := itr.New(sim)
	rt := executortest.New()
	rt.Supply(executor.InputOTP, "123456")
	job := itrJob()

	_, err := exec.Execute(ctx, job, rt)
	var ee *executor.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Recoverable)
	_, incomeDone := rt.Checkpoints["income"]
	assert.True(t, incomeDone)

	token := rt.Checkpoints["session"]["token"]
	res, err := exec.Execute(ctx, job, rt)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data["acknowledgementNumber"])
	assert.Equal(t, token, rt.Checkpoints["session"]["token"])
}

func TestExecute_PortalRejectionIsPermanent(t *testing.T) {
	sim := portal.NewSimulator()
	sim.InjectFault("finalize", portal.Fault{Permanent: true})
	rt := executortest.New()
	rt.Supply(executor.InputOTP, "123456")

	_, err := itr.New(sim).Execute(context.Background(), itrJob(), rt)
	var ee *executor.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.False(t, ee.Recoverable)
	assert.Equal(t, executor.CodePortalRejected, ee.Code)
}

func TestExecute_InvalidParameters(t *testing.T) {
	job := itrJob()
	job.InputParameters["financialYear"] = "last year"

	_, err := itr.New(portal.NewSimulator()).Execute(context.Background(), job, executortest.New())
	var ee *executor.ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, executor.CodeInvalidParameters, ee.Code)
	assert.False(t, ee.Recoverable)
}

func TestExecute_Cancelled(t *testing.T) {
	rt := executortest.New()
	rt.Supply(executor.InputOTP, "123456")
	rt.Cancel = true

	_, err := itr.New(portal.NewSimulator()).Execute(context.Background(), itrJob(), rt)
	require.ErrorIs(t, err, executor.ErrCancelled)
}
