// Package itr files an income tax return on the e-filing portal.
package itr

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/govflow/internal/executor"
	"github.com/kiranshivaraju/govflow/internal/portal"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

var (
	panPattern  = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	fyPattern   = regexp.MustCompile(`^(20\d{2})-(\d{2})$`)
	amountClean = strings.NewReplacer(",", "", "₹", "", "Rs.", "", "Rs", "", " ", "")
)

// Executor files an ITR: login, OTP verification, income, deductions and
// refund account forms, then submission.
type Executor struct {
	portal portal.Portal
}

// New creates an ITR executor.
func New(p portal.Portal) *Executor {
	return &Executor{portal: p}
}

func (e *Executor) Type() models.JobType { return models.JobTypeFileITR }

func (e *Executor) Execute(ctx context.Context, job *models.Job, rt executor.Runtime) (*models.JobResult, error) {
	params := job.InputParameters
	pan := strings.ToUpper(strings.TrimSpace(params["pan"]))
	if !panPattern.MatchString(pan) {
		return nil, executor.Permanent(executor.CodeInvalidParameters, "PAN is not in the expected format", nil)
	}
	fy := strings.TrimSpace(params["financialYear"])
	if !fyPattern.MatchString(fy) {
		return nil, executor.Permanent(executor.CodeInvalidParameters, "financial year must look like 2024-25", nil)
	}
	regime := strings.ToLower(strings.TrimSpace(params["regime"]))
	if regime == "" {
		regime = "new"
	}
	if cp, ok := rt.Completed(stepSubmitted); ok {
		return result(cp, fy, regime), nil
	}

	sess, err := executor.OpenSession(ctx, e.portal, rt, portal.ServiceIncomeTax, pan, "")
	if err != nil {
		return nil, err
	}
	rt.Progress("login", "Logged in to the e-filing portal", 15)

	if err := executor.Verify(ctx, e.portal, rt, sess, executor.InputOTP); err != nil {
		return nil, err
	}
	rt.Progress("otp", "Mobile OTP verified", 30)

	forms := []struct {
		step    string
		message string
		pct     int
		fields  map[string]string
	}{
		{"income", "Income details entered", 50, map[string]string{
			"financialYear": fy,
			"grossIncome":   amountClean.Replace(params["income"]),
			"regime":        regime,
		}},
		{"deductions", "Deductions entered", 65, map[string]string{
			"totalDeductions": amountClean.Replace(params["deductions"]),
		}},
		{"bank", "Refund bank account confirmed", 80, map[string]string{
			"accountNumber": strings.TrimSpace(params["bankAccount"]),
			"mobile":        strings.TrimSpace(params["mobile"]),
		}},
	}
	for _, f := range forms {
		err := executor.RunStep(ctx, rt, sess, f.step, func() error {
			return executor.FromPortal("submit "+f.step, e.portal.Submit(ctx, sess, f.step, f.fields))
		})
		if err != nil {
			return nil, err
		}
		rt.Progress(f.step, f.message, f.pct)
	}

	if rt.Cancelled() {
		return nil, executor.ErrCancelled
	}
	receipt, err := e.portal.Finalize(ctx, sess)
	if err != nil {
		return nil, executor.FromPortal("submit return", err)
	}
	cp := map[string]string{"reference": receipt.Reference, "acknowledgement": receipt.AcknowledgementID}
	// The return is filed; a cancel request arriving now cannot undo it.
	if err := rt.Checkpoint(ctx, stepSubmitted, cp); err != nil && !errors.Is(err, executor.ErrCancelled) {
		return nil, err
	}
	rt.Progress("submit", "Return submitted", 95)
	_ = e.portal.Logout(ctx, sess)

	return result(cp, fy, regime), nil
}

const stepSubmitted = "submitted"

func result(cp map[string]string, fy, regime string) *models.JobResult {
	return &models.JobResult{
		Data: map[string]string{
			"acknowledgementNumber": cp["reference"],
			"financialYear":         fy,
			"regime":                regime,
		},
		Artifacts: []models.Artifact{{
			Name:      "ITR-V acknowledgement " + cp["reference"],
			MediaType: "application/pdf",
			URI:       "portal://" + portal.ServiceIncomeTax + "/acknowledgements/" + cp["acknowledgement"],
		}},
	}
}
