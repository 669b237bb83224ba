// Package passport submits a fresh passport application on the passport seva
// portal.
package passport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kiranshivaraju/govflow/internal/executor"
	"github.com/kiranshivaraju/govflow/internal/portal"
	"github.com/kiranshivaraju/govflow/pkg/models"
)

var pincodePattern = regexp.MustCompile(`^[1-9][0-9]{5}$`)

var dobLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006"}

// Executor fills the eight application stages, waits for the requester to
// solve the CAPTCHA and submits.
type Executor struct {
	portal portal.Portal
}

// New creates a passport executor.
func New(p portal.Portal) *Executor {
	return &Executor{portal: p}
}

func (e *Executor) Type() models.JobType { return models.JobTypePassportFresh }

type stage struct {
	step    string
	message string
	fields  map[string]string
}

func (e *Executor) Execute(ctx context.Context, job *models.Job, rt executor.Runtime) (*models.JobResult, error) {
	app, err := normalize(job.InputParameters)
	if err != nil {
		return nil, err
	}
	if cp, ok := rt.Completed(stepSubmitted); ok {
		return result(cp, app), nil
	}

	sess, err := executor.OpenSession(ctx, e.portal, rt, portal.ServicePassport, app["email"], "")
	if err != nil {
		return nil, err
	}
	rt.Progress("login", "Logged in to passport seva", 10)

	err = executor.RunStep(ctx, rt, sess, "start_application", func() error {
		return executor.FromPortal("start application", e.portal.Submit(ctx, sess, "start_application",
			map[string]string{"applyingFor": "fresh"}))
	})
	if err != nil {
		return nil, err
	}
	rt.Progress("start_application", "Fresh application started", 15)

	stages := []stage{
		{"stage1_passport_type", "Passport type selected", pick(app, "applyingFor", "applicationType", "bookletPages")},
		{"stage2_applicant", "Applicant details entered", pick(app, "givenName", "surname", "dob", "placeOfBirth",
			"gender", "maritalStatus", "education", "employment")},
		{"stage3_family", "Family details entered", pick(app, "fatherGivenName", "fatherSurname", "motherGivenName", "motherSurname")},
		{"stage4_address", "Present address entered", pick(app, "houseNo", "city", "state", "pincode", "mobile", "email")},
		{"stage5_emergency", "Emergency contact entered", pick(app, "emergencyName", "emergencyMobile", "emergencyAddress")},
		{"stage6_previous_passport", "Previous passport details entered", map[string]string{"heldPassport": "no"}},
		{"stage7_other", "Other details entered", map[string]string{"criminalProceedings": "no", "refusedPassport": "no"}},
		{"stage8_preview", "Application reviewed", map[string]string{"confirmed": "yes"}},
	}
	for i, st := range stages {
		err := executor.RunStep(ctx, rt, sess, st.step, func() error {
			return executor.FromPortal("submit "+st.step, e.portal.Submit(ctx, sess, st.step, st.fields))
		})
		if err != nil {
			return nil, err
		}
		rt.Progress(st.step, fmt.Sprintf("Stage %d of 8: %s", i+1, st.message), 20+(i+1)*7)
	}

	if err := executor.Verify(ctx, e.portal, rt, sess, executor.InputCaptcha); err != nil {
		return nil, err
	}
	rt.Progress("captcha", "CAPTCHA accepted", 85)

	if rt.Cancelled() {
		return nil, executor.ErrCancelled
	}
	receipt, err := e.portal.Finalize(ctx, sess)
	if err != nil {
		return nil, executor.FromPortal("submit application", err)
	}
	cp := map[string]string{"reference": receipt.Reference, "acknowledgement": receipt.AcknowledgementID}
	// The application is filed; a cancel request arriving now cannot undo it.
	if err := rt.Checkpoint(ctx, stepSubmitted, cp); err != nil && !errors.Is(err, executor.ErrCancelled) {
		return nil, err
	}
	rt.Progress("submit", "Application submitted", 95)
	_ = e.portal.Logout(ctx, sess)

	return result(cp, app), nil
}

const stepSubmitted = "submitted"

func result(cp map[string]string, app map[string]string) *models.JobResult {
	return &models.JobResult{
		Data: map[string]string{
			"applicationReference": cp["reference"],
			"applicationType":      app["applicationType"],
			"bookletPages":         app["bookletPages"],
		},
		Artifacts: []models.Artifact{{
			Name:      "Application receipt " + cp["reference"],
			MediaType: "application/pdf",
			URI:       "portal://" + portal.ServicePassport + "/receipts/" + cp["acknowledgement"],
		}},
	}
}

// normalize validates the parameters and fills defaults for optional fields.
func normalize(params map[string]string) (map[string]string, error) {
	app := make(map[string]string, len(params)+4)
	for k, v := range params {
		app[k] = strings.TrimSpace(v)
	}
	app["applyingFor"] = "fresh"

	switch strings.ToLower(app["applicationType"]) {
	case "normal":
		app["applicationType"] = "normal"
	case "tatkaal", "tatkal":
		app["applicationType"] = "tatkaal"
	default:
		return nil, invalid("application type must be normal or tatkaal")
	}
	switch strings.TrimSuffix(strings.ToLower(app["bookletPages"]), " pages") {
	case "36":
		app["bookletPages"] = "36"
	case "60":
		app["bookletPages"] = "60"
	default:
		return nil, invalid("booklet size must be 36 or 60 pages")
	}
	if !pincodePattern.MatchString(app["pincode"]) {
		return nil, invalid("PIN code must be six digits")
	}
	dob, ok := parseDOB(app["dob"])
	if !ok {
		return nil, invalid("date of birth is not a valid date")
	}
	app["dob"] = dob

	if app["emergencyName"] == "" {
		app["emergencyName"] = strings.TrimSpace(app["fatherGivenName"] + " " + app["fatherSurname"])
	}
	if app["emergencyMobile"] == "" {
		app["emergencyMobile"] = app["mobile"]
	}
	if app["emergencyAddress"] == "" {
		app["emergencyAddress"] = strings.Join([]string{app["houseNo"], app["city"], app["state"], app["pincode"]}, ", ")
	}
	return app, nil
}

func parseDOB(s string) (string, bool) {
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, s); err == nil && t.Before(time.Now()) {
			return t.Format("02/01/2006"), true
		}
	}
	return "", false
}

func pick(app map[string]string, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v := app[k]; v != "" {
			out[k] = v
		}
	}
	return out
}

func invalid(msg string) error {
	return executor.Permanent(executor.CodeInvalidParameters, msg, nil)
}
