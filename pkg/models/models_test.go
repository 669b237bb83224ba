package models_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/govflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.True(t, models.JobStatusCompleted.IsTerminal())
	assert.True(t, models.JobStatusFailed.IsTerminal())
	assert.True(t, models.JobStatusCancelled.IsTerminal())
	for _, s := range models.ActiveStatuses {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	now := time.Now()
	j := &models.Job{
		ID:              uuid.New(),
		InputParameters: map[string]string{"pan": "ABCDE1234F"},
		ProgressLog:     []models.ProgressEntry{{Seq: 1, Message: "created"}},
		PendingInput:    &models.PendingInput{Kind: "captcha", AuxData: map[string]string{"image": "x"}},
		Checkpoints:     map[string]map[string]string{"login": {"session": "s1"}},
		StartedAt:       &now,
	}

	c := j.Clone()
	c.InputParameters["pan"] = "changed"
	c.ProgressLog[0].Message = "changed"
	c.PendingInput.AuxData["image"] = "changed"
	c.Checkpoints["login"]["session"] = "changed"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "ABCDE1234F", j.InputParameters["pan"])
	assert.Equal(t, "created", j.ProgressLog[0].Message)
	assert.Equal(t, "x", j.PendingInput.AuxData["image"])
	assert.Equal(t, "s1", j.Checkpoints["login"]["session"])
	assert.Equal(t, now, *j.StartedAt)
}

func TestJob_NextSeqAndLastEntry(t *testing.T) {
	j := &models.Job{}
	assert.Equal(t, 1, j.NextSeq())
	assert.Nil(t, j.LastEntry())

	j.ProgressLog = append(j.ProgressLog, models.ProgressEntry{Seq: 1}, models.ProgressEntry{Seq: 2, Message: "two"})
	assert.Equal(t, 3, j.NextSeq())
	require.NotNil(t, j.LastEntry())
	assert.Equal(t, "two", j.LastEntry().Message)
}

func TestLease_Live(t *testing.T) {
	now := time.Now()
	var nilLease *models.Lease
	assert.False(t, nilLease.Live(now))
	assert.True(t, (&models.Lease{ExpiresAt: now.Add(time.Second)}).Live(now))
	assert.False(t, (&models.Lease{ExpiresAt: now}).Live(now))
}

func TestCatalog_ITRRequiredFieldsInOrder(t *testing.T) {
	spec, ok := models.LookupJobType(models.JobTypeFileITR)
	require.True(t, ok)

	var names []string
	for _, f := range spec.Required() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"pan", "mobile", "bankAccount", "financialYear", "income", "deductions"}, names)
}

func TestCatalog_UnknownType(t *testing.T) {
	assert.False(t, models.IsKnownJobType("renew_license"))
	assert.True(t, models.IsKnownJobType(models.JobTypePassportFresh))
}

func TestProfile_SanitizedMasksAndDropsSecrets(t *testing.T) {
	p := &models.Profile{Fields: map[string]string{
		"pan":            "ABCDE1234F",
		"city":           "Tirupati",
		"pincode":        "517501",
		"portalPassword": "hunter2",
		"empty":          " ",
	}}

	s := p.Sanitized()
	assert.Equal(t, "******234F", s["pan"])
	assert.Equal(t, "Tirupati", s["city"])
	assert.Equal(t, "517501", s["pincode"])
	assert.NotContains(t, s, "portalPassword")
	assert.NotContains(t, s, "empty")
}

func TestProfile_NilIsEmpty(t *testing.T) {
	var p *models.Profile
	assert.Empty(t, p.Sanitized())
	assert.False(t, p.Has("pan"))
}

func TestMaskValue_Short(t *testing.T) {
	assert.Equal(t, "***", models.MaskValue("abc"))
}
