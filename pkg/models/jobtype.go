package models

import (
	"slices"
	"time"
)

// JobType identifies one kind of government-service automation.
type JobType string

const (
	JobTypeFileITR       JobType = "file_itr"
	JobTypePassportFresh JobType = "passport_fresh"
)

// FieldSource says where a parameter is expected to come from.
type FieldSource string

const (
	SourceProfile      FieldSource = "profile"
	SourceConversation FieldSource = "conversation"
)

// FieldSpec describes one input parameter of a job type.
type FieldSpec struct {
	Name      string      `json:"name"`
	Label     string      `json:"label"`
	Source    FieldSource `json:"source"`
	Required  bool        `json:"required"`
	Sensitive bool        `json:"sensitive,omitempty"`
}

// JobTypeSpec is the static configuration of a job type.
type JobTypeSpec struct {
	Type              JobType       `json:"job_type"`
	Title             string        `json:"title"`
	Description       string        `json:"description"`
	Fields            []FieldSpec   `json:"fields"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	DefaultPriority   int           `json:"default_priority"`
}

// Required returns the required fields in declaration order.
func (s JobTypeSpec) Required() []FieldSpec {
	var out []FieldSpec
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// Field looks up a field by name.
func (s JobTypeSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// catalog is the closed set of supported job types.
var catalog = []JobTypeSpec{
	{
		Type:        JobTypeFileITR,
		Title:       "File income tax return",
		Description: "Files an ITR on the income tax e-filing portal for one financial year.",
		Fields: []FieldSpec{
			{Name: "pan", Label: "PAN", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "mobile", Label: "registered mobile number", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "bankAccount", Label: "bank account for refund", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "financialYear", Label: "financial year", Source: SourceConversation, Required: true},
			{Name: "income", Label: "annual income", Source: SourceConversation, Required: true},
			{Name: "deductions", Label: "deductions claimed", Source: SourceConversation, Required: true},
			{Name: "regime", Label: "tax regime", Source: SourceConversation},
		},
		EstimatedDuration: 4 * time.Minute,
		DefaultPriority:   5,
	},
	{
		Type:        JobTypePassportFresh,
		Title:       "Apply for a fresh passport",
		Description: "Fills and submits a fresh passport application on the passport seva portal.",
		Fields: []FieldSpec{
			{Name: "givenName", Label: "given name", Source: SourceProfile, Required: true},
			{Name: "surname", Label: "surname", Source: SourceProfile, Required: true},
			{Name: "dob", Label: "date of birth", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "placeOfBirth", Label: "place of birth", Source: SourceProfile, Required: true},
			{Name: "gender", Label: "gender", Source: SourceProfile, Required: true},
			{Name: "fatherGivenName", Label: "father's given name", Source: SourceProfile, Required: true},
			{Name: "motherGivenName", Label: "mother's given name", Source: SourceProfile, Required: true},
			{Name: "houseNo", Label: "house number and street", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "city", Label: "city", Source: SourceProfile, Required: true},
			{Name: "state", Label: "state", Source: SourceProfile, Required: true},
			{Name: "pincode", Label: "PIN code", Source: SourceProfile, Required: true},
			{Name: "mobile", Label: "mobile number", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "email", Label: "e-mail address", Source: SourceProfile, Required: true, Sensitive: true},
			{Name: "applicationType", Label: "application type (normal or tatkaal)", Source: SourceConversation, Required: true},
			{Name: "bookletPages", Label: "booklet size (36 or 60 pages)", Source: SourceConversation, Required: true},
			{Name: "fatherSurname", Label: "father's surname", Source: SourceProfile},
			{Name: "motherSurname", Label: "mother's surname", Source: SourceProfile},
			{Name: "maritalStatus", Label: "marital status", Source: SourceProfile},
			{Name: "employment", Label: "employment type", Source: SourceProfile},
			{Name: "education", Label: "education", Source: SourceProfile},
			{Name: "emergencyName", Label: "emergency contact name", Source: SourceConversation},
			{Name: "emergencyMobile", Label: "emergency contact mobile", Source: SourceConversation, Sensitive: true},
			{Name: "emergencyAddress", Label: "emergency contact address", Source: SourceConversation, Sensitive: true},
		},
		EstimatedDuration: 6 * time.Minute,
		DefaultPriority:   5,
	},
}

// JobTypes returns the catalog in declaration order.
func JobTypes() []JobTypeSpec {
	return slices.Clone(catalog)
}

// LookupJobType returns the spec for t.
func LookupJobType(t JobType) (JobTypeSpec, bool) {
	for _, s := range catalog {
		if s.Type == t {
			return s, true
		}
	}
	return JobTypeSpec{}, false
}

// IsKnownJobType reports whether t belongs to the catalog.
func IsKnownJobType(t JobType) bool {
	_, ok := LookupJobType(t)
	return ok
}
