package slotfill

import (
	"strings"

	"github.com/kiranshivaraju/govflow/pkg/models"
)

// missingFields lists the required fields of spec that neither the profile
// nor the conversation supplies, in catalog order.
func missingFields(spec models.JobTypeSpec, profile *models.Profile, extracted map[string]string) []models.MissingField {
	var out []models.MissingField
	for _, f := range spec.Required() {
		if profile.Has(f.Name) || strings.TrimSpace(extracted[f.Name]) != "" {
			continue
		}
		out = append(out, models.MissingField{Name: f.Name, Label: f.Label, Source: f.Source})
	}
	return out
}

// question asks for the conversation fields and, separately, points the user
// to the profile fields they have to complete outside the conversation.
func question(spec models.JobTypeSpec, missing []models.MissingField) string {
	var ask, profile []string
	for _, m := range missing {
		if m.Source == models.SourceProfile {
			profile = append(profile, m.Label)
			continue
		}
		ask = append(ask, m.Label)
	}

	var b strings.Builder
	b.WriteString("To ")
	b.WriteString(strings.ToLower(spec.Title[:1]) + spec.Title[1:])
	b.WriteString(" I still need some details.")
	if len(ask) > 0 {
		b.WriteString(" Please tell me your ")
		b.WriteString(joinLabels(ask))
		b.WriteString(".")
	}
	if len(profile) > 0 {
		b.WriteString(" Your profile is missing your ")
		b.WriteString(joinLabels(profile))
		b.WriteString("; please add it in your profile settings.")
	}
	return b.String()
}

func joinLabels(labels []string) string {
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	default:
		return strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1]
	}
}

// rephrase is returned when the request could not be matched to a job type.
const rephrase = "Sorry, I did not quite get that. Could you rephrase what you would like to do?"
