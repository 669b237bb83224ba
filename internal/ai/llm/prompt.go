package llm

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/kiranshivaraju/govflow/pkg/models"
)

const systemPrompt = `You map requests for Indian government services onto a fixed catalog of job types.
Answer with a single JSON object and nothing else:
{"job_type": "<catalog type or empty>", "confidence": <0..1>, "extracted_parameters": {"<field>": "<value>"}, "restated": ["<field>"], "reasoning": "<one sentence>"}
Rules:
- job_type must be one of the catalog types, or "" when the request matches none.
- Only extract parameters the user actually stated. Never guess values.
- List a field in "restated" only when the user explicitly corrects a value given earlier.
- Use the catalog's field names as keys.`

// BuildPrompt returns the system and user prompts for req. Only the names of
// the profile fields are included, never their values.
func BuildPrompt(req models.ClassificationRequest) (system, user string) {
	types := req.JobTypes
	if len(types) == 0 {
		types = models.JobTypes()
	}

	var b strings.Builder
	b.WriteString("Catalog:\n")
	for _, spec := range types {
		fmt.Fprintf(&b, "- %s: %s\n", spec.Type, spec.Description)
		for _, f := range spec.Fields {
			need := "optional"
			if f.Required {
				need = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s)\n", f.Name, f.Label, need)
		}
	}

	profile := make([]string, 0, len(req.SanitizedProfile))
	for k := range req.SanitizedProfile {
		profile = append(profile, k)
	}
	slices.Sort(profile)
	fmt.Fprintf(&b, "\nFields already in the user's profile: %s\n", strings.Join(profile, ", "))

	if len(req.PriorExtractedParameters) > 0 {
		prior, _ := json.Marshal(req.PriorExtractedParameters)
		fmt.Fprintf(&b, "Parameters collected earlier in this conversation: %s\n", prior)
	}

	fmt.Fprintf(&b, "\nUser message:\n%s\n", req.Message)
	return systemPrompt, b.String()
}
