// Package capability provides purpose-based model selection for the AI
// Gateway. Instead of the Gateway hardcoding model names, callers specify
// one of the five Manifest purposes (parse, analyze, spec, implement,
// score) and the Registry resolves it to an endpoint fallback chain.
package capability

// Purpose represents one of the Gateway's five tagged call purposes, used
// for cost/quota accounting and model selection. See spec.md 4.2.
type Purpose string

const (
	// PurposeParse turns a raw intent message into its structured form.
	PurposeParse Purpose = "parse"

	// PurposeAnalyze inspects the codebase for relevant files and patterns.
	PurposeAnalyze Purpose = "analyze"

	// PurposeSpec synthesizes assertions, test-suite text, and contracts.
	PurposeSpec Purpose = "spec"

	// PurposeImplement generates one candidate Attempt's file changes.
	PurposeImplement Purpose = "implement"

	// PurposeScore produces the optional AI-assessed readability axis.
	PurposeScore Purpose = "score"
)

// AllPurposes lists every purpose in a stable order, for iteration and
// validation.
var AllPurposes = []Purpose{
	PurposeParse, PurposeAnalyze, PurposeSpec, PurposeImplement, PurposeScore,
}

// IsValid reports whether p is one of the five known purposes.
func (p Purpose) IsValid() bool {
	switch p {
	case PurposeParse, PurposeAnalyze, PurposeSpec, PurposeImplement, PurposeScore:
		return true
	}
	return false
}

// String returns the string representation of the purpose.
func (p Purpose) String() string {
	return string(p)
}

// ParsePurpose converts a string into a Purpose, returning "" if unknown.
func ParsePurpose(s string) Purpose {
	p := Purpose(s)
	if p.IsValid() {
		return p
	}
	return ""
}
