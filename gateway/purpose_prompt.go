package gateway

import "github.com/manifestdev/manifest/capability"

// SystemPromptFor returns the system-prompt framing for one of Manifest's
// five tagged call purposes. Provider implementations use it in
// BuildRequestBody so a provider-agnostic caller never has to know which
// purpose it's building a request for carries which framing — only that
// it's one of the five.
func SystemPromptFor(purpose capability.Purpose) string {
	switch purpose {
	case capability.PurposeParse:
		return "You turn a raw feature request into its structured form: a core sentence, and ordered must/must-not/done-when/unclear lists. Respond with JSON only."
	case capability.PurposeAnalyze:
		return "You inspect a codebase for the files, integration points, and forbidden zones relevant to a feature request. Respond with JSON only."
	case capability.PurposeSpec:
		return "You synthesize an executable specification from a parsed feature request: weighted assertions, a test-suite, and the may-touch/must-not-touch path sets. Respond with JSON only."
	case capability.PurposeImplement:
		return "You generate one candidate implementation of a specification as a set of file changes, plus a short approach description and a self-reported confidence. Respond with JSON only."
	case capability.PurposeScore:
		return "You judge the readability of a code change on a 0 to 1 scale. Respond with JSON only."
	default:
		return ""
	}
}
