// Package prompts embeds the versioned prompt template for each of
// Manifest's five AI Gateway purposes, grounded on the teacher's
// workflow/prompts directory of versioned prompt text files.
package prompts

import _ "embed"

//go:embed parse.v1.txt
var parseV1 string

//go:embed analyze.v1.txt
var analyzeV1 string

//go:embed spec.v1.txt
var specV1 string

//go:embed implement.v1.txt
var implementV1 string

//go:embed score.v1.txt
var scoreV1 string

// Current maps each purpose name to the prompt template currently in
// release. Bumping a purpose to a new prompt version means adding a new
// embedded file and repointing the entry here, leaving old versions in
// the tree for auditability.
var Current = map[string]string{
	"parse":     parseV1,
	"analyze":   analyzeV1,
	"spec":      specV1,
	"implement": implementV1,
	"score":     scoreV1,
}

// Get returns the current prompt template text for purpose, or "" if
// none is registered.
func Get(purpose string) string {
	return Current[purpose]
}
