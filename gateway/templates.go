package gateway

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"github.com/manifestdev/manifest/capability"
	"github.com/manifestdev/manifest/gateway/prompts"
)

// RenderPrompt fills the current embedded prompt template for purpose
// with data and returns the resulting message text, ready to send as a
// single user Message. Templates are plain text/template so the prompt
// assets can be audited and versioned independently of this package's
// Go code, per SPEC_FULL.md's prompts-as-release-artifact requirement.
func RenderPrompt(purpose capability.Purpose, data any) (string, error) {
	text := prompts.Get(purpose.String())
	if text == "" {
		return "", fmt.Errorf("gateway: no prompt template registered for purpose %s", purpose)
	}

	tmpl, err := template.New(purpose.String()).Parse(text)
	if err != nil {
		return "", fmt.Errorf("gateway: parse %s prompt template: %w", purpose, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("gateway: render %s prompt template: %w", purpose, err)
	}
	return buf.String(), nil
}

// Completer is the AI Gateway surface consumers depend on, satisfied by
// *Client and by gateway/testutil.MockClient. Depending on this
// interface instead of *Client lets the Intent Compiler and Generation
// Swarm be tested without network access.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
