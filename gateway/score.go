package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manifestdev/manifest/capability"
	"github.com/manifestdev/manifest/store"
)

// Scorer issues PurposeScore calls to produce the Ranking Engine's
// optional AI-assessed readability axis for a passing Attempt.
type Scorer struct {
	client       Completer
	ledger       *Ledger
	callDeadline time.Duration
}

// NewScorer creates a Scorer that debits ledger and bounds each call by
// callDeadline, the same deadline contract the Generation Swarm applies
// to implement calls.
func NewScorer(client Completer, ledger *Ledger, callDeadline time.Duration) *Scorer {
	return &Scorer{client: client, ledger: ledger, callDeadline: callDeadline}
}

type scoreResponse struct {
	Readability float64 `json:"readability"`
}

// Score renders the score prompt for diff and approach, asks the
// Gateway to judge readability, and returns the resulting [0,1] value.
// An out-of-range value is clamped to [0,1]; a response with no
// parseable JSON object returns an error. Readability is an optional
// axis, so callers treat an error as readability unavailable.
func (s *Scorer) Score(ctx context.Context, diff, approach string) (float64, error) {
	prompt, err := RenderPrompt(capability.PurposeScore, struct {
		Diff     string
		Approach string
	}{diff, approach})
	if err != nil {
		return 0, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.callDeadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.callDeadline)
		defer cancel()
	}

	resp, err := s.client.Complete(callCtx, Request{
		Purpose:  capability.PurposeScore,
		Messages: []Message{{Role: "user", Content: prompt}},
		Ledger:   s.ledger,
	})
	if err != nil {
		return 0, err
	}

	raw := ExtractJSON(resp.Content)
	if raw == "" {
		return 0, fmt.Errorf("gateway: no JSON object found in score response")
	}
	var sr scoreResponse
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		return 0, fmt.Errorf("gateway: malformed score response: %w", err)
	}

	r := sr.Readability
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return r, nil
}

// BuildDiff renders an Attempt's FileChanges as a simple unified-style
// diff text for the score prompt, grounded on the plain path/action
// framing the Generation Swarm already uses when describing an Attempt
// back to the model.
func BuildDiff(changes []store.FileChange) string {
	var b strings.Builder
	for _, c := range changes {
		fmt.Fprintf(&b, "--- %s (%s)\n", c.Path, c.Action)
		if c.Content != "" {
			b.WriteString(c.Content)
			if !strings.HasSuffix(c.Content, "\n") {
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
