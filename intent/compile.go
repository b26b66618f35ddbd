// Package intent implements the Intent Compiler: turning a raw feature
// request into a validated, executable Specification by walking the
// parse -> analyze -> spec -> validate pipeline from spec.md 4.5.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manifestdev/manifest/capability"
	"github.com/manifestdev/manifest/gateway"
	"github.com/manifestdev/manifest/store"
)

// manifestNamespace seeds the deterministic v5 UUIDs the Compiler mints
// for Specification IDs, so the same inputs always produce the same ID
// regardless of which process computed it.
var manifestNamespace = uuid.MustParse("6f1f6a2e-6e9b-4c2e-9a2e-6a1f6c2e9a2e")

// Compiler turns raw messages into Specifications via the AI Gateway.
type Compiler struct {
	client       gateway.Completer
	ledger       *gateway.Ledger
	repoRoot     string
	excludes     []string
	callDeadline time.Duration
}

// NewCompiler creates a Compiler that reads repoRoot's file tree during
// the analyze step and issues Gateway calls against client, debiting
// ledger for each one.
func NewCompiler(client gateway.Completer, ledger *gateway.Ledger, repoRoot string, excludes []string, callDeadline time.Duration) *Compiler {
	return &Compiler{
		client:       client,
		ledger:       ledger,
		repoRoot:     repoRoot,
		excludes:     excludes,
		callDeadline: callDeadline,
	}
}

// parseResponse is the structured shape the parse purpose call returns.
type parseResponse struct {
	Core     string   `json:"core"`
	Must     []string `json:"must"`
	MustNot  []string `json:"must_not"`
	DoneWhen []string `json:"done_when"`
	Unclear  []string `json:"unclear"`
	Scope    string   `json:"scope"`
}

// analyzeResponse is the structured shape the analyze purpose call
// returns.
type analyzeResponse struct {
	RelevantFiles      []string `json:"relevant_files"`
	Patterns           []string `json:"patterns"`
	ForbiddenZones     []string `json:"forbidden_zones"`
	IntegrationPoints  []string `json:"integration_points"`
}

// specAssertion is one assertion in the spec purpose call's response.
type specAssertion struct {
	Description string `json:"description"`
	TestText    string `json:"test_text"`
	Weight      int    `json:"weight"`
}

// specResponse is the structured shape the spec purpose call returns.
type specResponse struct {
	Assertions       []specAssertion `json:"assertions"`
	TestSuiteText    string          `json:"test_suite_text"`
	TypeContractText string          `json:"type_contract_text"`
	MayTouch         []string        `json:"may_touch"`
	MustNotTouch     []string        `json:"must_not_touch"`
}

// Result is what Compile returns: the parsed form always, and a
// Specification only when compilation reached the end without halting
// for clarification.
type Result struct {
	Parsed *store.ParsedIntent
	Spec   *store.Specification
}

// Compile runs the parse -> analyze -> spec -> validate pipeline for one
// Intent's raw message. version is the Specification version to stamp
// (1 for a fresh Intent, n+1 on a refine judgment). If parse returns
// non-empty Unclear, Compile returns ErrClarificationNeeded with Parsed
// populated and Spec nil; the Orchestrator transitions the Intent to
// clarifying rather than treating this as a failure.
func (c *Compiler) Compile(ctx context.Context, intentID, rawMessage string, version int) (*Result, error) {
	if strings.TrimSpace(rawMessage) == "" {
		return nil, ErrEmptyMessage
	}

	parsed, err := c.parse(ctx, rawMessage)
	if err != nil {
		return nil, err
	}
	if len(parsed.Unclear) > 0 {
		return &Result{Parsed: parsed}, ErrClarificationNeeded
	}

	analysis, err := c.analyze(ctx, parsed)
	if err != nil {
		return nil, err
	}

	spec, err := c.spec(ctx, intentID, version, parsed, analysis)
	if err != nil {
		return nil, err
	}

	return &Result{Parsed: parsed, Spec: spec}, nil
}

func (c *Compiler) parse(ctx context.Context, rawMessage string) (*store.ParsedIntent, error) {
	prompt, err := gateway.RenderPrompt(capability.PurposeParse, struct{ Message string }{rawMessage})
	if err != nil {
		return nil, err
	}

	resp, err := c.complete(ctx, capability.PurposeParse, prompt)
	if err != nil {
		return nil, err
	}

	var pr parseResponse
	if err := unmarshalJSONResponse(resp.Content, &pr); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrMalformedResponse, err)
	}

	return &store.ParsedIntent{
		Core:     pr.Core,
		Must:     pr.Must,
		MustNot:  pr.MustNot,
		DoneWhen: pr.DoneWhen,
		Unclear:  pr.Unclear,
		Scope:    pr.Scope,
	}, nil
}

func (c *Compiler) analyze(ctx context.Context, parsed *store.ParsedIntent) (*analyzeResponse, error) {
	files, err := enumerateFiles(c.repoRoot, c.excludes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodebaseUnreadable, err)
	}

	parsedJSON, _ := json.Marshal(parsed)
	prompt, err := gateway.RenderPrompt(capability.PurposeAnalyze, struct {
		ParsedIntent string
		FileListing  string
	}{string(parsedJSON), strings.Join(files, "\n")})
	if err != nil {
		return nil, err
	}

	resp, err := c.complete(ctx, capability.PurposeAnalyze, prompt)
	if err != nil {
		return nil, err
	}

	var ar analyzeResponse
	if err := unmarshalJSONResponse(resp.Content, &ar); err != nil {
		return nil, fmt.Errorf("%w: analyze response: %v", ErrMalformedResponse, err)
	}
	return &ar, nil
}

func (c *Compiler) spec(ctx context.Context, intentID string, version int, parsed *store.ParsedIntent, analysis *analyzeResponse) (*store.Specification, error) {
	parsedJSON, _ := json.Marshal(parsed)
	analysisJSON, _ := json.Marshal(analysis)

	prompt, err := gateway.RenderPrompt(capability.PurposeSpec, struct {
		ParsedIntent string
		Analysis     string
	}{string(parsedJSON), string(analysisJSON)})
	if err != nil {
		return nil, err
	}

	resp, err := c.complete(ctx, capability.PurposeSpec, prompt)
	if err != nil {
		return nil, err
	}

	var sr specResponse
	if err := unmarshalJSONResponse(resp.Content, &sr); err != nil {
		return nil, fmt.Errorf("%w: spec response: %v", ErrMalformedResponse, err)
	}

	mayTouch := dedupeStrings(append(append([]string{}, sr.MayTouch...), analysis.IntegrationPoints...))
	mustNotTouch := dedupeStrings(append(append([]string{}, sr.MustNotTouch...), analysis.ForbiddenZones...))

	if err := validateTouchSets(mayTouch, mustNotTouch); err != nil {
		return nil, err
	}
	if len(sr.Assertions) == 0 {
		return nil, ErrNoTestableConditions
	}

	assertionTexts := make([]string, 0, len(sr.Assertions))
	assertions := make([]store.Assertion, 0, len(sr.Assertions))
	for i, a := range sr.Assertions {
		if strings.TrimSpace(a.TestText) == "" {
			return nil, fmt.Errorf("%w: assertion %d has no executable test", ErrMalformedResponse, i)
		}
		weight := a.Weight
		if weight < 1 {
			weight = 1
		}
		if weight > 10 {
			weight = 10
		}
		assertions = append(assertions, store.Assertion{
			ID:          fmt.Sprintf("a%d", i+1),
			Description: a.Description,
			TestText:    a.TestText,
			Weight:      weight,
		})
		assertionTexts = append(assertionTexts, a.TestText)
	}

	specID := deterministicSpecID(parsed, analysis.RelevantFiles, assertionTexts)

	return &store.Specification{
		ID:               specID,
		IntentID:         intentID,
		Version:          version,
		Assertions:       assertions,
		TestSuiteText:    sr.TestSuiteText,
		TypeContractText: sr.TypeContractText,
		MayTouch:         mayTouch,
		MustNotTouch:     mustNotTouch,
		Patterns:         analysis.Patterns,
	}, nil
}

// deterministicSpecID derives a stable v5 UUID (as a store.EntityID
// string) from the normalized intent, the relevant-files set, and the
// assertion texts, so re-compiling identical inputs against an identical
// AI response yields the same Specification ID, per spec.md 4.5.
func deterministicSpecID(parsed *store.ParsedIntent, relevantFiles, assertionTexts []string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(parsed.Core)))
	for _, m := range sortedCopy(parsed.Must) {
		h.Write([]byte(m))
	}
	for _, f := range sortedCopy(relevantFiles) {
		h.Write([]byte(f))
	}
	for _, t := range assertionTexts {
		h.Write([]byte(t))
	}
	seed := hex.EncodeToString(h.Sum(nil))
	id := uuid.NewSHA1(manifestNamespace, []byte(seed))
	return store.EntityID{Type: store.EntityTypeSpec, ID: id.String()}.String()
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// validateTouchSets enforces spec.md 3's may_touch/must_not_touch
// disjointness invariant at construction time, per spec.md 9's
// explicit-constructor redesign note.
func validateTouchSets(mayTouch, mustNotTouch []string) error {
	forbidden := make(map[string]bool, len(mustNotTouch))
	for _, p := range mustNotTouch {
		forbidden[p] = true
	}
	for _, p := range mayTouch {
		if forbidden[p] {
			return fmt.Errorf("%w: %q is in both may_touch and must_not_touch", ErrContradictoryConstraints, p)
		}
	}
	return nil
}

func (c *Compiler) complete(ctx context.Context, purpose capability.Purpose, prompt string) (*gateway.Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if c.callDeadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.callDeadline)
		defer cancel()
	}

	resp, err := c.client.Complete(callCtx, gateway.Request{
		Purpose:  purpose,
		Messages: []gateway.Message{{Role: "user", Content: prompt}},
		Ledger:   c.ledger,
	})
	if err != nil {
		if gateway.IsCostCeiling(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAIUnavailable, err)
	}
	return resp, nil
}

func unmarshalJSONResponse(content string, v any) error {
	raw := gateway.ExtractJSON(content)
	if raw == "" {
		return fmt.Errorf("no JSON object found in response")
	}
	return json.Unmarshal([]byte(raw), v)
}
