// Package store provides durable entity persistence for Manifest using
// NATS JetStream Key-Value buckets, one bucket per entity type.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypeIntent       EntityType = "intent"
	EntityTypeSpec         EntityType = "spec"
	EntityTypeAttempt      EntityType = "attempt"
	EntityTypeVerification EntityType = "verification"
	EntityTypeSurvivor     EntityType = "survivor"
	EntityTypeJudgment     EntityType = "judgment"
)

// Bucket names for each entity type.
const (
	BucketIntents       = "MANIFEST_INTENTS"
	BucketSpecs         = "MANIFEST_SPECS"
	BucketAttempts      = "MANIFEST_ATTEMPTS"
	BucketVerifications = "MANIFEST_VERIFICATIONS"
	BucketSurvivors     = "MANIFEST_SURVIVORS"
	BucketJudgments     = "MANIFEST_JUDGMENTS"
)

// EntityID represents a typed entity identifier.
type EntityID struct {
	Type EntityType
	ID   string
}

// String returns the string representation of the entity ID.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// ParseEntityID parses an entity ID string into its components.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return EntityID{}, fmt.Errorf("invalid entity ID format: %s", s)
	}
	entityType := EntityType(parts[0])
	switch entityType {
	case EntityTypeIntent, EntityTypeSpec, EntityTypeAttempt,
		EntityTypeVerification, EntityTypeSurvivor, EntityTypeJudgment:
		return EntityID{Type: entityType, ID: parts[1]}, nil
	default:
		return EntityID{}, fmt.Errorf("unknown entity type: %s", parts[0])
	}
}

// NewEntityID generates a new unique entity ID for the given type.
func NewEntityID(t EntityType) EntityID {
	return EntityID{Type: t, ID: uuid.New().String()}
}

// IntentStatus is the Intent's phase, per spec.md 3 and 4.9's state
// machine. clarifying is Manifest's "idle" state: the pipeline is paused
// waiting on the human to answer `unclear` questions, not a distinct
// lifecycle boundary from a session sense.
type IntentStatus string

const (
	IntentParsing    IntentStatus = "parsing"
	IntentClarifying IntentStatus = "clarifying"
	IntentCompiling  IntentStatus = "compiling"
	IntentGenerating IntentStatus = "generating"
	IntentVerifying  IntentStatus = "verifying"
	IntentRanking    IntentStatus = "ranking"
	IntentJudging    IntentStatus = "judging"
	IntentComplete   IntentStatus = "complete"
	IntentFailed     IntentStatus = "failed"
	IntentAborted    IntentStatus = "aborted"
)

// IsTerminal reports whether status is one of Manifest's three terminal
// states.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentComplete, IntentFailed, IntentAborted:
		return true
	}
	return false
}

// StatusChange records a status transition, mirroring the audit trail the
// teacher's Task entity keeps.
type StatusChange struct {
	From      IntentStatus `json:"from"`
	To        IntentStatus `json:"to"`
	Timestamp time.Time    `json:"timestamp"`
}

// ParsedIntent is the structured form of a raw message produced by the
// Intent Compiler's parse step.
type ParsedIntent struct {
	Core     string   `json:"core"`
	Must     []string `json:"must"`
	MustNot  []string `json:"must_not"`
	DoneWhen []string `json:"done_when"`
	Unclear  []string `json:"unclear"`
	Scope    string   `json:"scope"`
}

// Intent is one pipeline run: a raw feature request and its progress
// through compile/generate/verify/rank/judge.
type Intent struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	RawMessage   string         `json:"raw_message"`
	Parsed       *ParsedIntent  `json:"parsed,omitempty"`
	Status       IntentStatus   `json:"status"`
	StatusChange []StatusChange `json:"status_changes,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Assertion is one executable, weighted test condition derived from a
// `done-when` clause.
type Assertion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	TestText    string `json:"test_text"`
	Weight      int    `json:"weight"` // 1..10
}

// Specification is an executable contract compiled from an Intent: a set
// of Assertions, a complete test-suite, a type contract, and the two
// disjoint path sets that bound where Attempts may write.
type Specification struct {
	ID               string      `json:"id"`
	IntentID         string      `json:"intent_id"`
	Version          int         `json:"version"`
	Assertions       []Assertion `json:"assertions"`
	TestSuiteText    string      `json:"test_suite_text"`
	TypeContractText string      `json:"type_contract_text"`
	MayTouch         []string    `json:"may_touch"`
	MustNotTouch     []string    `json:"must_not_touch"`
	Patterns         []string    `json:"patterns,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// AttemptStrategy tags the generation strategy that produced an Attempt.
type AttemptStrategy string

const (
	StrategyVanilla    AttemptStrategy = "vanilla"
	StrategyMinimal    AttemptStrategy = "minimal"
	StrategyDefensive  AttemptStrategy = "defensive"
	StrategyPatterned  AttemptStrategy = "patterned"
	StrategyMutation   AttemptStrategy = "mutation"
	StrategyAdversarial AttemptStrategy = "adversarial"
)

// FileAction is the kind of change a FileChange applies.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// FileChange is one file-level edit proposed by an Attempt. Content is
// absent iff Action is delete.
type FileChange struct {
	Path    string     `json:"path"`
	Action  FileAction `json:"action"`
	Content string     `json:"content,omitempty"`
}

// AttemptStatus tracks an Attempt's progress through verification.
type AttemptStatus string

const (
	AttemptPending    AttemptStatus = "pending"
	AttemptVerifying  AttemptStatus = "verifying"
	AttemptPassed     AttemptStatus = "passed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptDiscarded  AttemptStatus = "discarded"
)

// Attempt is one candidate implementation generated for a Specification
// version.
type Attempt struct {
	ID          string          `json:"id"`
	SpecID      string          `json:"spec_id"`
	SpecVersion int             `json:"spec_version"`
	Strategy    AttemptStrategy `json:"strategy"`
	Changes     []FileChange    `json:"changes"`
	Approach    string          `json:"approach"`
	Confidence  float64         `json:"confidence"` // [0,1]
	Status      AttemptStatus   `json:"status"`
	ContentHash string          `json:"content_hash"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CheckResult is the outcome of one Verification stage.
type CheckResult struct {
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Output   string        `json:"output,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Verification is the result of running an Attempt's staged checks.
type Verification struct {
	ID                string        `json:"id"`
	AttemptID         string        `json:"attempt_id"`
	Passed            bool          `json:"passed"`
	Stages            []CheckResult `json:"stages"`
	AssertionsPassed  int           `json:"assertions_passed"`
	AssertionsTotal   int           `json:"assertions_total"`
	Duration          time.Duration `json:"duration"`
	FirstFailureSummary string      `json:"first_failure_summary,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Score holds the Ranking Engine's per-axis and overall score for a
// Survivor.
type Score struct {
	Assertions  float64 `json:"assertions"`
	Simplicity  float64 `json:"simplicity"`
	Readability float64 `json:"readability"`
	Performance float64 `json:"performance"`
	Overall     float64 `json:"overall"`
}

// Survivor is a passing Attempt ranked for presentation to the human.
type Survivor struct {
	ID             string    `json:"id"`
	AttemptID      string    `json:"attempt_id"`
	VerificationID string    `json:"verification_id"`
	Rank           int       `json:"rank"` // 1-based
	Score          Score     `json:"score"`
	Presented      bool      `json:"presented"`
	CreatedAt      time.Time `json:"created_at"`
}

// JudgmentDecision is the human's response to a presented set of Survivors.
type JudgmentDecision string

const (
	DecisionAccept   JudgmentDecision = "accept"
	DecisionRefine   JudgmentDecision = "refine"
	DecisionRedirect JudgmentDecision = "redirect"
	DecisionAbort    JudgmentDecision = "abort"
)

// Judgment records the human's decision on a presented batch of Survivors.
type Judgment struct {
	ID             string           `json:"id"`
	IntentID       string           `json:"intent_id"`
	SurvivorID     string           `json:"survivor_id,omitempty"`
	Decision       JudgmentDecision `json:"decision"`
	RefinementText string           `json:"refinement_text,omitempty"`
	RedirectText   string           `json:"redirect_text,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
