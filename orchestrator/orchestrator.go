// Package orchestrator drives an Intent through the full
// parse -> compile -> generate -> verify -> rank -> judge pipeline,
// persisting its phase before every side effect so a crash can resume
// from the last durable state instead of restarting the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/gateway"
	"github.com/manifestdev/manifest/intent"
	"github.com/manifestdev/manifest/metric"
	"github.com/manifestdev/manifest/rank"
	"github.com/manifestdev/manifest/store"
	"github.com/manifestdev/manifest/swarm"
	"github.com/manifestdev/manifest/verify"
	"github.com/manifestdev/manifest/workspace"
)

// Store is the subset of *store.Store the Orchestrator depends on. It is
// declared here, at the point of use, so tests can substitute an
// in-memory fake without standing up NATS JetStream — the same
// seam gateway.Completer gives the AI Gateway's callers.
type Store interface {
	CreateIntent(ctx context.Context, in *store.Intent) (store.EntityID, error)
	GetIntent(ctx context.Context, id store.EntityID) (*store.Intent, error)
	UpdateIntentStatus(ctx context.Context, id store.EntityID, newStatus store.IntentStatus) error
	ListIntents(ctx context.Context) ([]*store.Intent, error)

	CreateSpec(ctx context.Context, spec *store.Specification) (store.EntityID, error)
	GetSpec(ctx context.Context, id store.EntityID) (*store.Specification, error)
	ListSpecsByIntent(ctx context.Context, intentID store.EntityID) ([]*store.Specification, error)

	CreateAttempt(ctx context.Context, at *store.Attempt) (store.EntityID, error)
	GetAttempt(ctx context.Context, id store.EntityID) (*store.Attempt, error)
	UpdateAttemptStatus(ctx context.Context, id store.EntityID, newStatus store.AttemptStatus) error
	ListAttemptsBySpec(ctx context.Context, specID store.EntityID) ([]*store.Attempt, error)

	CreateVerification(ctx context.Context, v *store.Verification) (store.EntityID, error)
	GetVerificationByAttempt(ctx context.Context, attemptID store.EntityID) (*store.Verification, error)

	CreateSurvivor(ctx context.Context, sv *store.Survivor) (store.EntityID, error)
	GetSurvivor(ctx context.Context, id store.EntityID) (*store.Survivor, error)
	MarkSurvivorPresented(ctx context.Context, id store.EntityID) error
	ListSurvivorsByIntent(ctx context.Context, intentID store.EntityID, attemptIDs map[string]bool) ([]*store.Survivor, error)

	CreateJudgment(ctx context.Context, j *store.Judgment) (store.EntityID, error)
	ListJudgmentsByIntent(ctx context.Context, intentID store.EntityID) ([]*store.Judgment, error)
}

// Scorer is the AI Gateway's score-purpose surface, satisfied by
// *gateway.Scorer. Declared at the point of use, like Store, so tests
// can substitute a fake without a network-capable Gateway.
type Scorer interface {
	Score(ctx context.Context, diff, approach string) (float64, error)
}

// ErrAlreadyComplete is returned when Judge is called on an Intent that
// has already reached the complete terminal status — re-applying an
// accept on an already-applied Intent is a no-op, not a second apply.
var ErrAlreadyComplete = errors.New("orchestrator: intent already complete")

// Result is what Run/Resume return: a halted Intent awaiting
// clarification, a ranked batch of Survivors awaiting judgment, or — when
// every Attempt failed verification — a no_survivors outcome. No
// survivors is a first-class successful outcome, not an error: callers
// distinguish it by Survivors being empty and FailureSummary being set.
type Result struct {
	Intent         *store.Intent
	Questions      []string
	Survivors      []*store.Survivor
	FailureSummary []string
}

// Orchestrator wires the Intent Compiler, Generation Swarm, Verification
// Harness, and Ranking Engine into one pipeline, one phase transition at
// a time.
type Orchestrator struct {
	store      Store
	compiler   *intent.Compiler
	swarm      *swarm.Swarm
	harness    *verify.Harness
	workspaces *workspace.Manager
	repoRoot   string
	metrics    *metric.Registry
	scorer     Scorer

	cfgMu    sync.RWMutex
	rankCfg  config.RankConfig
	swarmCfg config.SwarmConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// SetMetrics attaches a metric.Registry the Orchestrator updates as
// Intents move through phases. Safe to skip; a nil registry is simply
// never touched.
func (o *Orchestrator) SetMetrics(m *metric.Registry) {
	o.metrics = m
}

// SetScorer attaches the AI Gateway's score-purpose surface, used to
// populate the Ranking Engine's optional AI-assessed readability axis
// for each passing Attempt. Safe to skip; a nil Scorer leaves
// Readability unset and ranking falls back to the neutral-substitute
// branch, per spec.md 4.8.
func (o *Orchestrator) SetScorer(s Scorer) {
	o.scorer = s
}

// SetSwarmConfig swaps the Generation Swarm's fan-out distribution and
// counts a running Orchestrator applies to the next generate phase it
// drives, letting a config.Watcher reload take effect without a restart.
func (o *Orchestrator) SetSwarmConfig(cfg config.SwarmConfig) {
	o.cfgMu.Lock()
	o.swarmCfg = cfg
	o.cfgMu.Unlock()
}

// SetRankConfig swaps the Ranking Engine's weights and top-K the next
// rank phase applies.
func (o *Orchestrator) SetRankConfig(cfg config.RankConfig) {
	o.cfgMu.Lock()
	o.rankCfg = cfg
	o.cfgMu.Unlock()
}

func (o *Orchestrator) getSwarmConfig() config.SwarmConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.swarmCfg
}

func (o *Orchestrator) getRankConfig() config.RankConfig {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.rankCfg
}

// New creates an Orchestrator. repoRoot is where an accepted Survivor's
// FileChanges are ultimately applied.
func New(st Store, compiler *intent.Compiler, sw *swarm.Swarm, harness *verify.Harness, workspaces *workspace.Manager, rankCfg config.RankConfig, swarmCfg config.SwarmConfig, repoRoot string) *Orchestrator {
	return &Orchestrator{
		store:      st,
		compiler:   compiler,
		swarm:      sw,
		harness:    harness,
		workspaces: workspaces,
		rankCfg:    rankCfg,
		swarmCfg:   swarmCfg,
		repoRoot:   repoRoot,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// setStatus persists an Intent's new status and, if a metric.Registry is
// attached, reflects the transition in the intents-by-status gauge. The
// store write always happens first: a metrics registry is observability,
// never a gate on durable state.
func (o *Orchestrator) setStatus(ctx context.Context, id store.EntityID, status store.IntentStatus) error {
	if err := o.store.UpdateIntentStatus(ctx, id, status); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.IntentsByStatus.WithLabelValues(string(status)).Inc()
	}
	return nil
}

// Run starts a brand new Intent from a raw feature request within
// sessionID and drives it through compiling, generating, verifying, and
// ranking, stopping at judging to wait on a human decision (or at
// clarifying, if the Intent Compiler needs more information first). An
// empty sessionID starts a fresh session, the usual case for a first
// request; a caller continuing an existing session (e.g. a CLI flag)
// passes the session id it was given back.
func (o *Orchestrator) Run(ctx context.Context, rawMessage, sessionID string) (*Result, error) {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	in := &store.Intent{SessionID: sessionID, RawMessage: rawMessage}
	id, err := o.store.CreateIntent(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}
	in.ID = id.String()

	return o.drive(ctx, in, rawMessage, 1)
}

// Resume sweeps any workspaces orphaned by a crash and re-drives every
// parsing, compiling, generating, verifying or ranking Intent forward
// from its persisted state (clarifying and judging Intents wait for a
// human and are left as they are):
// parsing/compiling Intents restart compilation (nothing durable was
// committed yet at that point), generating/verifying/ranking Intents
// resume from their already-persisted Specification and Attempt set
// instead of regenerating from scratch.
func (o *Orchestrator) Resume(ctx context.Context) ([]*Result, error) {
	if o.workspaces != nil {
		if err := o.workspaces.Sweep(ctx); err != nil {
			return nil, fmt.Errorf("sweep workspaces: %w", err)
		}
	}

	intents, err := o.store.ListIntents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}

	var results []*Result
	for _, in := range intents {
		switch in.Status {
		case store.IntentParsing, store.IntentCompiling:
			res, err := o.drive(ctx, in, in.RawMessage, 1)
			if err != nil && !errors.Is(err, intent.ErrClarificationNeeded) {
				continue
			}
			results = append(results, res)
		case store.IntentGenerating, store.IntentVerifying, store.IntentRanking:
			res, err := o.resumeFromSpec(ctx, in)
			if err != nil {
				continue
			}
			results = append(results, res)
		}
	}
	return results, nil
}

// resumeFromSpec picks the latest Specification version for in and
// re-drives generate/verify/rank against it.
func (o *Orchestrator) resumeFromSpec(ctx context.Context, in *store.Intent) (*Result, error) {
	entityID, err := store.ParseEntityID(in.ID)
	if err != nil {
		return nil, err
	}
	specs, err := o.store.ListSpecsByIntent(ctx, entityID)
	if err != nil || len(specs) == 0 {
		return nil, fmt.Errorf("no specification to resume from")
	}
	spec := latestVersion(specs)
	return o.generateVerifyRank(ctx, in, spec)
}

func latestVersion(specs []*store.Specification) *store.Specification {
	latest := specs[0]
	for _, s := range specs[1:] {
		if s.Version > latest.Version {
			latest = s
		}
	}
	return latest
}

// drive runs the compile step for an Intent and, if it yields a
// Specification, continues into generate/verify/rank.
func (o *Orchestrator) drive(ctx context.Context, in *store.Intent, rawMessage string, version int) (*Result, error) {
	entityID, err := store.ParseEntityID(in.ID)
	if err != nil {
		return nil, err
	}

	if err := o.setStatus(ctx, entityID, store.IntentCompiling); err != nil {
		return nil, err
	}

	res, err := o.compiler.Compile(ctx, in.ID, rawMessage, version)
	if err != nil {
		if errors.Is(err, intent.ErrClarificationNeeded) {
			in.Parsed = res.Parsed
			if err := o.setStatus(ctx, entityID, store.IntentClarifying); err != nil {
				return nil, err
			}
			in.Status = store.IntentClarifying
			return &Result{Intent: in, Questions: res.Parsed.Unclear}, intent.ErrClarificationNeeded
		}
		o.fail(ctx, entityID)
		return nil, fmt.Errorf("compile: %w", err)
	}

	in.Parsed = res.Parsed
	if _, err := o.store.CreateSpec(ctx, res.Spec); err != nil {
		o.fail(ctx, entityID)
		return nil, fmt.Errorf("persist spec: %w", err)
	}

	return o.generateVerifyRank(ctx, in, res.Spec)
}

// generateVerifyRank fans attempts out from spec, verifies each, ranks
// the survivors, and persists every intermediate artifact so a crash
// partway through can resume without regenerating completed work.
func (o *Orchestrator) generateVerifyRank(ctx context.Context, in *store.Intent, spec *store.Specification) (*Result, error) {
	entityID, err := store.ParseEntityID(in.ID)
	if err != nil {
		return nil, err
	}
	specEntityID, err := store.ParseEntityID(spec.ID)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[in.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, in.ID)
		o.mu.Unlock()
		cancel()
	}()

	existing, err := o.store.ListAttemptsBySpec(ctx, specEntityID)
	if err != nil {
		o.fail(ctx, entityID)
		return nil, err
	}

	attempts := existing
	if len(attempts) == 0 {
		if err := o.setStatus(runCtx, entityID, store.IntentGenerating); err != nil {
			return nil, err
		}
		dist := o.getSwarmConfig().Distribution
		generated, err := o.swarm.Run(runCtx, spec, dist)
		if err != nil {
			o.fail(ctx, entityID)
			return nil, fmt.Errorf("generate: %w", err)
		}
		for _, at := range generated {
			if _, err := o.store.CreateAttempt(runCtx, at); err != nil {
				o.fail(ctx, entityID)
				return nil, fmt.Errorf("persist attempt: %w", err)
			}
		}
		if o.metrics != nil {
			o.metrics.AttemptsGenerated.Add(float64(len(generated)))
		}
		attempts = generated
	}

	if err := o.setStatus(runCtx, entityID, store.IntentVerifying); err != nil {
		return nil, err
	}

	candidates, failureSummaries, err := o.verifyAll(runCtx, spec, attempts)
	if err != nil {
		o.fail(ctx, entityID)
		return nil, err
	}

	if err := o.setStatus(runCtx, entityID, store.IntentRanking); err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		o.fail(ctx, entityID)
		in.Status = store.IntentFailed
		return &Result{Intent: in, FailureSummary: topFailureReasons(failureSummaries, 3)}, nil
	}

	rankCfg := o.getRankConfig()
	survivors := rank.Rank(candidates, rankCfg.Weights, rankCfg.TopK)
	for _, sv := range survivors {
		svEntityID, err := o.store.CreateSurvivor(runCtx, sv)
		if err != nil {
			o.fail(ctx, entityID)
			return nil, fmt.Errorf("persist survivor: %w", err)
		}
		if err := o.store.MarkSurvivorPresented(runCtx, svEntityID); err != nil {
			o.fail(ctx, entityID)
			return nil, fmt.Errorf("mark survivor presented: %w", err)
		}
		sv.Presented = true
	}

	if err := o.setStatus(runCtx, entityID, store.IntentJudging); err != nil {
		return nil, err
	}
	in.Status = store.IntentJudging

	return &Result{Intent: in, Survivors: survivors}, nil
}

// verifyAll runs the Harness over every pending Attempt, skipping ones
// already verified (the resume path). Verification runs sequentially per
// Attempt but relies on the Harness's own Workspace Manager for disk
// isolation between them. It also collects each failed Attempt's
// FirstFailureSummary, so a no_survivors outcome can report the top
// failure reasons instead of silently failing the Intent.
func (o *Orchestrator) verifyAll(ctx context.Context, spec *store.Specification, attempts []*store.Attempt) ([]rank.Candidate, []string, error) {
	var candidates []rank.Candidate
	var failureSummaries []string
	for _, at := range attempts {
		atEntityID, err := store.ParseEntityID(at.ID)
		if err != nil {
			continue
		}

		v, err := o.store.GetVerificationByAttempt(ctx, atEntityID)
		if err != nil {
			if o.metrics != nil {
				o.metrics.VerificationsInFlight.Inc()
			}
			v, err = o.harness.Verify(ctx, spec, at)
			if o.metrics != nil {
				o.metrics.VerificationsInFlight.Dec()
			}
			if err != nil {
				continue
			}
			if _, err := o.store.CreateVerification(ctx, v); err != nil {
				return nil, nil, fmt.Errorf("persist verification: %w", err)
			}
		}

		status := store.AttemptFailed
		outcome := "failed"
		if v.Passed {
			status = store.AttemptPassed
			outcome = "passed"
			candidates = append(candidates, rank.Candidate{
				Attempt:      at,
				Verification: v,
				Readability:  o.readabilityFor(ctx, at),
			})
		} else if v.FirstFailureSummary != "" {
			failureSummaries = append(failureSummaries, v.FirstFailureSummary)
		}
		if o.metrics != nil {
			o.metrics.AttemptsVerified.WithLabelValues(outcome).Inc()
		}
		_ = o.store.UpdateAttemptStatus(ctx, atEntityID, status)
	}
	return candidates, failureSummaries, nil
}

// topFailureReasons returns up to n of summaries' most frequent distinct
// values, most frequent first, ties broken by first-seen order — the
// "top-3 failure reasons aggregated" spec.md 7/8 requires for a
// no_survivors report.
func topFailureReasons(summaries []string, n int) []string {
	counts := make(map[string]int)
	var order []string
	for _, s := range summaries {
		if s == "" {
			continue
		}
		if counts[s] == 0 {
			order = append(order, s)
		}
		counts[s]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	if len(order) > n {
		order = order[:n]
	}
	return order
}

// readabilityFor asks the attached Scorer to judge a passing Attempt's
// readability for the Ranking Engine's optional axis. A nil Scorer, or
// any error from the call, leaves the axis unavailable rather than
// failing the Verification — readability is optional by spec.md 4.8.
func (o *Orchestrator) readabilityFor(ctx context.Context, at *store.Attempt) *float64 {
	if o.scorer == nil {
		return nil
	}
	diff := gateway.BuildDiff(at.Changes)
	r, err := o.scorer.Score(ctx, diff, at.Approach)
	if err != nil {
		return nil
	}
	return &r
}

func (o *Orchestrator) fail(ctx context.Context, id store.EntityID) {
	_ = o.setStatus(ctx, id, store.IntentFailed)
}

// Abort cancels an in-flight Intent run, if one is active, and marks the
// Intent aborted. A single cancellation handle exists per Intent run, so
// aborting a run that already finished (or was never started in this
// process) only updates status.
func (o *Orchestrator) Abort(ctx context.Context, intentID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[intentID]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	id, err := store.ParseEntityID(intentID)
	if err != nil {
		return err
	}
	return o.setStatus(ctx, id, store.IntentAborted)
}

// Status retrieves an Intent's current state.
func (o *Orchestrator) Status(ctx context.Context, intentID string) (*store.Intent, error) {
	id, err := store.ParseEntityID(intentID)
	if err != nil {
		return nil, err
	}
	return o.store.GetIntent(ctx, id)
}

// History returns every Intent ever run, most recently created first.
func (o *Orchestrator) History(ctx context.Context) ([]*store.Intent, error) {
	intents, err := o.store.ListIntents(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].CreatedAt.After(intents[j].CreatedAt) })
	return intents, nil
}

// Judge applies a human Judgment to a judging Intent.
//   - accept: applies the chosen Survivor's Attempt to repoRoot and marks
//     the Intent complete.
//   - refine: bumps the Specification version on the same Intent,
//     appends the refinement text to its raw message, and re-runs
//     compile/generate/verify/rank.
//   - redirect: aborts the current Intent and starts a brand new one in
//     the same session carrying the redirect text as its raw message.
//   - abort: same as Abort.
func (o *Orchestrator) Judge(ctx context.Context, intentID string, decision store.JudgmentDecision, survivorID, text string) (*Result, error) {
	entityID, err := store.ParseEntityID(intentID)
	if err != nil {
		return nil, err
	}
	in, err := o.store.GetIntent(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if in.Status == store.IntentComplete {
		return nil, ErrAlreadyComplete
	}

	j := &store.Judgment{IntentID: intentID, SurvivorID: survivorID, Decision: decision}
	switch decision {
	case store.DecisionRefine:
		j.RefinementText = text
	case store.DecisionRedirect:
		j.RedirectText = text
	}
	if _, err := o.store.CreateJudgment(ctx, j); err != nil {
		return nil, fmt.Errorf("persist judgment: %w", err)
	}

	switch decision {
	case store.DecisionAccept:
		return o.accept(ctx, in, entityID, survivorID)
	case store.DecisionAbort:
		return nil, o.Abort(ctx, intentID)
	case store.DecisionRefine:
		nextVersion, err := o.nextSpecVersion(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return o.drive(ctx, in, in.RawMessage+"\n\n"+text, nextVersion)
	case store.DecisionRedirect:
		return o.redirect(ctx, in, intentID, text)
	default:
		return nil, fmt.Errorf("orchestrator: unknown judgment decision %q", decision)
	}
}

// redirect marks in aborted and starts a brand new Intent in the same
// session carrying text as its raw message — distinct from refine, which
// bumps the Specification version on the current Intent. spec.md 8: a
// redirect judgment "starts a fresh Intent in the same session with the
// new text; marks the current Intent aborted."
func (o *Orchestrator) redirect(ctx context.Context, in *store.Intent, intentID, text string) (*Result, error) {
	if err := o.Abort(ctx, intentID); err != nil {
		return nil, err
	}

	next := &store.Intent{SessionID: in.SessionID, RawMessage: text}
	id, err := o.store.CreateIntent(ctx, next)
	if err != nil {
		return nil, fmt.Errorf("create redirected intent: %w", err)
	}
	next.ID = id.String()

	return o.drive(ctx, next, text, 1)
}

func (o *Orchestrator) nextSpecVersion(ctx context.Context, intentID store.EntityID) (int, error) {
	specs, err := o.store.ListSpecsByIntent(ctx, intentID)
	if err != nil {
		return 0, err
	}
	if len(specs) == 0 {
		return 1, nil
	}
	return latestVersion(specs).Version + 1, nil
}

// accept applies the accepted Survivor's Attempt FileChanges to repoRoot
// and marks the Intent complete. If applying fails partway, it rolls
// back by re-writing the original file contents captured before any
// change was made.
func (o *Orchestrator) accept(ctx context.Context, in *store.Intent, entityID store.EntityID, survivorID string) (*Result, error) {
	svEntityID, err := store.ParseEntityID(survivorID)
	if err != nil {
		return nil, err
	}
	sv, err := o.store.GetSurvivor(ctx, svEntityID)
	if err != nil {
		return nil, err
	}
	atEntityID, err := store.ParseEntityID(sv.AttemptID)
	if err != nil {
		return nil, err
	}
	at, err := o.store.GetAttempt(ctx, atEntityID)
	if err != nil {
		return nil, err
	}

	if err := applyToRepo(o.repoRoot, at.Changes); err != nil {
		return nil, fmt.Errorf("apply accepted attempt: %w", err)
	}

	if err := o.store.MarkSurvivorPresented(ctx, svEntityID); err != nil {
		return nil, err
	}
	if err := o.setStatus(ctx, entityID, store.IntentComplete); err != nil {
		return nil, err
	}
	in.Status = store.IntentComplete
	return &Result{Intent: in}, nil
}
