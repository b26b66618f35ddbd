// Package verify implements the Verification Harness: applying an
// Attempt's FileChanges inside an isolated Workspace and running the
// fixed typecheck -> lint -> unit-tests -> spec-tests stage pipeline
// against it.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/runner"
	"github.com/manifestdev/manifest/store"
	"github.com/manifestdev/manifest/workspace"
)

// SpecTestFileName is the reserved path, relative to a workspace root,
// where the Specification's test-suite text is written before the
// spec-tests stage runs.
const SpecTestFileName = "manifest_spec_test.go"

// stageName identifies one position in the fixed pipeline order.
type stageName string

const (
	stageInstall   stageName = "install"
	stageTypecheck stageName = "typecheck"
	stageLint      stageName = "lint"
	stageUnitTest  stageName = "unit-tests"
	stageSpecTest  stageName = "spec-tests"
)

// StageCommands holds the opaque external tool invocations for each
// pipeline stage. Each is an argv; the Harness never interprets their
// semantics beyond exit code and captured output, per spec.md 4.4/6.
type StageCommands struct {
	Install   []string
	Typecheck []string
	Lint      []string
	UnitTest  []string
	SpecTest  []string
}

// Harness runs an Attempt's staged verification inside an isolated
// Workspace and produces a Verification.
type Harness struct {
	workspaces *workspace.Manager
	commands   StageCommands

	mu  sync.RWMutex
	cfg config.VerifyConfig
}

// New creates a Harness that acquires workspaces from mgr and runs
// commands' stages under cfg's deadlines and flaky-retry policy.
func New(mgr *workspace.Manager, commands StageCommands, cfg config.VerifyConfig) *Harness {
	return &Harness{workspaces: mgr, commands: commands, cfg: cfg}
}

// SetConfig swaps the deadlines and flaky-retry policy a running Harness
// applies to subsequent Verify calls, letting a config.Watcher reload
// take effect without restarting in-flight verifications.
func (h *Harness) SetConfig(cfg config.VerifyConfig) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func (h *Harness) config() config.VerifyConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Verify applies attempt's FileChanges inside a fresh Workspace and runs
// the stage pipeline against it, short-circuiting on the first stage
// failure. The workspace is always released before Verify returns,
// regardless of outcome, via the Workspace Manager's scoped contract.
func (h *Harness) Verify(ctx context.Context, spec *store.Specification, attempt *store.Attempt) (*store.Verification, error) {
	start := time.Now()
	v := &store.Verification{AttemptID: attempt.ID, AssertionsTotal: len(spec.Assertions)}

	err := h.workspaces.With(ctx, attempt.ID, func(path string) error {
		if err := applyChanges(path, attempt.Changes); err != nil {
			return fmt.Errorf("apply changes: %w", err)
		}
		if spec.TestSuiteText != "" {
			if err := os.WriteFile(filepath.Join(path, SpecTestFileName), []byte(spec.TestSuiteText), 0644); err != nil {
				return fmt.Errorf("write spec test suite: %w", err)
			}
		}

		h.runPipeline(ctx, path, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	v.Duration = time.Since(start)
	v.Passed = allStagesPassed(v.Stages)
	if v.Passed {
		v.AssertionsPassed = v.AssertionsTotal
	} else {
		v.FirstFailureSummary = firstFailureSummary(v.Stages, spec.Assertions)
	}
	return v, nil
}

// runPipeline runs install (if configured), typecheck, lint, unit-tests,
// and spec-tests in order against workspace path, appending a CheckResult
// to v.Stages for each stage that actually ran, short-circuiting after
// the first stage failure.
func (h *Harness) runPipeline(ctx context.Context, path string, v *store.Verification) {
	if h.config().AutoInstallDependencies && len(h.commands.Install) > 0 {
		res := h.runStageOnce(ctx, stageInstall, h.commands.Install, path)
		v.Stages = append(v.Stages, res)
		if !res.Passed {
			return
		}
	}

	res := h.runStageOnce(ctx, stageTypecheck, h.commands.Typecheck, path)
	v.Stages = append(v.Stages, res)
	if !res.Passed {
		return
	}

	res = h.runStageOnce(ctx, stageLint, h.commands.Lint, path)
	v.Stages = append(v.Stages, res)
	if !res.Passed {
		return
	}

	res = h.runFlakyStage(ctx, stageUnitTest, h.commands.UnitTest, path)
	v.Stages = append(v.Stages, res)
	if !res.Passed {
		return
	}

	res = h.runFlakyStage(ctx, stageSpecTest, h.commands.SpecTest, path)
	v.Stages = append(v.Stages, res)

	if !res.Passed {
		if passed, _, ok := parseAssertionCounts(res.Output); ok {
			v.AssertionsPassed = passed
		}
	}
}

// runStageOnce runs a non-flaky-exempt stage a single time.
func (h *Harness) runStageOnce(ctx context.Context, name stageName, argv []string, cwd string) store.CheckResult {
	if len(argv) == 0 {
		return store.CheckResult{Name: string(name), Passed: true}
	}
	return h.exec(ctx, name, argv, cwd)
}

// runFlakyStage re-runs a flaky-prone stage (unit-tests, spec-tests) up
// to cfg.FlakyRetries extra times, deciding "passed" by strict majority
// across however many runs actually occurred, per spec.md 4.7. A first
// run that already passes short-circuits further runs, since a single
// pass out of one run is already a majority.
func (h *Harness) runFlakyStage(ctx context.Context, name stageName, argv []string, cwd string) store.CheckResult {
	if len(argv) == 0 {
		return store.CheckResult{Name: string(name), Passed: true}
	}

	maxRuns := 1 + h.config().FlakyRetries
	var results []store.CheckResult
	passes := 0

	for i := 0; i < maxRuns; i++ {
		res := h.exec(ctx, name, argv, cwd)
		results = append(results, res)
		if res.Passed {
			passes++
		}
		if i == 0 && res.Passed {
			break
		}
	}

	final := results[len(results)-1]
	final.Passed = passes*2 > len(results)
	return final
}

func (h *Harness) exec(ctx context.Context, name stageName, argv []string, cwd string) store.CheckResult {
	start := time.Now()
	res, err := runner.Run(ctx, argv, cwd, h.config().StageDeadline)
	duration := time.Since(start)

	if err != nil {
		return store.CheckResult{
			Name:     string(name),
			Passed:   false,
			Output:   err.Error(),
			Errors:   []string{err.Error()},
			Duration: duration,
		}
	}

	passed := !res.TimedOut && res.ExitCode == 0
	var errs []string
	if !passed {
		errs = []string{firstLine(res.Stderr, res.Stdout)}
	}

	return store.CheckResult{
		Name:     string(name),
		Passed:   passed,
		Output:   combineOutput(res.Stdout, res.Stderr),
		Errors:   errs,
		Duration: duration,
	}
}

func allStagesPassed(stages []store.CheckResult) bool {
	for _, s := range stages {
		if !s.Passed {
			return false
		}
	}
	return true
}

// firstFailureSummary names the first failed stage; when that stage is
// spec-tests, it also names the Specification's highest-weighted
// assertion (per SPEC_FULL.md's
// resolution of the "is weight used in ranking" open question: weight
// surfaces in failure reporting, not in the score).
func firstFailureSummary(stages []store.CheckResult, assertions []store.Assertion) string {
	for _, s := range stages {
		if s.Passed {
			continue
		}
		summary := s.Name + " failed"
		if len(s.Errors) > 0 {
			summary += ": " + s.Errors[0]
		}
		if s.Name == string(stageSpecTest) && len(assertions) > 0 {
			summary += "; highest-weight unmet requirement: " + highestWeightAssertion(assertions).Description
		}
		return summary
	}
	return ""
}

func highestWeightAssertion(assertions []store.Assertion) store.Assertion {
	sorted := append([]store.Assertion(nil), assertions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })
	return sorted[0]
}

// assertionCounts is the structured shape a spec-test runner is
// contracted to emit as its last stdout line.
type assertionCounts struct {
	AssertionsPassed int `json:"assertions_passed"`
	AssertionsTotal  int `json:"assertions_total"`
}

func parseAssertionCounts(output string) (passed, total int, ok bool) {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 0 {
		return 0, 0, false
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	var ac assertionCounts
	if err := json.Unmarshal([]byte(last), &ac); err != nil {
		return 0, 0, false
	}
	return ac.AssertionsPassed, ac.AssertionsTotal, true
}

func firstLine(streams ...string) string {
	for _, s := range streams {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if idx := strings.IndexByte(s, '\n'); idx >= 0 {
			return s[:idx]
		}
		return s
	}
	return ""
}

func combineOutput(stdout, stderr string) string {
	if stderr == "" {
		return stdout
	}
	if stdout == "" {
		return stderr
	}
	return stdout + "\n" + stderr
}

// applyChanges writes attempt's FileChange records into root.
func applyChanges(root string, changes []store.FileChange) error {
	for _, c := range changes {
		target := filepath.Join(root, filepath.FromSlash(c.Path))
		switch c.Action {
		case store.ActionDelete:
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("delete %s: %w", c.Path, err)
			}
		case store.ActionCreate, store.ActionModify:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("mkdir for %s: %w", c.Path, err)
			}
			if err := os.WriteFile(target, []byte(c.Content), 0644); err != nil {
				return fmt.Errorf("write %s: %w", c.Path, err)
			}
		default:
			return fmt.Errorf("unknown file action %q for %s", c.Action, c.Path)
		}
	}
	return nil
}
