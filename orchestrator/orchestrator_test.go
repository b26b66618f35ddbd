package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/gateway"
	"github.com/manifestdev/manifest/gateway/testutil"
	"github.com/manifestdev/manifest/intent"
	"github.com/manifestdev/manifest/store"
	"github.com/manifestdev/manifest/swarm"
	"github.com/manifestdev/manifest/verify"
	"github.com/manifestdev/manifest/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory stand-in for *store.Store, good enough to
// exercise the Orchestrator's control flow without a NATS JetStream
// connection.
type fakeStore struct {
	mu            sync.Mutex
	intents       map[string]*store.Intent
	specs         map[string]*store.Specification
	attempts      map[string]*store.Attempt
	verifications map[string]*store.Verification
	survivors     map[string]*store.Survivor
	judgments     map[string]*store.Judgment
	seq           int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		intents:       map[string]*store.Intent{},
		specs:         map[string]*store.Specification{},
		attempts:      map[string]*store.Attempt{},
		verifications: map[string]*store.Verification{},
		survivors:     map[string]*store.Survivor{},
		judgments:     map[string]*store.Judgment{},
	}
}

func (f *fakeStore) nextID(t store.EntityType) store.EntityID {
	f.seq++
	return store.EntityID{Type: t, ID: fmt.Sprintf("%d", f.seq)}
}

func (f *fakeStore) CreateIntent(ctx context.Context, in *store.Intent) (store.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID(store.EntityTypeIntent)
	in.ID = id.String()
	in.Status = store.IntentParsing
	f.intents[in.ID] = in
	return id, nil
}

func (f *fakeStore) GetIntent(ctx context.Context, id store.EntityID) (*store.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (f *fakeStore) UpdateIntentStatus(ctx context.Context, id store.EntityID, newStatus store.IntentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	in.Status = newStatus
	return nil
}

func (f *fakeStore) ListIntents(ctx context.Context) ([]*store.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Intent, 0, len(f.intents))
	for _, in := range f.intents {
		cp := *in
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) CreateSpec(ctx context.Context, spec *store.Specification) (store.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := store.ParseEntityID(spec.ID)
	if err != nil {
		id = f.nextID(store.EntityTypeSpec)
		spec.ID = id.String()
	}
	if spec.Version == 0 {
		spec.Version = 1
	}
	f.specs[spec.ID] = spec
	return id, nil
}

func (f *fakeStore) GetSpec(ctx context.Context, id store.EntityID) (*store.Specification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSpecsByIntent(ctx context.Context, intentID store.EntityID) ([]*store.Specification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Specification
	for _, s := range f.specs {
		if s.IntentID == intentID.String() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateAttempt(ctx context.Context, at *store.Attempt) (store.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID(store.EntityTypeAttempt)
	at.ID = id.String()
	if at.Status == "" {
		at.Status = store.AttemptPending
	}
	f.attempts[at.ID] = at
	return id, nil
}

func (f *fakeStore) GetAttempt(ctx context.Context, id store.EntityID) (*store.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.attempts[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return at, nil
}

func (f *fakeStore) UpdateAttemptStatus(ctx context.Context, id store.EntityID, newStatus store.AttemptStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.attempts[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	at.Status = newStatus
	return nil
}

func (f *fakeStore) ListAttemptsBySpec(ctx context.Context, specID store.EntityID) ([]*store.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Attempt
	for _, at := range f.attempts {
		if at.SpecID == specID.String() {
			out = append(out, at)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateVerification(ctx context.Context, v *store.Verification) (store.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID(store.EntityTypeVerification)
	v.ID = id.String()
	f.verifications[v.ID] = v
	return id, nil
}

func (f *fakeStore) GetVerificationByAttempt(ctx context.Context, attemptID store.EntityID) (*store.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.verifications {
		if v.AttemptID == attemptID.String() {
			return v, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateSurvivor(ctx context.Context, sv *store.Survivor) (store.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID(store.EntityTypeSurvivor)
	sv.ID = id.String()
	f.survivors[sv.ID] = sv
	return id, nil
}

func (f *fakeStore) GetSurvivor(ctx context.Context, id store.EntityID) (*store.Survivor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sv, ok := f.survivors[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sv, nil
}

func (f *fakeStore) ListSurvivorsByIntent(ctx context.Context, intentID store.EntityID, attemptIDs map[string]bool) ([]*store.Survivor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Survivor
	for _, sv := range f.survivors {
		if attemptIDs[sv.AttemptID] {
			out = append(out, sv)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkSurvivorPresented(ctx context.Context, id store.EntityID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sv, ok := f.survivors[id.String()]
	if !ok {
		return store.ErrNotFound
	}
	sv.Presented = true
	return nil
}

func (f *fakeStore) CreateJudgment(ctx context.Context, j *store.Judgment) (store.EntityID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID(store.EntityTypeJudgment)
	j.ID = id.String()
	f.judgments[j.ID] = j
	return id, nil
}

func (f *fakeStore) GetJudgment(ctx context.Context, id store.EntityID) (*store.Judgment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.judgments[id.String()]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) ListJudgmentsByIntent(ctx context.Context, intentID store.EntityID) ([]*store.Judgment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Judgment
	for _, j := range f.judgments {
		if j.IntentID == intentID.String() {
			out = append(out, j)
		}
	}
	return out, nil
}

func parseIntentResp() *gateway.Response {
	return &gateway.Response{Content: `{"core":"add auth","must":["use bcrypt"],"done_when":["login succeeds"],"unclear":[]}`}
}

func analyzeResp() *gateway.Response {
	return &gateway.Response{Content: `{"relevant_files":["auth/handler.go"],"integration_points":["auth/handler.go"],"forbidden_zones":[]}`}
}

func specResp() *gateway.Response {
	return &gateway.Response{Content: `{"assertions":[{"description":"login works","test_text":"func TestLogin(t *testing.T) {}","weight":8}],"may_touch":["auth/handler.go"],"must_not_touch":[]}`}
}

func implementResp() *gateway.Response {
	return &gateway.Response{Content: `{"changes":[{"path":"auth/handler.go","action":"create","content":"package auth"}],"approach":"did it","confidence":0.8}`}
}

func newTestOrchestrator(t *testing.T, mock *testutil.MockClient) (*Orchestrator, *fakeStore, string) {
	t.Helper()
	repoRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "main.go"), []byte("package main\n"), 0644))

	wsRoot := t.TempDir()
	mgr := workspace.NewManager(repoRoot, wsRoot, 10*1024*1024, workspace.DefaultExcludes())
	require.NoError(t, mgr.Sweep(context.Background()))

	ledger := gateway.NewLedger(1000)
	compiler := intent.NewCompiler(mock, ledger, repoRoot, nil, 0)
	sw := swarm.New(mock, ledger, nil, 0)
	harness := verify.New(mgr, verify.StageCommands{
		Typecheck: []string{"true"},
		Lint:      []string{"true"},
		UnitTest:  []string{"true"},
		SpecTest:  []string{"echo", `{"assertions_passed":1,"assertions_total":1}`},
	}, config.VerifyConfig{StageDeadline: 5 * time.Second, FlakyRetries: 1})

	rankCfg := config.RankConfig{TopK: 3, Weights: config.RankWeights{Assertions: 0.4, Simplicity: 0.3, Readability: 0.2, Performance: 0.1}}
	swarmCfg := config.SwarmConfig{Distribution: config.StrategyDistribution{"vanilla": 1}}

	fs := newFakeStore()
	o := New(fs, compiler, sw, harness, mgr, rankCfg, swarmCfg, repoRoot)
	return o, fs, repoRoot
}

func TestRunProducesJudgingResultWithSurvivors(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
	}}
	o, _, _ := newTestOrchestrator(t, mock)

	res, err := o.Run(context.Background(), "add login", "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, store.IntentJudging, res.Intent.Status)
	require.Len(t, res.Survivors, 1)
	assert.Equal(t, 1, res.Survivors[0].Rank)
}

func TestRunHaltsOnClarificationNeeded(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		{Content: `{"core":"x","unclear":["which provider?"]}`},
	}}
	o, _, _ := newTestOrchestrator(t, mock)

	res, err := o.Run(context.Background(), "add login", "")
	assert.ErrorIs(t, err, intent.ErrClarificationNeeded)
	require.NotNil(t, res)
	assert.Equal(t, store.IntentClarifying, res.Intent.Status)
	assert.Equal(t, []string{"which provider?"}, res.Questions)
}

func TestJudgeAcceptAppliesChangesAndCompletesIntent(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
	}}
	o, _, repoRoot := newTestOrchestrator(t, mock)

	res, err := o.Run(context.Background(), "add login", "")
	require.NoError(t, err)
	require.Len(t, res.Survivors, 1)

	final, err := o.Judge(context.Background(), res.Intent.ID, store.DecisionAccept, res.Survivors[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, store.IntentComplete, final.Intent.Status)

	content, err := os.ReadFile(filepath.Join(repoRoot, "auth", "handler.go"))
	require.NoError(t, err)
	assert.Equal(t, "package auth", string(content))
}

func TestJudgeRedirectAbortsCurrentIntentAndStartsFreshOneInSession(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
	}}
	o, fs, _ := newTestOrchestrator(t, mock)

	res, err := o.Run(context.Background(), "add login", "session-1")
	require.NoError(t, err)
	require.Len(t, res.Survivors, 1)
	origID := res.Intent.ID

	redirected, err := o.Judge(context.Background(), origID, store.DecisionRedirect, "", "use OAuth instead")
	require.NoError(t, err)
	require.NotNil(t, redirected)
	assert.NotEqual(t, origID, redirected.Intent.ID)
	assert.Equal(t, "session-1", redirected.Intent.SessionID)
	assert.Equal(t, "use OAuth instead", redirected.Intent.RawMessage)

	orig, err := fs.GetIntent(context.Background(), mustParseEntityID(t, origID))
	require.NoError(t, err)
	assert.Equal(t, store.IntentAborted, orig.Status)
}

func TestJudgeRefineKeepsSameIntentAndAppendsText(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
	}}
	o, _, _ := newTestOrchestrator(t, mock)

	res, err := o.Run(context.Background(), "add login", "")
	require.NoError(t, err)
	require.Len(t, res.Survivors, 1)

	refined, err := o.Judge(context.Background(), res.Intent.ID, store.DecisionRefine, "", "also support 2FA")
	require.NoError(t, err)
	assert.Equal(t, res.Intent.ID, refined.Intent.ID)
	// The refine cycle's parse request (the fifth call) carries the
	// original message with the refinement text appended.
	assert.Contains(t, mock.GetCapturedRequests()[4].Messages[0].Content, "add login\n\nalso support 2FA")
}

func TestJudgeAcceptOnAlreadyCompleteIntentIsNoOp(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
	}}
	o, _, _ := newTestOrchestrator(t, mock)

	res, err := o.Run(context.Background(), "add login", "")
	require.NoError(t, err)
	require.Len(t, res.Survivors, 1)

	final, err := o.Judge(context.Background(), res.Intent.ID, store.DecisionAccept, res.Survivors[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, store.IntentComplete, final.Intent.Status)

	_, err = o.Judge(context.Background(), res.Intent.ID, store.DecisionAccept, res.Survivors[0].ID, "")
	assert.ErrorIs(t, err, ErrAlreadyComplete)
}

func TestRunWithNoSurvivorsReturnsAggregatedFailureSummaryNotError(t *testing.T) {
	mock := &testutil.MockClient{Responses: []*gateway.Response{
		parseIntentResp(), analyzeResp(), specResp(), implementResp(),
	}}
	o, _, repoRoot := newTestOrchestrator(t, mock)

	wsRoot := t.TempDir()
	mgr := workspace.NewManager(repoRoot, wsRoot, 10*1024*1024, workspace.DefaultExcludes())
	require.NoError(t, mgr.Sweep(context.Background()))
	o.harness = verify.New(mgr, verify.StageCommands{
		Typecheck: []string{"false"},
		Lint:      []string{"true"},
		UnitTest:  []string{"true"},
		SpecTest:  []string{"true"},
	}, config.VerifyConfig{StageDeadline: 5 * time.Second, FlakyRetries: 1})

	res, err := o.Run(context.Background(), "add login", "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Empty(t, res.Survivors)
	assert.Equal(t, store.IntentFailed, res.Intent.Status)
	require.NotEmpty(t, res.FailureSummary)
	assert.Contains(t, res.FailureSummary[0], "typecheck failed")
}

func mustParseEntityID(t *testing.T, id string) store.EntityID {
	t.Helper()
	eid, err := store.ParseEntityID(id)
	require.NoError(t, err)
	return eid
}

func TestAbortCancelsActiveRunAndMarksIntentAborted(t *testing.T) {
	mock := &testutil.MockClient{Err: errors.New("ai gateway unreachable")}
	o, fs, _ := newTestOrchestrator(t, mock)

	in := &store.Intent{RawMessage: "add login"}
	id, err := fs.CreateIntent(context.Background(), in)
	require.NoError(t, err)

	require.NoError(t, o.Abort(context.Background(), id.String()))
	got, err := fs.GetIntent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.IntentAborted, got.Status)
}

func TestResumeContinuesFromPersistedAttempts(t *testing.T) {
	mock := &testutil.MockClient{}
	o, fs, _ := newTestOrchestrator(t, mock)

	in := &store.Intent{RawMessage: "add login"}
	intentEntity, err := fs.CreateIntent(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, fs.UpdateIntentStatus(context.Background(), intentEntity, store.IntentVerifying))

	spec := &store.Specification{
		IntentID:   intentEntity.String(),
		Version:    1,
		Assertions: []store.Assertion{{ID: "a1", TestText: "t", Weight: 5}},
		MayTouch:   []string{"auth/handler.go"},
	}
	_, err = fs.CreateSpec(context.Background(), spec)
	require.NoError(t, err)

	attempt := &store.Attempt{
		SpecID:      spec.ID,
		SpecVersion: 1,
		Strategy:    store.StrategyVanilla,
		Changes:     []store.FileChange{{Path: "auth/handler.go", Action: store.ActionCreate, Content: "package auth"}},
		Confidence:  0.7,
	}
	_, err = fs.CreateAttempt(context.Background(), attempt)
	require.NoError(t, err)

	results, err := o.Resume(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.IntentJudging, results[0].Intent.Status)
	require.Len(t, results[0].Survivors, 1)
}
