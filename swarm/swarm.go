// Package swarm implements the Generation Swarm: fanning a
// Specification out across N candidate implementations, bounded by a
// worker pool sized from the AI Gateway's concurrency throttle, with
// content-hash dedup and mutation-sibling lookup.
package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/manifestdev/manifest/capability"
	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/gateway"
	"github.com/manifestdev/manifest/store"
)

// implementResponse is the structured shape an implement purpose call
// returns.
type implementResponse struct {
	Changes []struct {
		Path    string `json:"path"`
		Action  string `json:"action"`
		Content string `json:"content"`
	} `json:"changes"`
	Approach   string  `json:"approach"`
	Confidence float64 `json:"confidence"`
}

// task is one (strategy, ordinal) unit of work expanded from the
// strategy distribution.
type task struct {
	strategy store.AttemptStrategy
	ordinal  int
}

// Swarm fans a Specification out across parallel generation attempts.
type Swarm struct {
	client       gateway.Completer
	ledger       *gateway.Ledger
	throttle     *gateway.Throttle
	callDeadline time.Duration
}

// New creates a Swarm issuing implement-purpose calls through client,
// debiting ledger, and bounding concurrency dynamically by throttle's
// current allowance (nil throttle means no concurrency bound).
func New(client gateway.Completer, ledger *gateway.Ledger, throttle *gateway.Throttle, callDeadline time.Duration) *Swarm {
	return &Swarm{client: client, ledger: ledger, throttle: throttle, callDeadline: callDeadline}
}

// Run expands dist into N (strategy, ordinal) pairs and generates one
// Attempt per pair, skipping any that fail validation or parsing.
// Partial failure is not an error: the Swarm returns whatever survived.
// If the ledger's cost ceiling is reached mid-batch, Run stops
// submitting new tasks, drains outstanding ones, and returns the
// completed set.
func (s *Swarm) Run(ctx context.Context, spec *store.Specification, dist config.StrategyDistribution) ([]*store.Attempt, error) {
	tasks := expandDistribution(dist)

	pool := &boundedPool{throttle: s.throttle}
	shared := &sharedResults{}

	var wg sync.WaitGroup
	for _, t := range tasks {
		if s.ledger != nil && s.ledger.Remaining() <= 0 {
			break
		}

		if err := pool.acquire(ctx); err != nil {
			break
		}

		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer pool.release()

			at, err := s.generate(ctx, spec, t, shared)
			if err != nil || at == nil {
				return
			}
			shared.add(at)
		}(t)
	}
	wg.Wait()

	return dedupe(shared.snapshot()), nil
}

func (s *Swarm) generate(ctx context.Context, spec *store.Specification, t task, shared *sharedResults) (*store.Attempt, error) {
	strategy := t.strategy
	var sibling *store.Attempt
	if strategy == store.StrategyMutation {
		sibling = shared.randomCompleted()
		if sibling == nil {
			strategy = store.StrategyVanilla
		}
	}

	specJSON, _ := json.Marshal(spec)

	var siblingText string
	if sibling != nil {
		siblingJSON, _ := json.Marshal(sibling)
		siblingText = string(siblingJSON)
	}

	prompt, err := gateway.RenderPrompt(capability.PurposeImplement, struct {
		Strategy       string
		Specification  string
		MayTouch       []string
		MustNotTouch   []string
		SiblingAttempt string
	}{string(strategy), string(specJSON), spec.MayTouch, spec.MustNotTouch, siblingText})
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if s.callDeadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.callDeadline)
		defer cancel()
	}

	resp, err := s.client.Complete(callCtx, gateway.Request{
		Purpose:  capability.PurposeImplement,
		Messages: []gateway.Message{{Role: "user", Content: prompt}},
		Ledger:   s.ledger,
	})
	if err != nil {
		return nil, err
	}

	var ir implementResponse
	raw := gateway.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("swarm: no JSON object found in implement response")
	}
	if err := json.Unmarshal([]byte(raw), &ir); err != nil {
		return nil, fmt.Errorf("swarm: malformed implement response: %w", err)
	}

	changes := make([]store.FileChange, 0, len(ir.Changes))
	for _, c := range ir.Changes {
		action := store.FileAction(c.Action)
		fc := store.FileChange{Path: c.Path, Action: action, Content: c.Content}
		if !isValidPath(fc, spec.MayTouch, spec.MustNotTouch) {
			return nil, fmt.Errorf("swarm: path %q violates may_touch/must_not_touch", fc.Path)
		}
		changes = append(changes, fc)
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("swarm: empty change set")
	}

	confidence := ir.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &store.Attempt{
		SpecID:      spec.ID,
		SpecVersion: spec.Version,
		Strategy:    strategy,
		Changes:     changes,
		Approach:    ir.Approach,
		Confidence:  confidence,
		Status:      store.AttemptPending,
		ContentHash: contentHash(changes),
	}, nil
}

// isValidPath reports whether fc may be applied: its path must match at
// least one may_touch pattern and none of must_not_touch, and content
// must be present iff the action is not delete.
func isValidPath(fc store.FileChange, mayTouch, mustNotTouch []string) bool {
	if (fc.Action == store.ActionDelete) == (fc.Content != "") {
		return false
	}
	for _, pattern := range mustNotTouch {
		if matched, _ := doublestar.Match(pattern, fc.Path); matched {
			return false
		}
	}
	for _, pattern := range mayTouch {
		if matched, _ := doublestar.Match(pattern, fc.Path); matched {
			return true
		}
		if pattern == fc.Path {
			return true
		}
	}
	return false
}

// contentHash hashes a stable encoding of an Attempt's FileChanges so
// identical-content Attempts dedup regardless of which strategy or
// ordinal produced them.
func contentHash(changes []store.FileChange) string {
	sorted := append([]store.FileChange(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, c := range sorted {
		h.Write([]byte(c.Path))
		h.Write([]byte{0})
		h.Write([]byte(c.Action))
		h.Write([]byte{0})
		h.Write([]byte(c.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// expandDistribution turns a strategy -> count map into an ordinal list,
// sorted by strategy name for reproducible ordering across runs with the
// same distribution.
func expandDistribution(dist config.StrategyDistribution) []task {
	strategies := make([]string, 0, len(dist))
	for name := range dist {
		strategies = append(strategies, name)
	}
	sort.Strings(strategies)

	var tasks []task
	for _, name := range strategies {
		count := dist[name]
		for i := 0; i < count; i++ {
			tasks = append(tasks, task{strategy: store.AttemptStrategy(name), ordinal: i})
		}
	}
	return tasks
}

// dedupe keeps the first occurrence of each content hash, in the order
// results arrived. That is completion order, which concurrent tasks can
// change from one run to the next.
func dedupe(attempts []*store.Attempt) []*store.Attempt {
	seen := make(map[string]bool, len(attempts))
	out := make([]*store.Attempt, 0, len(attempts))
	for _, a := range attempts {
		if seen[a.ContentHash] {
			continue
		}
		seen[a.ContentHash] = true
		out = append(out, a)
	}
	return out
}

// sharedResults is the mutex-guarded set of Attempts completed so far in
// a batch, consulted by the mutation strategy for a sibling to vary.
type sharedResults struct {
	mu    sync.Mutex
	items []*store.Attempt
}

func (r *sharedResults) add(a *store.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, a)
}

func (r *sharedResults) randomCompleted() *store.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil
	}
	return r.items[len(r.items)-1]
}

func (r *sharedResults) snapshot() []*store.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.Attempt(nil), r.items...)
}

// boundedPool gates concurrent generation tasks to throttle's current
// allowance, re-checked on every acquisition so a rate-limit-driven
// Halve() takes effect on in-flight batches instead of only new ones.
type boundedPool struct {
	throttle *gateway.Throttle

	mu     sync.Mutex
	active int
}

func (p *boundedPool) acquire(ctx context.Context) error {
	for {
		p.mu.Lock()
		limit := 1 << 30
		if p.throttle != nil {
			limit = p.throttle.Current()
		}
		if p.active < limit {
			p.active++
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (p *boundedPool) release() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}
