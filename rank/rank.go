// Package rank implements the Ranking Engine: scoring passed
// Verifications along the assertions/simplicity/readability/performance
// axes and producing a total, deterministic order over the survivors.
package rank

import (
	"sort"
	"strings"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/store"
)

// Candidate pairs one passed Verification with its Attempt, the unit
// the Ranking Engine scores.
type Candidate struct {
	Attempt      *store.Attempt
	Verification *store.Verification
	// Readability is the optional AI-assessed score from the score
	// purpose, in [0,1]. nil means unavailable, and the axis's weight is
	// redistributed across the others per SPEC_FULL.md's resolution of
	// the corresponding Open Question.
	Readability *float64
}

// simplicityLineScale and simplicityDepthScale control how quickly the
// simplicity axis decays as changed lines and brace nesting grow; both
// chosen so a handful-of-lines, shallow-nesting change scores near 1.0
// and a large, deeply nested one decays toward 0.
const (
	simplicityLineScale  = 80.0
	simplicityDepthScale = 12.0
)

// neutralReadability is substituted when no AI-assessed score is
// available, so the axis still contributes a defined (if uninformative)
// value before its weight is redistributed.
const neutralReadability = 0.5

// Rank scores every candidate (all of which must have a passed
// Verification), sorts them into a total deterministic order, and
// returns the top K as ranked Survivors. Ties break by higher
// confidence, then lower changed-line count, then earlier attempt ID.
func Rank(candidates []Candidate, weights config.RankWeights, topK int) []*store.Survivor {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{
			Candidate: c,
			score:     Score(c, weights),
			lines:     changedLines(c.Attempt.Changes),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score.Overall != b.score.Overall {
			return a.score.Overall > b.score.Overall
		}
		if a.Attempt.Confidence != b.Attempt.Confidence {
			return a.Attempt.Confidence > b.Attempt.Confidence
		}
		if a.lines != b.lines {
			return a.lines < b.lines
		}
		return a.Attempt.ID < b.Attempt.ID
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}

	out := make([]*store.Survivor, 0, len(scored))
	for i, c := range scored {
		out = append(out, &store.Survivor{
			AttemptID:      c.Attempt.ID,
			VerificationID: c.Verification.ID,
			Rank:           i + 1,
			Score:          c.score,
		})
	}
	return out
}

type scoredCandidate struct {
	Candidate
	score store.Score
	lines int
}

// Score computes a Candidate's per-axis and overall score. assertions is
// always 1.0 for a passed Verification (spec.md 3's Survivor invariant);
// assertion weight is deliberately not folded in here — see
// SPEC_FULL.md's Open Question resolution, which uses weight in failure
// reporting instead.
func Score(c Candidate, weights config.RankWeights) store.Score {
	assertions := 1.0
	if c.Verification.AssertionsTotal > 0 {
		assertions = float64(c.Verification.AssertionsPassed) / float64(c.Verification.AssertionsTotal)
	}

	simplicity := simplicityScore(c.Attempt.Changes)

	readability := neutralReadability
	readabilityAvailable := c.Readability != nil
	if readabilityAvailable {
		readability = *c.Readability
	}

	performance := 1.0

	w := weights
	if !readabilityAvailable {
		w = redistribute(weights)
	}

	overall := assertions*w.Assertions + simplicity*w.Simplicity + readability*w.Readability + performance*w.Performance

	return store.Score{
		Assertions:  assertions,
		Simplicity:  simplicity,
		Readability: readability,
		Performance: performance,
		Overall:     clamp01(overall),
	}
}

// redistribute zeroes the readability weight and spreads it
// proportionally across the remaining three axes, so their relative
// proportions to each other are preserved.
func redistribute(w config.RankWeights) config.RankWeights {
	remaining := w.Assertions + w.Simplicity + w.Performance
	if remaining <= 0 {
		return config.RankWeights{Assertions: 1.0 / 3, Simplicity: 1.0 / 3, Performance: 1.0 / 3}
	}
	extra := w.Readability
	return config.RankWeights{
		Assertions:  w.Assertions + extra*(w.Assertions/remaining),
		Simplicity:  w.Simplicity + extra*(w.Simplicity/remaining),
		Performance: w.Performance + extra*(w.Performance/remaining),
		Readability: 0,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// simplicityScore is a monotonically decreasing function of total
// changed lines and maximum brace-nesting depth across an Attempt's
// files, normalized to [0,1].
func simplicityScore(changes []store.FileChange) float64 {
	lines := float64(changedLines(changes))
	depth := float64(maxBraceDepth(changes))
	return clamp01(1.0 / (1.0 + lines/simplicityLineScale + depth/simplicityDepthScale))
}

func changedLines(changes []store.FileChange) int {
	total := 0
	for _, c := range changes {
		if c.Action == store.ActionDelete {
			total++
			continue
		}
		total += strings.Count(c.Content, "\n") + 1
	}
	return total
}

func maxBraceDepth(changes []store.FileChange) int {
	max := 0
	for _, c := range changes {
		depth := 0
		for _, r := range c.Content {
			switch r {
			case '{':
				depth++
				if depth > max {
					max = depth
				}
			case '}':
				if depth > 0 {
					depth--
				}
			}
		}
	}
	return max
}
