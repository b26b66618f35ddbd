package rank

import (
	"testing"

	"github.com/manifestdev/manifest/config"
	"github.com/manifestdev/manifest/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weights() config.RankWeights {
	return config.RankWeights{Assertions: 0.4, Simplicity: 0.3, Readability: 0.2, Performance: 0.1}
}

func passedVerification(passed, total int) *store.Verification {
	return &store.Verification{ID: "v1", Passed: true, AssertionsPassed: passed, AssertionsTotal: total}
}

func TestScoreAssertionsAlwaysFullForPassedVerification(t *testing.T) {
	c := Candidate{
		Attempt:      &store.Attempt{ID: "a1"},
		Verification: passedVerification(3, 3),
	}
	s := Score(c, weights())
	assert.Equal(t, 1.0, s.Assertions)
}

func TestScoreSimplicityDecaysWithSizeAndNesting(t *testing.T) {
	small := Candidate{
		Attempt:      &store.Attempt{ID: "a1", Changes: []store.FileChange{{Path: "x.go", Action: store.ActionCreate, Content: "package x"}}},
		Verification: passedVerification(1, 1),
	}
	large := Candidate{
		Attempt: &store.Attempt{ID: "a2", Changes: []store.FileChange{{
			Path: "y.go", Action: store.ActionCreate,
			Content: "package y\nfunc f() { if true { if true { if true { return } } } }\n" +
				"func g() { if true { if true { if true { return } } } }\n" +
				"func h() { if true { if true { if true { return } } } }\n",
		}}},
		Verification: passedVerification(1, 1),
	}

	smallScore := Score(small, weights())
	largeScore := Score(large, weights())
	assert.Greater(t, smallScore.Simplicity, largeScore.Simplicity)
}

func TestScoreRedistributesReadabilityWeightWhenAbsent(t *testing.T) {
	c := Candidate{
		Attempt:      &store.Attempt{ID: "a1"},
		Verification: passedVerification(2, 2),
	}
	withReadability := 0.9
	c.Readability = &withReadability
	scoredWithAI := Score(c, weights())

	c.Readability = nil
	scoredWithoutAI := Score(c, weights())

	// Readability is reported as a neutral 0.5, but its weight is
	// redistributed to the other axes, so it adds nothing to Overall.
	assert.Equal(t, neutralReadability, scoredWithoutAI.Readability)
	assert.NotEqual(t, scoredWithAI.Overall, scoredWithoutAI.Overall)
}

func TestRankOrdersByOverallScoreDescending(t *testing.T) {
	candidates := []Candidate{
		{
			Attempt:      &store.Attempt{ID: "a-low", Confidence: 0.5, Changes: []store.FileChange{{Path: "x.go", Action: store.ActionCreate, Content: string(make([]byte, 500))}}},
			Verification: passedVerification(1, 2),
		},
		{
			Attempt:      &store.Attempt{ID: "a-high", Confidence: 0.9, Changes: []store.FileChange{{Path: "y.go", Action: store.ActionCreate, Content: "x"}}},
			Verification: passedVerification(2, 2),
		},
	}

	survivors := Rank(candidates, weights(), 10)
	require.Len(t, survivors, 2)
	assert.Equal(t, "a-high", survivors[0].AttemptID)
	assert.Equal(t, 1, survivors[0].Rank)
	assert.Equal(t, "a-low", survivors[1].AttemptID)
	assert.Equal(t, 2, survivors[1].Rank)
}

func TestRankTieBreaksByConfidenceThenLinesThenID(t *testing.T) {
	tiedScoreVerification := passedVerification(1, 1)
	candidates := []Candidate{
		{Attempt: &store.Attempt{ID: "z", Confidence: 0.5}, Verification: tiedScoreVerification},
		{Attempt: &store.Attempt{ID: "a", Confidence: 0.5}, Verification: tiedScoreVerification},
		{Attempt: &store.Attempt{ID: "m", Confidence: 0.9}, Verification: tiedScoreVerification},
	}

	survivors := Rank(candidates, weights(), 10)
	require.Len(t, survivors, 3)
	// Highest confidence wins first; the two 0.5-confidence, zero-line,
	// equal-score attempts then break by attempt ID ascending.
	assert.Equal(t, "m", survivors[0].AttemptID)
	assert.Equal(t, "a", survivors[1].AttemptID)
	assert.Equal(t, "z", survivors[2].AttemptID)
}

func TestRankRespectsTopK(t *testing.T) {
	candidates := []Candidate{
		{Attempt: &store.Attempt{ID: "a1"}, Verification: passedVerification(1, 1)},
		{Attempt: &store.Attempt{ID: "a2"}, Verification: passedVerification(1, 1)},
		{Attempt: &store.Attempt{ID: "a3"}, Verification: passedVerification(1, 1)},
	}
	survivors := Rank(candidates, weights(), 2)
	assert.Len(t, survivors, 2)
}
