// Package scorer ranks candidate assets by an additive momentum,
// buy-pressure and age heuristic.
package scorer

import (
	"sort"

	"github.com/trador/engine/internal/model"
)

// MinScore is the exclusive floor a top candidate must beat to be picked.
const MinScore = -20

// unknownAgeHours is assumed when a snapshot does not report its age.
const unknownAgeHours = 0.1

// Scored pairs a candidate with its total score.
type Scored struct {
	Snapshot model.Snapshot `json:"snapshot"`
	Score    int            `json:"score"`
}

// Score returns the candidate's total score. It is a pure function of
// the snapshot's 1h change, 24h buy/sell counts and age.
func Score(s model.Snapshot) int {
	return momentumScore(s.PriceChange1h) + pressureScore(s.Txns24h) + ageScore(s.AgeHours)
}

func momentumScore(p float64) int {
	switch {
	case p > 0 && p < 15:
		return 35
	case p >= 15 && p < 50:
		return 20
	case p >= 50:
		return -10
	case p >= -5: // [-5, 0]
		return 10
	default:
		return -50
	}
}

func pressureScore(t model.TxnCounts) int {
	ratio := 0.5
	if total := t.Buys + t.Sells; total > 0 {
		ratio = float64(t.Buys) / float64(total)
	}
	switch {
	case ratio > 0.60:
		return 30
	case ratio > 0.50:
		return 10
	default:
		return -10
	}
}

func ageScore(hours float64) int {
	if hours <= 0 {
		hours = unknownAgeHours
	}
	switch {
	case hours < 24:
		return 25
	case hours < 72:
		return 10
	default:
		return 0
	}
}

// Rank scores every candidate and orders them by descending score.
// Equal scores keep their input order.
func Rank(candidates []model.Snapshot) []Scored {
	ranked := make([]Scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = Scored{Snapshot: c, Score: Score(c)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Pick returns the highest-ranked candidate if its score beats MinScore.
func Pick(candidates []model.Snapshot) (Scored, bool) {
	ranked := Rank(candidates)
	if len(ranked) == 0 || ranked[0].Score <= MinScore {
		return Scored{}, false
	}
	return ranked[0], true
}
