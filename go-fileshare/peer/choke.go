package peer

import (
	"math/rand"
	"sort"
	"time"
)

// Candidate is an interested neighbor and the bytes it sent us during the
// last unchoking interval.
type Candidate struct {
	ID   string
	Rate int
}

// ChokePolicy decides who gets unchoked. The coordinator calls it with its
// lock held, candidates in roster order.
type ChokePolicy interface {
	SelectPreferred(candidates []Candidate, k int, seeding bool) (ids []string)
	SelectOptimistic(ids []string) (id string, ok bool)
}

// RateRanked unchokes the k fastest uploaders. Once seeding, rates say
// nothing useful so the k are drawn at random.
type RateRanked struct {
	Rand *rand.Rand
	// RandomTies breaks equal rates randomly; otherwise roster order wins.
	RandomTies bool
}

func NewRateRanked(seed int64) *RateRanked {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RateRanked{Rand: rand.New(rand.NewSource(seed)), RandomTies: true}
}

func sortByRate(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Rate > candidates[j].Rate
	})
}

func (r *RateRanked) shuffle(candidates []Candidate) {
	r.Rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
}

func (r *RateRanked) SelectPreferred(candidates []Candidate, k int, seeding bool) []string {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)

	if seeding {
		r.shuffle(ranked)
	} else {
		if r.RandomTies {
			r.shuffle(ranked)
		}
		sortByRate(ranked)
	}
	if k < len(ranked) {
		ranked = ranked[:k]
	}
	ids := make([]string, 0, len(ranked))
	for _, c := range ranked {
		ids = append(ids, c.ID)
	}
	return ids
}

func (r *RateRanked) SelectOptimistic(ids []string) (string, bool) {
	if len(ids) == 0 {
		return "", false
	}
	return ids[r.Rand.Intn(len(ids))], true
}
