package balancer

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
)

// Candidate is the view a Rule sees of one eligible target.
type Candidate struct {
	ID     string
	Load   float64
	Weight int
}

// Rule picks one of a non-empty candidate list and returns its index.
type Rule interface {
	Name() string
	Pick(cands []Candidate) int
}

const (
	RuleLeastLoaded = "least_loaded"
	RuleRoundRobin  = "round_robin"
	RuleRandom      = "random"
	RuleWeighted    = "weighted"
)

// NewRule returns the rule registered under name. An empty name selects
// least-loaded.
func NewRule(name string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(name, "-", "_"))) {
	case "", RuleLeastLoaded:
		return LeastLoaded{}, nil
	case RuleRoundRobin:
		return &RoundRobin{}, nil
	case RuleRandom:
		return Random{}, nil
	case RuleWeighted, "weighted_random":
		return Weighted{}, nil
	default:
		return nil, fmt.Errorf("balancer: unknown rule %q", name)
	}
}

// LeastLoaded groups candidates by load and picks at random within the
// lowest group.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return RuleLeastLoaded }

func (LeastLoaded) Pick(cands []Candidate) int {
	var (
		best []int
		low  float64
	)
	for i, c := range cands {
		switch {
		case len(best) == 0 || c.Load < low:
			best, low = []int{i}, c.Load
		case c.Load == low:
			best = append(best, i)
		}
	}
	return best[rand.IntN(len(best))]
}

// RoundRobin rotates through candidates in order.
type RoundRobin struct {
	next atomic.Uint64
}

func (*RoundRobin) Name() string { return RuleRoundRobin }

func (r *RoundRobin) Pick(cands []Candidate) int {
	return int((r.next.Add(1) - 1) % uint64(len(cands)))
}

type Random struct{}

func (Random) Name() string { return RuleRandom }

func (Random) Pick(cands []Candidate) int { return rand.IntN(len(cands)) }

// Weighted picks at random proportionally to Weight. Weights below one count
// as one.
type Weighted struct{}

func (Weighted) Name() string { return RuleWeighted }

func (Weighted) Pick(cands []Candidate) int {
	total := 0
	for _, c := range cands {
		total += max(c.Weight, 1)
	}
	n := rand.IntN(total)
	for i, c := range cands {
		n -= max(c.Weight, 1)
		if n < 0 {
			return i
		}
	}
	return len(cands) - 1
}
