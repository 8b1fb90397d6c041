package gateway

import (
	"math/rand"
	"sync"
)

// SuccessPredicate decides whether a simulated charge succeeds.
type SuccessPredicate func(req ChargeRequest) bool

func AlwaysSucceed(ChargeRequest) bool { return true }

func AlwaysFail(ChargeRequest) bool { return false }

// RandomPredicate succeeds with probability rate using its own source.
func RandomPredicate(rate float64, source rand.Source) SuccessPredicate {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	rng := rand.New(source)
	var mu sync.Mutex
	return func(ChargeRequest) bool {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64() < rate
	}
}

// SequencePredicate replays outcomes in order, repeating the last one once
// the sequence is exhausted. An empty sequence always fails.
func SequencePredicate(outcomes ...bool) SuccessPredicate {
	var (
		mu   sync.Mutex
		next int
	)
	return func(ChargeRequest) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(outcomes) == 0 {
			return false
		}
		idx := next
		if idx >= len(outcomes) {
			idx = len(outcomes) - 1
		} else {
			next++
		}
		return outcomes[idx]
	}
}
