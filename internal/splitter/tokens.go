package splitter

import "sync"

// TokenEstimator estimates the model token cost of a text span. A real
// subword tokenizer can be plugged in; the default heuristic assumes four
// characters per token.
type TokenEstimator interface {
	Estimate(text string) int
}

type heuristicEstimator struct{}

func (heuristicEstimator) Estimate(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

var (
	estimatorMu sync.RWMutex
	estimator   TokenEstimator = heuristicEstimator{}
)

// SetTokenEstimator replaces the package token estimator. Passing nil
// restores the length/4 heuristic.
func SetTokenEstimator(e TokenEstimator) {
	estimatorMu.Lock()
	defer estimatorMu.Unlock()
	if e == nil {
		e = heuristicEstimator{}
	}
	estimator = e
}

// EstimateTokenCount estimates the token cost of text using the configured
// estimator.
func EstimateTokenCount(text string) int {
	estimatorMu.RLock()
	e := estimator
	estimatorMu.RUnlock()
	return e.Estimate(text)
}
