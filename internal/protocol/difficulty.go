// Package protocol implements difficulty calculation and variable difficulty (VarDiff).
package protocol

import (
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/orebit/stratum/pkg/crypto"
)

// DifficultyConfig holds VarDiff configuration.
type DifficultyConfig struct {
	InitialDifficulty float64
	MinDifficulty     float64
	MaxDifficulty     float64
	TargetShareTime   time.Duration
	RetargetTime      time.Duration
	RetargetMinShares int
	MaxStepUp         float64
	MaxStepDown       float64
}

// VarDiff implements variable difficulty adjustment for miners.
type VarDiff struct {
	config DifficultyConfig
}

// WorkerDiffState tracks difficulty state for a single worker.
type WorkerDiffState struct {
	CurrentDifficulty   float64
	ShareCount          int64
	TotalShares         int64
	WindowStart         time.Time
	LastRetargetTime    time.Time
	SuggestedDifficulty float64
	mu                  sync.Mutex
}

// NewVarDiff creates a new VarDiff calculator.
func NewVarDiff(cfg DifficultyConfig) *VarDiff {
	return &VarDiff{config: cfg}
}

// NewWorkerDiffState creates a new difficulty state for a worker.
func NewWorkerDiffState(initialDiff float64) *WorkerDiffState {
	now := time.Now()
	return &WorkerDiffState{
		CurrentDifficulty: initialDiff,
		WindowStart:       now,
		LastRetargetTime:  now,
	}
}

// Suggest records a client-requested difficulty (mining.suggest_difficulty).
// It replaces the normal hashrate-derived estimate at the worker's next
// retarget opportunity, still subject to the usual step and min/max
// clamping.
func (w *WorkerDiffState) Suggest(difficulty float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.SuggestedDifficulty = difficulty
}

// RecordShare records a share submission against the current window.
func (w *WorkerDiffState) RecordShare(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ShareCount++
	w.TotalShares++
}

// GetAverageShareTime returns the average interval between shares in
// the current window.
func (w *WorkerDiffState) GetAverageShareTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ShareCount < 2 {
		return 0
	}

	elapsed := time.Since(w.WindowStart)
	return elapsed / time.Duration(w.ShareCount)
}

// ShouldRetarget reports whether enough time and enough shares have
// accumulated since the last retarget to attempt one.
func (v *VarDiff) ShouldRetarget(state *WorkerDiffState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()

	return time.Since(state.LastRetargetTime) >= v.config.RetargetTime &&
		state.ShareCount >= int64(v.config.RetargetMinShares)
}

// CalculateNewDifficulty estimates the worker's hashrate from the
// shares observed in the current window and derives the difficulty
// that would produce one share roughly every TargetShareTime at that
// hashrate, clamped by the configured step and difficulty bounds. The
// window resets whether or not the difficulty actually changes.
func (v *VarDiff) CalculateNewDifficulty(state *WorkerDiffState) (float64, bool) {
	state.mu.Lock()
	defer state.mu.Unlock()

	defer func() {
		state.ShareCount = 0
		state.WindowStart = time.Now()
		state.LastRetargetTime = time.Now()
	}()

	if state.ShareCount < int64(v.config.RetargetMinShares) {
		return state.CurrentDifficulty, false
	}

	var ideal float64
	if state.SuggestedDifficulty > 0 {
		ideal = state.SuggestedDifficulty
		state.SuggestedDifficulty = 0
	} else {
		elapsed := time.Since(state.WindowStart).Seconds()
		if elapsed <= 0 {
			return state.CurrentDifficulty, false
		}

		// hashes submitted ≈ shares * difficulty * 2^32; dividing by the
		// elapsed window gives an estimated hashrate, which projected back
		// over the target share interval gives the difficulty that would
		// yield one share every TargetShareTime.
		const diff1Hashes = 4294967296.0 // 2^32
		hashrate := float64(state.ShareCount) * state.CurrentDifficulty * diff1Hashes / elapsed
		ideal = hashrate * v.config.TargetShareTime.Seconds() / diff1Hashes
	}

	newDiff := ideal
	switch {
	case newDiff > state.CurrentDifficulty:
		if max := state.CurrentDifficulty * v.config.MaxStepUp; newDiff > max {
			newDiff = max
		}
	case newDiff < state.CurrentDifficulty:
		if min := state.CurrentDifficulty * v.config.MaxStepDown; newDiff < min {
			newDiff = min
		}
	}

	if newDiff < v.config.MinDifficulty {
		newDiff = v.config.MinDifficulty
	} else if newDiff > v.config.MaxDifficulty {
		newDiff = v.config.MaxDifficulty
	}

	if math.Abs(newDiff-state.CurrentDifficulty)/state.CurrentDifficulty < 0.10 {
		return state.CurrentDifficulty, false
	}

	state.CurrentDifficulty = newDiff
	return newDiff, true
}

// DifficultyToTarget converts a pool difficulty to its 256-bit target.
func DifficultyToTarget(difficulty float64) *big.Int {
	return crypto.DifficultyToTarget(difficulty)
}

// TargetToDifficulty converts a 256-bit target to a pool difficulty.
func TargetToDifficulty(target *big.Int) float64 {
	return crypto.TargetToDifficulty(target)
}

// ShareDifficulty computes the pool difficulty represented by a
// share's double-SHA256 hash, interpreted as a little-endian 256-bit
// integer the same way HashMeetsTarget does.
func ShareDifficulty(hash []byte) float64 {
	return crypto.TargetToDifficulty(crypto.LEBytesToInt(hash))
}
