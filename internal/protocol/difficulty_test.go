package protocol

import (
	"testing"
	"time"
)

func testVarDiff() *VarDiff {
	return NewVarDiff(DifficultyConfig{
		InitialDifficulty: 1.0,
		MinDifficulty:     0.001,
		MaxDifficulty:     1000000.0,
		TargetShareTime:   10 * time.Second,
		RetargetTime:      90 * time.Second,
		RetargetMinShares: 4,
		MaxStepUp:         4,
		MaxStepDown:       0.25,
	})
}

func TestShouldRetargetRequiresShareCount(t *testing.T) {
	v := testVarDiff()
	state := NewWorkerDiffState(1.0)
	state.LastRetargetTime = time.Now().Add(-time.Hour)

	if v.ShouldRetarget(state) {
		t.Fatal("should not retarget before RetargetMinShares shares are seen")
	}

	for i := 0; i < 4; i++ {
		state.RecordShare(time.Now())
	}

	if !v.ShouldRetarget(state) {
		t.Fatal("should retarget once enough time and shares have elapsed")
	}
}

func TestCalculateNewDifficultyStepUpClamped(t *testing.T) {
	v := testVarDiff()
	state := NewWorkerDiffState(1.0)
	state.WindowStart = time.Now().Add(-time.Second) // very short window -> huge estimated hashrate
	for i := 0; i < 20; i++ {
		state.RecordShare(time.Now())
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected a difficulty change")
	}

	maxAllowed := 1.0 * v.config.MaxStepUp
	if newDiff > maxAllowed {
		t.Fatalf("difficulty increase exceeded MaxStepUp: got %f, max %f", newDiff, maxAllowed)
	}
}

func TestCalculateNewDifficultyIgnoresSmallChanges(t *testing.T) {
	v := testVarDiff()
	state := NewWorkerDiffState(1.0)
	// One share roughly every 10s at difficulty 1 reproduces the target
	// share time almost exactly, so the change should fall under the
	// 10% materiality threshold and be skipped.
	state.WindowStart = time.Now().Add(-40 * time.Second)
	for i := 0; i < 4; i++ {
		state.RecordShare(time.Now())
	}

	_, changed := v.CalculateNewDifficulty(state)
	if changed {
		t.Fatal("a near-target share rate should not trigger a retarget")
	}
}

func TestCalculateNewDifficultyRespectsMinMax(t *testing.T) {
	v := testVarDiff()
	v.config.MinDifficulty = 0.5
	v.config.MaxDifficulty = 2.0
	v.config.MaxStepDown = 0.01 // allow the clamp to bite before MinDifficulty does

	state := NewWorkerDiffState(1.0)
	state.WindowStart = time.Now().Add(-10000 * time.Second) // very low estimated hashrate
	for i := 0; i < 4; i++ {
		state.RecordShare(time.Now())
	}

	newDiff, changed := v.CalculateNewDifficulty(state)
	if !changed {
		t.Fatal("expected a difficulty change")
	}
	if newDiff < v.config.MinDifficulty {
		t.Fatalf("difficulty %f fell below MinDifficulty %f", newDiff, v.config.MinDifficulty)
	}
	if newDiff > v.config.MaxDifficulty {
		t.Fatalf("difficulty %f rose above MaxDifficulty %f", newDiff, v.config.MaxDifficulty)
	}
}

func TestDifficultyTargetRoundTrip(t *testing.T) {
	target := DifficultyToTarget(4.0)
	got := TargetToDifficulty(target)

	if got < 3.99 || got > 4.01 {
		t.Fatalf("difficulty round trip drifted: got %f want ~4.0", got)
	}
}
