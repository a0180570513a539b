package crypto

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestBitsToTargetMantissaClamp(t *testing.T) {
	// mant = 0x7FFFFF and mant = 0x800000 must produce identical targets.
	a := BitsToTarget(0x04_7FFFFF)
	b := BitsToTarget(0x04_800000)

	if a.Cmp(b) != 0 {
		t.Fatalf("expected clamp to equalize targets, got %x and %x", a, b)
	}
}

func TestBitsToTargetKnownValue(t *testing.T) {
	// Genesis block bits: 0x1d00ffff
	target := BitsToTarget(0x1d00ffff)
	want, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)

	if target.Cmp(want) != 0 {
		t.Fatalf("got %x want %x", target, want)
	}
}

func TestDifficultyToTargetRoundTrip(t *testing.T) {
	target := DifficultyToTarget(1)
	if target.Cmp(pdiff1) != 0 {
		t.Fatalf("difficulty 1 target mismatch: got %x want %x", target, pdiff1)
	}

	target2 := DifficultyToTarget(2)
	half := new(big.Int).Rsh(pdiff1, 1)
	if target2.Cmp(half) != 0 {
		t.Fatalf("difficulty 2 target mismatch: got %x want %x", target2, half)
	}
}

func TestHashMeetsTarget(t *testing.T) {
	target := DifficultyToTarget(1)

	low := make([]byte, 32) // all zero little-endian value = 0, meets any target
	if !HashMeetsTarget(low, target) {
		t.Fatal("zero hash should meet any positive target")
	}

	high := make([]byte, 32)
	for i := range high {
		high[i] = 0xff
	}
	if HashMeetsTarget(high, target) {
		t.Fatal("max hash should not meet a difficulty-1 target")
	}
}

func TestMerkleRootSingleTx(t *testing.T) {
	leaf, _ := hex.DecodeString("aa00000000000000000000000000000000000000000000000000000000000000"[:64])
	root := MerkleRoot([][]byte{leaf})

	if string(root) != string(leaf) {
		t.Fatal("single-transaction merkle root must equal the coinbase txid")
	}

	branch := MerkleBranch([][]byte{leaf})
	if branch != nil {
		t.Fatalf("single-transaction merkle branch must be empty, got %v", branch)
	}
}

func TestSwapWordOrderSelfInverse(t *testing.T) {
	display := make([]byte, 32)
	for i := range display {
		display[i] = byte(i)
	}

	wire := SwapWordOrder(display)
	back := SwapWordOrder(wire)

	if string(back) != string(display) {
		t.Fatalf("SwapWordOrder twice should return the original, got %x want %x", back, display)
	}
	if string(wire) == string(display) {
		t.Fatal("SwapWordOrder should actually reorder the words")
	}
}

func TestMerkleBranchOddLevelDuplicatesLast(t *testing.T) {
	h := func(b byte) []byte {
		out := make([]byte, 32)
		out[0] = b
		return out
	}

	txs := [][]byte{h(1), h(2), h(3)}
	root := MerkleRoot(txs)

	branch := MerkleBranch(txs)
	recomputed := ApplyMerkleBranch(txs[0], branch)

	if string(recomputed) != string(root) {
		t.Fatal("branch must reconstruct the same root computed directly")
	}
}
