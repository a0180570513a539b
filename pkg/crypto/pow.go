// Package crypto provides cryptographic utilities for mining.
package crypto

import (
	"crypto/sha256"
	"math/big"
)

// pdiff1 is the Bitcoin "pool difficulty 1" target:
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000
var pdiff1 = func() *big.Int {
	t := new(big.Int)
	t.SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return t
}()

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes reverses a byte slice and returns a new copy.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		result[i] = data[len(data)-1-i]
	}
	return result
}

// SwapEndian32 swaps the endianness of a 32-byte hash word by word,
// the Stratum "swab" convention used for prevhash on the wire.
func SwapEndian32(hash []byte) []byte {
	if len(hash) != 32 {
		return hash
	}

	result := make([]byte, 32)
	for i := 0; i < 8; i++ {
		for j := 0; j < 4; j++ {
			result[i*4+j] = hash[i*4+(3-j)]
		}
	}
	return result
}

// SwapWordOrder reverses the order of the eight 4-byte words in a
// 32-byte hash while leaving each word's internal byte order untouched.
// Combined with SwapEndian32 this reproduces the conversion pools use
// between a node's display-order block hash and the word-swapped form
// sent to miners as the Stratum prevhash: wire = SwapWordOrder(display),
// and since the combination of the two swaps is its own inverse,
// display = SwapWordOrder(wire) and the header's internal byte order is
// recovered from the wire value with SwapEndian32(wire) alone.
func SwapWordOrder(hash []byte) []byte {
	if len(hash) != 32 {
		return hash
	}

	result := make([]byte, 32)
	for word := 0; word < 8; word++ {
		copy(result[word*4:word*4+4], hash[(7-word)*4:(7-word)*4+4])
	}
	return result
}

// LEBytesToInt interprets a byte slice as a little-endian unsigned integer.
func LEBytesToInt(data []byte) *big.Int {
	return new(big.Int).SetBytes(ReverseBytes(data))
}

// BitsToTarget expands a compact 32-bit "nbits" value into a 256-bit target.
//
// Let exp = bits >> 24, mant = bits & 0xFFFFFF. If mant is above the
// maximum representable positive mantissa it is clamped, per Bitcoin
// Core's compact-number rules. target = mant * 256^(exp-3).
func BitsToTarget(bits uint32) *big.Int {
	exp := bits >> 24
	mant := bits & 0xFFFFFF

	if mant > 0x7FFFFF {
		mant = 0x7FFFFF
	}

	target := new(big.Int).SetUint64(uint64(mant))

	shift := int(exp) - 3
	if shift > 0 {
		target.Lsh(target, uint(8*shift))
	} else if shift < 0 {
		target.Rsh(target, uint(-8*shift))
	}

	return target
}

// TargetToBits compresses a 256-bit target into the compact "nbits" form.
func TargetToBits(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}

	b := target.Bytes() // big-endian, no leading zeros
	size := len(b)

	var mant uint32
	switch {
	case size >= 3:
		mant = uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	case size == 2:
		mant = uint32(b[0])<<8 | uint32(b[1])
	case size == 1:
		mant = uint32(b[0])
	}

	if mant&0x00800000 != 0 {
		mant >>= 8
		size++
	}

	return uint32(size)<<24 | mant
}

// DifficultyToTarget converts a pool-difficulty value to its 256-bit
// target: floor(pdiff1 / difficulty).
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}

	// Represent difficulty as a rational to avoid float rounding of the
	// (potentially huge) pdiff1 numerator.
	diffRat := new(big.Rat).SetFloat64(difficulty)
	if diffRat == nil {
		diffRat = big.NewRat(1, 1)
	}

	num := new(big.Rat).SetInt(pdiff1)
	result := new(big.Rat).Quo(num, diffRat)

	quotient := new(big.Int).Quo(result.Num(), result.Denom())
	return quotient
}

// TargetToDifficulty converts a 256-bit target back to a pool-difficulty
// value: pdiff1 / target.
func TargetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}

	result := new(big.Rat).SetFrac(pdiff1, target)
	f, _ := result.Float64()
	return f
}

// HashMeetsTarget reports whether hash, interpreted as a little-endian
// 256-bit unsigned integer, is at most target.
func HashMeetsTarget(hash []byte, target *big.Int) bool {
	value := LEBytesToInt(hash)
	return value.Cmp(target) <= 0
}

// MerkleRoot calculates the merkle root from a list of transaction
// hashes, duplicating the last element of any odd-length level.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, 32)
	}

	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			next[i/2] = DoubleSHA256(combined)
		}
		level = next
	}

	return level[0]
}

// MerkleBranch computes the ordered sibling hashes along the path from
// the first element (the coinbase) up to the root, without the root
// itself. Miners use this to recompute the root after rolling the
// coinbase's extranonce.
func MerkleBranch(hashes [][]byte) [][]byte {
	if len(hashes) <= 1 {
		return nil
	}

	branch := make([][]byte, 0, len(hashes))
	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		branch = append(branch, level[1])

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			next[i/2] = DoubleSHA256(combined)
		}
		level = next
	}

	return branch
}

// ApplyMerkleBranch recomputes a merkle root from a leaf hash (typically
// the coinbase transaction hash) and the ordered sibling hashes of its
// branch.
func ApplyMerkleBranch(leaf []byte, branch [][]byte) []byte {
	h := make([]byte, 32)
	copy(h, leaf)

	for _, sibling := range branch {
		combined := make([]byte, 64)
		copy(combined[0:32], h)
		copy(combined[32:64], sibling)
		h = DoubleSHA256(combined)
	}

	return h
}
