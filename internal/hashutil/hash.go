// Package hashutil implements the byte-level primitives shared by the job
// registry and the Stratum/getwork services: double-SHA256, the
// word-reversal convention the Stratum wire format uses for hashes, target
// arithmetic, and SHA-256 midstate computation.
package hashutil

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DoubleSHA256 returns sha256(sha256(data)). Adapted from
// ShaeOJ-GoVault/internal/node/blocktemplate.go: DoubleSHA256.
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a copy of b with byte order reversed.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// ReverseWords reverses b in 4-byte big-endian groups, the "hash-reversed"
// form the Stratum wire format uses for prevhash and merkle_root (spec §6).
func ReverseWords(b []byte) []byte {
	out := make([]byte, len(b))
	for i := 0; i+4 <= len(b); i += 4 {
		out[i], out[i+1], out[i+2], out[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
	return out
}

// ReverseHashHex reverses a hex-encoded 32-byte hash's byte order. It is its
// own inverse: ReverseHashHex(ReverseHashHex(h)) == h.
func ReverseHashHex(h string) (string, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("decode hash: %w", err)
	}
	return hex.EncodeToString(ReverseBytes(raw)), nil
}

// Diff1Target is the SHA-256 difficulty-1 target: 0x00000000ffff0000...0.
var Diff1Target = mustHex("00000000ffff0000000000000000000000000000000000000000000000000000")

// ScryptDiff1Target is the scrypt difficulty-1 target: 0x0000ffff0000...0.
var ScryptDiff1Target = mustHex("0000ffff00000000000000000000000000000000000000000000000000000000")

func mustHex(h string) *big.Int {
	n, ok := new(big.Int).SetString(h, 16)
	if !ok {
		panic("hashutil: bad constant " + h)
	}
	return n
}

// TargetForDifficulty returns floor(diff1 / difficulty). difficulty must be > 0.
func TargetForDifficulty(diff1 *big.Int, difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}
	f := new(big.Float).SetInt(diff1)
	f.Quo(f, big.NewFloat(difficulty))
	out, _ := f.Int(nil)
	return out
}

// TargetHex renders a target as 32-byte big-endian hex, left-padded with
// zeros, matching registry.target_hex in spec §3.
func TargetHex(target *big.Int) string {
	b := target.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return hex.EncodeToString(out)
}

// HashMeetsTarget interprets headerHash (as produced by DoubleSHA256 over the
// word-reversed header, i.e. little-endian 256-bit) and reports whether it is <=
// target. The convention (spec §4.3 step 2) is to reverse the raw hash bytes
// before treating them as a big-endian integer.
func HashMeetsTarget(headerHash []byte, target *big.Int) bool {
	h := new(big.Int).SetBytes(ReverseBytes(headerHash))
	return h.Cmp(target) <= 0
}

// BE32 renders v as 4-byte big-endian.
func BE32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Extranonce2Padding renders ext2 as extranonce2Size bytes, big-endian,
// left-padded with zero bytes. If ext2's natural 4-byte encoding is wider
// than extranonce2Size, the high-order surplus bytes are dropped (spec
// §4.3 step 3).
func Extranonce2Padding(ext2 uint32, extranonce2Size int) []byte {
	raw := BE32(ext2)
	missing := extranonce2Size - len(raw)
	if missing < 0 {
		return raw[-missing:]
	}
	out := make([]byte, extranonce2Size)
	copy(out[missing:], raw)
	return out
}

// GetworkPadding is the fixed 48-byte trailer appended to an 80-byte header
// to produce the 128-byte "data" field legacy getwork miners expect: a
// single-bit terminator, zero padding, and the 640-bit (80-byte) message
// length, per the standard SHA-256 final block for an 80-byte message, with
// each 4-byte word byte-swapped like the header words it follows (this fixed
// trailer, not a computed one, is what legacy miners parse).
var GetworkPadding = mustGetworkPadding()

func mustGetworkPadding() []byte {
	b, err := hex.DecodeString("000000800000000000000000000000000000000000000000000000000000000000000000000000000000000080020000")
	if err != nil {
		panic(err)
	}
	return b
}

// Hash1 is the fixed 128-byte "hash1" field value returned in getwork
// responses, the canonical second-block SHA-256 padding for a 32-byte
// message.
var Hash1 = mustHex128()

func mustHex128() string {
	b, err := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		panic(err)
	}
	b[32] = 0x80
	b[len(b)-1] = 0x00
	b[len(b)-2] = 0x01
	return hex.EncodeToString(b)
}
