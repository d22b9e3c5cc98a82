package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDoubleSHA256IsShaOfSha(t *testing.T) {
	data := []byte("stratum proxy test vector")
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	assert.Equal(t, second[:], DoubleSHA256(data))
}

func TestReverseBytesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 64).Draw(t, "n")
		b := rapid.SliceOfN(rapid.Byte(), n, n).Draw(t, "b")
		assert.Equal(t, b, ReverseBytes(ReverseBytes(b)))
	})
}

func TestReverseHashHexRoundTrip(t *testing.T) {
	h := "3b2ce536b2e5a53e8dbf6ec971f792da32b1cb9d0922518b29113971c66cbfeb"
	once, err := ReverseHashHex(h)
	require.NoError(t, err)
	twice, err := ReverseHashHex(once)
	require.NoError(t, err)
	assert.Equal(t, h, twice)
}

func TestReverseWordsGroupsOfFour(t *testing.T) {
	in, err := hex.DecodeString("0102030405060708")
	require.NoError(t, err)
	out := ReverseWords(in)
	assert.Equal(t, "0403020108070605", hex.EncodeToString(out))
}

func TestTargetForDifficultyHalvesWithDoubleDifficulty(t *testing.T) {
	t1 := TargetForDifficulty(Diff1Target, 1)
	t2 := TargetForDifficulty(Diff1Target, 2)
	assert.Equal(t, 0, t1.Cmp(Diff1Target))
	// target(d=2) should be roughly half of target(d=1)
	half := new(big.Int).Div(t1, big.NewInt(2))
	diff := new(big.Int).Sub(half, t2)
	diff.Abs(diff)
	assert.True(t, diff.Cmp(big.NewInt(1)) <= 0)
}

func TestTargetHexLength(t *testing.T) {
	target := TargetForDifficulty(Diff1Target, 1000)
	hexStr := TargetHex(target)
	assert.Len(t, hexStr, 64)
}

func TestHashMeetsTargetBoundary(t *testing.T) {
	target := big.NewInt(0xff)
	below := ReverseBytes(append(make([]byte, 31), 0x10))
	atTarget := ReverseBytes(append(make([]byte, 31), 0xff))
	assert.True(t, HashMeetsTarget(below, target))
	assert.True(t, HashMeetsTarget(atTarget, target))

	tooHigh := ReverseBytes(append(make([]byte, 30), 0x01, 0x00))
	assert.False(t, HashMeetsTarget(tooHigh, target))
}

func TestExtranonce2PaddingWidensAndTruncates(t *testing.T) {
	padded := Extranonce2Padding(0x01, 4)
	assert.Equal(t, "00000001", hex.EncodeToString(padded))

	truncated := Extranonce2Padding(0x0102, 1)
	assert.Equal(t, "02", hex.EncodeToString(truncated))
}

func TestBE32(t *testing.T) {
	assert.Equal(t, "00000001", hex.EncodeToString(BE32(1)))
	assert.Equal(t, "ffffffff", hex.EncodeToString(BE32(0xffffffff)))
}
