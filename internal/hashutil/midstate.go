package hashutil

// Midstate computes the SHA-256 compression state after processing the
// first 64-byte block of header (which must be at least 64 bytes), with no
// length padding and no final feed-forward XOR against the original IV
// beyond the usual addition — i.e. the raw internal state after one
// compression round. Ported from original_source/src/midstate.py:
// calculateMidstate, which takes its 64-byte block word-reversed and reads
// it little-endian; reading the same bytes big-endian without reversing
// first produces the identical message schedule (reversing a word and
// swapping the endianness of its read cancel out), so this takes the header
// in true byte order and does not reverse it; callers holding the
// getwork-wire (word-reversed) form pass ReverseWords(wire). The output is packed little-endian per word,
// matching the reference's struct.pack('<IIIIIIII', ...), which is the
// convention legacy getwork miners parse the "midstate" field with.
func Midstate(header []byte) []byte {
	if len(header) < 64 {
		panic("hashutil: Midstate requires at least 64 bytes")
	}
	block := header[:64]

	var w [64]uint32
	for i := 0; i < 16; i++ {
		w[i] = uint32(block[i*4])<<24 | uint32(block[i*4+1])<<16 | uint32(block[i*4+2])<<8 | uint32(block[i*4+3])
	}
	for i := 16; i < 64; i++ {
		s0 := rotateRight(w[i-15], 7) ^ rotateRight(w[i-15], 18) ^ (w[i-15] >> 3)
		s1 := rotateRight(w[i-2], 17) ^ rotateRight(w[i-2], 19) ^ (w[i-2] >> 10)
		w[i] = addu32(w[i-16], s0, w[i-7], s1)
	}

	a, b, c, d, e, f, g, h := iv0, iv1, iv2, iv3, iv4, iv5, iv6, iv7

	for i := 0; i < 64; i++ {
		s1 := rotateRight(e, 6) ^ rotateRight(e, 11) ^ rotateRight(e, 25)
		ch := (e & f) ^ (^e & g)
		temp1 := addu32(h, s1, ch, k[i], w[i])
		s0 := rotateRight(a, 2) ^ rotateRight(a, 13) ^ rotateRight(a, 22)
		maj := (a & b) ^ (a & c) ^ (b & c)
		temp2 := addu32(s0, maj)

		h, g, f, e = g, f, e, addu32(d, temp1)
		d, c, b, a = c, b, a, addu32(temp1, temp2)
	}

	a = addu32(a, iv0)
	b = addu32(b, iv1)
	c = addu32(c, iv2)
	d = addu32(d, iv3)
	e = addu32(e, iv4)
	f = addu32(f, iv5)
	g = addu32(g, iv6)
	h = addu32(h, iv7)

	out := make([]byte, 32)
	words := [8]uint32{a, b, c, d, e, f, g, h}
	for i, v := range words {
		out[i*4] = byte(v)
		out[i*4+1] = byte(v >> 8)
		out[i*4+2] = byte(v >> 16)
		out[i*4+3] = byte(v >> 24)
	}
	return out
}

func rotateRight(v uint32, n uint) uint32 {
	return (v >> n) | (v << (32 - n))
}

func addu32(vs ...uint32) uint32 {
	var sum uint32
	for _, v := range vs {
		sum += v
	}
	return sum
}

const (
	iv0 uint32 = 0x6a09e667
	iv1 uint32 = 0xbb67ae85
	iv2 uint32 = 0x3c6ef372
	iv3 uint32 = 0xa54ff53a
	iv4 uint32 = 0x510e527f
	iv5 uint32 = 0x9b05688c
	iv6 uint32 = 0x1f83d9ab
	iv7 uint32 = 0x5be0cd19
)

var k = [64]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}
