package stratum

import (
	"encoding/hex"
	"sync"
)

// TailAllocator hands out unique extranonce tails to Stratum downstream
// clients: an integer cursor over 1..0xffff (skipping 0 and the reserved
// 0xff), serialized as a single byte for 1..0xfe, else as 2 big-endian bytes
// (spec §4.4, §8).
// Grounded on original_source/mining_libs/stratum_listener.py's
// _get_unused_tail/_drop_tail/var_int.
type TailAllocator struct {
	mu        sync.Mutex
	next      uint32
	allocated map[uint32]bool
}

// NewTailAllocator returns an allocator with no tails allocated yet.
func NewTailAllocator() *TailAllocator {
	return &TailAllocator{allocated: make(map[uint32]bool)}
}

// Allocate returns a fresh tail value and its wire encoding. It returns
// ErrExtranonceExhausted once all 0xfffe (65534) allocatable slots are in use.
func (a *TailAllocator) Allocate() (value uint32, encoded []byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// 0xff is reserved (never allocated), so only 0xfffe of the 0xffff
	// non-zero slots are actually allocatable; checking against 0xffff here
	// would let the search loop below spin forever once full.
	if len(a.allocated) >= 0xfffe {
		return 0, nil, ErrExtranonceExhausted
	}
	for {
		a.next++
		if a.next == 0xff {
			// 0xff is reserved as the single-byte/two-byte boundary marker,
			// matching var_int's prefix-byte convention: values 1..0xfe are
			// single-byte tails, 0x0100 onward are two-byte (spec §8: first
			// 254 subscribes yield 01..fe, the 255th yields 0100).
			a.next = 0x100
		}
		if a.next > 0xffff {
			a.next = 1
		}
		if !a.allocated[a.next] {
			break
		}
	}
	a.allocated[a.next] = true
	return a.next, encodeTail(a.next), nil
}

// Release frees a previously allocated tail (on client disconnect).
func (a *TailAllocator) Release(value uint32) {
	a.mu.Lock()
	delete(a.allocated, value)
	a.mu.Unlock()
}

func encodeTail(v uint32) []byte {
	if v <= 0xfe {
		return []byte{byte(v)}
	}
	return []byte{byte(v >> 8), byte(v)}
}

// TailHex is a convenience wrapper returning the hex form of an encoded
// tail.
func TailHex(encoded []byte) string {
	return hex.EncodeToString(encoded)
}
