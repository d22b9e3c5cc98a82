// Package statsdb persists a small set of proxy-local operational counters
// (shares accepted/rejected, last-seen difficulty) across restarts, using
// an embedded KV store rather than a relational one since the data is a
// handful of scalar counters, not rows. This is a SPEC_FULL.md enrichment,
// not part of spec.md's core; it never touches pool-side accounting (an
// explicit Non-goal). Modeled on ShaeOJ-GoVault/internal/database/buffer.go's
// periodic-flush idiom, backed by github.com/syndtr/goleveldb instead of the
// teacher's SQLite (see DESIGN.md for the substitution rationale).
package statsdb

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

const flushInterval = 30 * time.Second

var (
	keyAccepted   = []byte("shares_accepted")
	keyRejected   = []byte("shares_rejected")
	keyDifficulty = []byte("last_difficulty")
)

// Store buffers counters in memory and periodically flushes them to disk.
type Store struct {
	db *leveldb.DB

	mu         sync.Mutex
	accepted   uint64
	rejected   uint64
	difficulty uint64 // math.Float64bits

	stop    chan struct{}
	stopped chan struct{}
}

// Open opens (or creates) the goleveldb store at dir and restores any
// previously flushed counters.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, stop: make(chan struct{}), stopped: make(chan struct{})}
	s.accepted = readUint64(db, keyAccepted)
	s.rejected = readUint64(db, keyRejected)
	s.difficulty = readUint64(db, keyDifficulty)
	go s.loop()
	return s, nil
}

func readUint64(db *leveldb.DB, key []byte) uint64 {
	v, err := db.Get(key, nil)
	if err != nil || len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// RecordShare increments the accepted or rejected counter.
func (s *Store) RecordShare(accepted bool) {
	s.mu.Lock()
	if accepted {
		s.accepted++
	} else {
		s.rejected++
	}
	s.mu.Unlock()
}

// RecordDifficulty records the current upstream difficulty as last known.
func (s *Store) RecordDifficulty(diff float64) {
	s.mu.Lock()
	s.difficulty = math.Float64bits(diff)
	s.mu.Unlock()
}

// Counts returns the current accepted/rejected totals.
func (s *Store) Counts() (accepted, rejected uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.rejected
}

// Flush writes the in-memory counters to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	accepted, rejected, difficulty := s.accepted, s.rejected, s.difficulty
	s.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put(keyAccepted, uint64Bytes(accepted))
	batch.Put(keyRejected, uint64Bytes(rejected))
	batch.Put(keyDifficulty, uint64Bytes(difficulty))
	_ = s.db.Write(batch, nil)
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	close(s.stop)
	<-s.stopped
	s.Flush()
	return s.db.Close()
}

func (s *Store) loop() {
	defer close(s.stopped)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}
