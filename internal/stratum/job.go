package stratum

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Job is an immutable description of one pool broadcast (mining.notify),
// plus the mutable per-job state accumulated while legacy getwork clients
// iterate it: the extranonce2 counter. The merkle root -> (job, extranonce2)
// reverse lookup a submitted header needs lives on the registry instead
// (Registry.merkleToJob), since it must survive job rotation within a single
// clean_jobs batch, not just within one Job. Adapted from
// ShaeOJ-GoVault/internal/stratum/jobs.go: Job, which has no getwork-side
// state since the teacher never runs a getwork translator.
type Job struct {
	ID             string
	PrevHash       string // pool's hex form, word-reversed (spec §3)
	Coinb1         []byte
	Coinb2         []byte
	MerkleBranches [][]byte
	Version        string // hex4, as the pool sent it
	NBits          string // hex4, as the pool sent it
	NTimeDelta     int64  // pool ntime (unix) - local wall clock at receipt

	extranonce2Counter uint32
}

func newJob(id, prevHash string, coinb1, coinb2 []byte, branches [][]byte, version, nbits, ntimeHex string) (*Job, error) {
	ntime, err := parseHexUint32(ntimeHex)
	if err != nil {
		return nil, fmt.Errorf("parse ntime: %w", err)
	}
	return &Job{
		ID:             id,
		PrevHash:       prevHash,
		Coinb1:         coinb1,
		Coinb2:         coinb2,
		MerkleBranches: branches,
		Version:        version,
		NBits:          nbits,
		NTimeDelta:     int64(ntime) - time.Now().Unix(),
	}, nil
}

func parseHexUint32(h string) (uint32, error) {
	b, err := hex.DecodeString(h)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("not a 4-byte hex value: %q", h)
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// nextExtranonce2 increments and returns the job's extranonce2 counter.
func (j *Job) nextExtranonce2() uint32 {
	j.extranonce2Counter++
	return j.extranonce2Counter
}
