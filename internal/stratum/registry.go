package stratum

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"stratumproxy/internal/hashutil"
)

// GetworkResult is the JSON-RPC result returned for a getwork request.
type GetworkResult struct {
	Data     string `json:"data"`
	Hash1    string `json:"hash1"`
	Target   string `json:"target"`
	Midstate string `json:"midstate,omitempty"`
}

type merkleRef struct {
	job  *Job
	ext2 uint32
}

// Registry is the process-singleton job registry (spec §3 JobRegistry):
// holds active jobs, current difficulty/target, extranonce1/size, and the
// single-shot long-poll event. Adapted from
// ShaeOJ-GoVault/internal/stratum/jobs.go: JobManager, extended with the
// getwork/submit translation logic the teacher's solo-mining JobManager
// never needed.
type Registry struct {
	mu sync.Mutex

	jobs    []*Job
	lastJob *Job

	extranonce1     []byte
	extranonce2Size int

	difficulty float64
	target     *big.Int
	targetHex  string

	// merkleToJob is the "weak" map from spec §3/§9: a strong map cleared
	// wholesale on every clean_jobs=true AddTemplate, giving the same
	// externally-observable effect (stale entries reject as JobNotFound).
	merkleToJob map[string]merkleRef

	// onBlock is the single-shot long-poll wake event (spec §9): closed to
	// broadcast-wake every parked waiter, then replaced.
	onBlock chan struct{}

	scryptTarget bool
	useOldTarget bool
	realTarget   bool
	blocknotify  string

	maxJobs int
}

// RegistryOptions configures target/compat behavior, set once at startup
// from CLI flags (spec §6: --real-target, --old-target, --scrypt-target,
// --blocknotify).
type RegistryOptions struct {
	ScryptTarget bool
	UseOldTarget bool
	RealTarget   bool
	Blocknotify  string
}

// NewRegistry constructs an empty registry at difficulty 1.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{
		merkleToJob:  make(map[string]merkleRef),
		onBlock:      make(chan struct{}),
		scryptTarget: opts.ScryptTarget,
		useOldTarget: opts.UseOldTarget,
		realTarget:   opts.RealTarget,
		blocknotify:  opts.Blocknotify,
		maxJobs:      10,
	}
	r.setDifficultyLocked(1)
	return r
}

func (r *Registry) diff1() *big.Int {
	if r.scryptTarget {
		return hashutil.ScryptDiff1Target
	}
	return hashutil.Diff1Target
}

// SetExtranonce replaces extranonce1/extranonce2_size, as delivered by
// mining.subscribe or a later mining.set_extranonce (spec §4.1, §4.3).
func (r *Registry) SetExtranonce(extranonce1Hex string, extranonce2Size int) error {
	raw, err := hex.DecodeString(extranonce1Hex)
	if err != nil {
		return fmt.Errorf("decode extranonce1: %w", err)
	}
	r.mu.Lock()
	r.extranonce1 = raw
	r.extranonce2Size = extranonce2Size
	r.mu.Unlock()
	return nil
}

// Extranonce1 and Extranonce2Size report the current upstream-assigned
// values, used by the Stratum downstream service to build per-client
// extranonce1 and advertise extranonce2_size.
func (r *Registry) Extranonce1() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.extranonce1...)
}

func (r *Registry) Extranonce2Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extranonce2Size
}

// SetDifficulty recomputes target and target_hex (spec §4.3 set_difficulty).
func (r *Registry) SetDifficulty(d float64) {
	r.mu.Lock()
	r.setDifficultyLocked(d)
	r.mu.Unlock()
}

func (r *Registry) setDifficultyLocked(d float64) {
	r.difficulty = d
	r.target = hashutil.TargetForDifficulty(r.diff1(), d)
	r.targetHex = hashutil.TargetHex(r.target)
}

func (r *Registry) Difficulty() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.difficulty
}

func (r *Registry) TargetHex() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetHex
}

// NewJobFromNotify builds a Job from a mining.notify 9-tuple (spec §6) and
// registers it via AddTemplate.
func (r *Registry) NewJobFromNotify(jobID, prevHash, coinb1Hex, coinb2Hex string, merkleBranchesHex []string, version, nbits, ntime string, cleanJobs bool) error {
	coinb1, err := hex.DecodeString(coinb1Hex)
	if err != nil {
		return fmt.Errorf("decode coinb1: %w", err)
	}
	coinb2, err := hex.DecodeString(coinb2Hex)
	if err != nil {
		return fmt.Errorf("decode coinb2: %w", err)
	}
	branches := make([][]byte, len(merkleBranchesHex))
	for i, h := range merkleBranchesHex {
		b, err := hex.DecodeString(h)
		if err != nil {
			return fmt.Errorf("decode merkle branch %d: %w", i, err)
		}
		branches[i] = b
	}
	job, err := newJob(jobID, prevHash, coinb1, coinb2, branches, version, nbits, ntime)
	if err != nil {
		return err
	}
	r.AddTemplate(job, cleanJobs)
	return nil
}

// AddTemplate implements spec §4.3's add_template: on clean_jobs, discard all
// prior jobs and fire+rotate the long-poll event after the flush (so
// long-poll clients see a coherent snapshot), then optionally run
// --blocknotify with the new prevhash substituted for %s.
func (r *Registry) AddTemplate(job *Job, cleanJobs bool) {
	r.mu.Lock()
	if cleanJobs {
		r.jobs = nil
		r.merkleToJob = make(map[string]merkleRef)
	}
	r.jobs = append(r.jobs, job)
	if over := len(r.jobs) - r.maxJobs; over > 0 {
		r.jobs = r.jobs[over:]
	}
	r.lastJob = job
	var toWake chan struct{}
	if cleanJobs {
		toWake = r.onBlock
		r.onBlock = make(chan struct{})
	}
	r.mu.Unlock()

	if toWake != nil {
		close(toWake)
		if r.blocknotify != "" {
			r.runBlocknotify(job.PrevHash)
		}
	}
}

func (r *Registry) runBlocknotify(prevHash string) {
	cmd := strings.ReplaceAll(r.blocknotify, "%s", prevHash)
	c := exec.Command("sh", "-c", cmd)
	go func() { _ = c.Run() }()
}

// LastJob returns the most recently added job, or nil if none yet.
func (r *Registry) LastJob() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastJob
}

// ActiveJobs returns the currently active job set, newest last.
func (r *Registry) ActiveJobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Job(nil), r.jobs...)
}

// OnBlock returns the current long-poll wake channel. Callers park on it via
// select/<-ch; it is closed exactly once per clean_jobs notify (spec §5,
// invariant 4) and replaced with a fresh channel before the next
// notification is processed.
func (r *Registry) OnBlock() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onBlock
}

// Getwork implements spec §4.3's getwork algorithm.
func (r *Registry) Getwork(noMidstate bool) (*GetworkResult, error) {
	r.mu.Lock()
	job := r.lastJob
	if job == nil {
		r.mu.Unlock()
		return nil, ErrNoWork
	}
	if r.extranonce2Size == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("extranonce2_size isn't set yet")
	}
	ext2 := job.nextExtranonce2()
	fullExtranonce := append(append([]byte(nil), r.extranonce1...), hashutil.Extranonce2Padding(ext2, r.extranonce2Size)...)
	coinbase := concat(job.Coinb1, fullExtranonce, job.Coinb2)

	leaf := hashutil.DoubleSHA256(coinbase)
	for _, branch := range job.MerkleBranches {
		leaf = hashutil.DoubleSHA256(concat(leaf, branch))
	}
	merkleRootReversed := hashutil.ReverseWords(leaf)
	merkleRootHex := hex.EncodeToString(merkleRootReversed)

	r.merkleToJob[merkleRootHex] = merkleRef{job: job, ext2: ext2}

	ntime := uint32(time.Now().Unix() + job.NTimeDelta)

	header := concat(
		hexMustDecode(job.Version),
		hexMustDecode(job.PrevHash),
		merkleRootReversed,
		hashutil.BE32(ntime),
		hexMustDecode(job.NBits),
		hashutil.BE32(0),
	)
	data := concat(header, hashutil.GetworkPadding)

	var targetHex string
	switch {
	case r.useOldTarget:
		targetHex = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffff00000000"
	case r.realTarget:
		targetHex = r.targetHex
	default:
		targetHex = hashutil.TargetHex(r.diff1())
	}

	result := &GetworkResult{
		Data:   hex.EncodeToString(data),
		Hash1:  hashutil.Hash1,
		Target: targetHex,
	}
	if !noMidstate {
		result.Midstate = hex.EncodeToString(hashutil.Midstate(hashutil.ReverseWords(header)))
	}
	r.mu.Unlock()
	return result, nil
}

// Submit implements spec §4.3's submit algorithm, returning the values to
// forward upstream (jobID, ext2Hex, ntimeHex, nonceHex; the caller supplies
// the worker name) along with Forward, which is false when the share was
// accepted locally without needing to forward (below-target) — callers check
// Forward to decide whether to call upstream at all.
type SubmitOutcome struct {
	Accept     bool // value to report to the miner
	Forward    bool // whether to call upstream mining.submit
	JobID      string
	Ext2Hex    string
	NTimeHex   string
	NonceHex   string
}

func (r *Registry) Submit(headerHex string) (SubmitOutcome, error) {
	if len(headerHex) > 160 {
		headerHex = headerHex[:160]
	}
	header, err := hex.DecodeString(headerHex)
	if err != nil || len(header) != 80 {
		return SubmitOutcome{}, fmt.Errorf("unparsable header")
	}

	blockHash := hashutil.DoubleSHA256(hashutil.ReverseWords(header))

	r.mu.Lock()
	target := r.target
	r.mu.Unlock()

	if !hashutil.HashMeetsTarget(blockHash, target) {
		// Below local target: accept silently to the miner, no upstream
		// traffic (spec §4.3 step 2, §7 BelowTarget).
		return SubmitOutcome{Accept: true, Forward: false}, nil
	}

	// header hex chars [72:136) is header bytes [36:68), the merkle root.
	merkleRootHex := strings.ToLower(hex.EncodeToString(header[36:68]))

	r.mu.Lock()
	ref, ok := r.merkleToJob[merkleRootHex]
	r.mu.Unlock()
	if !ok {
		return SubmitOutcome{}, ErrJobNotFound
	}

	ext2Bytes := hashutil.Extranonce2Padding(ref.ext2, r.Extranonce2Size())
	ntime := header[68:72]
	nonce := header[76:80]

	return SubmitOutcome{
		Accept:   true,
		Forward:  true,
		JobID:    ref.job.ID,
		Ext2Hex:  hex.EncodeToString(ext2Bytes),
		NTimeHex: hex.EncodeToString(ntime),
		NonceHex: hex.EncodeToString(nonce),
	}, nil
}

func concat(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func hexMustDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Pool-supplied hex fields are validated on receipt (NewJobFromNotify);
		// a failure here indicates a corrupted in-memory Job.
		panic("stratum: invalid hex field: " + s)
	}
	return b
}

// ParseHexInt parses a hex string, with or without a "0x" prefix, to int64.
func ParseHexInt(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
}
