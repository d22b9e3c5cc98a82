package stratum

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	r := NewRegistry(RegistryOptions{})
	require.NoError(t, r.SetExtranonce("aabbccdd", 4))
	return r
}

func addTestJob(t *testing.T, r *Registry, jobID string, clean bool) {
	err := r.NewJobFromNotify(
		jobID,
		"0000000000000000000000000000000000000000000000000000000000000000",
		"01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff",
		"ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		nil,
		"00000002", "1d00ffff", "5f5e1000",
		clean,
	)
	require.NoError(t, err)
}

func TestAddTemplateCleanJobsWipesMerkleMap(t *testing.T) {
	r := newTestRegistry(t)
	addTestJob(t, r, "job1", true)

	_, err := r.Getwork(true)
	require.NoError(t, err)
	require.Len(t, r.merkleToJob, 1)

	addTestJob(t, r, "job2", true)
	r.mu.Lock()
	size := len(r.merkleToJob)
	r.mu.Unlock()
	assert.Equal(t, 0, size, "clean_jobs must wipe the merkle->job map wholesale")
}

func TestAddTemplateNonCleanAccumulates(t *testing.T) {
	r := newTestRegistry(t)
	addTestJob(t, r, "job1", true)
	addTestJob(t, r, "job2", false)
	assert.Len(t, r.ActiveJobs(), 2)
}

func TestOnBlockFiresOnceThenResets(t *testing.T) {
	r := newTestRegistry(t)
	ch := r.OnBlock()

	addTestJob(t, r, "job1", true)

	select {
	case <-ch:
	default:
		t.Fatal("expected onBlock to have been closed")
	}

	fresh := r.OnBlock()
	select {
	case <-fresh:
		t.Fatal("fresh onBlock channel should not already be closed")
	default:
	}
}

func TestGetworkProducesFullWidthFields(t *testing.T) {
	r := newTestRegistry(t)
	addTestJob(t, r, "job1", true)

	result, err := r.Getwork(false)
	require.NoError(t, err)
	data, err := hex.DecodeString(result.Data)
	require.NoError(t, err)
	assert.Len(t, data, 128, "getwork data must be the 80-byte header plus the 48-byte trailer")
	assert.Len(t, result.Hash1, 256, "hash1 is a fixed 128-byte field")
	assert.NotEmpty(t, result.Midstate)
}

func TestGetworkOmitsMidstateWhenRequested(t *testing.T) {
	r := newTestRegistry(t)
	addTestJob(t, r, "job1", true)

	result, err := r.Getwork(true)
	require.NoError(t, err)
	assert.Empty(t, result.Midstate)
}

func TestGetworkBeforeAnyJobFails(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Getwork(false)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestSubmitBelowTargetAcceptsWithoutForwarding(t *testing.T) {
	r := newTestRegistry(t)
	addTestJob(t, r, "job1", true)
	r.SetDifficulty(1e12) // astronomically high difficulty -> tiny target

	header := make([]byte, 80)
	outcome, err := r.Submit(hex.EncodeToString(header))
	require.NoError(t, err)
	assert.True(t, outcome.Accept)
	assert.False(t, outcome.Forward)
}

func TestSubmitRoundTripThroughGetwork(t *testing.T) {
	r := newTestRegistry(t)
	r.SetDifficulty(2.33e-10) // target just below 2^256, so the produced header clears it in all but ~0.07% of runs
	addTestJob(t, r, "job1", true)

	result, err := r.Getwork(true)
	require.NoError(t, err)
	headerHex := result.Data[:160]

	outcome, err := r.Submit(headerHex)
	require.NoError(t, err)
	assert.True(t, outcome.Accept)
	if outcome.Forward {
		assert.Equal(t, "job1", outcome.JobID)
		assert.NotEmpty(t, outcome.Ext2Hex)
		assert.NotEmpty(t, outcome.NTimeHex)
		assert.NotEmpty(t, outcome.NonceHex)
	}
}
