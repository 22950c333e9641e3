package services

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newACSCommittee(n, tFault int) (*harness[ACSMessage, ACSOutput], map[int]*ACSService) {
	hs := testHashState()
	keys := allPairwiseKeys(n)
	h := newHarness[ACSMessage, ACSOutput](n)
	parties := make(map[int]*ACSService)
	for id := 1; id <= n; id++ {
		acs := NewACSService(id, n, tFault, hs, keys[id], zerolog.Disabled, nil)
		parties[id] = acs
		h.register(id, acs)
	}
	return h, parties
}

// TestACSHonestCommitteeAgreesOnOneCorrectlySizedSubset is the n=4,
// t=1 happy-path scenario of spec §8's seed scenario 1, adapted to
// this engine's 1-indexed parties: every party starts with its own
// proposal ready, no Byzantine behavior, and checks invariants 1
// (Agreement), 2 (Validity), 4 (Termination) and 5 (Uniqueness)
// directly rather than a literal output set, since the elected leader
// depends on randomly drawn ASKS secrets.
func TestACSHonestCommitteeAgreesOnOneCorrectlySizedSubset(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newACSCommittee(n, tFault)

	for id := 1; id <= n; id++ {
		parties[id].Start(&harnessCtx[ACSMessage, ACSOutput]{id: id, h: h})
	}
	h.drain()

	var first []int
	for id := 1; id <= n; id++ {
		require.Len(t, h.results[id], 1, "party %d should emit exactly one output", id)
		out := h.results[id][0]
		assert.GreaterOrEqual(t, len(out.Subset), n-tFault, "party %d subset too small", id)
		if first == nil {
			first = out.Subset
		} else {
			assert.Equal(t, first, out.Subset, "party %d disagrees with party 1's output", id)
		}
	}
}
