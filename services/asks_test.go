package services

import (
	"testing"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allPairwiseKeys(n int) map[int]map[int][]byte {
	out := make(map[int]map[int][]byte, n)
	for a := 1; a <= n; a++ {
		out[a] = make(map[int][]byte, n)
		for b := 1; b <= n; b++ {
			key := make([]byte, 32)
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			for i := range key {
				key[i] = byte((lo*31 + hi*7 + i) % 256)
			}
			out[a][b] = key
		}
	}
	return out
}

func newASKSCommittee(n, tFault int) (*harness[ASKSMessage, ASKSResult], map[int]*ASKSService) {
	hs := testHashState()
	keys := allPairwiseKeys(n)
	h := newHarness[ASKSMessage, ASKSResult](n)
	parties := make(map[int]*ASKSService)
	ledger := NewMisbehaviorLedger()
	for id := 1; id <= n; id++ {
		asks := NewASKSService(id, n, tFault, hs, keys[id], ledger, zerolog.Disabled, nil)
		parties[id] = asks
		h.register(id, asks)
	}
	return h, parties
}

func TestASKSSharingTerminatesForEveryHonestParty(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newASKSCommittee(n, tFault)
	secret := crypto.FieldElementFromInt64(42)

	err := parties[1].Deal("asks-1", []crypto.FieldElement{secret}, &harnessCtx[ASKSMessage, ASKSResult]{id: 1, h: h})
	require.NoError(t, err)
	h.drain()

	for id := 1; id <= n; id++ {
		require.Len(t, h.results[id], 1)
		assert.True(t, h.results[id][0].Ok)
		assert.Nil(t, h.results[id][0].Secrets)
		assert.Equal(t, 1, h.results[id][0].Dealer)
	}
}

func TestASKSReconstructRecoversTheDealtSecret(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newASKSCommittee(n, tFault)
	secret := crypto.FieldElementFromInt64(99)

	err := parties[2].Deal("asks-2", []crypto.FieldElement{secret}, &harnessCtx[ASKSMessage, ASKSResult]{id: 2, h: h})
	require.NoError(t, err)
	h.drain()

	for id := 1; id <= n; id++ {
		h.results[id] = nil
	}
	for id := 1; id <= n; id++ {
		parties[id].RequestReconstruct("asks-2", true, -1, &harnessCtx[ASKSMessage, ASKSResult]{id: id, h: h})
	}
	h.drain()

	for id := 1; id <= n; id++ {
		require.NotEmpty(t, h.results[id], "party %d should have a reconstruction result", id)
		last := h.results[id][len(h.results[id])-1]
		if last.Secrets != nil {
			require.Len(t, last.Secrets, 1)
			assert.Equal(t, secret, last.Secrets[0])
		}
	}
}
