package services

import (
	"testing"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHashState() crypto.HashState {
	var k0, k1, k2 [16]byte
	for i := range k0 {
		k0[i], k1[i], k2[i] = byte(i), byte(i+1), byte(i+2)
	}
	return crypto.NewHashState(k0, k1, k2)
}

func newRBCCommittee(n, tFault int) (*harness[RBCMessage, RBCResult], map[int]*RBCService) {
	hs := testHashState()
	h := newHarness[RBCMessage, RBCResult](n)
	parties := make(map[int]*RBCService)
	for id := 1; id <= n; id++ {
		rbc := NewRBCService(id, n, tFault, hs, zerolog.Disabled, nil)
		parties[id] = rbc
		h.register(id, rbc)
	}
	return h, parties
}

func TestRBCDeliversDealtPayloadToEveryHonestParty(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newRBCCommittee(n, tFault)
	dealer := parties[1]
	payload := []byte("asks-root-agreement-payload-block")

	dealer.Propose("rbc-1", payload, &harnessCtx[RBCMessage, RBCResult]{id: 1, h: h})
	h.drain()

	for id := 1; id <= n; id++ {
		require.Len(t, h.results[id], 1, "party %d should deliver exactly once", id)
		assert.Equal(t, payload, h.results[id][0].Payload)
		assert.Equal(t, 1, h.results[id][0].Dealer)
	}
}

func TestRBCRejectsShardWithMismatchedProof(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newRBCCommittee(n, tFault)

	bad := RBCMessage{
		Type: RBCInit, UUID: "rbc-bad", Dealer: 1, Shard: []byte("forged"),
		Proof: crypto.Proof{}, Root: crypto.Hash{}, OriginalLen: 6, From: 1, To: 2,
	}
	parties[2].OnMessage(bad, &harnessCtx[RBCMessage, RBCResult]{id: 2, h: h})
	h.drain()

	assert.Empty(t, h.results[2])
}
