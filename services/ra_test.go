package services

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRACommittee(t *testing.T, n, tFault int) (*harness[RAMessage, RAResult], map[int]*RAService) {
	t.Helper()
	h := newHarness[RAMessage, RAResult](n)
	parties := make(map[int]*RAService)
	for id := 1; id <= n; id++ {
		ra := NewRAService(id, n, tFault, zerolog.Disabled, nil)
		parties[id] = ra
		h.register(id, ra)
	}
	return h, parties
}

func TestRADeliversAgreedValueWhenAllHonestAgree(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newRACommittee(t, n, tFault)

	for id, ra := range parties {
		ra.Propose("ra-1", 7, &harnessCtx[RAMessage, RAResult]{id: id, h: h})
	}
	h.drain()

	for id := 1; id <= n; id++ {
		require.Len(t, h.results[id], 1, "party %d should deliver exactly once", id)
		assert.Equal(t, RAResult{UUID: "ra-1", Val: 7}, h.results[id][0])
	}
}

func TestRATerminatesWithOneFaultyDissenter(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newRACommittee(t, n, tFault)

	for id, ra := range parties {
		val := 1
		if id == n { // the one tolerated faulty party echoes a different value
			val = 0
		}
		ra.Propose("ra-2", val, &harnessCtx[RAMessage, RAResult]{id: id, h: h})
	}
	h.drain()

	for id := 1; id < n; id++ {
		require.Len(t, h.results[id], 1)
		assert.Equal(t, 1, h.results[id][0].Val)
	}
}
