package services

import (
	"testing"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mvbaCoinSetup builds per-party, per-round degree-t Shamir shares for
// a sequence of coin values, using the same x=from+1 convention
// electLeader reconstructs with.
func mvbaCoinSetup(t *testing.T, n, tFault, rounds int) [][]crypto.FieldElement {
	t.Helper()
	shares := make([][]crypto.FieldElement, n)
	for i := range shares {
		shares[i] = make([]crypto.FieldElement, rounds)
	}
	for r := 0; r < rounds; r++ {
		poly, err := crypto.NewRandomPolynomial(tFault, crypto.FieldElementFromInt64(int64(r+1)))
		require.NoError(t, err)
		for from := 1; from <= n; from++ {
			x := crypto.FieldElementFromInt64(int64(from + 1))
			shares[from-1][r] = poly.Evaluate(x)
		}
	}
	return shares
}

func newMVBACommittee(n, tFault int) (*harness[MVBAMessage, MVBAResult], map[int]*MVBAService) {
	hs := testHashState()
	h := newHarness[MVBAMessage, MVBAResult](n)
	parties := make(map[int]*MVBAService)
	for id := 1; id <= n; id++ {
		mvba := NewMVBAService(id, n, tFault, hs, zerolog.Disabled, nil)
		parties[id] = mvba
		h.register(id, mvba)
	}
	return h, parties
}

func TestMVBAHonestCommitteeAcceptsWithConsistentOutput(t *testing.T) {
	n, tFault := 4, 1
	h, parties := newMVBACommittee(n, tFault)
	coinShares := mvbaCoinSetup(t, n, tFault, 4)

	for id, mvba := range parties {
		mvba.Start("mvba-1", []byte("proposal"), coinShares[id-1], &harnessCtx[MVBAMessage, MVBAResult]{id: id, h: h})
	}
	h.drain()

	var accepted [][]int
	for id := 1; id <= n; id++ {
		require.NotEmpty(t, h.results[id], "party %d should have at least one round result", id)
		for _, res := range h.results[id] {
			if res.Accepted {
				accepted = append(accepted, res.Output)
			}
		}
	}
	require.NotEmpty(t, accepted, "at least one honest party should accept a round")
	for _, out := range accepted[1:] {
		assert.ElementsMatch(t, accepted[0], out)
	}
}
