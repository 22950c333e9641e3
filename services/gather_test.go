package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherAddWitnessFiresAtThreshold(t *testing.T) {
	g := NewGatherState()
	n, tFault := 4, 1 // n-t = 3

	assert.False(t, g.AddWitness(1, n, tFault))
	assert.False(t, g.AddWitness(2, n, tFault))
	assert.True(t, g.AddWitness(3, n, tFault), "third witness should cross n-t")
	assert.False(t, g.AddWitness(3, n, tFault), "duplicate witness is a no-op")
	assert.False(t, g.AddWitness(4, n, tFault), "already sent echo-1, no re-fire")
}

func TestGatherEchoAcceptsImmediatelyWhenDepsAlreadyWitnessed(t *testing.T) {
	g := NewGatherState()
	n, tFault := 4, 1
	checker := func(p int) bool { return p == 1 || p == 2 }

	fired, union := g.ProcessGatherEcho(10, []int{1, 2}, checker, n, tFault)
	assert.False(t, fired, "only one echo accepted so far, need n-t")
	assert.Nil(t, union)

	g.ProcessGatherEcho(11, []int{1}, checker, n, tFault)
	fired, union = g.ProcessGatherEcho(12, []int{2}, checker, n, tFault)
	require.True(t, fired)
	assert.ElementsMatch(t, []int{1, 2}, union)
}

func TestGatherEchoBuffersUntilDependencyClearsThenRechecks(t *testing.T) {
	g := NewGatherState()
	n, tFault := 4, 1
	witnessed := map[int]bool{1: true}
	checker := func(p int) bool { return witnessed[p] }

	fired, _ := g.ProcessGatherEcho(10, []int{1, 2}, checker, n, tFault)
	assert.False(t, fired, "party 2 not yet witnessed, echo buffered")

	witnessed[2] = true
	newEcho1, echo1Done, echo1Union, newEcho2, echo2Done := g.RecheckPending(checker, n, tFault)
	assert.Equal(t, []int{10}, newEcho1)
	assert.False(t, echo1Done, "only one echo-1 promoted so far, need n-t")
	assert.Nil(t, echo1Union)
	assert.Empty(t, newEcho2)
	assert.False(t, echo2Done)
}

func TestGatherRecheckPendingCrossesEcho1ThresholdAndUnblocksEcho2(t *testing.T) {
	g := NewGatherState()
	n, tFault := 4, 1 // n-t = 3
	witnessed := map[int]bool{1: true}
	checker := func(p int) bool { return witnessed[p] }

	g.ProcessGatherEcho(10, []int{1, 2}, checker, n, tFault)
	g.ProcessGatherEcho(11, []int{1}, checker, n, tFault)
	g.ProcessGatherEcho(12, []int{1, 2}, checker, n, tFault)

	witnessed[2] = true
	_, echo1Done, echo1Union, _, _ := g.RecheckPending(checker, n, tFault)
	require.True(t, echo1Done, "third validated echo-1 should cross n-t")
	assert.ElementsMatch(t, []int{1, 2}, echo1Union)
}

func TestGatherEcho2TerminatesAtThresholdAndUnionIsCorrect(t *testing.T) {
	g := NewGatherState()
	n, tFault := 4, 1
	checker := func(int) bool { return true }

	assert.False(t, g.ProcessGatherEcho2(1, []int{1, 2}, checker, n, tFault))
	assert.False(t, g.ProcessGatherEcho2(2, []int{2, 3}, checker, n, tFault))
	terminated := g.ProcessGatherEcho2(3, []int{3, 4}, checker, n, tFault)
	require.True(t, terminated)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, g.Union())

	assert.False(t, g.ProcessGatherEcho2(4, []int{1}, checker, n, tFault), "no re-termination after the gate is closed")
}
