package services

import (
	"fmt"
	"sort"

	"github.com/bft-acs/acs/crypto"
)

// VABAState is the per-iteration record of spec §3's data model.
// Mutated exclusively by ACSService's single actor goroutine; no
// locking, matching the concurrency model of §5.
type VABAState struct {
	Iteration int
	N, T      int

	Pre         *int
	Justify     []PartyPair
	PreBroadcast bool

	TermASKSInstances map[int]bool // dealer -> sharing phase terminated locally

	PreJustifyVotes            map[int]preJustifyContent // party -> its PRE-broadcast content
	UnvalidatedPreJustifyVotes map[int]map[int]bool      // party -> outstanding dependency dealers/witnesses
	ValidatedPreJustifyVotes   map[int]bool
	ReliableAgreement          map[int]bool

	GatherStarted bool
	Gather        *GatherState

	ASKSReconstructionStarted bool
	ASKSReconstructionList    map[int]map[int]bool // party -> set of dealer instances still outstanding
	ASKSReconstructedValues   map[int]map[int]crypto.FieldElement
	RanksParties              map[int]crypto.FieldElement

	ElectedLeader *int
	VoteBroadcast bool
	Votes         map[int]map[int]bool // endorsed-party -> voters

	TerminationStarted bool
	Delivered           bool
}

type PartyPair struct {
	A, B int
}

type preJustifyContent struct {
	Pre     int
	PList   []int // first t+1 of term_asks_instances
	Justify []PartyPair
}

func NewVABAState(iteration, n, t int) *VABAState {
	return &VABAState{
		Iteration:                  iteration,
		N:                          n,
		T:                          t,
		TermASKSInstances:          make(map[int]bool),
		PreJustifyVotes:            make(map[int]preJustifyContent),
		UnvalidatedPreJustifyVotes: make(map[int]map[int]bool),
		ValidatedPreJustifyVotes:   make(map[int]bool),
		ReliableAgreement:          make(map[int]bool),
		Gather:                     NewGatherState(),
		ASKSReconstructionList:     make(map[int]map[int]bool),
		ASKSReconstructedValues:    make(map[int]map[int]crypto.FieldElement),
		RanksParties:               make(map[int]crypto.FieldElement),
		Votes:                      make(map[int]map[int]bool),
	}
}

// vabaInstanceID namespaces every sub-protocol UUID by iteration so
// concurrent iterations (a later one racing ahead while an earlier one
// is still finalizing) never collide.
func vabaInstanceID(iteration int, tag string, party int) string {
	return fmt.Sprintf("vaba-%d-%s-%d", iteration, tag, party)
}

// ReadyToPreBroadcast implements spec §4.5 step 2's guard: once t+1
// ASKS sharing phases have terminated locally and both pre and justify
// are set, the PRE tuple may go out through RBC exactly once.
func (st *VABAState) ReadyToPreBroadcast() bool {
	return !st.PreBroadcast && len(st.TermASKSInstances) >= st.T+1 && st.Pre != nil && st.Justify != nil
}

// TryPreBroadcast sends the PRE tuple if the guard is satisfied.
func TryPreBroadcast(st *VABAState, env VABAEnv) {
	if !st.ReadyToPreBroadcast() {
		return
	}
	st.PreBroadcast = true
	env.BroadcastPre(st.Iteration, *st.Pre, firstTPlus1(st.TermASKSInstances, st.T), st.Justify)
}

// firstTPlus1 returns up to t+1 dealers from TermASKSInstances in a
// deterministic (sorted) order, since the set itself has no order.
func firstTPlus1(m map[int]bool, t int) []int {
	all := make([]int, 0, len(m))
	for k := range m {
		all = append(all, k)
	}
	sort.Ints(all)
	if len(all) > t+1 {
		all = all[:t+1]
	}
	return all
}

// checkWitness implements spec §4.5 step 3: PRE-validation. For
// iterations > 1, this engine follows Open Question #1's resolution
// and refuses to validate until a full multi-iteration justify gadget
// exists — so it simply never promotes.
func checkWitness(st *VABAState, party int, content preJustifyContent, env VABAEnv) {
	if st.ValidatedPreJustifyVotes[party] {
		return
	}
	st.PreJustifyVotes[party] = content
	if st.Iteration > 1 {
		return
	}
	pending := make(map[int]bool)
	for _, dealer := range content.PList {
		if !st.TermASKSInstances[dealer] {
			pending[dealer] = true
		}
	}
	if !env.IsAcceptedWitness(content.Pre) {
		pending[content.Pre] = true
	}
	if len(pending) == 0 {
		promote(st, party, env)
		return
	}
	st.UnvalidatedPreJustifyVotes[party] = pending
}

// recheckWitnesses re-evaluates every buffered PRE-broadcast's pending
// dependency set, called whenever a new ASKS-termination or
// accepted-witness event clears a dependency anywhere (Open Question
// #3: both "RBC terminated" and "single-party validated" entry points
// converge on this one idempotent re-evaluation).
func recheckWitnesses(st *VABAState, env VABAEnv) {
	for party, pending := range st.UnvalidatedPreJustifyVotes {
		content := st.PreJustifyVotes[party]
		for dealer := range pending {
			if dealer == content.Pre {
				if env.IsAcceptedWitness(dealer) {
					delete(pending, dealer)
				}
				continue
			}
			if st.TermASKSInstances[dealer] {
				delete(pending, dealer)
			}
		}
		if len(pending) == 0 {
			delete(st.UnvalidatedPreJustifyVotes, party)
			promote(st, party, env)
		}
	}
}

func promote(st *VABAState, party int, env VABAEnv) {
	st.ValidatedPreJustifyVotes[party] = true
	if len(st.ReliableAgreement) < env.NMinusT() {
		env.StartRA(st.Iteration, party)
	}
	if checkGatherStart(st) {
		startGather(st, env)
	}
	checkGatherStart2(st, env)
}

// checkGatherStart is the fixpoint predicate of spec §4.5 step 5,
// written as a pure re-evaluation so calling it from either witness
// entry point is trivially idempotent (Open Question #3).
func checkGatherStart(st *VABAState) bool {
	if st.GatherStarted {
		return false
	}
	if len(st.ValidatedPreJustifyVotes) < minLen(st) || len(st.ReliableAgreement) < minLen(st) {
		return false
	}
	inter := 0
	for p := range st.ValidatedPreJustifyVotes {
		if st.ReliableAgreement[p] {
			inter++
		}
	}
	return inter >= minLen(st)
}

func minLen(st *VABAState) int {
	return st.N - st.T
}

func startGather(st *VABAState, env VABAEnv) {
	st.GatherStarted = true
	for p := range st.ValidatedPreJustifyVotes {
		st.Gather.AddWitness(p, env.N(), env.T())
	}
	if st.Gather.echo1Sent {
		env.BroadcastGatherEcho(st.Iteration, st.Gather.witnessSet)
	}
}

// checkGatherStart2 keeps feeding newly-validated witnesses into an
// already-started gather round (AddWitness is itself idempotent per
// party, so double-delivery is harmless), then rechecks every buffered
// GatherEcho/GatherEcho2 against the freshly-validated dependency set.
func checkGatherStart2(st *VABAState, env VABAEnv) {
	if st.GatherStarted {
		for p := range st.ValidatedPreJustifyVotes {
			if st.Gather.AddWitness(p, env.N(), env.T()) {
				env.BroadcastGatherEcho(st.Iteration, st.Gather.witnessSet)
			}
		}
	}
	recheckGatherPending(st, env)
}

// recheckGatherPending promotes any buffered GatherEcho/GatherEcho2
// whose member set just finished validating (spec §4.4: a message
// naming an as-yet-unvalidated party is buffered, not dropped, and
// must be re-checked on every later validation or the round can
// livelock under reordering). Called from every point that grows
// ValidatedPreJustifyVotes or ReliableAgreement.
func recheckGatherPending(st *VABAState, env VABAEnv) {
	checker := func(p int) bool { return st.ValidatedPreJustifyVotes[p] && st.ReliableAgreement[p] }
	_, echo1Done, echo1Union, _, echo2Done := st.Gather.RecheckPending(checker, env.N(), env.T())
	if echo1Done {
		env.BroadcastGatherEcho2(st.Iteration, echo1Union)
	}
	if echo2Done {
		OnGatherComplete(st, env)
	}
}

// VABAEnv is the set of operations VABA step functions need from the
// owning ACSService — RBC/RA/ASKS requests, network sends, and the
// accepted-witness oracle.
type VABAEnv interface {
	N() int
	T() int
	NMinusT() int
	IsAcceptedWitness(party int) bool
	StartRA(iteration, party int)
	BroadcastGatherEcho(iteration int, set []int)
	BroadcastGatherEcho2(iteration int, set []int)
	RequestASKSReconstruct(iteration int, dealer int, instances []int)
	BroadcastPre(iteration int, pre int, pList []int, justify []PartyPair)
	BroadcastVote(iteration int, endorsed int)
	StartTerminationRA(iteration int, value int)
}

// HandleGatherEcho processes an incoming GatherEcho(iter, set)
// message, accepting it once every named member has cleared
// PRE-validation and RA-termination, per spec §4.4's echo-1 accept
// rule, and broadcasts GatherEcho2 once n-t echoes are accepted.
func HandleGatherEcho(st *VABAState, from int, set []int, env VABAEnv) {
	checker := func(p int) bool { return st.ValidatedPreJustifyVotes[p] && st.ReliableAgreement[p] }
	fired, union := st.Gather.ProcessGatherEcho(from, set, checker, env.N(), env.T())
	if fired {
		env.BroadcastGatherEcho2(st.Iteration, union)
	}
}

// HandleGatherEcho2 processes an incoming GatherEcho2(iter, set)
// message; on the n-t acceptance threshold, gather terminates and rank
// reconstruction may begin.
func HandleGatherEcho2(st *VABAState, from int, set []int, env VABAEnv) {
	checker := func(p int) bool { return st.ValidatedPreJustifyVotes[p] && st.ReliableAgreement[p] }
	if st.Gather.ProcessGatherEcho2(from, set, checker, env.N(), env.T()) {
		OnGatherComplete(st, env)
	}
}

// OnGatherComplete drives spec §4.5 step 6: union the accepted
// echo-2 witness sets, look up each named party's endorsed ASKS
// instances, and request their reconstruction.
func OnGatherComplete(st *VABAState, env VABAEnv) {
	if st.ASKSReconstructionStarted {
		return
	}
	st.ASKSReconstructionStarted = true
	union := st.Gather.Union()
	for _, p := range union {
		content, ok := st.PreJustifyVotes[p]
		if !ok {
			continue
		}
		env.RequestASKSReconstruct(st.Iteration, p, content.PList)
		pending := make(map[int]bool)
		for _, d := range content.PList {
			pending[d] = true
		}
		st.ASKSReconstructionList[p] = pending
	}
}

// OnASKSReconstructed accumulates ranks_parties and, once every
// outstanding reconstruction for every witnessed party has landed,
// elects the leader (spec §4.5 steps 6-7).
func OnASKSReconstructed(st *VABAState, witnessedParty, dealer int, secret crypto.FieldElement, ok bool, env VABAEnv) {
	pending, tracked := st.ASKSReconstructionList[witnessedParty]
	if !tracked {
		return
	}
	delete(pending, dealer)
	if _, have := st.ASKSReconstructedValues[witnessedParty]; !have {
		st.ASKSReconstructedValues[witnessedParty] = make(map[int]crypto.FieldElement)
	}
	if ok {
		st.ASKSReconstructedValues[witnessedParty][dealer] = secret
	} else {
		st.ASKSReconstructedValues[witnessedParty][dealer] = crypto.FieldElementFromInt64(0)
	}
	if len(pending) == 0 {
		delete(st.ASKSReconstructionList, witnessedParty)
		sum := crypto.FieldElementFromInt64(0)
		for _, v := range st.ASKSReconstructedValues[witnessedParty] {
			sum = sum.Add(v)
		}
		st.RanksParties[witnessedParty] = sum
	}
	if len(st.ASKSReconstructionList) == 0 && st.ElectedLeader == nil && len(st.RanksParties) > 0 {
		electLeader(st, env)
	}
}

// electLeader implements spec §4.5 step 7: argmax by canonical
// encoding, ties broken by lowest party id.
func electLeader(st *VABAState, env VABAEnv) {
	var best *int
	var bestRank crypto.FieldElement
	parties := make([]int, 0, len(st.RanksParties))
	for p := range st.RanksParties {
		parties = append(parties, p)
	}
	sort.Ints(parties)
	for _, p := range parties {
		rank := st.RanksParties[p]
		if best == nil || rank.Cmp(bestRank) > 0 {
			pp := p
			best = &pp
			bestRank = rank
		}
	}
	st.ElectedLeader = best
	if best != nil && !st.VoteBroadcast {
		content, ok := st.PreJustifyVotes[*best]
		if ok {
			st.VoteBroadcast = true
			env.BroadcastVote(st.Iteration, content.Pre)
		}
	}
}

// OnVote implements spec §4.5 step 9: on n-t matching votes for v*,
// start the termination RA.
func OnVote(st *VABAState, endorsed, from int, env VABAEnv) bool {
	if _, ok := st.Votes[endorsed]; !ok {
		st.Votes[endorsed] = make(map[int]bool)
	}
	st.Votes[endorsed][from] = true
	if len(st.Votes[endorsed]) >= env.NMinusT() && !st.TerminationStarted {
		st.TerminationStarted = true
		env.StartTerminationRA(st.Iteration, endorsed)
		return true
	}
	return false
}
