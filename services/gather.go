package services

// GatherState is the per-VABA-iteration state of spec §4.4 and §3's
// data model: two rounds of witness-set exchange producing a common
// core. It is plain state manipulated by VABAState's event handlers,
// not an independent actor — gather's wire messages (GatherEcho,
// GatherEcho2) ride the ACS-layer message envelope directly.
type GatherState struct {
	witnessSet []int // local accumulating set before echo-1 is sent
	echo1Sent  bool

	receivedGatherEchos    map[int][]int     // party -> its claimed echo-1 set
	unvalidatedGatherEchos map[int]map[int]bool // party -> deps still outstanding
	validatedGatherEchos   map[int]bool

	echo2Sent bool

	receivedGatherEcho2s    map[int][]int
	unvalidatedGatherEcho2s map[int]map[int]bool
	validatedGatherEcho2s   map[int]bool

	terminated bool
}

func NewGatherState() *GatherState {
	return &GatherState{
		receivedGatherEchos:     make(map[int][]int),
		unvalidatedGatherEchos:  make(map[int]map[int]bool),
		validatedGatherEchos:    make(map[int]bool),
		receivedGatherEcho2s:    make(map[int][]int),
		unvalidatedGatherEcho2s: make(map[int]map[int]bool),
		validatedGatherEcho2s:   make(map[int]bool),
	}
}

// AddWitness adds p to the local echo-1 candidate set (called whenever
// a peer's PRE-broadcast is validated, per spec §4.4's echo-1 step)
// and reports whether the n-t threshold to broadcast GatherEcho was
// just crossed.
func (g *GatherState) AddWitness(p, n, t int) bool {
	for _, existing := range g.witnessSet {
		if existing == p {
			return false
		}
	}
	g.witnessSet = append(g.witnessSet, p)
	if len(g.witnessSet) >= n-t && !g.echo1Sent {
		g.echo1Sent = true
		return true
	}
	return false
}

// witnessChecker reports whether p has passed PRE-validation and
// RA-termination at this party, the dependency rule spec §4.4 requires
// before accepting a GatherEcho that names p.
type witnessChecker func(p int) bool

// ProcessGatherEcho records an incoming GatherEcho(from, set). If every
// member of set already passes checker, the echo is accepted
// immediately and counted toward the n-t echo-2 threshold; otherwise it
// is buffered in unvalidatedGatherEchos for re-checking on every later
// validation (RecheckPending). Returns true if the n-t threshold to
// broadcast GatherEcho2 was just crossed, plus the union set to send.
func (g *GatherState) ProcessGatherEcho(from int, set []int, checker witnessChecker, n, t int) (bool, []int) {
	g.receivedGatherEchos[from] = set
	if g.accept(from, set, checker, g.unvalidatedGatherEchos, g.validatedGatherEchos) {
		return g.checkEcho1Termination(n, t)
	}
	return false, nil
}

func (g *GatherState) accept(from int, set []int, checker witnessChecker, unvalidated map[int]map[int]bool, validated map[int]bool) bool {
	if validated[from] {
		return false
	}
	pending := make(map[int]bool)
	for _, p := range set {
		if !checker(p) {
			pending[p] = true
		}
	}
	if len(pending) == 0 {
		validated[from] = true
		delete(unvalidated, from)
		return true
	}
	unvalidated[from] = pending
	return false
}

// RecheckPending re-evaluates every buffered echo-1/echo-2 dependency
// set against checker, promoting any whose last dependency just
// cleared. Call this on every new local PRE/RA validation, since a
// GatherEcho or GatherEcho2 that arrived before its members validated
// would otherwise sit in the unvalidated map forever. Returns the
// newly promoted senders, plus whether that promotion crossed the
// echo-1 or echo-2 n-t threshold (and the echo-1 union to broadcast as
// GatherEcho2).
func (g *GatherState) RecheckPending(checker witnessChecker, n, t int) (newEcho1 []int, echo1Done bool, echo1Union []int, newEcho2 []int, echo2Done bool) {
	for from, pending := range g.unvalidatedGatherEchos {
		for p := range pending {
			if checker(p) {
				delete(pending, p)
			}
		}
		if len(pending) == 0 {
			g.validatedGatherEchos[from] = true
			delete(g.unvalidatedGatherEchos, from)
			newEcho1 = append(newEcho1, from)
		}
	}
	if len(newEcho1) > 0 {
		echo1Done, echo1Union = g.checkEcho1Termination(n, t)
	}
	for from, pending := range g.unvalidatedGatherEcho2s {
		for p := range pending {
			if checker(p) {
				delete(pending, p)
			}
		}
		if len(pending) == 0 {
			g.validatedGatherEcho2s[from] = true
			delete(g.unvalidatedGatherEcho2s, from)
			newEcho2 = append(newEcho2, from)
		}
	}
	if len(newEcho2) > 0 {
		echo2Done = g.checkEcho2Termination(n, t)
	}
	return
}

func (g *GatherState) checkEcho1Termination(n, t int) (bool, []int) {
	if g.echo2Sent || len(g.validatedGatherEchos) < n-t {
		return false, nil
	}
	g.echo2Sent = true
	union := map[int]bool{}
	for from := range g.validatedGatherEchos {
		for _, p := range g.receivedGatherEchos[from] {
			union[p] = true
		}
	}
	out := make([]int, 0, len(union))
	for p := range union {
		out = append(out, p)
	}
	return true, out
}

// ProcessGatherEcho2 mirrors ProcessGatherEcho for the second round.
// Returns true once the n-t echo-2 acceptance threshold is crossed
// (gather termination, spec §4.4's "Terminate" step).
func (g *GatherState) ProcessGatherEcho2(from int, set []int, checker witnessChecker, n, t int) bool {
	if g.terminated {
		return false
	}
	g.receivedGatherEcho2s[from] = set
	if g.accept(from, set, checker, g.unvalidatedGatherEcho2s, g.validatedGatherEcho2s) {
		return g.checkEcho2Termination(n, t)
	}
	return false
}

func (g *GatherState) checkEcho2Termination(n, t int) bool {
	if g.terminated || len(g.validatedGatherEcho2s) < n-t {
		return false
	}
	g.terminated = true
	return true
}

// Union returns the union of every accepted echo-2 witness set, the
// input to rank reconstruction (spec §4.5 step 6).
func (g *GatherState) Union() []int {
	union := map[int]bool{}
	for from := range g.validatedGatherEcho2s {
		for _, p := range g.receivedGatherEcho2s[from] {
			union[p] = true
		}
	}
	out := make([]int, 0, len(union))
	for p := range union {
		out = append(out, p)
	}
	return out
}
