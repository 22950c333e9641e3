package services

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ACS-layer RBC payload ids, spec §6's single-RBC multiplexing scheme.
const (
	rbcIDL1      = 1 // dummy: "my proposal sharing terminated"
	rbcIDL2      = 2 // canonical-ordered list of L1 broadcasters witnessed
	rbcIDPre     = 3 // VABA PRE-broadcast: (pre, p_i, justify)
	rbcIDVote    = 4 // VABA vote: 8-byte big-endian endorsed party
)

// ACSMsgTag enumerates the wire/ingress surface ACS's single actor
// multiplexes per spec §5: inbound proposal terminations, inbound
// network frames for the three embedded sub-protocols, and the two
// native Gather tags of spec §6's wire table.
type ACSMsgTag int

const (
	ACSProposalTerminated ACSMsgTag = iota
	ACSRBCFrame
	ACSRAFrame
	ACSASKSFrame
	ACSGatherEchoFrame
	ACSGatherEcho2Frame
)

type ACSMessage struct {
	Tag ACSMsgTag

	Dealer int // ACSProposalTerminated

	RBCMsg  *RBCMessage
	RAMsg   *RAMessage
	ASKSMsg *ASKSMessage

	Iteration int
	From      int
	Set       []int
}

// ACSOutput is spec §6's single per-execution emission.
type ACSOutput struct {
	Iteration int
	Subset    []int
}

// ACSState is spec §3's top-level record.
type ACSState struct {
	BroadcastMessages          map[int]bool
	ReBroadcastMessages        map[int][]int
	BroadcastsLeftToBeAccepted map[int]map[int]bool
	AcceptedWitnesses          map[int]bool
	VabaStarted                bool
	VabaStates                 map[int]*VABAState
	AcsOutput                  []int
	Delivered                  bool
	sentL1                     bool
	sentL2                     bool
}

func NewACSState() *ACSState {
	return &ACSState{
		BroadcastMessages:          make(map[int]bool),
		ReBroadcastMessages:        make(map[int][]int),
		BroadcastsLeftToBeAccepted: make(map[int]map[int]bool),
		AcceptedWitnesses:          make(map[int]bool),
		VabaStates:                 make(map[int]*VABAState),
	}
}

type raPurpose struct {
	kind      string // "witness" or "termination"
	iteration int
	party     int
}

// ACSService is the engine's single top-level actor: it embeds one
// RBCService, RAService and ASKSService (driven synchronously through
// adapters, the layered-embedding style aba.go uses for Vote/ICC) and
// owns the VABA state machine for every iteration it has touched.
type ACSService struct {
	id  int
	n   int
	t   int
	hs  crypto.HashState

	rbc    *RBCService
	ra     *RAService
	asks   *ASKSService
	ledger *MisbehaviorLedger

	state      *ACSState
	raPurposes map[string]raPurpose

	logger  zerolog.Logger
	metrics *Metrics
}

func NewACSService(id, n, t int, hs crypto.HashState, pairwise map[int][]byte, logLevel zerolog.Level, m *Metrics) *ACSService {
	logger := log.With().Str("layer", "ACS").Int("node_id", id).Logger().Level(logLevel)
	ledger := NewMisbehaviorLedger()
	return &ACSService{
		id: id, n: n, t: t, hs: hs,
		rbc:        NewRBCService(id, n, t, hs, logLevel, m),
		ra:         NewRAService(id, n, t, logLevel, m),
		asks:       NewASKSService(id, n, t, hs, pairwise, ledger, logLevel, m),
		ledger:     ledger,
		state:      NewACSState(),
		raPurposes: make(map[string]raPurpose),
		logger:     logger,
		metrics:    m,
	}
}

func (s *ACSService) getVABA(iteration int) *VABAState {
	if _, ok := s.state.VabaStates[iteration]; !ok {
		s.state.VabaStates[iteration] = NewVABAState(iteration, s.n, s.t)
	}
	return s.state.VabaStates[iteration]
}

// Start kicks off this party's own proposal-termination event. In the
// full system this fires once the outer proposal-sharing layer (spec
// §6, out of scope here) finishes; this harness treats "ready to
// propose" as immediate.
func (s *ACSService) Start(ctx ServiceContext[ACSMessage, ACSOutput]) {
	s.onProposalTerminated(s.id, ctx)
}

func (s *ACSService) OnMessage(msg ACSMessage, ctx ServiceContext[ACSMessage, ACSOutput]) {
	switch msg.Tag {
	case ACSProposalTerminated:
		s.onProposalTerminated(msg.Dealer, ctx)
	case ACSRBCFrame:
		if msg.RBCMsg != nil {
			s.rbc.OnMessage(*msg.RBCMsg, s.rbcAdapter(ctx))
		}
	case ACSRAFrame:
		if msg.RAMsg != nil {
			s.ra.OnMessage(*msg.RAMsg, s.raAdapter(ctx))
		}
	case ACSASKSFrame:
		if msg.ASKSMsg != nil {
			s.asks.OnMessage(*msg.ASKSMsg, s.asksAdapter(ctx))
		}
	case ACSGatherEchoFrame:
		HandleGatherEcho(s.getVABA(msg.Iteration), msg.From, msg.Set, s.env(ctx))
	case ACSGatherEcho2Frame:
		HandleGatherEcho2(s.getVABA(msg.Iteration), msg.From, msg.Set, s.env(ctx))
	}
}

// onProposalTerminated is the §6 collaborator contract: the outer
// proposal-sharing layer notifies ACS once this party's own batch is
// ready. ACS ignores sharing_index and treats it as a one-shot local
// event that both starts VABA iteration 1 and announces this party as
// an L1 witness candidate via RBC.
func (s *ACSService) onProposalTerminated(dealer int, ctx ServiceContext[ACSMessage, ACSOutput]) {
	if s.state.sentL1 {
		return
	}
	s.state.sentL1 = true
	s.rbc.Propose(fmt.Sprintf("acs-l1-%d", s.id), encodeACSRBCPayload(rbcIDL1, nil), s.rbcAdapter(ctx))
	s.startVABA(1, ctx)
}

// startVABA is the original's start_vaba: create this iteration's state
// and deal its ASKS secret. The party's own pre/justify is set later,
// by onAcceptedWitness, once n-t witnesses are accepted.
func (s *ACSService) startVABA(iteration int, ctx ServiceContext[ACSMessage, ACSOutput]) {
	s.getVABA(iteration)
	if s.state.VabaStarted {
		return
	}
	s.state.VabaStarted = true
	if s.metrics != nil {
		s.metrics.VABAIterations.Inc()
	}
	secret, _ := crypto.RandomFieldElement()
	uuid := vabaInstanceID(iteration, "asks", s.id)
	if err := s.asks.Deal(uuid, []crypto.FieldElement{secret}, s.asksAdapter(ctx)); err != nil {
		s.logger.Error().Err(err).Msg("ASKS deal failed")
	}
}

// onRBCDelivered is fed by the embedded RBC adapter's SendResult and
// demultiplexes the embedded {id, msg} payload of spec §6 to
// onL1/onL2/onPre/onVote.
func (s *ACSService) onRBCDelivered(res RBCResult, ctx ServiceContext[ACSMessage, ACSOutput]) {
	id, payload, ok := decodeACSRBCPayload(res.Payload)
	if !ok {
		return
	}
	switch id {
	case rbcIDL1:
		s.onL1(res.Dealer, ctx)
	case rbcIDL2:
		s.onL2(res.Dealer, decodeIntList(payload), ctx)
	case rbcIDPre:
		s.onPre(res.Dealer, payload, ctx)
	case rbcIDVote:
		if len(payload) >= 8 {
			endorsed := int(binary.BigEndian.Uint64(payload[:8]))
			s.onVote(res.Dealer, endorsed, ctx)
		}
	}
}

func (s *ACSService) onL1(dealer int, ctx ServiceContext[ACSMessage, ACSOutput]) {
	s.state.BroadcastMessages[dealer] = true
	for p, pending := range s.state.BroadcastsLeftToBeAccepted {
		delete(pending, dealer)
		if len(pending) == 0 {
			delete(s.state.BroadcastsLeftToBeAccepted, p)
			s.onAcceptedWitness(p, ctx)
		}
	}
	if len(s.state.BroadcastMessages) >= s.n-s.t && !s.state.sentL2 {
		s.state.sentL2 = true
		list := make([]int, 0, len(s.state.BroadcastMessages))
		for d := range s.state.BroadcastMessages {
			list = append(list, d)
		}
		sort.Ints(list)
		s.rbc.Propose(fmt.Sprintf("acs-l2-%d", s.id), encodeACSRBCPayload(rbcIDL2, encodeIntList(list)), s.rbcAdapter(ctx))
	}
}

func (s *ACSService) onL2(party int, list []int, ctx ServiceContext[ACSMessage, ACSOutput]) {
	s.state.ReBroadcastMessages[party] = list
	if s.state.AcceptedWitnesses[party] {
		return
	}
	pending := make(map[int]bool)
	for _, d := range list {
		if !s.state.BroadcastMessages[d] {
			pending[d] = true
		}
	}
	if len(pending) == 0 {
		s.onAcceptedWitness(party, ctx)
		return
	}
	s.state.BroadcastsLeftToBeAccepted[party] = pending
}

func (s *ACSService) onAcceptedWitness(party int, ctx ServiceContext[ACSMessage, ACSOutput]) {
	if s.state.AcceptedWitnesses[party] {
		return
	}
	s.state.AcceptedWitnesses[party] = true
	for iteration, st := range s.state.VabaStates {
		recheckWitnesses(st, s.env(ctx))
		if st.Pre == nil && len(s.state.AcceptedWitnesses) >= s.n-s.t {
			s.setPreAndJustify(st, ctx)
		}
		TryPreBroadcast(st, s.env(ctx))
		_ = iteration
	}
}

// setPreAndJustify picks this party's endorsed L1 witness (itself if
// accepted, else the lowest accepted id) and a justify list recording
// the accepted set as evidence, the minimal content spec §4.5 needs to
// gate PRE-broadcast — the spec leaves justify's exact payload
// semantics to the implementation beyond iteration 1.
func (s *ACSService) setPreAndJustify(st *VABAState, ctx ServiceContext[ACSMessage, ACSOutput]) {
	pre := s.id
	if !s.state.AcceptedWitnesses[s.id] {
		ids := make([]int, 0, len(s.state.AcceptedWitnesses))
		for p := range s.state.AcceptedWitnesses {
			ids = append(ids, p)
		}
		sort.Ints(ids)
		if len(ids) > 0 {
			pre = ids[0]
		}
	}
	justify := make([]PartyPair, 0, len(s.state.AcceptedWitnesses))
	for p := range s.state.AcceptedWitnesses {
		justify = append(justify, PartyPair{A: p, B: p})
	}
	st.Pre = &pre
	st.Justify = justify
}

func (s *ACSService) onPre(dealer int, payload []byte, ctx ServiceContext[ACSMessage, ACSOutput]) {
	iteration, pre, pList, justify, ok := decodePrePayload(payload)
	if !ok {
		return
	}
	st := s.getVABA(iteration)
	checkWitness(st, dealer, preJustifyContent{Pre: pre, PList: pList, Justify: justify}, s.env(ctx))
}

func (s *ACSService) onVote(dealer, endorsed int, ctx ServiceContext[ACSMessage, ACSOutput]) {
	for iteration, st := range s.state.VabaStates {
		_ = iteration
		OnVote(st, endorsed, dealer, s.env(ctx))
	}
}

func (s *ACSService) onASKSResult(res ASKSResult, ctx ServiceContext[ACSMessage, ACSOutput]) {
	iteration, kind, party, ok := parseVABAInstance(res.Instance)
	if !ok {
		return
	}
	st := s.getVABA(iteration)
	if kind != "asks" {
		return
	}
	if res.Secrets == nil {
		st.TermASKSInstances[res.Dealer] = true
		recheckWitnesses(st, s.env(ctx))
		TryPreBroadcast(st, s.env(ctx))
		return
	}
	// Reconstruction result: find every witnessed party whose pending
	// set names this dealer.
	var secret crypto.FieldElement
	if len(res.Secrets) > 0 {
		secret = res.Secrets[0]
	}
	for witnessedParty, pending := range st.ASKSReconstructionList {
		if pending[res.Dealer] {
			OnASKSReconstructed(st, witnessedParty, res.Dealer, secret, res.Ok, s.env(ctx))
		}
	}
	_ = party
}

// env adapts ACSService to VABAEnv for one call, closing over ctx so
// every RBC/RA/ASKS request or broadcast lands back on this actor's
// inbox through the right adapter.
func (s *ACSService) env(ctx ServiceContext[ACSMessage, ACSOutput]) VABAEnv {
	return &acsVABAEnv{s: s, ctx: ctx}
}

type acsVABAEnv struct {
	s   *ACSService
	ctx ServiceContext[ACSMessage, ACSOutput]
}

func (e *acsVABAEnv) N() int       { return e.s.n }
func (e *acsVABAEnv) T() int       { return e.s.t }
func (e *acsVABAEnv) NMinusT() int { return e.s.n - e.s.t }

func (e *acsVABAEnv) IsAcceptedWitness(party int) bool {
	return e.s.state.AcceptedWitnesses[party]
}

func (e *acsVABAEnv) StartRA(iteration, party int) {
	uuid := vabaInstanceID(iteration, "ra-witness", party)
	e.s.raPurposes[uuid] = raPurpose{kind: "witness", iteration: iteration, party: party}
	e.s.ra.Propose(uuid, 1, e.s.raAdapter(e.ctx))
}

func (e *acsVABAEnv) BroadcastGatherEcho(iteration int, set []int) {
	e.ctx.Broadcast(ACSMessage{Tag: ACSGatherEchoFrame, Iteration: iteration, From: e.s.id, Set: set})
}

func (e *acsVABAEnv) BroadcastGatherEcho2(iteration int, set []int) {
	e.ctx.Broadcast(ACSMessage{Tag: ACSGatherEcho2Frame, Iteration: iteration, From: e.s.id, Set: set})
}

func (e *acsVABAEnv) RequestASKSReconstruct(iteration int, dealerIgnored int, instances []int) {
	for _, dealer := range instances {
		uuid := vabaInstanceID(iteration, "asks", dealer)
		e.s.asks.RequestReconstruct(uuid, true, -1, e.s.asksAdapter(e.ctx))
	}
}

func (e *acsVABAEnv) BroadcastPre(iteration int, pre int, pList []int, justify []PartyPair) {
	payload := encodePrePayload(iteration, pre, pList, justify)
	e.s.rbc.Propose(fmt.Sprintf("acs-pre-%d-%d", iteration, e.s.id), encodeACSRBCPayload(rbcIDPre, payload), e.s.rbcAdapter(e.ctx))
}

func (e *acsVABAEnv) BroadcastVote(iteration int, endorsed int) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(endorsed))
	e.s.rbc.Propose(fmt.Sprintf("acs-vote-%d-%d", iteration, e.s.id), encodeACSRBCPayload(rbcIDVote, buf), e.s.rbcAdapter(e.ctx))
}

func (e *acsVABAEnv) StartTerminationRA(iteration int, value int) {
	uuid := vabaInstanceID(iteration, "ra-term", 0)
	e.s.raPurposes[uuid] = raPurpose{kind: "termination", iteration: iteration, party: value}
	e.s.ra.Propose(uuid, value, e.s.raAdapter(e.ctx))
}

func (s *ACSService) onRADelivered(res RAResult, ctx ServiceContext[ACSMessage, ACSOutput]) {
	purpose, ok := s.raPurposes[res.UUID]
	if !ok {
		return
	}
	st := s.getVABA(purpose.iteration)
	switch purpose.kind {
	case "witness":
		st.ReliableAgreement[purpose.party] = true
		if checkGatherStart(st) {
			startGather(st, s.env(ctx))
		}
		checkGatherStart2(st, s.env(ctx))
	case "termination":
		if s.state.Delivered {
			return
		}
		s.state.Delivered = true
		list := s.state.ReBroadcastMessages[purpose.party]
		out := make([]int, len(list))
		copy(out, list)
		sort.Ints(out)
		s.state.AcsOutput = out
		s.logger.Info().Ints("subset", out).Int("iteration", purpose.iteration).Msg("ACS delivered")
		if s.metrics != nil {
			s.metrics.ACSOutputs.Inc()
		}
		ctx.SendResult(ACSOutput{Iteration: purpose.iteration, Subset: out})
	}
}

// --- adapters wiring the embedded sub-protocols ---

type acsRBCAdapter struct {
	s   *ACSService
	ctx ServiceContext[ACSMessage, ACSOutput]
}

func (a *acsRBCAdapter) Broadcast(msg RBCMessage) {
	a.ctx.Broadcast(ACSMessage{Tag: ACSRBCFrame, RBCMsg: &msg})
}
func (a *acsRBCAdapter) SendTo(to int, msg RBCMessage) {
	a.ctx.SendTo(to, ACSMessage{Tag: ACSRBCFrame, RBCMsg: &msg})
}
func (a *acsRBCAdapter) SendResult(res RBCResult) {
	a.s.onRBCDelivered(res, a.ctx)
}

func (s *ACSService) rbcAdapter(ctx ServiceContext[ACSMessage, ACSOutput]) *acsRBCAdapter {
	return &acsRBCAdapter{s: s, ctx: ctx}
}

type acsRAAdapter struct {
	s   *ACSService
	ctx ServiceContext[ACSMessage, ACSOutput]
}

func (a *acsRAAdapter) Broadcast(msg RAMessage) { a.ctx.Broadcast(ACSMessage{Tag: ACSRAFrame, RAMsg: &msg}) }
func (a *acsRAAdapter) SendTo(to int, msg RAMessage) {
	a.ctx.SendTo(to, ACSMessage{Tag: ACSRAFrame, RAMsg: &msg})
}
func (a *acsRAAdapter) SendResult(res RAResult) { a.s.onRADelivered(res, a.ctx) }

func (s *ACSService) raAdapter(ctx ServiceContext[ACSMessage, ACSOutput]) *acsRAAdapter {
	return &acsRAAdapter{s: s, ctx: ctx}
}

type acsASKSAdapter struct {
	s   *ACSService
	ctx ServiceContext[ACSMessage, ACSOutput]
}

func (a *acsASKSAdapter) Broadcast(msg ASKSMessage) {
	a.ctx.Broadcast(ACSMessage{Tag: ACSASKSFrame, ASKSMsg: &msg})
}
func (a *acsASKSAdapter) SendTo(to int, msg ASKSMessage) {
	a.ctx.SendTo(to, ACSMessage{Tag: ACSASKSFrame, ASKSMsg: &msg})
}
func (a *acsASKSAdapter) SendResult(res ASKSResult) { a.s.onASKSResult(res, a.ctx) }

func (s *ACSService) asksAdapter(ctx ServiceContext[ACSMessage, ACSOutput]) *acsASKSAdapter {
	return &acsASKSAdapter{s: s, ctx: ctx}
}

// --- wire codecs: minimal, fixed-layout stand-ins for the out-of-scope
// serialization library named in spec §1 ---

func encodeACSRBCPayload(id int, msg []byte) []byte {
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(id))
	copy(buf[4:], msg)
	return buf
}

func decodeACSRBCPayload(b []byte) (int, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	return int(binary.BigEndian.Uint32(b[:4])), b[4:], true
}

func encodePrePayload(iteration, pre int, pList []int, justify []PartyPair) []byte {
	var buf []byte
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr, uint32(iteration))
	binary.BigEndian.PutUint32(hdr[4:], uint32(pre))
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(pList)))
	buf = append(buf, hdr...)
	buf = append(buf, encodeIntList(pList)...)
	jn := make([]byte, 4)
	binary.BigEndian.PutUint32(jn, uint32(len(justify)))
	buf = append(buf, jn...)
	for _, p := range justify {
		pair := make([]byte, 8)
		binary.BigEndian.PutUint32(pair, uint32(p.A))
		binary.BigEndian.PutUint32(pair[4:], uint32(p.B))
		buf = append(buf, pair...)
	}
	return buf
}

func decodePrePayload(b []byte) (iteration, pre int, pList []int, justify []PartyPair, ok bool) {
	if len(b) < 12 {
		return 0, 0, nil, nil, false
	}
	iteration = int(binary.BigEndian.Uint32(b[:4]))
	pre = int(binary.BigEndian.Uint32(b[4:8]))
	n := int(binary.BigEndian.Uint32(b[8:12]))
	off := 12
	if off+4*n > len(b) {
		return 0, 0, nil, nil, false
	}
	pList = decodeIntList(b[off : off+4*n])
	off += 4 * n
	if off+4 > len(b) {
		return 0, 0, nil, nil, false
	}
	jn := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	justify = make([]PartyPair, jn)
	for i := 0; i < jn; i++ {
		if off+8 > len(b) {
			return 0, 0, nil, nil, false
		}
		justify[i] = PartyPair{A: int(binary.BigEndian.Uint32(b[off : off+4])), B: int(binary.BigEndian.Uint32(b[off+4 : off+8]))}
		off += 8
	}
	return iteration, pre, pList, justify, true
}

// parseVABAInstance recovers (iteration, kind, party) from a
// vabaInstanceID-formatted string.
func parseVABAInstance(id string) (iteration int, kind string, party int, ok bool) {
	parts := strings.SplitN(id, "-", 4)
	if len(parts) < 4 || parts[0] != "vaba" {
		return 0, "", 0, false
	}
	it, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", 0, false
	}
	p, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, "", 0, false
	}
	return it, parts[2], p, true
}
