package services

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MVBAMsgType tags the embedded sub-protocol traffic an MVBA round
// multiplexes: its own L1/L2 RBCs, its L3 witness broadcast, its coin
// share, and the parallel binary-BA/RA instances used to confirm a
// round's leader.
type MVBAMsgType int

const (
	MVBARBC MVBAMsgType = iota
	MVBAWitness
	MVBACoin
	MVBABBA
	MVBARA
)

type MVBAMessage struct {
	Type MVBAMsgType
	Instance string
	Round    int
	From     int

	RBCMsg *RBCMessage
	BBAMsg *BBAMessage
	RAMsg  *RAMessage

	// MVBAWitness: the parties whose L2 RBCs this party has approved.
	Witness []int
	// MVBACoin: revealed coin share for this round.
	Share crypto.FieldElement
}

// MVBAResult emits the winning round's L2 vector once a round decides
// accept (spec §4.7 step 7); rounds that reject carry no payload and
// the caller simply awaits the next round's result.
type MVBAResult struct {
	Instance string
	Round    int
	Accepted bool
	Output   []int
}

// mvbaRoundKey uses a proper tuple key rather than the original
// source's 100*instance+round encoding (Open Question #4's decision),
// avoiding collisions once a round index exceeds 100.
type mvbaRoundKey struct {
	instance string
	round    int
}

type mvbaRoundState struct {
	l1Delivered map[int][]byte // dealer -> payload
	l1Dealt     bool
	l2Delivered map[int][]int // party -> their L2 witness list
	l2Approved  map[int]bool
	l3Sent      bool
	witnesses   map[int]bool
	coinSent    bool
	coinShares  map[int]crypto.FieldElement
	leader      *int
	bbaFed      bool
	raFed       bool
	done        bool
}

func newMVBARoundState() *mvbaRoundState {
	return &mvbaRoundState{
		l1Delivered: make(map[int][]byte),
		l2Delivered: make(map[int][]int),
		l2Approved:  make(map[int]bool),
		witnesses:   make(map[int]bool),
		coinShares:  make(map[int]crypto.FieldElement),
	}
}

// MVBAService implements spec §4.7, embedding one RBCService, RAService
// and BBAService instance and driving them synchronously through
// adapters, the same layered-embedding style aba.go uses for Vote/ICC.
type MVBAService struct {
	id      int
	n       int
	t       int
	rbc     *RBCService
	ra      *RAService
	bba     *BBAService
	rounds  map[mvbaRoundKey]*mvbaRoundState
	coinShares map[string][]crypto.FieldElement // instance -> this party's preloaded per-round coin shares
	logger  zerolog.Logger
	metrics *Metrics
}

func NewMVBAService(id, n, t int, hs crypto.HashState, logLevel zerolog.Level, m *Metrics) *MVBAService {
	logger := log.With().Str("layer", "MVBA").Int("node_id", id).Logger().Level(logLevel)
	return &MVBAService{
		id: id, n: n, t: t,
		rbc:        NewRBCService(id, n, t, hs, logLevel, m),
		ra:         NewRAService(id, n, t, logLevel, m),
		bba:        NewBBAService(id, n, t, logLevel, m),
		rounds:     make(map[mvbaRoundKey]*mvbaRoundState),
		coinShares: make(map[string][]crypto.FieldElement),
		logger:     logger,
		metrics:    m,
	}
}

func (s *MVBAService) round(instance string, r int) *mvbaRoundState {
	key := mvbaRoundKey{instance, r}
	if _, ok := s.rounds[key]; !ok {
		s.rounds[key] = newMVBARoundState()
	}
	return s.rounds[key]
}

// Start begins round 0 with this party's input value and its preloaded
// per-round coin shares.
func (s *MVBAService) Start(instance string, input []byte, coinShares []crypto.FieldElement, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	s.coinShares[instance] = coinShares
	s.startRound(instance, 0, input, ctx)
}

func (s *MVBAService) startRound(instance string, round int, input []byte, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	rs := s.round(instance, round)
	if rs.l1Dealt {
		return
	}
	rs.l1Dealt = true
	if s.metrics != nil {
		s.metrics.MVBARounds.Inc()
	}
	uuid := fmt.Sprintf("mvba-%s-%d-L1-%d", instance, round, s.id)
	s.rbc.Propose(uuid, input, s.rbcAdapter(instance, round, ctx))
}

func (s *MVBAService) OnMessage(msg MVBAMessage, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	rs := s.round(msg.Instance, msg.Round)
	if rs.done {
		return
	}
	switch msg.Type {
	case MVBARBC:
		if msg.RBCMsg != nil {
			s.rbc.OnMessage(*msg.RBCMsg, s.rbcAdapter(msg.Instance, msg.Round, ctx))
		}
	case MVBAWitness:
		rs.witnesses[msg.From] = true
		if len(rs.witnesses) >= s.n-s.t && !rs.coinSent {
			rs.coinSent = true
			share, ok := s.coinShareFor(msg.Instance, msg.Round)
			if !ok {
				s.logger.Warn().Str("instance", msg.Instance).Int("round", msg.Round).Msg("MVBA coin share queue exhausted")
				return
			}
			ctx.Broadcast(MVBAMessage{Type: MVBACoin, Instance: msg.Instance, Round: msg.Round, From: s.id, Share: share})
		}
	case MVBACoin:
		rs.coinShares[msg.From] = msg.Share
		if len(rs.coinShares) >= s.t+1 && rs.leader == nil {
			s.electLeader(msg.Instance, msg.Round, rs, ctx)
		}
	case MVBABBA:
		if msg.BBAMsg != nil {
			s.bba.OnMessage(*msg.BBAMsg, s.bbaAdapter(msg.Instance, msg.Round, ctx))
		}
	case MVBARA:
		if msg.RAMsg != nil {
			s.ra.OnMessage(*msg.RAMsg, s.raAdapter(msg.Instance, msg.Round, ctx))
		}
	}
}

func (s *MVBAService) coinShareFor(instance string, round int) (crypto.FieldElement, bool) {
	shares := s.coinShares[instance]
	if round < 0 || round >= len(shares) {
		return crypto.FieldElement{}, false
	}
	return shares[round], true
}

// electLeader reconstructs the round coin and derives a leader via a
// PRNG seeded on the coin's bytes, per the original's fin_mvba (rather
// than taking the coin value itself as the leader id).
func (s *MVBAService) electLeader(instance string, round int, rs *mvbaRoundState, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	points := make([]crypto.SharePoint, 0, s.t+1)
	for from, share := range rs.coinShares {
		points = append(points, crypto.SharePoint{X: crypto.FieldElementFromInt64(int64(from + 1)), Y: share})
		if len(points) == s.t+1 {
			break
		}
	}
	coin := crypto.InterpolateAtZero(points)
	seed := coin.Bytes()
	var seed64 [32]byte
	copy(seed64[:], seed)
	pcg := rand.NewPCG(binary.BigEndian.Uint64(seed64[:8]), binary.BigEndian.Uint64(seed64[8:16]))
	leader := 1 + int(rand.New(pcg).Int64N(int64(s.n)))
	rs.leader = &leader

	accept := rs.l2Approved[leader]
	bit := 0
	if accept {
		bit = 1
	}
	uuid := fmt.Sprintf("mvba-%s-%d-bba", instance, round)
	s.bba.Propose(uuid, bit, s.coinShares[instance], s.bbaAdapter(instance, round, ctx))
	raUUID := fmt.Sprintf("mvba-%s-%d-ra", instance, round)
	s.ra.Propose(raUUID, bit, s.raAdapter(instance, round, ctx))
}

// onL1Delivered/onL2Delivered/onBBADecided are driven by the embedded
// sub-protocol adapters; the RA adapter only records raFed.
func (s *MVBAService) onL1Delivered(instance string, round int, res RBCResult, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	rs := s.round(instance, round)
	rs.l1Delivered[res.Dealer] = res.Payload
	if len(rs.l1Delivered) >= s.n-s.t {
		s.maybeSendL2(instance, round, rs, ctx)
	}
	s.recheckL2Approvals(instance, round, rs, ctx)
}

func (s *MVBAService) maybeSendL2(instance string, round int, rs *mvbaRoundState, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	dealers := make([]int, 0, len(rs.l1Delivered))
	for d := range rs.l1Delivered {
		dealers = append(dealers, d)
	}
	uuid := fmt.Sprintf("mvba-%s-%d-L2-%d", instance, round, s.id)
	s.rbc.Propose(uuid, encodeIntList(dealers), s.rbcAdapter(instance, round, ctx))
}

func (s *MVBAService) onL2Delivered(instance string, round int, res RBCResult, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	rs := s.round(instance, round)
	list := decodeIntList(res.Payload)
	rs.l2Delivered[res.Dealer] = list
	s.recheckL2Approvals(instance, round, rs, ctx)
}

func (s *MVBAService) recheckL2Approvals(instance string, round int, rs *mvbaRoundState, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	for party, list := range rs.l2Delivered {
		if rs.l2Approved[party] {
			continue
		}
		approved := true
		for _, dealer := range list {
			if _, ok := rs.l1Delivered[dealer]; !ok {
				approved = false
				break
			}
		}
		if approved {
			rs.l2Approved[party] = true
		}
	}
	if len(rs.l2Approved) >= s.n-s.t && !rs.l3Sent {
		rs.l3Sent = true
		witness := make([]int, 0, len(rs.l2Approved))
		for p := range rs.l2Approved {
			witness = append(witness, p)
		}
		ctx.Broadcast(MVBAMessage{Type: MVBAWitness, Instance: instance, Round: round, From: s.id, Witness: witness})
	}
}

func (s *MVBAService) onBBADecided(instance string, round int, res BBAResult, ctx ServiceContext[MVBAMessage, MVBAResult]) {
	rs := s.round(instance, round)
	if !res.Decided || rs.done {
		return
	}
	rs.done = true
	if res.Bit == 1 && rs.leader != nil {
		output := rs.l2Delivered[*rs.leader]
		s.logger.Info().Str("instance", instance).Int("round", round).Int("leader", *rs.leader).Msg("MVBA round accepted")
		ctx.SendResult(MVBAResult{Instance: instance, Round: round, Accepted: true, Output: output})
		return
	}
	s.logger.Info().Str("instance", instance).Int("round", round).Msg("MVBA round rejected, advancing")
	ctx.SendResult(MVBAResult{Instance: instance, Round: round, Accepted: false})
	s.startRound(instance, round+1, nil, ctx)
}

// --- adapters wiring the embedded sub-protocols ---

type mvbaRBCAdapter struct {
	s        *MVBAService
	ctx      ServiceContext[MVBAMessage, MVBAResult]
	instance string
	round    int
}

func (a *mvbaRBCAdapter) Broadcast(msg RBCMessage) {
	a.ctx.Broadcast(MVBAMessage{Type: MVBARBC, Instance: a.instance, Round: a.round, From: a.s.id, RBCMsg: &msg})
}
func (a *mvbaRBCAdapter) SendTo(to int, msg RBCMessage) {
	a.ctx.SendTo(to, MVBAMessage{Type: MVBARBC, Instance: a.instance, Round: a.round, From: a.s.id, RBCMsg: &msg})
}
func (a *mvbaRBCAdapter) SendResult(res RBCResult) {
	if strings.Contains(res.UUID, "-L2-") {
		a.s.onL2Delivered(a.instance, a.round, res, a.ctx)
		return
	}
	a.s.onL1Delivered(a.instance, a.round, res, a.ctx)
}

func (s *MVBAService) rbcAdapter(instance string, round int, ctx ServiceContext[MVBAMessage, MVBAResult]) *mvbaRBCAdapter {
	return &mvbaRBCAdapter{s: s, ctx: ctx, instance: instance, round: round}
}

type mvbaBBAAdapter struct {
	s        *MVBAService
	ctx      ServiceContext[MVBAMessage, MVBAResult]
	instance string
	round    int
}

func (a *mvbaBBAAdapter) Broadcast(msg BBAMessage) {
	a.ctx.Broadcast(MVBAMessage{Type: MVBABBA, Instance: a.instance, Round: a.round, From: a.s.id, BBAMsg: &msg})
}
func (a *mvbaBBAAdapter) SendTo(to int, msg BBAMessage) {
	a.ctx.SendTo(to, MVBAMessage{Type: MVBABBA, Instance: a.instance, Round: a.round, From: a.s.id, BBAMsg: &msg})
}
func (a *mvbaBBAAdapter) SendResult(res BBAResult) {
	a.s.onBBADecided(a.instance, a.round, res, a.ctx)
}

func (s *MVBAService) bbaAdapter(instance string, round int, ctx ServiceContext[MVBAMessage, MVBAResult]) *mvbaBBAAdapter {
	return &mvbaBBAAdapter{s: s, ctx: ctx, instance: instance, round: round}
}

type mvbaRAAdapter struct {
	s        *MVBAService
	ctx      ServiceContext[MVBAMessage, MVBAResult]
	instance string
	round    int
}

func (a *mvbaRAAdapter) Broadcast(msg RAMessage) {
	a.ctx.Broadcast(MVBAMessage{Type: MVBARA, Instance: a.instance, Round: a.round, From: a.s.id, RAMsg: &msg})
}
func (a *mvbaRAAdapter) SendTo(to int, msg RAMessage) {
	a.ctx.SendTo(to, MVBAMessage{Type: MVBARA, Instance: a.instance, Round: a.round, From: a.s.id, RAMsg: &msg})
}
func (a *mvbaRAAdapter) SendResult(res RAResult) {
	rs := a.s.round(a.instance, a.round)
	rs.raFed = true
}

func (s *MVBAService) raAdapter(instance string, round int, ctx ServiceContext[MVBAMessage, MVBAResult]) *mvbaRAAdapter {
	return &mvbaRAAdapter{s: s, ctx: ctx, instance: instance, round: round}
}

// encodeIntList/decodeIntList give the L2 RBC payload (a list of L1
// dealer ids) a minimal wire encoding, standing in for the out-of-scope
// serialization library named in spec §1.
func encodeIntList(xs []int) []byte {
	buf := make([]byte, 4*len(xs))
	for i, x := range xs {
		binary.BigEndian.PutUint32(buf[4*i:], uint32(x))
	}
	return buf
}

func decodeIntList(b []byte) []int {
	n := len(b) / 4
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = int(binary.BigEndian.Uint32(b[4*i:]))
	}
	return out
}
