package services

import (
	"fmt"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BBAMsgType enumerates the three echo rounds plus the coin-share
// reveal of spec §4.6's Abraham-Ben-David-Yandamuri binary agreement.
type BBAMsgType int

const (
	BBAEcho1 BBAMsgType = iota
	BBAEcho2
	BBAEcho3
	BBACoinShare
)

// bbaAbstain is ECHO3's third value, sent when both bits become
// witnessed in the same round (spec's "(w0+w1)/2" ambiguity marker).
const bbaAbstain = 2

type BBAMessage struct {
	Type     BBAMsgType
	Instance string
	Round    int
	Bit      int
	Share    crypto.FieldElement
	From     int
}

// BBAResult reports either a decision or the explicit error this
// engine surfaces when an instance's preloaded coin-share queue runs
// out before reaching a decision (Open Question #2's resolution).
type BBAResult struct {
	Instance string
	Decided  bool
	Bit      int
	Err      string
}

type bbaRoundState struct {
	echo1       [2]map[int]bool
	echo1Sent   [2]bool
	witnessed   [2]bool
	echo2       [2]map[int]bool
	echo2Sent   [2]bool
	echo3Senders map[int]bool
	echo3Sent   bool
	coinSent    bool
	coinShares  map[int]crypto.FieldElement
	advanced    bool
}

func newBBARoundState() *bbaRoundState {
	return &bbaRoundState{
		echo1:        [2]map[int]bool{{}, {}},
		echo2:        [2]map[int]bool{{}, {}},
		echo3Senders: make(map[int]bool),
		coinShares:   make(map[int]crypto.FieldElement),
	}
}

type bbaInstance struct {
	rounds     map[int]*bbaRoundState
	curRound   int
	coinShares []crypto.FieldElement // this party's preloaded share per round
	decided    bool
}

func (i *bbaInstance) round(r int) *bbaRoundState {
	if _, ok := i.rounds[r]; !ok {
		i.rounds[r] = newBBARoundState()
	}
	return i.rounds[r]
}

// BBAService implements spec §4.6.
type BBAService struct {
	id        int
	n         int
	t         int
	instances map[string]*bbaInstance
	logger    zerolog.Logger
	metrics   *Metrics
}

func NewBBAService(id, n, t int, logLevel zerolog.Level, m *Metrics) *BBAService {
	logger := log.With().Str("layer", "BBA").Int("node_id", id).Logger().Level(logLevel)
	return &BBAService{id: id, n: n, t: t, instances: make(map[string]*bbaInstance), logger: logger, metrics: m}
}

func (s *BBAService) getInstance(id string) *bbaInstance {
	if _, ok := s.instances[id]; !ok {
		s.instances[id] = &bbaInstance{rounds: make(map[int]*bbaRoundState)}
	}
	return s.instances[id]
}

// Propose starts instance with this party's input bit and its
// preloaded per-round coin shares.
func (s *BBAService) Propose(instance string, bit int, coinShares []crypto.FieldElement, ctx ServiceContext[BBAMessage, BBAResult]) {
	inst := s.getInstance(instance)
	inst.coinShares = coinShares
	if s.metrics != nil {
		s.metrics.BBARounds.Inc()
	}
	s.sendEcho1(instance, 0, bit, ctx)
}

func (s *BBAService) sendEcho1(instance string, round, bit int, ctx ServiceContext[BBAMessage, BBAResult]) {
	ctx.Broadcast(BBAMessage{Type: BBAEcho1, Instance: instance, Round: round, Bit: bit, From: s.id})
}

func (s *BBAService) OnMessage(msg BBAMessage, ctx ServiceContext[BBAMessage, BBAResult]) {
	inst := s.getInstance(msg.Instance)
	if inst.decided {
		return
	}
	rs := inst.round(msg.Round)

	switch msg.Type {
	case BBAEcho1:
		if msg.Bit != 0 && msg.Bit != 1 {
			return
		}
		rs.echo1[msg.Bit][msg.From] = true
		count := len(rs.echo1[msg.Bit])
		if count >= s.t+1 && !rs.echo1Sent[msg.Bit] {
			rs.echo1Sent[msg.Bit] = true
			ctx.Broadcast(BBAMessage{Type: BBAEcho1, Instance: msg.Instance, Round: msg.Round, Bit: msg.Bit, From: s.id})
		}
		if count >= s.n-s.t && !rs.witnessed[msg.Bit] {
			rs.witnessed[msg.Bit] = true
			if !rs.echo2Sent[msg.Bit] {
				rs.echo2Sent[msg.Bit] = true
				ctx.Broadcast(BBAMessage{Type: BBAEcho2, Instance: msg.Instance, Round: msg.Round, Bit: msg.Bit, From: s.id})
			}
			if rs.witnessed[0] && rs.witnessed[1] && !rs.echo3Sent {
				rs.echo3Sent = true
				ctx.Broadcast(BBAMessage{Type: BBAEcho3, Instance: msg.Instance, Round: msg.Round, Bit: bbaAbstain, From: s.id})
			}
		}

	case BBAEcho2:
		if msg.Bit != 0 && msg.Bit != 1 {
			return
		}
		rs.echo2[msg.Bit][msg.From] = true
		if len(rs.echo2[msg.Bit]) >= s.n-s.t && !rs.echo3Sent {
			rs.echo3Sent = true
			ctx.Broadcast(BBAMessage{Type: BBAEcho3, Instance: msg.Instance, Round: msg.Round, Bit: msg.Bit, From: s.id})
		}

	case BBAEcho3:
		rs.echo3Senders[msg.From] = true
		if len(rs.echo3Senders) >= s.n-s.t && !rs.coinSent {
			rs.coinSent = true
			share, err := s.coinShareFor(inst, msg.Round)
			if err != nil {
				s.logger.Warn().Str("instance", msg.Instance).Int("round", msg.Round).Msg("coin share queue exhausted")
				ctx.SendResult(BBAResult{Instance: msg.Instance, Err: err.Error()})
				return
			}
			ctx.Broadcast(BBAMessage{Type: BBACoinShare, Instance: msg.Instance, Round: msg.Round, Share: share, From: s.id})
		}

	case BBACoinShare:
		rs.coinShares[msg.From] = msg.Share
		if len(rs.coinShares) >= s.t+1 && !rs.advanced {
			rs.advanced = true
			s.decideOrAdvance(msg.Instance, inst, msg.Round, rs, ctx)
		}
	}
}

func (s *BBAService) coinShareFor(inst *bbaInstance, round int) (crypto.FieldElement, error) {
	if round < 0 || round >= len(inst.coinShares) {
		return crypto.FieldElement{}, fmt.Errorf("no preloaded coin share for round %d", round)
	}
	return inst.coinShares[round], nil
}

func (s *BBAService) decideOrAdvance(instance string, inst *bbaInstance, round int, rs *bbaRoundState, ctx ServiceContext[BBAMessage, BBAResult]) {
	points := make([]crypto.SharePoint, 0, len(rs.coinShares))
	for from, share := range rs.coinShares {
		points = append(points, crypto.SharePoint{X: crypto.FieldElementFromInt64(int64(from + 1)), Y: share})
		if len(points) == s.t+1 {
			break
		}
	}
	coin := crypto.InterpolateAtZero(points)
	coinBit := coin.Mod2()

	exactlyOne := rs.witnessed[0] != rs.witnessed[1]
	if exactlyOne {
		wb := 0
		if rs.witnessed[1] {
			wb = 1
		}
		if wb == coinBit {
			inst.decided = true
			s.logger.Info().Str("instance", instance).Int("bit", wb).Msg("binary BA decided")
			if s.metrics != nil {
				s.metrics.BBADecided.Inc()
			}
			ctx.SendResult(BBAResult{Instance: instance, Decided: true, Bit: wb})
			return
		}
		s.advance(instance, inst, round, wb, ctx)
		return
	}
	s.advance(instance, inst, round, coinBit, ctx)
}

func (s *BBAService) advance(instance string, inst *bbaInstance, round, nextBit int, ctx ServiceContext[BBAMessage, BBAResult]) {
	inst.curRound = round + 1
	if s.metrics != nil {
		s.metrics.BBARounds.Inc()
	}
	s.sendEcho1(instance, inst.curRound, nextBit, ctx)
}
