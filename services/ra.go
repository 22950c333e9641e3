package services

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RAMsgType mirrors acast.go's MSG/ECHO/READY but RA never carries a
// dealer-originated MSG: every party echoes its own input directly,
// since RA's contract (spec §4.2) lets every honest party propose.
type RAMsgType int

const (
	RAEcho RAMsgType = iota
	RAReady
)

func (m RAMsgType) String() string {
	if m == RAEcho {
		return "ECHO"
	}
	return "READY"
}

// RAMessage carries a small integer value for one RA instance.
type RAMessage struct {
	Type RAMsgType
	UUID string
	Val  int
	From int
}

type RAResult struct {
	UUID string
	Val  int
}

type raInstance struct {
	echo      map[int]map[int]bool
	ready     map[int]map[int]bool
	sentReady bool
	delivered bool
}

func newRAInstance() *raInstance {
	return &raInstance{echo: make(map[int]map[int]bool), ready: make(map[int]map[int]bool)}
}

// RAService implements spec §4.2: simplified Bracha agreement over
// integer payloads with no erasure coding, delivery at n-t READYs
// (stricter than acast.go's 2t+1 teacher default).
type RAService struct {
	id        int
	n         int
	t         int
	instances map[string]*raInstance
	logger    zerolog.Logger
	metrics   *Metrics
}

func NewRAService(id, n, t int, logLevel zerolog.Level, m *Metrics) *RAService {
	logger := log.With().Str("layer", "RA").Int("node_id", id).Logger().Level(logLevel)
	return &RAService{id: id, n: n, t: t, instances: make(map[string]*raInstance), logger: logger, metrics: m}
}

func (r *RAService) getInstance(uuid string) *raInstance {
	if _, ok := r.instances[uuid]; !ok {
		r.instances[uuid] = newRAInstance()
	}
	return r.instances[uuid]
}

// Propose starts (or joins) an RA instance with this party's input.
func (r *RAService) Propose(uuid string, val int, ctx ServiceContext[RAMessage, RAResult]) {
	inst := r.getInstance(uuid)
	if inst.delivered {
		return
	}
	r.echo(uuid, val, ctx)
	if r.metrics != nil {
		r.metrics.RAProposed.Inc()
	}
}

func (r *RAService) echo(uuid string, val int, ctx ServiceContext[RAMessage, RAResult]) {
	ctx.Broadcast(RAMessage{Type: RAEcho, UUID: uuid, Val: val, From: r.id})
}

func addVote(m map[int]map[int]bool, val, from int) int {
	if _, ok := m[val]; !ok {
		m[val] = make(map[int]bool)
	}
	m[val][from] = true
	return len(m[val])
}

func (r *RAService) OnMessage(msg RAMessage, ctx ServiceContext[RAMessage, RAResult]) {
	inst := r.getInstance(msg.UUID)
	if inst.delivered {
		return
	}
	switch msg.Type {
	case RAEcho:
		count := addVote(inst.echo, msg.Val, msg.From)
		if count >= r.n-r.t && !inst.sentReady {
			inst.sentReady = true
			ctx.Broadcast(RAMessage{Type: RAReady, UUID: msg.UUID, Val: msg.Val, From: r.id})
		}
	case RAReady:
		count := addVote(inst.ready, msg.Val, msg.From)
		if count >= r.t+1 && !inst.sentReady {
			inst.sentReady = true
			ctx.Broadcast(RAMessage{Type: RAReady, UUID: msg.UUID, Val: msg.Val, From: r.id})
		}
		if count >= r.n-r.t && !inst.delivered {
			inst.delivered = true
			r.logger.Info().Str("uuid", msg.UUID).Int("val", msg.Val).Msg("RA delivered")
			if r.metrics != nil {
				r.metrics.RADelivered.Inc()
			}
			ctx.SendResult(RAResult{UUID: msg.UUID, Val: msg.Val})
		}
	}
}
