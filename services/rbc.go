package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RBCMsgType tags the three Bracha phases plus the dealer's per-party
// init. Generalizes acast.go's MSG/ECHO/READY to erasure-coded shards.
type RBCMsgType int

const (
	RBCInit RBCMsgType = iota
	RBCEcho
	RBCReady
)

func (m RBCMsgType) String() string {
	switch m {
	case RBCInit:
		return "INIT"
	case RBCEcho:
		return "ECHO"
	case RBCReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// RBCMessage carries one party's erasure shard plus its Merkle proof
// against the dealer's committed root. Init is unicast (To is the
// recipient); Echo/Ready are broadcast.
type RBCMessage struct {
	Type        RBCMsgType
	UUID        string
	Dealer      int
	Shard       []byte
	Proof       crypto.Proof
	Root        crypto.Hash
	OriginalLen int
	From        int
	To          int // -1 for broadcast
}

// RBCResult is what the caller receives once delivery completes.
type RBCResult struct {
	UUID    string
	Dealer  int
	Payload []byte
}

func NewRBCInstanceID(dealer int, tag string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("rbc-%d-%s-%d", dealer, tag, time.Now().UnixNano())))
	return hex.EncodeToString(h[:])
}

type rbcInstance struct {
	dealer        int
	originalLen   int
	echoShards    map[crypto.Hash]map[int][]byte
	readyShards   map[crypto.Hash]map[int][]byte
	sentEcho      bool
	sentReady     bool
	delivered     bool
	readyRoot     crypto.Hash
	readyOrigLen  int
}

func newRBCInstance() *rbcInstance {
	return &rbcInstance{
		echoShards:  make(map[crypto.Hash]map[int][]byte),
		readyShards: make(map[crypto.Hash]map[int][]byte),
	}
}

// RBCService implements spec §4.1: Bracha reliable broadcast over
// Reed-Solomon shards committed to with a Merkle tree. One instance
// handles any number of concurrent (dealer, tag) broadcasts keyed by
// UUID, mirroring acast.go's per-UUID instance map.
type RBCService struct {
	id        int
	n         int
	t         int
	hs        crypto.HashState
	instances map[string]*rbcInstance
	logger    zerolog.Logger
	metrics   *Metrics
}

func NewRBCService(id, n, t int, hs crypto.HashState, logLevel zerolog.Level, m *Metrics) *RBCService {
	logger := log.With().Str("layer", "RBC").Int("node_id", id).Logger().Level(logLevel)
	return &RBCService{
		id:        id,
		n:         n,
		t:         t,
		hs:        hs,
		instances: make(map[string]*rbcInstance),
		logger:    logger,
		metrics:   m,
	}
}

func (r *RBCService) getInstance(uuid string) *rbcInstance {
	if _, ok := r.instances[uuid]; !ok {
		r.instances[uuid] = newRBCInstance()
	}
	return r.instances[uuid]
}

// Propose is called by the dealer to begin a broadcast; it is not a
// network message handler, it synthesizes and sends the per-party
// Init messages directly.
func (r *RBCService) Propose(uuid string, payload []byte, ctx ServiceContext[RBCMessage, RBCResult]) {
	dataShards := r.t + 1
	totalShards := r.n
	shards, err := crypto.ErasureShards(payload, dataShards, totalShards)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to erasure-code payload")
		return
	}
	leaves := make([][]byte, len(shards))
	for i, s := range shards {
		leaves[i] = s
	}
	tree, err := crypto.NewTree(r.hs, leaves)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to build shard Merkle tree")
		return
	}
	root := tree.Root()
	for party := 1; party <= r.n; party++ {
		idx := party - 1
		proof, err := tree.GenProof(idx, shards[idx])
		if err != nil {
			r.logger.Error().Err(err).Int("to", party).Msg("failed to generate shard proof")
			continue
		}
		ctx.SendTo(party, RBCMessage{
			Type: RBCInit, UUID: uuid, Dealer: r.id, Shard: shards[idx], Proof: proof,
			Root: root, OriginalLen: len(payload), From: r.id, To: party,
		})
	}
	if r.metrics != nil {
		r.metrics.RBCProposed.Inc()
	}
}

func (r *RBCService) OnMessage(msg RBCMessage, ctx ServiceContext[RBCMessage, RBCResult]) {
	if msg.To >= 0 && msg.To != r.id {
		return
	}
	inst := r.getInstance(msg.UUID)
	if inst.delivered {
		return
	}
	if !msg.Proof.Validate(r.hs) || msg.Proof.Root != msg.Root {
		r.logger.Debug().Str("uuid", msg.UUID).Int("from", msg.From).Msg("dropping shard with invalid proof")
		return
	}
	inst.dealer = msg.Dealer
	inst.originalLen = msg.OriginalLen

	switch msg.Type {
	case RBCInit:
		if !inst.sentEcho {
			inst.sentEcho = true
			ctx.Broadcast(RBCMessage{
				Type: RBCEcho, UUID: msg.UUID, Dealer: msg.Dealer, Shard: msg.Shard,
				Proof: msg.Proof, Root: msg.Root, OriginalLen: msg.OriginalLen, From: r.id, To: -1,
			})
		}

	case RBCEcho:
		r.recordShard(inst.echoShards, msg.Root, msg.From, msg.Shard)
		count := len(inst.echoShards[msg.Root])
		if count == r.n && !inst.delivered {
			r.deliver(msg.UUID, inst, msg.Root, ctx)
			return
		}
		if count >= r.n-r.t && !inst.sentReady {
			shard, proof, ok := r.tryReconstructAndCommit(inst, msg.Root, inst.echoShards[msg.Root])
			if ok {
				inst.sentReady = true
				ctx.Broadcast(RBCMessage{
					Type: RBCReady, UUID: msg.UUID, Dealer: msg.Dealer, Shard: shard,
					Proof: proof, Root: msg.Root, OriginalLen: msg.OriginalLen, From: r.id, To: -1,
				})
			}
		}

	case RBCReady:
		r.recordShard(inst.readyShards, msg.Root, msg.From, msg.Shard)
		count := len(inst.readyShards[msg.Root])
		if count >= r.t+1 && !inst.sentReady {
			shard, proof, ok := r.tryReconstructAndCommit(inst, msg.Root, inst.readyShards[msg.Root])
			if ok {
				inst.sentReady = true
				ctx.Broadcast(RBCMessage{
					Type: RBCReady, UUID: msg.UUID, Dealer: msg.Dealer, Shard: shard,
					Proof: proof, Root: msg.Root, OriginalLen: msg.OriginalLen, From: r.id, To: -1,
				})
			}
		}
		if count >= r.n-r.t && !inst.delivered {
			r.deliver(msg.UUID, inst, msg.Root, ctx)
		}
	}
}

func (r *RBCService) recordShard(m map[crypto.Hash]map[int][]byte, root crypto.Hash, from int, shard []byte) {
	if _, ok := m[root]; !ok {
		m[root] = make(map[int][]byte)
	}
	m[root][from] = shard
}

// tryReconstructAndCommit reconstructs the payload from a sparse shard
// set, re-encodes it, and returns this party's canonical shard+proof
// if the recomputed root matches — the "reconstructs, re-hashes, and
// if the root matches" step of spec §4.1.
func (r *RBCService) tryReconstructAndCommit(inst *rbcInstance, root crypto.Hash, have map[int][]byte) ([]byte, crypto.Proof, bool) {
	shards := make([][]byte, r.n)
	for party, s := range have {
		shards[party-1] = s
	}
	dataShards := r.t + 1
	payload, err := crypto.ErasureReconstruct(shards, dataShards, r.n, inst.originalLen)
	if err != nil {
		return nil, crypto.Proof{}, false
	}
	recomputed, err := crypto.ErasureShards(payload, dataShards, r.n)
	if err != nil {
		return nil, crypto.Proof{}, false
	}
	leaves := make([][]byte, len(recomputed))
	for i, s := range recomputed {
		leaves[i] = s
	}
	tree, err := crypto.NewTree(r.hs, leaves)
	if err != nil || tree.Root() != root {
		return nil, crypto.Proof{}, false
	}
	myIdx := r.id - 1
	proof, err := tree.GenProof(myIdx, recomputed[myIdx])
	if err != nil {
		return nil, crypto.Proof{}, false
	}
	return recomputed[myIdx], proof, true
}

func (r *RBCService) deliver(uuid string, inst *rbcInstance, root crypto.Hash, ctx ServiceContext[RBCMessage, RBCResult]) {
	have := inst.readyShards[root]
	if len(have) < r.t+1 {
		have = inst.echoShards[root]
	}
	shards := make([][]byte, r.n)
	for party, s := range have {
		shards[party-1] = s
	}
	payload, err := crypto.ErasureReconstruct(shards, r.t+1, r.n, inst.originalLen)
	if err != nil {
		r.logger.Debug().Str("uuid", uuid).Err(err).Msg("final reconstruction failed, awaiting more shards")
		return
	}
	inst.delivered = true
	r.logger.Info().Str("uuid", uuid).Int("dealer", inst.dealer).Msg("RBC delivered")
	if r.metrics != nil {
		r.metrics.RBCDelivered.Inc()
	}
	ctx.SendResult(RBCResult{UUID: uuid, Dealer: inst.dealer, Payload: payload})
}
