package services

import (
	"bytes"
	"encoding/binary"

	"github.com/bft-acs/acs/crypto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ASKSMsgType tags the three phases of spec §4.3: the dealer's
// pairwise-encrypted per-party share, the embedded root-agreement
// round that lets every party confirm they hold a consistent
// commitment, and the on-demand reconstruction exchange.
type ASKSMsgType int

const (
	ASKSShareMsg ASKSMsgType = iota
	ASKSRootEcho
	ASKSRootReady
	ASKSReconstructShare
)

// ASKSMessage is the single wire type for an ASKS instance. Fields are
// populated per Type; To is -1 for broadcast phases.
type ASKSMessage struct {
	Type   ASKSMsgType
	Instance string
	Dealer int
	From   int
	To     int

	// ASKSShareMsg: pairwise-encrypted WSS payload.
	Cipher []byte

	// ASKSRootEcho / ASKSRootReady: Bracha-over-the-root-vector-hash.
	RootsHash crypto.Hash

	// ASKSReconstructShare: revealed share/nonce plus its commitment
	// proof against secret idx.
	SecretIdx   int
	Share       crypto.FieldElement
	Nonce       crypto.FieldElement
	ShareProof  crypto.Proof
	Target      int // for reconstruct-to-one
	ToAll       bool
}

// ASKSResult matches spec §6's ACS<->ASKS contract: Secrets == nil
// means "sharing phase terminated locally", non-nil means a
// reconstruction produced these field elements. On detected
// equivocation Secrets is still set and Ok is false.
type ASKSResult struct {
	Instance string
	Dealer   int
	Secrets  []crypto.FieldElement
	Ok       bool
}

// wssShare is the plaintext payload sent pairwise, one per recipient,
// holding that recipient's entry for every secret.
type wssShare struct {
	Shares []crypto.FieldElement
	Nonces []crypto.FieldElement
	Proofs []crypto.Proof
	Roots  []crypto.Hash
}

type asksInstance struct {
	dealer      int
	nSecrets    int
	myShare     *wssShare
	roots       []crypto.Hash
	rootsAgreed bool

	// root-agreement Bracha-on-hash state, grounded on acast.go's
	// generic ECHO/READY thresholds but over a fixed-size digest
	// rather than the original's erasure-coded root vector, since the
	// committed payload here is a handful of hashes, not a bulk blob.
	echoVotes  map[crypto.Hash]map[int]bool
	readyVotes map[crypto.Hash]map[int]bool
	sentEcho   bool
	sentReady  bool

	// reconstruction: per requesting instance, shares collected so far
	reconShares map[int]*wssShare // from-party -> revealed shares
	reconDone   bool
}

func newASKSInstance() *asksInstance {
	return &asksInstance{
		echoVotes:   make(map[crypto.Hash]map[int]bool),
		readyVotes:  make(map[crypto.Hash]map[int]bool),
		reconShares: make(map[int]*wssShare),
	}
}

// ASKSService implements spec §4.3 plus the root-agreement supplement
// described in SPEC_FULL.md section C.
type ASKSService struct {
	id         int
	n          int
	t          int
	hs         crypto.HashState
	pairwise   map[int][]byte // pairwise symmetric keys, party -> key
	instances  map[string]*asksInstance
	ledger     *MisbehaviorLedger
	logger     zerolog.Logger
	metrics    *Metrics
}

func NewASKSService(id, n, t int, hs crypto.HashState, pairwise map[int][]byte, ledger *MisbehaviorLedger, logLevel zerolog.Level, m *Metrics) *ASKSService {
	logger := log.With().Str("layer", "ASKS").Int("node_id", id).Logger().Level(logLevel)
	return &ASKSService{
		id: id, n: n, t: t, hs: hs, pairwise: pairwise,
		instances: make(map[string]*asksInstance), ledger: ledger, logger: logger, metrics: m,
	}
}

func (s *ASKSService) getInstance(id string) *asksInstance {
	if _, ok := s.instances[id]; !ok {
		s.instances[id] = newASKSInstance()
	}
	return s.instances[id]
}

// Deal starts a new ASKS instance: the dealer (always the local party)
// shares nSecrets field elements (chosen or random) via degree-t
// Shamir polynomials, one per secret, each with its own nonce
// polynomial and Merkle tree over H(share||nonce) commitments.
func (s *ASKSService) Deal(instance string, chosen []crypto.FieldElement, ctx ServiceContext[ASKSMessage, ASKSResult]) error {
	nSecrets := len(chosen)
	perPartyShares := make([][]crypto.FieldElement, s.n)
	perPartyNonces := make([][]crypto.FieldElement, s.n)
	perPartyProofs := make([][]crypto.Proof, s.n)
	roots := make([]crypto.Hash, nSecrets)

	for secretIdx := 0; secretIdx < nSecrets; secretIdx++ {
		poly, err := crypto.NewRandomPolynomial(s.t, chosen[secretIdx])
		if err != nil {
			return err
		}
		noncePoly, err := crypto.NewRandomPolynomial(s.t, crypto.FieldElementFromInt64(0))
		if err != nil {
			return err
		}
		leaves := make([][]byte, s.n)
		shares := make([]crypto.FieldElement, s.n)
		nonces := make([]crypto.FieldElement, s.n)
		for i := 0; i < s.n; i++ {
			x := crypto.FieldElementFromInt64(int64(i + 1))
			share := poly.Evaluate(x)
			nonce := noncePoly.Evaluate(x)
			shares[i] = share
			nonces[i] = nonce
			leaves[i] = append(append([]byte{}, share.Bytes()...), nonce.Bytes()...)
		}
		tree, err := crypto.NewTree(s.hs, leaves)
		if err != nil {
			return err
		}
		roots[secretIdx] = tree.Root()
		for i := 0; i < s.n; i++ {
			proof, err := tree.GenProof(i, leaves[i])
			if err != nil {
				return err
			}
			if perPartyShares[i] == nil {
				perPartyShares[i] = make([]crypto.FieldElement, nSecrets)
				perPartyNonces[i] = make([]crypto.FieldElement, nSecrets)
				perPartyProofs[i] = make([]crypto.Proof, nSecrets)
			}
			perPartyShares[i][secretIdx] = shares[i]
			perPartyNonces[i][secretIdx] = nonces[i]
			perPartyProofs[i][secretIdx] = proof
		}
	}

	inst := s.getInstance(instance)
	inst.dealer = s.id
	inst.nSecrets = nSecrets
	inst.roots = roots

	for i := 0; i < s.n; i++ {
		party := i + 1
		payload := wssShare{Shares: perPartyShares[i], Nonces: perPartyNonces[i], Proofs: perPartyProofs[i], Roots: roots}
		cipher, err := crypto.EncryptPairwise(s.pairwise[party], encodeWSS(payload))
		if err != nil {
			return err
		}
		ctx.SendTo(party, ASKSMessage{Type: ASKSShareMsg, Instance: instance, Dealer: s.id, From: s.id, To: party, Cipher: cipher})
	}
	return nil
}

func (s *ASKSService) OnMessage(msg ASKSMessage, ctx ServiceContext[ASKSMessage, ASKSResult]) {
	inst := s.getInstance(msg.Instance)
	inst.dealer = msg.Dealer

	switch msg.Type {
	case ASKSShareMsg:
		if msg.To != s.id {
			return
		}
		plain, err := crypto.DecryptPairwise(s.pairwise[msg.Dealer], msg.Cipher)
		if err != nil {
			s.logger.Debug().Str("instance", msg.Instance).Msg("failed to decrypt ASKS share")
			return
		}
		share, ok := decodeWSS(plain)
		if !ok {
			return
		}
		for idx := range share.Shares {
			leaf := append(append([]byte{}, share.Shares[idx].Bytes()...), share.Nonces[idx].Bytes()...)
			if !bytes.Equal(share.Proofs[idx].Item, leaf) || share.Proofs[idx].Root != share.Roots[idx] || !share.Proofs[idx].Validate(s.hs) {
				s.logger.Debug().Str("instance", msg.Instance).Int("secret", idx).Msg("invalid share commitment proof")
				return
			}
		}
		inst.myShare = &share
		inst.nSecrets = len(share.Shares)
		rootsHash := hashRoots(s.hs, share.Roots)
		inst.roots = share.Roots
		s.broadcastRootVote(msg.Instance, ASKSRootEcho, rootsHash, ctx)

	case ASKSRootEcho:
		count := addHashVote(inst.echoVotes, msg.RootsHash, msg.From)
		if count >= s.n-s.t && !inst.sentReady {
			inst.sentReady = true
			s.broadcastRootVote(msg.Instance, ASKSRootReady, msg.RootsHash, ctx)
		}

	case ASKSRootReady:
		count := addHashVote(inst.readyVotes, msg.RootsHash, msg.From)
		if count >= s.t+1 && !inst.sentReady {
			inst.sentReady = true
			s.broadcastRootVote(msg.Instance, ASKSRootReady, msg.RootsHash, ctx)
		}
		if count >= s.n-s.t && !inst.rootsAgreed {
			inst.rootsAgreed = true
			s.logger.Info().Str("instance", msg.Instance).Int("dealer", inst.dealer).Msg("ASKS sharing terminated locally")
			if s.metrics != nil {
				s.metrics.ASKSShared.Inc()
			}
			ctx.SendResult(ASKSResult{Instance: msg.Instance, Dealer: inst.dealer, Secrets: nil, Ok: true})
		}

	case ASKSReconstructShare:
		if inst.reconDone {
			return
		}
		if inst.myShare != nil {
			inst.reconShares[s.id] = inst.myShare
		}
		existing, ok := inst.reconShares[msg.From]
		if !ok {
			existing = &wssShare{}
			inst.reconShares[msg.From] = existing
		}
		for len(existing.Shares) <= msg.SecretIdx {
			existing.Shares = append(existing.Shares, crypto.FieldElement{})
			existing.Nonces = append(existing.Nonces, crypto.FieldElement{})
			existing.Proofs = append(existing.Proofs, crypto.Proof{})
		}
		existing.Shares[msg.SecretIdx] = msg.Share
		existing.Nonces[msg.SecretIdx] = msg.Nonce
		existing.Proofs[msg.SecretIdx] = msg.ShareProof

		if len(inst.reconShares) >= s.t+1 && inst.rootsAgreed {
			s.tryReconstruct(msg.Instance, inst, ctx)
		}
	}
}

// RequestReconstruct implements the ACS<->ASKS reconstruct-to-one /
// reconstruct-to-all request of spec §6: this party reveals its own
// share (and nonce and commitment proof) for every secret in the
// instance, either to a single target or to everyone.
func (s *ASKSService) RequestReconstruct(instance string, toAll bool, target int, ctx ServiceContext[ASKSMessage, ASKSResult]) {
	inst := s.getInstance(instance)
	if inst.myShare == nil {
		return
	}
	for idx := range inst.myShare.Shares {
		m := ASKSMessage{
			Type: ASKSReconstructShare, Instance: instance, Dealer: inst.dealer, From: s.id,
			SecretIdx: idx, Share: inst.myShare.Shares[idx], Nonce: inst.myShare.Nonces[idx],
			ShareProof: inst.myShare.Proofs[idx], Target: target, ToAll: toAll, To: -1,
		}
		if toAll {
			ctx.Broadcast(m)
		} else {
			m.To = target
			ctx.SendTo(target, m)
		}
	}
}

// tryReconstruct interpolates the secret vector from t+1 collected
// shares, checking each revealed share's Merkle proof against the
// committed root to detect dealer equivocation (spec §4.3, error
// taxonomy #4). The root is not recomputed from the interpolated
// polynomial, so shares that were not revealed are not checked.
func (s *ASKSService) tryReconstruct(instance string, inst *asksInstance, ctx ServiceContext[ASKSMessage, ASKSResult]) {
	nSecrets := inst.nSecrets
	if nSecrets == 0 {
		for _, sh := range inst.reconShares {
			if len(sh.Shares) > nSecrets {
				nSecrets = len(sh.Shares)
			}
		}
	}
	secrets := make([]crypto.FieldElement, nSecrets)
	equivocated := false
	for secretIdx := 0; secretIdx < nSecrets; secretIdx++ {
		points := make([]crypto.SharePoint, 0, len(inst.reconShares))
		for from, sh := range inst.reconShares {
			if secretIdx >= len(sh.Shares) {
				continue
			}
			if len(inst.roots) > secretIdx {
				leaf := append(append([]byte{}, sh.Shares[secretIdx].Bytes()...), sh.Nonces[secretIdx].Bytes()...)
				proof := sh.Proofs[secretIdx]
				if !bytes.Equal(proof.Item, leaf) || proof.Root != inst.roots[secretIdx] || !proof.Validate(s.hs) {
					s.flagEquivocation(inst.dealer)
					equivocated = true
					continue
				}
			}
			points = append(points, crypto.SharePoint{X: crypto.FieldElementFromInt64(int64(from)), Y: sh.Shares[secretIdx]})
		}
		if len(points) < s.t+1 {
			return
		}
		secrets[secretIdx] = crypto.InterpolateAtZero(points[:s.t+1])
	}
	inst.reconDone = true
	ok := !equivocated && (s.ledger == nil || !s.ledger.IsFaulty(inst.dealer))
	if ok {
		s.logger.Info().Str("instance", instance).Int("dealer", inst.dealer).Msg("ASKS reconstruction complete")
	} else {
		s.logger.Warn().Str("instance", instance).Int("dealer", inst.dealer).Msg("ASKS reconstruction rejected dealer as faulty")
	}
	if s.metrics != nil {
		s.metrics.ASKSReconstructed.Inc()
	}
	ctx.SendResult(ASKSResult{Instance: instance, Dealer: inst.dealer, Secrets: secrets, Ok: ok})
}

func (s *ASKSService) flagEquivocation(dealer int) {
	if s.ledger == nil {
		return
	}
	s.ledger.AddFaultyParty(dealer)
	s.logger.Warn().Int("dealer", dealer).Msg("ASKS equivocation detected, zeroing rank contribution")
	if s.metrics != nil {
		s.metrics.ASKSEquivocations.Inc()
	}
}

func (s *ASKSService) broadcastRootVote(instance string, t ASKSMsgType, h crypto.Hash, ctx ServiceContext[ASKSMessage, ASKSResult]) {
	ctx.Broadcast(ASKSMessage{Type: t, Instance: instance, Dealer: s.getInstance(instance).dealer, From: s.id, RootsHash: h, To: -1})
}

func addHashVote(m map[crypto.Hash]map[int]bool, h crypto.Hash, from int) int {
	if _, ok := m[h]; !ok {
		m[h] = make(map[int]bool)
	}
	m[h][from] = true
	return len(m[h])
}

func hashRoots(hs crypto.HashState, roots []crypto.Hash) crypto.Hash {
	var buf []byte
	for _, r := range roots {
		buf = append(buf, r[:]...)
	}
	return hs.DoHash(buf)
}

// encodeWSS/decodeWSS are a minimal fixed-width wire codec for the
// pairwise-encrypted share payload: spec §1 treats field-element
// serialization as an out-of-scope collaborator, so the layout here is
// the concrete, minimal stand-in (count-prefixed 32-byte elements and
// proof arrays).
func encodeWSS(w wssShare) []byte {
	n := len(w.Shares)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	for i := 0; i < n; i++ {
		buf = append(buf, w.Shares[i].Bytes()...)
		buf = append(buf, w.Nonces[i].Bytes()...)
		buf = append(buf, encodeProof(w.Proofs[i])...)
	}
	rbuf := make([]byte, 4)
	binary.BigEndian.PutUint32(rbuf, uint32(len(w.Roots)))
	buf = append(buf, rbuf...)
	for _, r := range w.Roots {
		buf = append(buf, r[:]...)
	}
	return buf
}

func decodeWSS(b []byte) (wssShare, bool) {
	if len(b) < 4 {
		return wssShare{}, false
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	off := 4
	w := wssShare{Shares: make([]crypto.FieldElement, n), Nonces: make([]crypto.FieldElement, n), Proofs: make([]crypto.Proof, n)}
	for i := 0; i < n; i++ {
		if off+64 > len(b) {
			return wssShare{}, false
		}
		w.Shares[i] = crypto.FieldElementFromBytes(b[off : off+32])
		off += 32
		w.Nonces[i] = crypto.FieldElementFromBytes(b[off : off+32])
		off += 32
		proof, consumed, ok := decodeProof(b[off:])
		if !ok {
			return wssShare{}, false
		}
		w.Proofs[i] = proof
		off += consumed
	}
	if off+4 > len(b) {
		return wssShare{}, false
	}
	rn := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	w.Roots = make([]crypto.Hash, rn)
	for i := 0; i < rn; i++ {
		if off+32 > len(b) {
			return wssShare{}, false
		}
		copy(w.Roots[i][:], b[off:off+32])
		off += 32
	}
	return w, true
}

func encodeProof(p crypto.Proof) []byte {
	var buf []byte
	itemLen := make([]byte, 4)
	binary.BigEndian.PutUint32(itemLen, uint32(len(p.Item)))
	buf = append(buf, itemLen...)
	buf = append(buf, p.Item...)
	buf = append(buf, p.Root[:]...)
	pathLen := make([]byte, 4)
	binary.BigEndian.PutUint32(pathLen, uint32(len(p.Path)))
	buf = append(buf, pathLen...)
	for i, h := range p.Path {
		buf = append(buf, h[:]...)
		if p.Order[i] {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

func decodeProof(b []byte) (crypto.Proof, int, bool) {
	if len(b) < 4 {
		return crypto.Proof{}, 0, false
	}
	itemLen := int(binary.BigEndian.Uint32(b[:4]))
	off := 4
	if off+itemLen+32+4 > len(b) {
		return crypto.Proof{}, 0, false
	}
	item := append([]byte{}, b[off:off+itemLen]...)
	off += itemLen
	var root crypto.Hash
	copy(root[:], b[off:off+32])
	off += 32
	pathLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	path := make([]crypto.Hash, pathLen)
	order := make([]bool, pathLen)
	for i := 0; i < pathLen; i++ {
		if off+33 > len(b) {
			return crypto.Proof{}, 0, false
		}
		copy(path[i][:], b[off:off+32])
		off += 32
		order[i] = b[off] == 1
		off++
	}
	return crypto.Proof{Item: item, Root: root, Path: path, Order: order}, off, true
}
