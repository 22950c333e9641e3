package crypto

import (
	"bytes"

	"github.com/klauspost/reedsolomon"
)

// ErasureShards splits payload into a dataShards-of-totalShards Reed-Solomon
// encoding, as RBC needs to hand each party a (t+1)-of-n shard instead of
// the full payload.
func ErasureShards(payload []byte, dataShards, totalShards int) ([][]byte, error) {
	parityShards := totalShards - dataShards
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	shards, err := enc.Split(payload)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ErasureReconstruct rebuilds payload of originalLen from a (possibly
// sparse) set of shards, nil entries meaning "not received".
func ErasureReconstruct(shards [][]byte, dataShards, totalShards, originalLen int) ([]byte, error) {
	parityShards := totalShards - dataShards
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	work := make([][]byte, len(shards))
	copy(work, shards)
	if err := enc.ReconstructData(work); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := enc.Join(&buf, work, originalLen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
