package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// HashSize is the digest width used throughout the wire protocol.
const HashSize = 32

// Hash is a 32-byte digest.
type Hash [HashSize]byte

// HashState is a keyed AES-based hash, the out-of-scope "AES hash library"
// collaborator the spec names in section 1 — ACS only needs a fixed
// keyed compression function over byte strings, so stdlib AES serves as
// that collaborator's minimal stand-in without pulling in a bespoke
// hardware-accelerated hash library: the zero-padded input is
// AES-CTR-encrypted under key0 with an IV derived by encrypting its
// first block under key1, XOR-folded to 32 bytes, and each 16-byte
// half is encrypted under key2.
type HashState struct {
	key0, key1, key2 [16]byte
}

func NewHashState(key0, key1, key2 [16]byte) HashState {
	return HashState{key0: key0, key1: key1, key2: key2}
}

// DoHash computes the keyed digest of data.
func (h HashState) DoHash(data []byte) Hash {
	block0, err := aes.NewCipher(h.key0[:])
	if err != nil {
		panic(err)
	}
	// Derive a per-message IV from a second keyed pass so the stream
	// cipher output depends on both the key material and the input.
	block1, err := aes.NewCipher(h.key1[:])
	if err != nil {
		panic(err)
	}

	padded := padTo16(data)
	iv := make([]byte, aes.BlockSize)
	block1.Encrypt(iv, padded[:aes.BlockSize])

	stream := cipher.NewCTR(block0, iv)
	out := make([]byte, len(padded))
	stream.XORKeyStream(out, padded)

	block2, err := aes.NewCipher(h.key2[:])
	if err != nil {
		panic(err)
	}
	var digest Hash
	compressed := compress(out, HashSize)
	block2.Encrypt(digest[:16], compressed[:16])
	block2.Encrypt(digest[16:], compressed[16:32])
	return digest
}

func padTo16(data []byte) []byte {
	n := len(data)
	rem := n % 16
	if rem == 0 && n > 0 {
		return append([]byte{}, data...)
	}
	padded := make([]byte, n+(16-rem))
	copy(padded, data)
	return padded
}

// compress folds an arbitrary-length buffer down to width bytes by XOR.
func compress(data []byte, width int) []byte {
	out := make([]byte, width)
	for i, b := range data {
		out[i%width] ^= b
	}
	return out
}
