package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimConfig is the YAML-driven description of one local simulation run:
// the committee size, fault threshold, and each honest node's pairwise
// AES key with every other party (spec §4.3's pairwise-encrypted ASKS
// share transport). Port offsets mirror the teacher's convention of
// deriving a node's listening port from its id; this module runs
// in-process so they are recorded for documentation only.
type SimConfig struct {
	N       int              `yaml:"n"`
	T       int              `yaml:"t"`
	Silent  bool             `yaml:"silent"`
	Nodes   []NodeConfig     `yaml:"nodes"`
}

// NodeConfig is one party's identity and its pairwise key material.
type NodeConfig struct {
	ID          int            `yaml:"id"`
	PairwiseHex map[int]string `yaml:"pairwise_keys"`
}

const (
	basePort     = 9000
	rbcPortOff   = 150
	raPortOff    = 300
	asksPortOff  = 450
	vabaPortOff  = 600
)

// LoadSimConfig reads a YAML config file, the ambient-config layer
// standing in for the "n t" pair main.go otherwise reads from stdin.
func LoadSimConfig(path string) (*SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg SimConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.N <= 0 || cfg.T < 0 || cfg.T*3 >= cfg.N {
		return nil, fmt.Errorf("invalid n=%d t=%d: require n > 3t", cfg.N, cfg.T)
	}
	return &cfg, nil
}

// pairwiseKeysFor decodes one node's configured hex key material into
// the raw byte map ASKSService expects, defaulting to a deterministic
// placeholder key when the config omits an entry (local simulation
// only; a real deployment always provisions these out of band).
func pairwiseKeysFor(nc NodeConfig, n int) map[int][]byte {
	out := make(map[int][]byte, n)
	for peer := 1; peer <= n; peer++ {
		if hexKey, ok := nc.PairwiseHex[peer]; ok {
			out[peer] = decodeHexKey(hexKey)
			continue
		}
		out[peer] = derivedKey(nc.ID, peer)
	}
	return out
}

func decodeHexKey(s string) []byte {
	b := make([]byte, 32)
	n := len(s)
	for i := 0; i < 32 && 2*i+1 < n; i++ {
		b[i] = hexNibble(s[2*i])<<4 | hexNibble(s[2*i+1])
	}
	return b
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}

// derivedKey fabricates a stable 32-byte key for a (from, to) pair when
// the config omits explicit key material, so local simulations run
// without hand-writing n^2 keys.
func derivedKey(a, b int) []byte {
	if a > b {
		a, b = b, a
	}
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte((a*31 + b*17 + i) % 256)
	}
	return key
}
