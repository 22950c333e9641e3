package main

import (
	"github.com/bft-acs/acs/crypto"
	"github.com/bft-acs/acs/services"
	"github.com/bft-acs/acs/utils"
	"flag"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	silent := flag.Bool("silent", false, "Disable logs and print only result")
	configPath := flag.String("config", "", "Path to a YAML simulation config; falls back to stdin n/t when empty")
	metricsAddr := flag.String("metrics", "", "Address to serve Prometheus metrics on, e.g. :9100 (disabled when empty)")
	flag.Parse()

	utils.SetupLogger()

	var n, t int
	var nodeConfigs []NodeConfig
	if *configPath != "" {
		cfg, err := LoadSimConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		n, t = cfg.N, cfg.T
		nodeConfigs = cfg.Nodes
		if cfg.Silent {
			*silent = true
		}
	} else {
		if _, err := fmt.Scan(&n, &t); err != nil {
			log.Fatal().Err(err).Msg("Failed to read N and T")
		}
	}

	logLevel := zerolog.InfoLevel
	if *silent {
		logLevel = zerolog.Disabled
		zerolog.SetGlobalLevel(zerolog.Disabled)
	}

	log.Info().Str("layer", "MAIN").Int("n", n).Int("t", t).Msg("Start ACS Simulation")

	var registry *prometheus.Registry
	if *metricsAddr != "" {
		registry = prometheus.NewRegistry()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	hs := crypto.NewHashState(sharedHashKey(0), sharedHashKey(1), sharedHashKey(2))

	honestCount := n - t
	network := services.NewNetwork[services.ACSMessage]()

	nodes := make([]*Node, honestCount)
	for i := 0; i < honestCount; i++ {
		id := i + 1
		nc := NodeConfig{ID: id}
		for _, candidate := range nodeConfigs {
			if candidate.ID == id {
				nc = candidate
				break
			}
		}
		pairwise := pairwiseKeysFor(nc, n)

		var m *services.Metrics
		if registry != nil {
			m = services.NewMetrics(registry, id)
		}

		nodes[i] = NewNode(id, n, t, hs, pairwise, network, logLevel, m)
		network.Register(id, nodes[i].Inbox())
	}

	var wg sync.WaitGroup
	wg.Add(honestCount)

	res := make([]services.ACSOutput, honestCount)
	for i := 0; i < honestCount; i++ {
		go func(idx int, node *Node) {
			defer wg.Done()
			node.Start()
			res[idx] = <-node.Result()
			log.Info().Int("node_id", node.ID).Ints("subset", res[idx].Subset).Msg("Node Decided")
		}(i, nodes[i])
	}

	wg.Wait()
	if !*silent {
		log.Info().Msg("All honest nodes decided. Simulation finished.")
	}

	fmt.Print("RESULTS:")
	for i := 0; i < honestCount; i++ {
		fmt.Printf(" %v", res[i].Subset)
	}
	fmt.Println()
}

// sharedHashKey derives one of the three public AES-hash round keys
// used to commit to RBC shards and ASKS shares. These keys are public
// (every party must compute the same Merkle root), unlike the pairwise
// encryption keys in config.go.
func sharedHashKey(round int) [16]byte {
	var k [16]byte
	for i := range k {
		k[i] = byte((round*97 + i*13) % 256)
	}
	return k
}
