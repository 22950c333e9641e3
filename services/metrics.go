package services

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the prometheus collectors every service optionally
// reports into. A nil *Metrics disables instrumentation entirely (used
// by unit tests that don't want to touch the default registry).
type Metrics struct {
	RBCProposed   prometheus.Counter
	RBCDelivered  prometheus.Counter
	RAProposed    prometheus.Counter
	RADelivered   prometheus.Counter
	ASKSShared    prometheus.Counter
	ASKSReconstructed prometheus.Counter
	ASKSEquivocations prometheus.Counter
	GatherRounds  prometheus.Counter
	VABAIterations prometheus.Counter
	BBARounds     prometheus.Counter
	BBADecided    prometheus.Counter
	MVBARounds    prometheus.Counter
	ACSOutputs    prometheus.Counter
}

// NewMetrics registers one counter per component under reg, labeled by
// the owning party so a multi-node simulation can scrape them all from
// one process.
func NewMetrics(reg prometheus.Registerer, party int) *Metrics {
	mk := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "acs",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"party": strconv.Itoa(party)},
		})
		if reg != nil {
			reg.MustRegister(c)
		}
		return c
	}
	return &Metrics{
		RBCProposed:        mk("rbc_proposed_total", "RBC instances this party dealt"),
		RBCDelivered:       mk("rbc_delivered_total", "RBC instances this party delivered"),
		RAProposed:         mk("ra_proposed_total", "RA instances this party initiated"),
		RADelivered:        mk("ra_delivered_total", "RA instances this party delivered"),
		ASKSShared:         mk("asks_shared_total", "ASKS sharing phases terminated locally"),
		ASKSReconstructed:  mk("asks_reconstructed_total", "ASKS reconstructions completed"),
		ASKSEquivocations:  mk("asks_equivocations_total", "ASKS dealer equivocations detected"),
		GatherRounds:       mk("gather_rounds_total", "Gather echo rounds completed"),
		VABAIterations:     mk("vaba_iterations_total", "VABA iterations entered"),
		BBARounds:          mk("bba_rounds_total", "binary BA rounds entered"),
		BBADecided:         mk("bba_decided_total", "binary BA instances decided"),
		MVBARounds:         mk("mvba_rounds_total", "MVBA rounds entered"),
		ACSOutputs:         mk("acs_outputs_total", "ACS executions that emitted output"),
	}
}
