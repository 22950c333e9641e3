package main

import (
	"github.com/bft-acs/acs/crypto"
	"github.com/bft-acs/acs/services"

	"github.com/rs/zerolog"
)

// Node represents one party running the ACS protocol.
type Node struct {
	ID      int
	ACS     *services.ACSService
	Manager *services.ServiceManager[services.ACSMessage, services.ACSOutput]
}

// NewNode creates a new Node instance.
func NewNode(id, n, t int, hs crypto.HashState, pairwise map[int][]byte, network *services.Network[services.ACSMessage], logLevel zerolog.Level, m *services.Metrics) *Node {
	acs := services.NewACSService(id, n, t, hs, pairwise, logLevel, m)
	manager := services.NewServiceManager[services.ACSMessage, services.ACSOutput](acs, network)

	return &Node{
		ID:      id,
		ACS:     acs,
		Manager: manager,
	}
}

// Start fires the node's own proposal event, then starts its service
// manager, so ACS state is never touched by two goroutines at once.
func (n *Node) Start() {
	n.ACS.Start(n.Manager)
	n.Manager.Start()
}

// Result returns the channel where the ACS output will be sent.
func (n *Node) Result() <-chan services.ACSOutput {
	return n.Manager.Result()
}

// Inbox returns the channel for incoming messages (used for network registration).
func (n *Node) Inbox() chan services.ACSMessage {
	return n.Manager.Inbox()
}
