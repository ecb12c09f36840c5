// Package peer maintains the set of known validators and the network
// channels used to talk to them.
package peer

import (
	"sync"
)

// Peer represents information about a validator in the network.
type Peer struct {
	Name  string `json:"name"`
	Host  string `json:"host"`
	Index uint32 `json:"index"`
}

// New contructs a new info value.
func New(name string, host string, index uint32) Peer {
	return Peer{
		Name:  name,
		Host:  host,
		Index: index,
	}
}

// Match validates if the specified host matches this node.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// =============================================================================

// Status represents information about the progress of any given validator.
type Status struct {
	Name       string `json:"name"`
	View       uint64 `json:"view"`
	Finalized  uint64 `json:"finalized"`
	Contiguous uint64 `json:"contiguous"`
	Executed   uint64 `json:"executed"`
	Certified  uint64 `json:"certified"`
	Mempool    int    `json:"mempool"`
	KnownPeers []Peer `json:"known_peers"`
}

// =============================================================================

// PeerSet represents the data representation to maintain a set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]struct{}
}

// NewPeerSet constructs a new info set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[Peer]struct{}),
	}
}

// Add adds a new node to the set.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	_, exists := ps.set[peer]
	if !exists {
		ps.set[peer] = struct{}{}
		return true
	}

	return false
}

// Remove removes a node from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Copy returns a list of the known peers.
func (ps *PeerSet) Copy(host string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for peer := range ps.set {
		if !peer.Match(host) {
			peers = append(peers, peer)
		}
	}

	return peers
}

// ByIndex returns the peer with the validator index.
func (ps *PeerSet) ByIndex(index uint32) (Peer, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	for peer := range ps.set {
		if peer.Index == index {
			return peer, true
		}
	}

	return Peer{}, false
}
