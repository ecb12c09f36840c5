package peer_test

import (
	"testing"

	"github.com/ardanlabs/casino/foundation/blockchain/peer"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_CRUD(t *testing.T) {
	type table struct {
		name  string
		peers []peer.Peer
	}

	tt := []table{
		{
			name: "basic",
			peers: []peer.Peer{
				peer.New("alice", "host1", 0),
				peer.New("bob", "host2", 1),
				peer.New("carol", "host3", 2),
			},
		},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			ps := peer.NewPeerSet()

			for _, p := range tst.peers {
				if !ps.Add(p) {
					t.Fatalf("Test %s:\tShould be able to add %s.", tst.name, p.Name)
				}
			}

			if ps.Add(tst.peers[0]) {
				t.Fatalf("Test %s:\tShould not add the same peer twice.", tst.name)
			}

			peers := ps.Copy("")
			if len(peers) != len(tst.peers) {
				t.Logf("Test %s:\tgot: %d", tst.name, len(peers))
				t.Logf("Test %s:\texp: %d", tst.name, len(tst.peers))
				t.Fatalf("Test %s:\tShould get back the right peers.", tst.name)
			}

			peers = ps.Copy("host2")
			if len(peers) != len(tst.peers)-1 {
				t.Logf("Test %s:\tgot: %d", tst.name, len(peers))
				t.Logf("Test %s:\texp: %d", tst.name, len(tst.peers)-1)
				t.Fatalf("Test %s:\tShould get back the right peers.", tst.name)
			}

			p, exists := ps.ByIndex(2)
			if !exists || p.Name != "carol" {
				t.Fatalf("Test %s:\tShould find the peer by index: %v", tst.name, p)
			}

			ps.Remove(p)
			if _, exists := ps.ByIndex(2); exists {
				t.Fatalf("Test %s:\tShould not find a removed peer.", tst.name)
			}
		}

		t.Run(tst.name, f)
	}
}
