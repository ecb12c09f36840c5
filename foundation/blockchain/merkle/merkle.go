// Package merkle provides an append-only commitment structure (a merkle
// mountain range) over the operation log with compact inclusion proofs for
// one or more contiguous ranges of leaves.
package merkle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Digest is the hash of a node.
type Digest = signature.Digest

// Set of errors returned by proof construction and verification.
var (
	ErrMalformedRange = errors.New("malformed range")
	ErrRangeMismatch  = errors.New("range mismatch")
	ErrDigestMismatch = errors.New("digest mismatch")
	ErrProofTooLarge  = errors.New("proof too large")
	ErrMissingNode    = errors.New("missing node")
)

// =============================================================================

// Location is the index of a leaf in append order.
type Location uint64

// Position is the index of a node in the structure, numbered in post-order
// across all trees. Leaves and internal nodes share this space, so a
// Location must always be converted and never used as a Position directly.
type Position uint64

// Position returns the node position of the leaf.
func (l Location) Position() Position {
	return Position(2*uint64(l) - uint64(bits.OnesCount64(uint64(l))))
}

// NodeCount returns the number of nodes in a structure with the specified
// number of leaves.
func NodeCount(leaves uint64) uint64 {
	return 2*leaves - uint64(bits.OnesCount64(leaves))
}

// Range is the half-open set of leaves [Start, End).
type Range struct {
	Start Location `json:"start"`
	End   Location `json:"end"`
}

// Len returns the number of leaves in the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// String implements the fmt.Stringer interface for logging.
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// =============================================================================

// hashLeaf binds the element to its position.
func hashLeaf(pos Position, element []byte) Digest {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(pos))
	return signature.Hash(p[:], element)
}

// hashNode binds the children to the parent's position.
func hashNode(pos Position, left Digest, right Digest) Digest {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], uint64(pos))
	return signature.Hash(p[:], left[:], right[:])
}

// hashRoot binds the peaks to the number of leaves.
func hashRoot(leaves uint64, peaks []Digest) Digest {
	parts := make([][]byte, 0, 1+len(peaks))

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], leaves)
	parts = append(parts, n[:])

	for i := range peaks {
		parts = append(parts, peaks[i][:])
	}

	return signature.Hash(parts...)
}

// peak describes the root of one perfect tree.
type peak struct {
	pos    Position
	height uint32
	start  Location
}

// peaks returns the perfect trees for the number of leaves from the
// largest (leftmost) to the smallest.
func peaks(leaves uint64) []peak {
	var out []peak
	var offset uint64
	var start Location

	for h := 62; h >= 0; h-- {
		if leaves&(1<<uint(h)) == 0 {
			continue
		}

		size := uint64(1)<<uint(h+1) - 1
		out = append(out, peak{
			pos:    Position(offset + size - 1),
			height: uint32(h),
			start:  start,
		})

		offset += size
		start += Location(1) << uint(h)
	}

	return out
}

// =============================================================================

// NodeReader provides access to persisted node digests.
type NodeReader interface {
	Node(pos Position) (Digest, error)
}

// MemStore is an in-memory NodeReader.
type MemStore map[Position]Digest

// Node implements the NodeReader interface.
func (ms MemStore) Node(pos Position) (Digest, error) {
	d, exists := ms[pos]
	if !exists {
		return Digest{}, fmt.Errorf("%w: %d", ErrMissingNode, pos)
	}
	return d, nil
}

// Node is a digest to persist at a position.
type Node struct {
	Position Position
	Digest   Digest
}

// MMR tracks the peaks of the structure. Interior nodes are handed back to
// the caller to persist as leaves are appended.
type MMR struct {
	leaves uint64
	peaks  []Digest
}

// New constructs an empty structure.
func New() *MMR {
	return &MMR{}
}

// Restore rebuilds the structure for the number of leaves from the
// persisted peaks.
func Restore(leaves uint64, store NodeReader) (*MMR, error) {
	m := MMR{leaves: leaves}

	for _, p := range peaks(leaves) {
		d, err := store.Node(p.pos)
		if err != nil {
			return nil, fmt.Errorf("restoring peak %d: %w", p.pos, err)
		}
		m.peaks = append(m.peaks, d)
	}

	return &m, nil
}

// Leaves returns the number of leaves appended.
func (m *MMR) Leaves() uint64 {
	return m.leaves
}

// Root returns the digest committing to every leaf.
func (m *MMR) Root() Digest {
	return hashRoot(m.leaves, m.peaks)
}

// Clone returns an independent copy so a batch of appends can be discarded.
func (m *MMR) Clone() *MMR {
	return &MMR{
		leaves: m.leaves,
		peaks:  append([]Digest(nil), m.peaks...),
	}
}

// Append adds the element as the next leaf. It returns the leaf location
// and every node created, the leaf first.
func (m *MMR) Append(element []byte) (Location, []Node) {
	loc := Location(m.leaves)
	pos := loc.Position()
	d := hashLeaf(pos, element)

	nodes := []Node{{Position: pos, Digest: d}}

	// Each trailing one bit of the old leaf count is a perfect tree of the
	// same height as the one being built, so they merge.
	merges := bits.TrailingZeros64(^m.leaves)
	for i := 0; i < merges; i++ {
		left := m.peaks[len(m.peaks)-1]
		m.peaks = m.peaks[:len(m.peaks)-1]

		pos++
		d = hashNode(pos, left, d)
		nodes = append(nodes, Node{Position: pos, Digest: d})
	}

	m.peaks = append(m.peaks, d)
	m.leaves++

	return loc, nodes
}
