package merkle

import "fmt"

// Proof carries the digests needed to recompute the root for the size in
// Leaves given the elements of one or more ranges. Digests are ordered by
// a pre-order walk of the trees from the leftmost peak.
type Proof struct {
	Leaves  uint64   `json:"leaves"`
	Digests []Digest `json:"digests"`
}

// validateRanges checks the ranges are non-empty, ascending, disjoint and
// inside the structure.
func validateRanges(leaves uint64, ranges []Range) error {
	if len(ranges) == 0 {
		return fmt.Errorf("%w: no ranges", ErrMalformedRange)
	}

	for i, r := range ranges {
		if r.Start >= r.End {
			return fmt.Errorf("%w: %s is empty", ErrMalformedRange, r)
		}
		if uint64(r.End) > leaves {
			return fmt.Errorf("%w: %s beyond %d leaves", ErrMalformedRange, r, leaves)
		}
		if i > 0 && r.Start < ranges[i-1].End {
			return fmt.Errorf("%w: %s overlaps %s", ErrMalformedRange, r, ranges[i-1])
		}
	}

	return nil
}

// overlaps reports whether the leaves [start, end) intersect any range.
func overlaps(ranges []Range, start Location, end Location) bool {
	for _, r := range ranges {
		if r.Start < end && start < r.End {
			return true
		}
	}
	return false
}

// children returns the positions and first leaves of the two subtrees of
// the node at pos with the specified height.
func children(pos Position, height uint32, start Location) (Position, Location, Position, Location) {
	left := pos - Position(1)<<height
	right := pos - 1
	return left, start, right, start + Location(1)<<(height-1)
}

// =============================================================================

// RangeProof builds a proof for the ranges against the structure of the
// specified size. Nodes are immutable once written, so a proof for any
// historical size can be built from the current store.
func RangeProof(store NodeReader, leaves uint64, ranges ...Range) (Proof, error) {
	if err := validateRanges(leaves, ranges); err != nil {
		return Proof{}, err
	}

	var digests []Digest

	var walk func(pos Position, height uint32, start Location) error
	walk = func(pos Position, height uint32, start Location) error {
		end := start + Location(1)<<height

		if !overlaps(ranges, start, end) {
			d, err := store.Node(pos)
			if err != nil {
				return err
			}
			digests = append(digests, d)
			return nil
		}

		// The verifier supplies the element for a leaf inside a range.
		if height == 0 {
			return nil
		}

		lp, ls, rp, rs := children(pos, height, start)
		if err := walk(lp, height-1, ls); err != nil {
			return err
		}
		return walk(rp, height-1, rs)
	}

	for _, p := range peaks(leaves) {
		if err := walk(p.pos, p.height, p.start); err != nil {
			return Proof{}, err
		}
	}

	return Proof{Leaves: leaves, Digests: digests}, nil
}

// VerifyRangeProof recomputes the root from the proof and the elements of
// the ranges. The number of elements must match the length of the ranges
// and every digest must be consumed, independent of whether the root
// matches. maxDigests bounds the proof size, 0 disables the bound.
func VerifyRangeProof(proof Proof, ranges []Range, elements [][]byte, root Digest, maxDigests int) error {
	if maxDigests > 0 && len(proof.Digests) > maxDigests {
		return fmt.Errorf("%w: %d digests, max %d", ErrProofTooLarge, len(proof.Digests), maxDigests)
	}

	if err := validateRanges(proof.Leaves, ranges); err != nil {
		return err
	}

	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}
	if total != uint64(len(elements)) {
		return fmt.Errorf("%w: %d elements for %d leaves", ErrRangeMismatch, len(elements), total)
	}

	var ei, di int

	var walk func(pos Position, height uint32, start Location) (Digest, error)
	walk = func(pos Position, height uint32, start Location) (Digest, error) {
		end := start + Location(1)<<height

		if !overlaps(ranges, start, end) {
			if di >= len(proof.Digests) {
				return Digest{}, fmt.Errorf("%w: proof exhausted at position %d", ErrRangeMismatch, pos)
			}
			d := proof.Digests[di]
			di++
			return d, nil
		}

		if height == 0 {
			d := hashLeaf(pos, elements[ei])
			ei++
			return d, nil
		}

		lp, ls, rp, rs := children(pos, height, start)
		left, err := walk(lp, height-1, ls)
		if err != nil {
			return Digest{}, err
		}
		right, err := walk(rp, height-1, rs)
		if err != nil {
			return Digest{}, err
		}

		return hashNode(pos, left, right), nil
	}

	pks := peaks(proof.Leaves)
	peakDigests := make([]Digest, 0, len(pks))
	for _, p := range pks {
		d, err := walk(p.pos, p.height, p.start)
		if err != nil {
			return err
		}
		peakDigests = append(peakDigests, d)
	}

	if di != len(proof.Digests) {
		return fmt.Errorf("%w: %d unused digests", ErrRangeMismatch, len(proof.Digests)-di)
	}

	if got := hashRoot(proof.Leaves, peakDigests); got != root {
		return fmt.Errorf("%w: got %s, exp %s", ErrDigestMismatch, got.Hex(), root.Hex())
	}

	return nil
}
