// Package database defines the data model shared by every part of the node:
// transactions and their instructions, accounts, blocks, events, and the
// execution summaries validators certify.
package database

import (
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Digest is the hash used to identify values.
type Digest = signature.Digest

// Limits that every validator must agree on. A validator that accepts a
// larger block or proof than another can decode would diverge from it.
const (
	// MaxBlockTransactions is the hard cap of transactions in a block.
	MaxBlockTransactions = 100

	// MaxStateProofOps is the maximum number of state operations a proof
	// may cover. A transfer touches two accounts and a block adds a commit.
	MaxStateProofOps = 3 * MaxBlockTransactions

	// MaxEventsProofOps is the maximum number of event operations a proof
	// may cover.
	MaxEventsProofOps = 4 * MaxBlockTransactions

	// MaxLookupProofNodes is the maximum number of digests in any proof.
	MaxLookupProofNodes = 500
)
