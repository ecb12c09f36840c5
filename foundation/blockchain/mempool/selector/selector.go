// Package selector provides different transaction selecting algorithms.
package selector

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// List of different select strategies.
const (
	StrategyRoundRobin = "roundrobin"
	StrategyOldest     = "oldest"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyRoundRobin: roundRobinSelect,
	StrategyOldest:     oldestSelect,
}

// Entry is a pending transaction and the time the pool received it.
type Entry struct {
	Tx       database.Transaction
	Received time.Time
}

// Func defines a function that takes the executable runs of pending
// transactions grouped by account and selects howMany of them in an order
// based on the functions strategy. Every run is sorted by nonce and
// contiguous from the account's next nonce. All selector functions MUST
// select a prefix of each run so nonces stay contiguous in the block.
type Func func(runs map[signature.PublicKey][]Entry, howMany int) []database.Transaction

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// roundRobinSelect takes one transaction from each account per row so a
// single busy account cannot fill a block on its own.
var roundRobinSelect = func(runs map[signature.PublicKey][]Entry, howMany int) []database.Transaction {
	accounts := sortedAccounts(runs)

	final := []database.Transaction{}
	for row := 0; len(final) < howMany; row++ {
		var picked []Entry
		for _, pk := range accounts {
			if row < len(runs[pk]) {
				picked = append(picked, runs[pk][row])
			}
		}
		if picked == nil {
			break
		}

		// Within a row the order between accounts does not matter for
		// nonces, so prefer whoever has been waiting longest.
		sort.SliceStable(picked, func(i, j int) bool {
			return picked[i].Received.Before(picked[j].Received)
		})

		for _, e := range picked {
			if len(final) == howMany {
				break
			}
			final = append(final, e.Tx)
		}
	}

	return final
}

// oldestSelect repeatedly takes the head of the run that has been waiting
// the longest.
var oldestSelect = func(runs map[signature.PublicKey][]Entry, howMany int) []database.Transaction {
	accounts := sortedAccounts(runs)
	next := make(map[signature.PublicKey]int, len(accounts))

	final := []database.Transaction{}
	for len(final) < howMany {
		var best *Entry
		var bestPK signature.PublicKey

		for _, pk := range accounts {
			i := next[pk]
			if i >= len(runs[pk]) {
				continue
			}
			e := runs[pk][i]
			if best == nil || e.Received.Before(best.Received) {
				best = &e
				bestPK = pk
			}
		}

		if best == nil {
			break
		}

		final = append(final, best.Tx)
		next[bestPK]++
	}

	return final
}

// sortedAccounts gives map iteration a stable order so the same pool
// always yields the same block.
func sortedAccounts(runs map[signature.PublicKey][]Entry) []signature.PublicKey {
	accounts := make([]signature.PublicKey, 0, len(runs))
	for pk := range runs {
		accounts = append(accounts, pk)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return bytes.Compare(accounts[i][:], accounts[j][:]) < 0
	})
	return accounts
}
