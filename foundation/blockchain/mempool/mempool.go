// Package mempool maintains the pool of pending transactions waiting to be
// proposed in a block.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Set of errors returned when a transaction is not admitted.
var (
	ErrNonceTooLow = errors.New("nonce too low")
	ErrBacklogFull = errors.New("account backlog full")
	ErrDuplicate   = errors.New("duplicate transaction")
	ErrMempoolFull = errors.New("mempool full")
)

// Config represents the limits of the pool.
type Config struct {
	MaxBacklog      uint64
	MaxTransactions int
	MaxAge          time.Duration // Zero keeps stranded transactions until pruned.
	Strategy        string
}

// Mempool represents a cache of transactions organized by account with a
// second key on the transaction nonce.
type Mempool struct {
	mu         sync.RWMutex
	pool       map[signature.PublicKey]map[uint64]selector.Entry
	next       map[signature.PublicKey]uint64
	count      int
	maxBacklog uint64
	maxTxs     int
	maxAge     time.Duration
	selectFn   selector.Func
}

// New constructs a new mempool with the specified limits and strategy.
func New(cfg Config) (*Mempool, error) {
	selectFn, err := selector.Retrieve(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:       make(map[signature.PublicKey]map[uint64]selector.Entry),
		next:       make(map[signature.PublicKey]uint64),
		maxBacklog: cfg.MaxBacklog,
		maxTxs:     cfg.MaxTransactions,
		maxAge:     cfg.MaxAge,
		selectFn:   selectFn,
	}

	return &mp, nil
}

// Count returns the current number of transaction in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.count
}

// Add admits a transaction given the next nonce the account is expected to
// use. It returns the number of transactions in the pool.
func (mp *Mempool) Add(tx database.Transaction, expected uint64) (int, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if tx.Nonce < expected {
		return mp.count, fmt.Errorf("%w: got %d, exp %d", ErrNonceTooLow, tx.Nonce, expected)
	}

	if tx.Nonce >= expected+mp.maxBacklog {
		return mp.count, fmt.Errorf("%w: nonce %d, next %d, backlog %d", ErrBacklogFull, tx.Nonce, expected, mp.maxBacklog)
	}

	account := mp.pool[tx.PublicKey]
	if _, exists := account[tx.Nonce]; exists {
		return mp.count, fmt.Errorf("%w: %s:%d", ErrDuplicate, tx.PublicKey, tx.Nonce)
	}

	if mp.count >= mp.maxTxs && mp.maxAge > 0 {
		mp.expire(time.Now().Add(-mp.maxAge))
		account = mp.pool[tx.PublicKey]
	}

	if mp.count >= mp.maxTxs {
		return mp.count, fmt.Errorf("%w: %d transactions", ErrMempoolFull, mp.count)
	}

	if account == nil {
		account = make(map[uint64]selector.Entry)
		mp.pool[tx.PublicKey] = account
	}
	account[tx.Nonce] = selector.Entry{Tx: tx, Received: time.Now()}
	mp.next[tx.PublicKey] = expected
	mp.count++

	return mp.count, nil
}

// Prune removes the transactions for the account with a nonce below next.
// It is called after a block executes with the account's new nonce.
func (mp *Mempool) Prune(pk signature.PublicKey, next uint64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	account, exists := mp.pool[pk]
	if !exists {
		return
	}
	mp.next[pk] = next

	for nonce := range account {
		if nonce < next {
			delete(account, nonce)
			mp.count--
		}
	}

	if len(account) == 0 {
		delete(mp.pool, pk)
		delete(mp.next, pk)
	}
}

// Expire removes transactions received before the cutoff that are
// stranded behind a nonce gap: they can't be proposed until the missing
// nonces arrive. It returns the number removed.
func (mp *Mempool) Expire(cutoff time.Time) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	return mp.expire(cutoff)
}

func (mp *Mempool) expire(cutoff time.Time) int {
	var removed int

	for pk, account := range mp.pool {

		// Walk the run that is eligible for a block, everything past the
		// first gap is stranded.
		next := mp.next[pk]
		for {
			if _, exists := account[next]; !exists {
				break
			}
			next++
		}

		for nonce, e := range account {
			if nonce > next && e.Received.Before(cutoff) {
				delete(account, nonce)
				mp.count--
				removed++
			}
		}

		if len(account) == 0 {
			delete(mp.pool, pk)
			delete(mp.next, pk)
		}
	}

	return removed
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[signature.PublicKey]map[uint64]selector.Entry)
	mp.next = make(map[signature.PublicKey]uint64)
	mp.count = 0
}

// Copy returns every pending transaction ordered by account and nonce.
func (mp *Mempool) Copy() []database.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	var txs []database.Transaction
	for _, account := range mp.pool {
		for _, e := range account {
			txs = append(txs, e.Tx)
		}
	}

	sort.Slice(txs, func(i, j int) bool {
		if txs[i].PublicKey != txs[j].PublicKey {
			return txs[i].PublicKey.String() < txs[j].PublicKey.String()
		}
		return txs[i].Nonce < txs[j].Nonce
	})

	return txs
}

// PickBest uses the configured select strategy to return the next set of
// transactions for a block. Only transactions that form a contiguous run
// from the account's expected nonce are eligible. Pass -1 for howMany to
// return every eligible transaction.
func (mp *Mempool) PickBest(howMany int, expected func(signature.PublicKey) uint64) []database.Transaction {
	runs := make(map[signature.PublicKey][]selector.Entry)

	mp.mu.RLock()
	{
		if howMany == -1 {
			howMany = mp.count
		}

		for pk, account := range mp.pool {
			next := expected(pk)
			for {
				e, exists := account[next]
				if !exists {
					break
				}
				runs[pk] = append(runs[pk], e)
				next++
			}
		}
	}
	mp.mu.RUnlock()

	return mp.selectFn(runs, howMany)
}
