package selector_test

import (
	"testing"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestSelect(t *testing.T) {
	bill := signature.PublicKey{1}
	pavel := signature.PublicKey{2}
	ed := signature.PublicKey{3}

	now := time.Now()
	entry := func(pk signature.PublicKey, nonce uint64, age time.Duration) selector.Entry {
		tx := database.Transaction{Nonce: nonce, Instruction: database.Deposit{Amount: 1}, PublicKey: pk}
		return selector.Entry{Tx: tx, Received: now.Add(-age)}
	}

	runs := func() map[signature.PublicKey][]selector.Entry {
		return map[signature.PublicKey][]selector.Entry{
			bill:  {entry(bill, 0, time.Second), entry(bill, 1, 9*time.Second), entry(bill, 2, 8*time.Second)},
			pavel: {entry(pavel, 4, 5*time.Second), entry(pavel, 5, 4*time.Second)},
			ed:    {entry(ed, 7, 3*time.Second)},
		}
	}

	type who struct {
		pk    signature.PublicKey
		nonce uint64
	}

	type table struct {
		name     string
		strategy string
		howMany  int
		best     []who
	}

	tt := []table{
		{
			name:     "roundrobin",
			strategy: selector.StrategyRoundRobin,
			howMany:  4,
			best:     []who{{pavel, 4}, {ed, 7}, {bill, 0}, {bill, 1}},
		},
		{
			name:     "oldest",
			strategy: selector.StrategyOldest,
			howMany:  4,
			best:     []who{{pavel, 4}, {pavel, 5}, {ed, 7}, {bill, 0}},
		},
		{
			name:     "oldest-all",
			strategy: selector.StrategyOldest,
			howMany:  10,
			best:     []who{{pavel, 4}, {pavel, 5}, {ed, 7}, {bill, 0}, {bill, 1}, {bill, 2}},
		},
	}

	t.Log("Given the need to select transactions by strategy.")
	{
		for testID, tst := range tt {
			t.Logf("\tTest %d:\tWhen using the %q strategy.", testID, tst.strategy)
			{
				f := func(t *testing.T) {
					fn, err := selector.Retrieve(tst.strategy)
					if err != nil {
						t.Fatalf("\t%s\tTest %d:\tShould be able to retrieve the strategy: %s", failed, testID, err)
					}
					t.Logf("\t%s\tTest %d:\tShould be able to retrieve the strategy.", success, testID)

					got := fn(runs(), tst.howMany)
					if len(got) != len(tst.best) {
						t.Fatalf("\t%s\tTest %d:\tShould get %d transactions: got %d", failed, testID, len(tst.best), len(got))
					}

					for i, tx := range got {
						if tx.PublicKey != tst.best[i].pk || tx.Nonce != tst.best[i].nonce {
							t.Logf("\t%s\tTest %d:\tgot: %s:%d", failed, testID, tx.PublicKey, tx.Nonce)
							t.Logf("\t%s\tTest %d:\texp: %s:%d", failed, testID, tst.best[i].pk, tst.best[i].nonce)
							t.Fatalf("\t%s\tTest %d:\tShould get back the right order.", failed, testID)
						}
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right order.", success, testID)
				}

				t.Run(tst.name, f)
			}
		}
	}

	t.Log("Given the need to reject unknown strategies.")
	{
		if _, err := selector.Retrieve("tip"); err == nil {
			t.Fatalf("\t%s\tShould not retrieve an unknown strategy.", failed)
		}
		t.Logf("\t%s\tShould not retrieve an unknown strategy.", success)
	}
}
