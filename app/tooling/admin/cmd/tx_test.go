package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/nameservice"
	"github.com/stretchr/testify/require"
)

// node fakes the public api of a validator that knows one account.
func node(t *testing.T, known signature.PublicKey, nonce uint64, got *database.Transaction) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/account/{account}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("account") != known.String() {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "account not found"})
			return
		}
		json.NewEncoder(w).Encode(accountInfo{Nonce: nonce, Balance: 100})
	})

	mux.HandleFunc("POST /v1/tx/submit", func(w http.ResponseWriter, r *http.Request) {
		var req submitTx
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %s", err)
			return
		}

		tx, err := database.DecodeTransactionHex(req.Tx)
		if err != nil {
			t.Errorf("decode tx: %s", err)
			return
		}
		*got = tx

		json.NewEncoder(w).Encode(submitted{Status: "accepted", Digest: tx.Digest()})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func setup(t *testing.T, url string) signature.PublicKey {
	keysPath = t.TempDir()
	nodeURL = url
	timeout = 5 * time.Second
	accountName = "kennedy"
	txNamespace = "casino-test"
	txNonce = -1

	priv, pk, err := signature.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, nameservice.SaveWallet(keysPath, accountName, priv))

	return pk
}

func TestSubmitKnownAccount(t *testing.T) {
	pk := setup(t, "")

	var got database.Transaction
	nodeURL = node(t, pk, 7, &got).URL

	err := submit(context.Background(), database.Wager{Game: database.GameDice, Choice: 3, Amount: 10})
	require.NoError(t, err)

	require.Equal(t, pk, got.PublicKey)
	require.Equal(t, uint64(7), got.Nonce)
	require.Equal(t, database.Wager{Game: database.GameDice, Choice: 3, Amount: 10}, got.Instruction)
	require.NoError(t, got.Verify("casino-test"))
}

func TestSubmitNewAccount(t *testing.T) {
	var got database.Transaction
	srv := node(t, signature.PublicKey{}, 9, &got)
	setup(t, srv.URL)

	require.NoError(t, submit(context.Background(), database.Register{Name: "kennedy"}))
	require.Equal(t, uint64(0), got.Nonce)
}

func TestSubmitExplicitNonce(t *testing.T) {
	var got database.Transaction
	srv := node(t, signature.PublicKey{}, 0, &got)
	setup(t, srv.URL)
	txNonce = 42

	require.NoError(t, submit(context.Background(), database.Deposit{Amount: 5}))
	require.Equal(t, uint64(42), got.Nonce)
}
