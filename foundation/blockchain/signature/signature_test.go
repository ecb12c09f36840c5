package signature_test

import (
	"bytes"
	"testing"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// =============================================================================

func Test_Signing(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	priv, pk, err := signature.GenerateKey(bytes.NewReader(seed))
	if err != nil {
		t.Fatalf("\t%s\tShould be able to generate a private key: %s", failed, err)
	}
	t.Logf("\t%s\tShould be able to generate a private key.", success)

	ns := signature.Namespace("casino", signature.TransactionSuffix)
	msg := []byte("wager")

	sig := signature.Sign(priv, ns, msg)
	if !signature.Verify(pk, ns, msg, sig) {
		t.Fatalf("\t%s\tShould be able to verify the signature.", failed)
	}
	t.Logf("\t%s\tShould be able to verify the signature.", success)

	other := signature.Namespace("casino", signature.SummarySuffix)
	if signature.Verify(pk, other, msg, sig) {
		t.Fatalf("\t%s\tShould reject the signature in another namespace.", failed)
	}
	t.Logf("\t%s\tShould reject the signature in another namespace.", success)

	sig[0] ^= 0xff
	if signature.Verify(pk, ns, msg, sig) {
		t.Fatalf("\t%s\tShould reject a mutated signature.", failed)
	}
	t.Logf("\t%s\tShould reject a mutated signature.", success)

	if got := signature.PublicKeyOf(priv); got != pk {
		t.Logf("\t%s\tgot: %s", failed, got)
		t.Logf("\t%s\texp: %s", failed, pk)
		t.Fatalf("\t%s\tShould derive the same public key.", failed)
	}
	t.Logf("\t%s\tShould derive the same public key.", success)
}

func Test_Hash(t *testing.T) {
	h1 := signature.Hash([]byte("a"), []byte("b"))
	h2 := signature.Hash([]byte("ab"))
	if h1 != h2 {
		t.Logf("\t%s\tgot: %s", failed, h1)
		t.Logf("\t%s\texp: %s", failed, h2)
		t.Fatalf("\t%s\tShould hash the concatenation of the parts.", failed)
	}
	t.Logf("\t%s\tShould hash the concatenation of the parts.", success)

	if h1 == signature.ZeroHash {
		t.Fatalf("\t%s\tShould not produce the zero hash.", failed)
	}
	t.Logf("\t%s\tShould not produce the zero hash.", success)
}

func Test_BLSAggregate(t *testing.T) {
	ns := signature.Namespace("casino", signature.FinalizeSuffix)
	msg := []byte("block")

	var sigs []signature.BLSSignature
	var pubs []signature.BLSPublicKey
	for i := 0; i < 4; i++ {
		k := signature.GenerateBLSKey()

		sig, err := k.Sign(ns, msg)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to sign with key %d: %s", failed, i, err)
		}

		if err := k.PublicKey().Verify(ns, msg, sig); err != nil {
			t.Fatalf("\t%s\tShould verify the signature of key %d: %s", failed, i, err)
		}

		sigs = append(sigs, sig)
		pubs = append(pubs, k.PublicKey())
	}
	t.Logf("\t%s\tShould sign and verify with every key.", success)

	agg, err := signature.AggregateSignatures(sigs[:3])
	if err != nil {
		t.Fatalf("\t%s\tShould aggregate signatures: %s", failed, err)
	}
	aggPub, err := signature.AggregatePublicKeys(pubs[:3])
	if err != nil {
		t.Fatalf("\t%s\tShould aggregate public keys: %s", failed, err)
	}

	if err := aggPub.Verify(ns, msg, agg); err != nil {
		t.Fatalf("\t%s\tShould verify the aggregate signature: %s", failed, err)
	}
	t.Logf("\t%s\tShould verify the aggregate signature.", success)

	wrongPub, err := signature.AggregatePublicKeys(pubs[1:])
	if err != nil {
		t.Fatalf("\t%s\tShould aggregate public keys: %s", failed, err)
	}
	if err := wrongPub.Verify(ns, msg, agg); err == nil {
		t.Fatalf("\t%s\tShould reject the aggregate for a different signer set.", failed)
	}
	t.Logf("\t%s\tShould reject the aggregate for a different signer set.", success)

	k := signature.GenerateBLSKey()
	round, err := signature.BLSPrivateKeyFromHex(k.Hex())
	if err != nil {
		t.Fatalf("\t%s\tShould decode the hex private key: %s", failed, err)
	}
	if !round.PublicKey().Equal(k.PublicKey()) {
		t.Fatalf("\t%s\tShould restore the same key from hex.", failed)
	}
	t.Logf("\t%s\tShould restore the same key from hex.", success)
}
