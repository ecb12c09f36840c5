package nameservice_test

import (
	"testing"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/nameservice"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func TestNameService(t *testing.T) {
	t.Log("Given the need to map account keys to names.")
	{
		root := t.TempDir()

		priv, pk, err := signature.GenerateKey(nil)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to generate a key: %s", failed, err)
		}

		if err := nameservice.SaveWallet(root, "alice", priv); err != nil {
			t.Fatalf("\t%s\tShould be able to save a wallet: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to save a wallet.", success)

		if err := nameservice.SaveWallet(root, "alice", priv); err == nil {
			t.Fatalf("\t%s\tShould not overwrite a key.", failed)
		}
		t.Logf("\t%s\tShould not overwrite a key.", success)

		bls := signature.GenerateBLSKey()
		if err := nameservice.SaveValidator(root, "alice", bls); err != nil {
			t.Fatalf("\t%s\tShould be able to save a validator key: %s", failed, err)
		}

		got, err := nameservice.LoadValidator(root, "alice")
		if err != nil || !got.PublicKey().Equal(bls.PublicKey()) {
			t.Fatalf("\t%s\tShould load back the validator key: %v", failed, err)
		}
		t.Logf("\t%s\tShould load back the validator key.", success)

		ns, err := nameservice.New(root)
		if err != nil {
			t.Fatalf("\t%s\tShould be able to build the name service: %s", failed, err)
		}

		if name := ns.Lookup(pk); name != "alice" {
			t.Fatalf("\t%s\tShould find alice, got %q.", failed, name)
		}
		t.Logf("\t%s\tShould find the name of a known account.", success)

		_, other, _ := signature.GenerateKey(nil)
		if name := ns.Lookup(other); name != other.String() {
			t.Fatalf("\t%s\tShould fall back to the key, got %q.", failed, name)
		}
		t.Logf("\t%s\tShould fall back to the key for an unknown account.", success)

		if got, err := ns.Resolve("alice"); err != nil || got != pk {
			t.Fatalf("\t%s\tShould resolve alice: %v", failed, err)
		}
		if got, err := ns.Resolve(other.String()); err != nil || got != other {
			t.Fatalf("\t%s\tShould resolve a hex key: %v", failed, err)
		}
		if _, err := ns.Resolve("mallory"); err == nil {
			t.Fatalf("\t%s\tShould not resolve an unknown name.", failed)
		}
		t.Logf("\t%s\tShould resolve names and keys.", success)

		if len(ns.Copy()) != 1 {
			t.Fatalf("\t%s\tShould copy every account.", failed)
		}
		t.Logf("\t%s\tShould copy every account.", success)
	}
}
