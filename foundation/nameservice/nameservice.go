// Package nameservice reads a key folder and creates a name service lookup
// for the accounts and validators whose keys live there.
package nameservice

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// NameService maintains a map of accounts for name lookup.
type NameService struct {
	accounts map[signature.PublicKey]string
	names    map[string]signature.PublicKey
}

// New constructs a name service with the account keys found under root.
func New(root string) (*NameService, error) {
	ns := NameService{
		accounts: make(map[signature.PublicKey]string),
		names:    make(map[string]signature.PublicKey),
	}

	fn := func(fileName string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walkdir failure: %w", err)
		}

		if d.IsDir() || filepath.Ext(fileName) != WalletExt {
			return nil
		}

		priv, err := LoadWalletFile(fileName)
		if err != nil {
			return err
		}

		name := strings.TrimSuffix(filepath.Base(fileName), WalletExt)
		pk := signature.PublicKeyOf(priv)

		ns.accounts[pk] = name
		ns.names[name] = pk

		return nil
	}

	if err := filepath.WalkDir(root, fn); err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	return &ns, nil
}

// Lookup returns the name for the specified account.
func (ns *NameService) Lookup(pk signature.PublicKey) string {
	name, exists := ns.accounts[pk]
	if !exists {
		return pk.String()
	}
	return name
}

// Resolve returns the account for a name. A hex public key resolves to
// itself.
func (ns *NameService) Resolve(name string) (signature.PublicKey, error) {
	if pk, exists := ns.names[name]; exists {
		return pk, nil
	}

	pk, err := signature.PublicKeyFromHex(name)
	if err != nil {
		return signature.PublicKey{}, fmt.Errorf("unknown account %q", name)
	}
	return pk, nil
}

// Copy returns a copy of the map of names and accounts.
func (ns *NameService) Copy() map[signature.PublicKey]string {
	cpy := make(map[signature.PublicKey]string, len(ns.accounts))
	for pk, name := range ns.accounts {
		cpy[pk] = name
	}
	return cpy
}
