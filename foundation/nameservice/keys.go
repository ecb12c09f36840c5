package nameservice

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// File extensions for the keys kept in a key folder. Both hold the hex
// encoding of a private key.
const (
	WalletExt    = ".ed25519"
	ValidatorExt = ".bls"
)

// SaveWallet writes the account key for the name into the folder.
func SaveWallet(root string, name string, priv ed25519.PrivateKey) error {
	return save(filepath.Join(root, name+WalletExt), hexutil.Encode(priv))
}

// SaveValidator writes the validator key for the name into the folder.
func SaveValidator(root string, name string, key signature.BLSPrivateKey) error {
	return save(filepath.Join(root, name+ValidatorExt), key.Hex())
}

// LoadWallet reads the account key for the name from the folder.
func LoadWallet(root string, name string) (ed25519.PrivateKey, error) {
	return LoadWalletFile(filepath.Join(root, name+WalletExt))
}

// LoadWalletFile reads an account key file.
func LoadWalletFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	b, err := hexutil.Decode(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%s: key length %d, expected %d", path, len(b), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(b), nil
}

// LoadValidator reads the validator key for the name from the folder.
func LoadValidator(root string, name string) (signature.BLSPrivateKey, error) {
	path := filepath.Join(root, name+ValidatorExt)

	data, err := os.ReadFile(path)
	if err != nil {
		return signature.BLSPrivateKey{}, err
	}

	key, err := signature.BLSPrivateKeyFromHex(strings.TrimSpace(string(data)))
	if err != nil {
		return signature.BLSPrivateKey{}, fmt.Errorf("%s: %w", path, err)
	}

	return key, nil
}

func save(path string, content string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: key already exists", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(content), 0600)
}
