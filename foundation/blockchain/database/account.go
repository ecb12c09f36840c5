package database

import (
	"encoding/binary"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// Account represents information stored in the state for an individual account.
type Account struct {
	Nonce   uint64 `json:"nonce"`
	Balance uint64 `json:"balance"`
	Name    string `json:"name"`
}

// AccountKey returns the hashed state key for the account. Keys are always
// hashed before they reach storage.
func AccountKey(pk signature.PublicKey) Digest {
	return signature.Hash([]byte("account"), pk[:])
}

// Encode returns [nonce:8][balance:8][u8 len][name].
func (a Account) Encode() []byte {
	b := make([]byte, 0, 17+len(a.Name))
	b = binary.BigEndian.AppendUint64(b, a.Nonce)
	b = binary.BigEndian.AppendUint64(b, a.Balance)
	return appendStr(b, a.Name)
}

// DecodeAccount decodes an account value read from state.
func DecodeAccount(b []byte) (Account, error) {
	r := reader{b: b}

	var a Account
	var err error

	if a.Nonce, err = r.u64(); err != nil {
		return Account{}, err
	}
	if a.Balance, err = r.u64(); err != nil {
		return Account{}, err
	}
	if a.Name, err = r.str(MaxNameLength); err != nil {
		return Account{}, err
	}
	if err := r.done(); err != nil {
		return Account{}, err
	}

	return a, nil
}
