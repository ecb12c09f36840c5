// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ardanlabs/casino/foundation/blockchain/consensus"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/validate"
)

// Validator is one member of the fixed validator set.
type Validator struct {
	Name   string                 `json:"name" validate:"required"`
	Host   string                 `json:"host" validate:"required,hostname_port"`
	BLSKey signature.BLSPublicKey `json:"bls_key"`
}

// Genesis represents the genesis file.
type Genesis struct {
	Date       time.Time   `json:"date"`
	Namespace  string      `json:"namespace" validate:"required,max=64"`      // Separates signatures of this chain from any other.
	Epoch      uint64      `json:"epoch"`                                     // Offsets leader rotation.
	MaxDeposit uint64      `json:"max_deposit" validate:"required"`           // The most a single faucet deposit can credit.
	Validators []Validator `json:"validators" validate:"required,min=1,dive"` // Fixed for the life of the chain.
}

// =============================================================================

// Load opens, consumes and validates the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, err
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, err
	}

	return genesis, nil
}

// Save writes the genesis file.
func Save(path string, genesis Genesis) error {
	if err := genesis.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(genesis, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the declared constraints plus the ones the tags can't
// express.
func (g Genesis) Validate() error {
	if err := validate.Check(g); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	names := make(map[string]struct{}, len(g.Validators))
	for i, v := range g.Validators {
		if v.BLSKey.Bytes() == nil {
			return fmt.Errorf("genesis: validator[%d] %q: missing bls key", i, v.Name)
		}
		if _, exists := names[v.Name]; exists {
			return fmt.Errorf("genesis: validator[%d]: duplicate name %q", i, v.Name)
		}
		names[v.Name] = struct{}{}

		for j := 0; j < i; j++ {
			if g.Validators[j].BLSKey.Equal(v.BLSKey) {
				return errors.New("genesis: duplicate validator key")
			}
		}
	}

	return nil
}

// =============================================================================

// Keys returns the validator public keys in index order.
func (g Genesis) Keys() []signature.BLSPublicKey {
	keys := make([]signature.BLSPublicKey, len(g.Validators))
	for i, v := range g.Validators {
		keys[i] = v.BLSKey
	}
	return keys
}

// Index returns the position of the validator with the name.
func (g Genesis) Index(name string) (uint32, error) {
	for i, v := range g.Validators {
		if v.Name == name {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("validator %q not in genesis", name)
}

// Quorum returns the number of validators needed for a certificate.
func (g Genesis) Quorum() int {
	return consensus.ByzantineMajority(len(g.Validators))
}

// Leader returns the index of the validator leading the view.
func (g Genesis) Leader(view uint64) uint32 {
	return consensus.Leader(view, g.Epoch, len(g.Validators))
}

// Block returns the genesis block every chain starts from.
func (g Genesis) Block() database.Block {
	return database.Genesis(g.Namespace)
}
