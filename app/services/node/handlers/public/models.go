package public

import (
	"github.com/ardanlabs/casino/foundation/blockchain/aggregation"
	"github.com/ardanlabs/casino/foundation/blockchain/database"
	"github.com/ardanlabs/casino/foundation/blockchain/oplog"
	"github.com/ardanlabs/casino/foundation/blockchain/signature"
	"github.com/ardanlabs/casino/foundation/blockchain/state"
)

type submitTx struct {
	Tx string `json:"tx" validate:"required,hexadecimal"`
}

type submitted struct {
	Status string          `json:"status"`
	Digest database.Digest `json:"digest"`
}

type account struct {
	Account signature.PublicKey `json:"account"`
	Name    string              `json:"name"`
	Nonce   uint64              `json:"nonce"`
	Balance uint64              `json:"balance"`
	Proof   oplog.Lookup        `json:"proof"`
}

type segment struct {
	state.Segment
	Events      []event                       `json:"events,omitempty"`
	Certificate *aggregation.FixedCertificate `json:"certificate,omitempty"`
}

type event struct {
	Name string         `json:"name"`
	Data database.Event `json:"data"`
}

type certificate struct {
	Summary     database.Summary             `json:"summary"`
	Certificate aggregation.FixedCertificate `json:"certificate"`
}

type tx struct {
	Account     signature.PublicKey `json:"account"`
	Name        string              `json:"name"`
	Nonce       uint64              `json:"nonce"`
	Instruction string              `json:"instruction"`
	Digest      database.Digest     `json:"digest"`
}

type mempoolCount struct {
	Count int `json:"count"`
}
