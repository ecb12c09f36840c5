package database

import (
	"encoding/binary"
	"fmt"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// MaxReasonLength is the maximum number of bytes in a failure reason.
const MaxReasonLength = 64

// Set of event tags.
const (
	EventRegistered uint8 = iota
	EventDeposited
	EventTransferred
	EventWagerSettled
	EventTransactionFailed
	EventNonceMismatch
)

// Event is an output of execution appended to the keyless events log.
type Event interface {
	Name() string
	tag() uint8
	appendPayload(b []byte) []byte
}

// Registered reports a new account.
type Registered struct {
	Account signature.PublicKey `json:"account"`
	Name    string              `json:"name"`
}

// Name implements the Event interface.
func (Registered) Name() string { return "registered" }
func (Registered) tag() uint8   { return EventRegistered }
func (e Registered) appendPayload(b []byte) []byte {
	b = append(b, e.Account[:]...)
	return appendStr(b, e.Name)
}

// Deposited reports a faucet credit.
type Deposited struct {
	Account signature.PublicKey `json:"account"`
	Amount  uint64              `json:"amount"`
	Balance uint64              `json:"balance"`
}

// Name implements the Event interface.
func (Deposited) Name() string { return "deposited" }
func (Deposited) tag() uint8   { return EventDeposited }
func (e Deposited) appendPayload(b []byte) []byte {
	b = append(b, e.Account[:]...)
	b = binary.BigEndian.AppendUint64(b, e.Amount)
	return binary.BigEndian.AppendUint64(b, e.Balance)
}

// Transferred reports chips moving between accounts.
type Transferred struct {
	From   signature.PublicKey `json:"from"`
	To     signature.PublicKey `json:"to"`
	Amount uint64              `json:"amount"`
}

// Name implements the Event interface.
func (Transferred) Name() string { return "transferred" }
func (Transferred) tag() uint8   { return EventTransferred }
func (e Transferred) appendPayload(b []byte) []byte {
	b = append(b, e.From[:]...)
	b = append(b, e.To[:]...)
	return binary.BigEndian.AppendUint64(b, e.Amount)
}

// WagerSettled reports the outcome of a wager.
type WagerSettled struct {
	Account signature.PublicKey `json:"account"`
	Game    uint8               `json:"game"`
	Choice  uint8               `json:"choice"`
	Outcome uint8               `json:"outcome"`
	Amount  uint64              `json:"amount"`
	Payout  uint64              `json:"payout"`
}

// Name implements the Event interface.
func (WagerSettled) Name() string { return "wager_settled" }
func (WagerSettled) tag() uint8   { return EventWagerSettled }
func (e WagerSettled) appendPayload(b []byte) []byte {
	b = append(b, e.Account[:]...)
	b = append(b, e.Game, e.Choice, e.Outcome)
	b = binary.BigEndian.AppendUint64(b, e.Amount)
	return binary.BigEndian.AppendUint64(b, e.Payout)
}

// TransactionFailed reports an instruction that could not be applied. The
// transaction still consumed its nonce.
type TransactionFailed struct {
	Account signature.PublicKey `json:"account"`
	Nonce   uint64              `json:"nonce"`
	Reason  string              `json:"reason"`
}

// Name implements the Event interface.
func (TransactionFailed) Name() string { return "transaction_failed" }
func (TransactionFailed) tag() uint8   { return EventTransactionFailed }
func (e TransactionFailed) appendPayload(b []byte) []byte {
	b = append(b, e.Account[:]...)
	b = binary.BigEndian.AppendUint64(b, e.Nonce)
	reason := e.Reason
	if len(reason) > MaxReasonLength {
		reason = reason[:MaxReasonLength]
	}
	return appendStr(b, reason)
}

// NonceMismatch reports a transaction rejected because its nonce was not
// the account's next expected nonce. State is untouched.
type NonceMismatch struct {
	Account  signature.PublicKey `json:"account"`
	Expected uint64              `json:"expected"`
	Got      uint64              `json:"got"`
}

// Name implements the Event interface.
func (NonceMismatch) Name() string { return "nonce_mismatch" }
func (NonceMismatch) tag() uint8   { return EventNonceMismatch }
func (e NonceMismatch) appendPayload(b []byte) []byte {
	b = append(b, e.Account[:]...)
	b = binary.BigEndian.AppendUint64(b, e.Expected)
	return binary.BigEndian.AppendUint64(b, e.Got)
}

// =============================================================================

// EncodeEvent returns the tag prefixed encoding of the event.
func EncodeEvent(e Event) []byte {
	return e.appendPayload([]byte{e.tag()})
}

// DecodeEvent decodes an event read from the events log.
func DecodeEvent(b []byte) (Event, error) {
	r := reader{b: b}

	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	var ev Event
	switch tag {
	case EventRegistered:
		var e Registered
		if err = r.fixed(e.Account[:]); err == nil {
			e.Name, err = r.str(MaxNameLength)
		}
		ev = e

	case EventDeposited:
		var e Deposited
		if err = r.fixed(e.Account[:]); err == nil {
			if e.Amount, err = r.u64(); err == nil {
				e.Balance, err = r.u64()
			}
		}
		ev = e

	case EventTransferred:
		var e Transferred
		if err = r.fixed(e.From[:]); err == nil {
			if err = r.fixed(e.To[:]); err == nil {
				e.Amount, err = r.u64()
			}
		}
		ev = e

	case EventWagerSettled:
		var e WagerSettled
		var hdr [3]byte
		if err = r.fixed(e.Account[:]); err == nil {
			if err = r.fixed(hdr[:]); err == nil {
				e.Game, e.Choice, e.Outcome = hdr[0], hdr[1], hdr[2]
				if e.Amount, err = r.u64(); err == nil {
					e.Payout, err = r.u64()
				}
			}
		}
		ev = e

	case EventTransactionFailed:
		var e TransactionFailed
		if err = r.fixed(e.Account[:]); err == nil {
			if e.Nonce, err = r.u64(); err == nil {
				e.Reason, err = r.str(MaxReasonLength)
			}
		}
		ev = e

	case EventNonceMismatch:
		var e NonceMismatch
		if err = r.fixed(e.Account[:]); err == nil {
			if e.Expected, err = r.u64(); err == nil {
				e.Got, err = r.u64()
			}
		}
		ev = e

	default:
		return nil, fmt.Errorf("unknown event tag %d", tag)
	}

	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}

	return ev, nil
}
