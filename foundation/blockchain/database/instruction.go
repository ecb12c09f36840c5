package database

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/ardanlabs/casino/foundation/blockchain/signature"
)

// MaxNameLength is the maximum number of bytes in an account name.
const MaxNameLength = 32

// Set of instruction tags. The tag is the first byte of every encoded
// instruction.
const (
	TagRegister uint8 = iota
	TagDeposit
	TagTransfer
	TagWager
)

// Set of games a wager can be placed on.
const (
	GameCoinFlip uint8 = iota
	GameDice
)

// Set of errors returned when decoding instructions.
var (
	ErrUnknownInstruction = errors.New("unknown instruction tag")
	ErrNameTooLong        = fmt.Errorf("name %w", ErrTooLong)
	ErrInvalidGame        = errors.New("invalid game or choice")
)

// Instruction is the opaque payload a transaction asks the execution
// actor to apply.
type Instruction interface {
	Tag() uint8
	appendPayload(b []byte) []byte
}

// Register creates the account for the signer.
type Register struct {
	Name string `json:"name"`
}

// Tag implements the Instruction interface.
func (Register) Tag() uint8 { return TagRegister }

func (ins Register) appendPayload(b []byte) []byte {
	return appendStr(b, ins.Name)
}

// Deposit credits the signer's account from the faucet.
type Deposit struct {
	Amount uint64 `json:"amount"`
}

// Tag implements the Instruction interface.
func (Deposit) Tag() uint8 { return TagDeposit }

func (ins Deposit) appendPayload(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, ins.Amount)
}

// Transfer moves chips from the signer to another account.
type Transfer struct {
	To     signature.PublicKey `json:"to"`
	Amount uint64              `json:"amount"`
}

// Tag implements the Instruction interface.
func (Transfer) Tag() uint8 { return TagTransfer }

func (ins Transfer) appendPayload(b []byte) []byte {
	b = append(b, ins.To[:]...)
	return binary.BigEndian.AppendUint64(b, ins.Amount)
}

// Wager places a bet that is settled when the block executes.
type Wager struct {
	Game   uint8  `json:"game"`
	Choice uint8  `json:"choice"`
	Amount uint64 `json:"amount"`
}

// Tag implements the Instruction interface.
func (Wager) Tag() uint8 { return TagWager }

func (ins Wager) appendPayload(b []byte) []byte {
	b = append(b, ins.Game, ins.Choice)
	return binary.BigEndian.AppendUint64(b, ins.Amount)
}

// Sides returns the number of outcomes for the game, 0 when unknown.
func Sides(game uint8) uint8 {
	switch game {
	case GameCoinFlip:
		return 2
	case GameDice:
		return 6
	}
	return 0
}

// =============================================================================

// EncodeInstruction returns the tag prefixed encoding of the instruction.
func EncodeInstruction(ins Instruction) []byte {
	b := []byte{ins.Tag()}
	return ins.appendPayload(b)
}

// ValidateInstruction checks the limits the decoder enforces so an
// instruction that encodes can always be decoded.
func ValidateInstruction(ins Instruction) error {
	switch v := ins.(type) {
	case Register:
		if len(v.Name) > MaxNameLength {
			return ErrNameTooLong
		}
		if !utf8.ValidString(v.Name) {
			return ErrInvalidUTF8
		}
	case Wager:
		sides := Sides(v.Game)
		if sides == 0 || v.Choice >= sides {
			return ErrInvalidGame
		}
	case Deposit, Transfer:
	default:
		return ErrUnknownInstruction
	}
	return nil
}

// DecodeInstruction decodes an instruction. The input must be consumed
// exactly.
func DecodeInstruction(b []byte) (Instruction, error) {
	r := reader{b: b}
	ins, err := readInstruction(&r)
	if err != nil {
		return nil, err
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return ins, nil
}

func readInstruction(r *reader) (Instruction, error) {
	tag, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagRegister:
		name, err := r.str(MaxNameLength)
		if err != nil {
			if errors.Is(err, ErrTooLong) {
				return nil, ErrNameTooLong
			}
			return nil, err
		}
		return Register{Name: name}, nil

	case TagDeposit:
		amount, err := r.u64()
		if err != nil {
			return nil, err
		}
		return Deposit{Amount: amount}, nil

	case TagTransfer:
		var ins Transfer
		if err := r.fixed(ins.To[:]); err != nil {
			return nil, err
		}
		if ins.Amount, err = r.u64(); err != nil {
			return nil, err
		}
		return ins, nil

	case TagWager:
		var ins Wager
		if ins.Game, err = r.u8(); err != nil {
			return nil, err
		}
		if ins.Choice, err = r.u8(); err != nil {
			return nil, err
		}
		if ins.Amount, err = r.u64(); err != nil {
			return nil, err
		}
		sides := Sides(ins.Game)
		if sides == 0 || ins.Choice >= sides {
			return nil, ErrInvalidGame
		}
		return ins, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnknownInstruction, tag)
}
