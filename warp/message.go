// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package warp encodes the cross-chain credit messages exchanged between
// collateral registries and the master chain, and emits protocol events.
//
// All three ABIs in this repo go through ExtendedABI: the message codec,
// the event set and the credit contract. MethodFor is the selector lookup
// the contract dispatches on. PackEvent indexes addresses and hashes
// directly and hashes dynamic bytes or strings into their topic.
package warp

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"

	"github.com/luxfi/bnpl/state"
)

var (
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrMalformedMessage   = errors.New("malformed message")
)

// Kind identifies the payload carried by a Message.
type Kind uint8

const (
	// KindCollateralUpdate reports the new total USD value locked for a
	// (user, token) slot on the sending chain.
	KindCollateralUpdate Kind = iota + 1
	// KindSeizureReceipt confirms a seizure and reports the slot's new total.
	KindSeizureReceipt
	// KindSeizeCollateral instructs a registry to release collateral.
	KindSeizeCollateral
)

func (k Kind) String() string {
	switch k {
	case KindCollateralUpdate:
		return "collateralUpdate"
	case KindSeizureReceipt:
		return "seizureReceipt"
	case KindSeizeCollateral:
		return "seizeCollateral"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SlotScoped reports whether messages of this kind carry a slot's new total
// and therefore participate in per-slot ordering.
func (k Kind) SlotScoped() bool {
	return k == KindCollateralUpdate || k == KindSeizureReceipt
}

const messagesABI = `[
  {"type":"function","name":"collateralUpdate","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"user","type":"address"},
    {"name":"token","type":"address"},
    {"name":"usdValue","type":"uint256"},
    {"name":"nonce","type":"uint64"}]},
  {"type":"function","name":"seizureReceipt","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"user","type":"address"},
    {"name":"token","type":"address"},
    {"name":"usdValue","type":"uint256"},
    {"name":"seizedUsd","type":"uint256"},
    {"name":"liquidationId","type":"bytes32"},
    {"name":"nonce","type":"uint64"}]},
  {"type":"function","name":"seizeCollateral","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"user","type":"address"},
    {"name":"token","type":"address"},
    {"name":"usdAmount","type":"uint256"},
    {"name":"liquidationId","type":"bytes32"},
    {"name":"nonce","type":"uint64"},
    {"name":"recipient","type":"address"}]}
]`

var MessagesABI = ParseABI(messagesABI)

// Message is a decoded cross-chain payload. Origin and Sender are supplied
// by the transport and are not part of the encoding.
type Message struct {
	Kind   Kind
	Origin uint64
	Sender common.Address

	User  common.Address
	Token common.Address
	// USDValue is the slot's new total for updates and receipts, and the
	// requested amount for seize instructions.
	USDValue      *big.Int
	SeizedUSD     *big.Int
	LiquidationID common.Hash
	Nonce         uint64
	Recipient     common.Address
}

// Encode packs the message body as ABI calldata.
func Encode(m *Message) ([]byte, error) {
	usd := m.USDValue
	if usd == nil {
		usd = new(big.Int)
	}
	switch m.Kind {
	case KindCollateralUpdate:
		return MessagesABI.Pack(m.Kind.String(), m.User, m.Token, usd, m.Nonce)
	case KindSeizureReceipt:
		seized := m.SeizedUSD
		if seized == nil {
			seized = new(big.Int)
		}
		return MessagesABI.Pack(m.Kind.String(), m.User, m.Token, usd, seized, [32]byte(m.LiquidationID), m.Nonce)
	case KindSeizeCollateral:
		return MessagesABI.Pack(m.Kind.String(), m.User, m.Token, usd, [32]byte(m.LiquidationID), m.Nonce, m.Recipient)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, m.Kind)
	}
}

// Decode parses a payload received from origin/sender.
func Decode(origin uint64, sender common.Address, payload []byte) (*Message, error) {
	method, data, err := MessagesABI.MethodFor(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMessageKind, err)
	}
	args, err := method.Inputs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	m := &Message{Origin: origin, Sender: sender}
	ok := true
	switch method.Name {
	case "collateralUpdate":
		m.Kind = KindCollateralUpdate
		m.User, m.Token, m.USDValue, m.Nonce, ok = unpackUpdate(args)
	case "seizureReceipt":
		m.Kind = KindSeizureReceipt
		ok = len(args) == 6
		if ok {
			m.User, m.Token, m.USDValue, m.Nonce, ok = unpackUpdate([]interface{}{args[0], args[1], args[2], args[5]})
		}
		if ok {
			m.SeizedUSD, ok = args[3].(*big.Int)
		}
		if ok {
			var id [32]byte
			id, ok = args[4].([32]byte)
			m.LiquidationID = id
		}
	case "seizeCollateral":
		m.Kind = KindSeizeCollateral
		ok = len(args) == 6
		if ok {
			m.User, m.Token, m.USDValue, m.Nonce, ok = unpackUpdate([]interface{}{args[0], args[1], args[2], args[4]})
		}
		if ok {
			var id [32]byte
			id, ok = args[3].([32]byte)
			m.LiquidationID = id
		}
		if ok {
			m.Recipient, ok = args[5].(common.Address)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageKind, method.Name)
	}
	if !ok {
		return nil, ErrMalformedMessage
	}
	return m, nil
}

func unpackUpdate(args []interface{}) (user, token common.Address, usd *big.Int, nonce uint64, ok bool) {
	if len(args) != 4 {
		return
	}
	if user, ok = args[0].(common.Address); !ok {
		return
	}
	if token, ok = args[1].(common.Address); !ok {
		return
	}
	if usd, ok = args[2].(*big.Int); !ok {
		return
	}
	nonce, ok = args[3].(uint64)
	return
}

// MessageID is the identifier the transport and logs use for a payload.
func MessageID(origin uint64, sender common.Address, payload []byte) ids.ID {
	var id ids.ID
	copy(id[:], crypto.Keccak256(state.Uint64Bytes(origin), sender.Bytes(), payload))
	return id
}
