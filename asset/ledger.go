// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package asset moves fungible token balances held in chain state.
package asset

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/bnpl/state"
)

// NativeToken selects the chain's native balance instead of a token slot.
var NativeToken = common.Address{}

var balancePrefix = []byte("asset/bal")

var (
	ErrTransferFailed = errors.New("transfer failed")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// Ledger is the token-movement primitive used by the credit components.
type Ledger interface {
	BalanceOf(stateDB state.StateDB, token, holder common.Address) *big.Int
	Transfer(stateDB state.StateDB, token, from, to common.Address, amount *big.Int) error
}

// TokenLedger keeps ERC20-style balances in storage owned by a single
// ledger account. The native token maps onto account balances.
type TokenLedger struct {
	addr common.Address
}

// NewTokenLedger returns a ledger whose balances live under addr.
func NewTokenLedger(addr common.Address) *TokenLedger {
	return &TokenLedger{addr: addr}
}

// Address returns the account holding the balance table.
func (l *TokenLedger) Address() common.Address {
	return l.addr
}

func (l *TokenLedger) balanceKey(token, holder common.Address) common.Hash {
	return state.Key(balancePrefix, token.Bytes(), holder.Bytes())
}

func (l *TokenLedger) balance(stateDB state.StateDB, token, holder common.Address) *uint256.Int {
	if token == NativeToken {
		return stateDB.GetBalance(holder)
	}
	h := stateDB.GetState(l.addr, l.balanceKey(token, holder))
	return new(uint256.Int).SetBytes32(h[:])
}

func (l *TokenLedger) setBalance(stateDB state.StateDB, token, holder common.Address, v *uint256.Int) {
	stateDB.SetState(l.addr, l.balanceKey(token, holder), common.Hash(v.Bytes32()))
}

// BalanceOf returns holder's balance of token.
func (l *TokenLedger) BalanceOf(stateDB state.StateDB, token, holder common.Address) *big.Int {
	return l.balance(stateDB, token, holder).ToBig()
}

// Transfer moves amount of token from one holder to another. It fails
// without touching state when the sender's balance is short.
func (l *TokenLedger) Transfer(stateDB state.StateDB, token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrInvalidAmount
	}

	fromBal := l.balance(stateDB, token, from)
	if fromBal.Lt(amt) {
		return ErrTransferFailed
	}

	if token == NativeToken {
		stateDB.SubBalance(from, amt)
		stateDB.AddBalance(to, amt)
		return nil
	}

	toBal := l.balance(stateDB, token, to)
	newTo, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return ErrTransferFailed
	}
	l.setBalance(stateDB, token, from, new(uint256.Int).Sub(fromBal, amt))
	l.setBalance(stateDB, token, to, newTo)
	return nil
}

// Mint credits amount of token to holder. Used to fund pools and test
// accounts.
func (l *TokenLedger) Mint(stateDB state.StateDB, token, holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return ErrInvalidAmount
	}
	if token == NativeToken {
		stateDB.AddBalance(holder, amt)
		return nil
	}
	bal, overflow := new(uint256.Int).AddOverflow(l.balance(stateDB, token, holder), amt)
	if overflow {
		return ErrInvalidAmount
	}
	l.setBalance(stateDB, token, holder, bal)
	return nil
}
