// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger holds the master chain's per-user collateral, credit limit
// and debt accounting.
package ledger

import (
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/bnpl/state"
)

// WAD is the fixed-point scale for USD values and ratios (18 decimals).
var WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// DefaultLTV is 75%.
var DefaultLTV = new(big.Int).Div(new(big.Int).Mul(big.NewInt(75), WAD), big.NewInt(100))

var (
	ErrUnauthorized  = errors.New("unauthorized caller")
	ErrUnderflow     = errors.New("debt underflow")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidLTV    = errors.New("invalid loan-to-value ratio")
)

// Slot identifies one collateral contribution: a token locked on the chain
// with the given routing selector.
type Slot struct {
	Origin uint64
	Token  common.Address
}

func (s Slot) bytes() []byte {
	return append(state.Uint64Bytes(s.Origin), s.Token.Bytes()...)
}

// Position is a point-in-time view of a user's account across both ledgers.
type Position struct {
	User                   common.Address
	CollateralBySlot       map[Slot]*big.Int
	AggregateCollateralUSD *big.Int
	CreditLimitUSD         *big.Int
	DebtUSD                *big.Int
}

// CollateralByOrigin sums slot values per origin chain.
func (p *Position) CollateralByOrigin() map[uint64]*big.Int {
	out := make(map[uint64]*big.Int)
	for slot, v := range p.CollateralBySlot {
		sum, ok := out[slot.Origin]
		if !ok {
			sum = new(big.Int)
			out[slot.Origin] = sum
		}
		sum.Add(sum, v)
	}
	return out
}

// Healthy reports whether debt is within the credit limit.
func (p *Position) Healthy() bool {
	return p.DebtUSD.Cmp(p.CreditLimitUSD) <= 0
}

// creditLimit returns floor(aggregate * ltv / WAD).
func creditLimit(aggregate, ltv *big.Int) *big.Int {
	limit := new(big.Int).Mul(aggregate, ltv)
	return limit.Div(limit, WAD)
}
