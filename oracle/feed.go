// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle values token amounts in USD.
package oracle

import (
	"errors"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStalePrice       = errors.New("stale price")
	ErrInvalidPrice     = errors.New("invalid price")
)

// WAD is the USD fixed-point scale (18 decimals).
var WAD = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// PriceFeed converts between token amounts and 18-decimal USD values.
// blockNumber is the current chain height and is used for staleness checks.
type PriceFeed interface {
	TokenAmountToUSD(token common.Address, amount *big.Int, blockNumber uint64) (*big.Int, error)
	USDToTokenAmount(token common.Address, usd *big.Int, blockNumber uint64) (*big.Int, error)
}

// Price is a USD quote for one whole token.
type Price struct {
	USD       *big.Int // per whole token, scaled by WAD
	Decimals  uint8
	UpdatedAt uint64 // block number
}

// StaticFeed is a push-updated price table.
type StaticFeed struct {
	mu sync.RWMutex

	prices map[common.Address]*Price

	// MaxAge is the number of blocks a quote stays valid. Zero disables
	// the staleness check.
	maxAge uint64
}

// NewStaticFeed returns an empty feed. maxAge of zero never expires quotes.
func NewStaticFeed(maxAge uint64) *StaticFeed {
	return &StaticFeed{
		prices: make(map[common.Address]*Price),
		maxAge: maxAge,
	}
}

// SetPrice records usd (WAD-scaled, per whole token) at blockNumber.
func (f *StaticFeed) SetPrice(token common.Address, usd *big.Int, decimals uint8, blockNumber uint64) error {
	if usd == nil || usd.Sign() <= 0 {
		return ErrInvalidPrice
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.prices[token] = &Price{
		USD:       new(big.Int).Set(usd),
		Decimals:  decimals,
		UpdatedAt: blockNumber,
	}
	return nil
}

// RemovePrice makes the token unpriceable.
func (f *StaticFeed) RemovePrice(token common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prices, token)
}

func (f *StaticFeed) quote(token common.Address, blockNumber uint64) (*Price, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[token]
	if !ok {
		return nil, ErrPriceUnavailable
	}
	if f.maxAge > 0 && blockNumber > p.UpdatedAt && blockNumber-p.UpdatedAt > f.maxAge {
		return nil, ErrStalePrice
	}
	return p, nil
}

// TokenAmountToUSD returns floor(amount * price / 10^decimals).
func (f *StaticFeed) TokenAmountToUSD(token common.Address, amount *big.Int, blockNumber uint64) (*big.Int, error) {
	p, err := f.quote(token, blockNumber)
	if err != nil {
		return nil, err
	}
	usd := new(big.Int).Mul(amount, p.USD)
	return usd.Div(usd, unit(p.Decimals)), nil
}

// USDToTokenAmount returns floor(usd * 10^decimals / price).
func (f *StaticFeed) USDToTokenAmount(token common.Address, usd *big.Int, blockNumber uint64) (*big.Int, error) {
	p, err := f.quote(token, blockNumber)
	if err != nil {
		return nil, err
	}
	amount := new(big.Int).Mul(usd, unit(p.Decimals))
	return amount.Div(amount, p.USD), nil
}

func unit(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
