// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package payment decides whether a user's credit covers a merchant
// payment and, when it does, pays the merchant and books the debt as one
// atomic step.
package payment

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/luxfi/log/level"
	"go.uber.org/zap"

	"github.com/luxfi/bnpl/asset"
	"github.com/luxfi/bnpl/ledger"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

var (
	ErrCreditLimitExceeded = errors.New("exceeds credit limit")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// CreditView is the read side of the credit ledger.
type CreditView interface {
	GetCreditLimit(stateDB state.StateDB, user common.Address) *big.Int
}

// DebtBook is the debt ledger as seen by the authorizer.
type DebtBook interface {
	GetDebt(stateDB state.StateDB, user common.Address) *big.Int
	IncreaseDebt(stateDB state.StateDB, caller, user common.Address, amount *big.Int) error
	DecreaseDebt(stateDB state.StateDB, caller, user common.Address, amount *big.Int) error
}

// Config selects where merchant payments are funded from.
type Config struct {
	// FundingPool pays merchants and receives repayments.
	FundingPool common.Address
	// Token is the settlement asset, one unit per WAD of USD debt.
	Token common.Address
}

// Authorizer approves merchant payments against the user's credit limit.
type Authorizer struct {
	mu sync.Mutex

	addr   common.Address
	credit CreditView
	debt   DebtBook
	assets asset.Ledger
	config Config

	log log.Logger
}

// NewAuthorizer wires an authorizer. addr must be an authorized debt
// increaser and decreaser on debt.
func NewAuthorizer(addr common.Address, credit CreditView, debt DebtBook, assets asset.Ledger, config Config, logger log.Logger) *Authorizer {
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}
	return &Authorizer{
		addr:   addr,
		credit: credit,
		debt:   debt,
		assets: assets,
		config: config,
		log:    logger,
	}
}

// Address returns the identity the authorizer presents to the debt ledger.
func (a *Authorizer) Address() common.Address {
	return a.addr
}

// PayMerchant pays amount to merchant on the user's credit. Either the
// merchant is paid and the debt grows by amount, or nothing changes.
func (a *Authorizer) PayMerchant(stateDB state.StateDB, user, merchant common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.credit.GetCreditLimit(stateDB, user)
	debt := a.debt.GetDebt(stateDB, user)
	if new(big.Int).Add(debt, amount).Cmp(limit) > 0 {
		a.log.Info("payment denied",
			zap.Stringer("user", user),
			zap.Stringer("amount", amount),
			zap.Stringer("debt", debt),
			zap.Stringer("limit", limit),
		)
		return ErrCreditLimitExceeded
	}

	snap := stateDB.Snapshot()
	if err := a.assets.Transfer(stateDB, a.config.Token, a.config.FundingPool, merchant, amount); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("pay merchant %s: %w", merchant, err)
	}
	if err := a.debt.IncreaseDebt(stateDB, a.addr, user, amount); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("record debt: %w", err)
	}
	if err := warp.EmitEvent(stateDB, a.addr, warp.EventPaymentAuthorized, user, merchant, new(big.Int).Set(amount)); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	a.log.Info("payment authorized",
		zap.Stringer("user", user),
		zap.Stringer("merchant", merchant),
		zap.Stringer("amount", amount),
	)
	return nil
}

// Repay pulls amount from the user into the funding pool and reduces their
// debt. Repaying more than is owed fails with ledger.ErrUnderflow.
func (a *Authorizer) Repay(stateDB state.StateDB, user common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if amount.Cmp(a.debt.GetDebt(stateDB, user)) > 0 {
		return ledger.ErrUnderflow
	}

	snap := stateDB.Snapshot()
	if err := a.assets.Transfer(stateDB, a.config.Token, user, a.config.FundingPool, amount); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("collect repayment: %w", err)
	}
	if err := a.debt.DecreaseDebt(stateDB, a.addr, user, amount); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("reduce debt: %w", err)
	}
	if err := warp.EmitEvent(stateDB, a.addr, warp.EventRepaid, user, new(big.Int).Set(amount)); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	a.log.Info("repayment received", zap.Stringer("user", user), zap.Stringer("amount", amount))
	return nil
}

// AvailableCredit returns max(0, limit - debt).
func (a *Authorizer) AvailableCredit(stateDB state.StateDB, user common.Address) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()

	avail := new(big.Int).Sub(a.credit.GetCreditLimit(stateDB, user), a.debt.GetDebt(stateDB, user))
	if avail.Sign() < 0 {
		return new(big.Int)
	}
	return avail
}
