// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/luxfi/log/level"
	"go.uber.org/zap"

	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

// Storage key prefixes for DebtLedger state
var (
	debtUserPrefix  = []byte("debt/user")
	debtTotalPrefix = []byte("debt/total")
)

// DebtLedger records what each user owes. Only the components named in
// AuthorizedCallers can move a balance.
type DebtLedger struct {
	mu sync.RWMutex

	addr       common.Address
	increasers callerSet
	decreasers callerSet

	log log.Logger
}

// NewDebtLedger creates a ledger whose state lives under addr.
func NewDebtLedger(addr common.Address, auth AuthorizedCallers, logger log.Logger) *DebtLedger {
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}
	return &DebtLedger{
		addr:       addr,
		increasers: newCallerSet(auth.DebtIncreasers),
		decreasers: newCallerSet(auth.DebtDecreasers),
		log:        logger,
	}
}

// Address returns the ledger's storage account.
func (d *DebtLedger) Address() common.Address {
	return d.addr
}

// IncreaseDebt adds amount to the user's debt. Limit checks belong to the
// caller.
func (d *DebtLedger) IncreaseDebt(stateDB state.StateDB, caller, user common.Address, amount *big.Int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.increasers.allows(caller) {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	prev := d.getDebt(stateDB, user)
	return d.setDebt(stateDB, user, prev, new(big.Int).Add(prev, amount))
}

// DecreaseDebt subtracts amount from the user's debt. It fails with
// ErrUnderflow rather than going below zero.
func (d *DebtLedger) DecreaseDebt(stateDB state.StateDB, caller, user common.Address, amount *big.Int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.decreasers.allows(caller) {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	prev := d.getDebt(stateDB, user)
	if amount.Cmp(prev) > 0 {
		return ErrUnderflow
	}
	return d.setDebt(stateDB, user, prev, new(big.Int).Sub(prev, amount))
}

// GetDebt returns the user's outstanding debt.
func (d *DebtLedger) GetDebt(stateDB state.StateDB, user common.Address) *big.Int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getDebt(stateDB, user)
}

// TotalDebt returns the sum of all users' debt.
func (d *DebtLedger) TotalDebt(stateDB state.StateDB) *big.Int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return state.GetBig(stateDB, d.addr, state.Key(debtTotalPrefix))
}

func (d *DebtLedger) getDebt(stateDB state.StateDB, user common.Address) *big.Int {
	return state.GetBig(stateDB, d.addr, state.Key(debtUserPrefix, user.Bytes()))
}

func (d *DebtLedger) setDebt(stateDB state.StateDB, user common.Address, prev, next *big.Int) error {
	snap := stateDB.Snapshot()

	totalKey := state.Key(debtTotalPrefix)
	total := state.GetBig(stateDB, d.addr, totalKey)
	total.Sub(total, prev)
	total.Add(total, next)

	state.SetBig(stateDB, d.addr, state.Key(debtUserPrefix, user.Bytes()), next)
	state.SetBig(stateDB, d.addr, totalKey, total)

	if err := warp.EmitEvent(stateDB, d.addr, warp.EventDebtChanged, user, prev, next); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("emit debt change: %w", err)
	}

	d.log.Debug("debt changed",
		zap.Stringer("user", user),
		zap.Stringer("from", prev),
		zap.Stringer("to", next),
	)
	return nil
}
