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

// Storage key prefixes for CreditLedger state
var (
	creditLTVPrefix       = []byte("credit/ltv")
	creditSlotValuePrefix = []byte("credit/slot")
	creditSlotKnownPrefix = []byte("credit/slotknown")
	creditSlotCountPrefix = []byte("credit/slotcount")
	creditSlotListPrefix  = []byte("credit/slots")
	creditAggPrefix       = []byte("credit/agg")
	creditUserKnownPrefix = []byte("credit/userknown")
	creditUserCountPrefix = []byte("credit/usercount")
	creditUserListPrefix  = []byte("credit/users")
)

// DebtReader is the read side of the debt ledger.
type DebtReader interface {
	GetDebt(stateDB state.StateDB, user common.Address) *big.Int
}

// CreditLedger records each user's collateral per (origin chain, token)
// slot and derives their credit limit from the aggregate. The limit is
// recomputed on every read so it always equals floor(aggregate * LTV).
type CreditLedger struct {
	mu sync.RWMutex

	addr     common.Address
	admin    common.Address
	updaters callerSet

	log log.Logger
}

// NewCreditLedger creates a ledger whose state lives under addr.
func NewCreditLedger(addr, admin common.Address, auth AuthorizedCallers, logger log.Logger) *CreditLedger {
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}
	return &CreditLedger{
		addr:     addr,
		admin:    admin,
		updaters: newCallerSet(auth.CollateralUpdaters),
		log:      logger,
	}
}

// Address returns the ledger's storage account.
func (c *CreditLedger) Address() common.Address {
	return c.addr
}

// =========================================================================
// Admin Functions
// =========================================================================

// SetLTV changes the loan-to-value ratio applied to every position.
func (c *CreditLedger) SetLTV(stateDB state.StateDB, caller common.Address, ltv *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.admin {
		return ErrUnauthorized
	}
	if ltv == nil || ltv.Sign() <= 0 || ltv.Cmp(WAD) > 0 {
		return ErrInvalidLTV
	}

	snap := stateDB.Snapshot()
	state.SetBig(stateDB, c.addr, state.Key(creditLTVPrefix), ltv)
	if err := warp.EmitEvent(stateDB, c.addr, warp.EventLTVSet, new(big.Int).Set(ltv)); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}
	c.log.Info("ltv updated", zap.Stringer("ltv", ltv))
	return nil
}

// LTV returns the ratio in force, scaled by WAD.
func (c *CreditLedger) LTV(stateDB state.StateDB) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ltv(stateDB)
}

func (c *CreditLedger) ltv(stateDB state.StateDB) *big.Int {
	v := state.GetBig(stateDB, c.addr, state.Key(creditLTVPrefix))
	if v.Sign() == 0 {
		return new(big.Int).Set(DefaultLTV)
	}
	return v
}

// =========================================================================
// Collateral Updates
// =========================================================================

// ApplyCollateralUpdate sets the USD value of one slot to newUSD. The value
// replaces whatever the slot held before.
func (c *CreditLedger) ApplyCollateralUpdate(
	stateDB state.StateDB,
	caller common.Address,
	user common.Address,
	origin uint64,
	token common.Address,
	newUSD *big.Int,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.updaters.allows(caller) {
		return ErrUnauthorized
	}
	if newUSD == nil || newUSD.Sign() < 0 {
		return ErrInvalidAmount
	}

	slot := Slot{Origin: origin, Token: token}
	snap := stateDB.Snapshot()

	valueKey := c.slotValueKey(user, slot)
	old := state.GetBig(stateDB, c.addr, valueKey)
	agg := state.GetBig(stateDB, c.addr, c.aggKey(user))
	agg.Sub(agg, old)
	agg.Add(agg, newUSD)

	state.SetBig(stateDB, c.addr, valueKey, newUSD)
	state.SetBig(stateDB, c.addr, c.aggKey(user), agg)
	c.indexSlot(stateDB, user, slot)
	c.indexUser(stateDB, user)

	err := warp.EmitEvent(stateDB, c.addr, warp.EventCollateralUpdated,
		user, origin, token, new(big.Int).Set(newUSD), new(big.Int).Set(agg))
	if err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("emit collateral update: %w", err)
	}

	c.log.Debug("collateral updated",
		zap.Stringer("user", user),
		zap.Uint64("origin", origin),
		zap.Stringer("token", token),
		zap.Stringer("usd", newUSD),
		zap.Stringer("aggregate", agg),
	)
	return nil
}

// =========================================================================
// View Functions
// =========================================================================

// GetCreditLimit returns floor(aggregate collateral * LTV).
func (c *CreditLedger) GetCreditLimit(stateDB state.StateDB, user common.Address) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return creditLimit(state.GetBig(stateDB, c.addr, c.aggKey(user)), c.ltv(stateDB))
}

// GetAggregateCollateral returns the sum of the user's slot values.
func (c *CreditLedger) GetAggregateCollateral(stateDB state.StateDB, user common.Address) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return state.GetBig(stateDB, c.addr, c.aggKey(user))
}

// GetSlotValue returns the last reported value of one slot.
func (c *CreditLedger) GetSlotValue(stateDB state.StateDB, user common.Address, origin uint64, token common.Address) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return state.GetBig(stateDB, c.addr, c.slotValueKey(user, Slot{Origin: origin, Token: token}))
}

// Slots returns the user's slots in the order they were first reported.
func (c *CreditLedger) Slots(stateDB state.StateDB, user common.Address) []Slot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots(stateDB, user)
}

func (c *CreditLedger) slots(stateDB state.StateDB, user common.Address) []Slot {
	n := state.GetUint64(stateDB, c.addr, state.Key(creditSlotCountPrefix, user.Bytes()))
	base := state.Key(creditSlotListPrefix, user.Bytes())
	out := make([]Slot, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, Slot{
			Origin: state.GetUint64(stateDB, c.addr, state.Offset(base, 2*i)),
			Token:  state.GetAddress(stateDB, c.addr, state.Offset(base, 2*i+1)),
		})
	}
	return out
}

// Users returns every user that has ever had a position.
func (c *CreditLedger) Users(stateDB state.StateDB) []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := state.GetUint64(stateDB, c.addr, state.Key(creditUserCountPrefix))
	base := state.Key(creditUserListPrefix)
	out := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		out = append(out, state.GetAddress(stateDB, c.addr, state.Offset(base, i)))
	}
	return out
}

// GetPosition assembles the user's full position. debts may be nil, in
// which case DebtUSD is zero.
func (c *CreditLedger) GetPosition(stateDB state.StateDB, user common.Address, debts DebtReader) *Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := &Position{
		User:             user,
		CollateralBySlot: make(map[Slot]*big.Int),
		DebtUSD:          new(big.Int),
	}
	for _, s := range c.slots(stateDB, user) {
		p.CollateralBySlot[s] = state.GetBig(stateDB, c.addr, c.slotValueKey(user, s))
	}
	p.AggregateCollateralUSD = state.GetBig(stateDB, c.addr, c.aggKey(user))
	p.CreditLimitUSD = creditLimit(p.AggregateCollateralUSD, c.ltv(stateDB))
	if debts != nil {
		p.DebtUSD = debts.GetDebt(stateDB, user)
	}
	return p
}

// =========================================================================
// Internal
// =========================================================================

func (c *CreditLedger) slotValueKey(user common.Address, s Slot) common.Hash {
	return state.Key(creditSlotValuePrefix, user.Bytes(), s.bytes())
}

func (c *CreditLedger) aggKey(user common.Address) common.Hash {
	return state.Key(creditAggPrefix, user.Bytes())
}

func (c *CreditLedger) indexSlot(stateDB state.StateDB, user common.Address, s Slot) {
	known := state.Key(creditSlotKnownPrefix, user.Bytes(), s.bytes())
	if state.GetBool(stateDB, c.addr, known) {
		return
	}
	state.SetBool(stateDB, c.addr, known, true)

	countKey := state.Key(creditSlotCountPrefix, user.Bytes())
	n := state.GetUint64(stateDB, c.addr, countKey)
	base := state.Key(creditSlotListPrefix, user.Bytes())
	state.SetUint64(stateDB, c.addr, state.Offset(base, 2*n), s.Origin)
	state.SetAddress(stateDB, c.addr, state.Offset(base, 2*n+1), s.Token)
	state.SetUint64(stateDB, c.addr, countKey, n+1)
}

func (c *CreditLedger) indexUser(stateDB state.StateDB, user common.Address) {
	known := state.Key(creditUserKnownPrefix, user.Bytes())
	if state.GetBool(stateDB, c.addr, known) {
		return
	}
	state.SetBool(stateDB, c.addr, known, true)

	countKey := state.Key(creditUserCountPrefix)
	n := state.GetUint64(stateDB, c.addr, countKey)
	state.SetAddress(stateDB, c.addr, state.Offset(state.Key(creditUserListPrefix), n), user)
	state.SetUint64(stateDB, c.addr, countKey, n+1)
}
