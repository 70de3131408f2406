// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package collateral implements the satellite-side vault that locks user
// tokens and reports their USD value to the master chain.
package collateral

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
	"github.com/luxfi/bnpl/oracle"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrUnexpectedMessage      = errors.New("unexpected message kind")
)

// Storage key prefixes
var (
	lockedPrefix = []byte("vault/locked")
	noncePrefix  = []byte("vault/nonce")
)

// Outbound queues payloads for the master chain.
type Outbound interface {
	Enqueue(dest uint64, receiver common.Address, payload []byte) error
}

// Config points a registry at the master chain.
type Config struct {
	// MasterSelector is the chain selector of the master chain.
	MasterSelector uint64 `json:"masterSelector"`
	// MasterReceiver is the gate address on the master chain.
	MasterReceiver common.Address `json:"masterReceiver"`
	// InsurancePool receives seized collateral when an instruction names
	// no recipient.
	InsurancePool common.Address `json:"insurancePool"`
}

// Registry holds deposited collateral on a satellite chain. Every change to
// a user's locked balance produces exactly one outbound message carrying
// the new total USD value for that (user, token) slot.
type Registry struct {
	mu sync.Mutex

	addr   common.Address
	config Config
	assets asset.Ledger
	prices oracle.PriceFeed
	out    Outbound

	log log.Logger
}

// NewRegistry creates a registry. Tokens are held at addr on the asset
// ledger.
func NewRegistry(addr common.Address, config Config, assets asset.Ledger, prices oracle.PriceFeed, out Outbound, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}
	return &Registry{
		addr:   addr,
		config: config,
		assets: assets,
		prices: prices,
		out:    out,
		log:    logger,
	}
}

// Address returns the vault address.
func (r *Registry) Address() common.Address {
	return r.addr
}

// Deposit locks amount of token for user and returns the USD value of the
// deposit.
func (r *Registry) Deposit(stateDB state.StateDB, user, token common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	block := stateDB.GetBlockNumber()
	value, err := r.prices.TokenAmountToUSD(token, amount, block)
	if err != nil {
		return nil, fmt.Errorf("price deposit: %w", err)
	}
	locked := new(big.Int).Add(r.locked(stateDB, user, token), amount)
	total, err := r.prices.TokenAmountToUSD(token, locked, block)
	if err != nil {
		return nil, fmt.Errorf("price position: %w", err)
	}

	snap := stateDB.Snapshot()
	if err := r.assets.Transfer(stateDB, token, user, r.addr, amount); err != nil {
		stateDB.RevertToSnapshot(snap)
		return nil, fmt.Errorf("pull collateral: %w", err)
	}
	r.setLocked(stateDB, user, token, locked)
	if err := warp.EmitEvent(stateDB, r.addr, warp.EventCollateralDeposited, user, token, new(big.Int).Set(amount), total); err != nil {
		stateDB.RevertToSnapshot(snap)
		return nil, err
	}
	if err := r.report(stateDB, &warp.Message{
		Kind:     warp.KindCollateralUpdate,
		User:     user,
		Token:    token,
		USDValue: total,
	}); err != nil {
		stateDB.RevertToSnapshot(snap)
		return nil, err
	}

	r.log.Info("collateral deposited",
		zap.Stringer("user", user),
		zap.Stringer("token", token),
		zap.Stringer("amount", amount),
		zap.Stringer("totalUsd", total),
	)
	return value, nil
}

// Withdraw releases amount of token back to user.
func (r *Registry) Withdraw(stateDB state.StateDB, user, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	locked := r.locked(stateDB, user, token)
	if amount.Cmp(locked) > 0 {
		return ErrInsufficientCollateral
	}
	locked.Sub(locked, amount)
	total, err := r.value(stateDB, token, locked)
	if err != nil {
		return fmt.Errorf("price position: %w", err)
	}

	snap := stateDB.Snapshot()
	if err := r.assets.Transfer(stateDB, token, r.addr, user, amount); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("release collateral: %w", err)
	}
	r.setLocked(stateDB, user, token, locked)
	if err := warp.EmitEvent(stateDB, r.addr, warp.EventCollateralWithdrawn, user, token, new(big.Int).Set(amount), total); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}
	if err := r.report(stateDB, &warp.Message{
		Kind:     warp.KindCollateralUpdate,
		User:     user,
		Token:    token,
		USDValue: total,
	}); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	r.log.Info("collateral withdrawn",
		zap.Stringer("user", user),
		zap.Stringer("token", token),
		zap.Stringer("amount", amount),
		zap.Stringer("totalUsd", total),
	)
	return nil
}

// Reprice re-values the user's locked balance at the current price and
// reports the new total. A falling price reaches the master chain this way.
func (r *Registry) Reprice(stateDB state.StateDB, user, token common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total, err := r.value(stateDB, token, r.locked(stateDB, user, token))
	if err != nil {
		return nil, fmt.Errorf("price position: %w", err)
	}
	snap := stateDB.Snapshot()
	if err := r.report(stateDB, &warp.Message{
		Kind:     warp.KindCollateralUpdate,
		User:     user,
		Token:    token,
		USDValue: total,
	}); err != nil {
		stateDB.RevertToSnapshot(snap)
		return nil, err
	}
	r.log.Debug("collateral repriced",
		zap.Stringer("user", user),
		zap.Stringer("token", token),
		zap.Stringer("totalUsd", total),
	)
	return total, nil
}

// HandleMessage executes a seize instruction admitted by the satellite's
// gate. It releases up to the requested USD value of the slot's tokens to
// the recipient and reports what was seized.
func (r *Registry) HandleMessage(stateDB state.StateDB, msg *warp.Message) error {
	if msg.Kind != warp.KindSeizeCollateral {
		return fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	user, token := msg.User, msg.Token
	locked := r.locked(stateDB, user, token)
	value, err := r.value(stateDB, token, locked)
	if err != nil {
		return fmt.Errorf("price position: %w", err)
	}

	// Tokens released = floor(locked * min(requested, value) / value).
	released := new(big.Int)
	if value.Sign() > 0 && msg.USDValue != nil {
		target := msg.USDValue
		if target.Cmp(value) > 0 {
			target = value
		}
		released.Mul(locked, target)
		released.Div(released, value)
	}
	remaining := new(big.Int).Sub(locked, released)
	total, err := r.value(stateDB, token, remaining)
	if err != nil {
		return fmt.Errorf("price position: %w", err)
	}
	seized := new(big.Int).Sub(value, total)

	recipient := msg.Recipient
	if recipient == (common.Address{}) {
		recipient = r.config.InsurancePool
	}

	snap := stateDB.Snapshot()
	if err := r.assets.Transfer(stateDB, token, r.addr, recipient, released); err != nil {
		stateDB.RevertToSnapshot(snap)
		return fmt.Errorf("release seized collateral: %w", err)
	}
	r.setLocked(stateDB, user, token, remaining)
	if err := warp.EmitEvent(stateDB, r.addr, warp.EventCollateralSeized, user, token, released, seized); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}
	if err := r.report(stateDB, &warp.Message{
		Kind:          warp.KindSeizureReceipt,
		User:          user,
		Token:         token,
		USDValue:      total,
		SeizedUSD:     seized,
		LiquidationID: msg.LiquidationID,
	}); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	r.log.Info("collateral seized",
		zap.Stringer("user", user),
		zap.Stringer("token", token),
		zap.Stringer("released", released),
		zap.Stringer("seizedUsd", seized),
		zap.Stringer("recipient", recipient),
	)
	return nil
}

// LockedBalance returns the token amount locked for user.
func (r *Registry) LockedBalance(stateDB state.StateDB, user, token common.Address) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked(stateDB, user, token)
}

// LockedValue prices the user's locked balance.
func (r *Registry) LockedValue(stateDB state.StateDB, user, token common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value(stateDB, token, r.locked(stateDB, user, token))
}

// Nonce returns the nonce of the last message this registry emitted.
func (r *Registry) Nonce(stateDB state.StateDB) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return state.GetUint64(stateDB, r.addr, state.Key(noncePrefix))
}

// =========================================================================
// Internal
// =========================================================================

// report stamps msg with the next nonce and queues it for the master.
// Callers hold a snapshot; the queue write is the last step.
func (r *Registry) report(stateDB state.StateDB, msg *warp.Message) error {
	nonceKey := state.Key(noncePrefix)
	msg.Nonce = state.GetUint64(stateDB, r.addr, nonceKey) + 1
	state.SetUint64(stateDB, r.addr, nonceKey, msg.Nonce)

	payload, err := warp.Encode(msg)
	if err != nil {
		return err
	}
	if err := r.out.Enqueue(r.config.MasterSelector, r.config.MasterReceiver, payload); err != nil {
		return fmt.Errorf("queue %s: %w", msg.Kind, err)
	}
	return nil
}

// value prices amount of token. An empty balance is worth zero whether or
// not a price is available.
func (r *Registry) value(stateDB state.StateDB, token common.Address, amount *big.Int) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}
	return r.prices.TokenAmountToUSD(token, amount, stateDB.GetBlockNumber())
}

func (r *Registry) lockedKey(user, token common.Address) common.Hash {
	return state.Key(lockedPrefix, user.Bytes(), token.Bytes())
}

func (r *Registry) locked(stateDB state.StateDB, user, token common.Address) *big.Int {
	return state.GetBig(stateDB, r.addr, r.lockedKey(user, token))
}

func (r *Registry) setLocked(stateDB state.StateDB, user, token common.Address, v *big.Int) {
	state.SetBig(stateDB, r.addr, r.lockedKey(user, token), v)
}
