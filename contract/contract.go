// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package contract exposes the master chain's credit components as a single
// ABI-dispatched precompile.
package contract

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/bnpl/liquidation"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

var (
	ErrOutOfGas        = errors.New("out of gas")
	ErrWriteProtection = errors.New("write protection")
	ErrInvalidInput    = errors.New("invalid input")
)

// Gas costs
const (
	GasGetCreditLimit     uint64 = 2_000
	GasGetDebt            uint64 = 2_000
	GasGetAvailableCredit uint64 = 4_000
	GasPayMerchant        uint64 = 40_000
	GasRepay              uint64 = 30_000
	GasSetTrustedSender   uint64 = 20_000
	GasSetLTV             uint64 = 20_000
	GasCheckAndLiquidate  uint64 = 100_000
)

const creditABI = `[
  {"type":"function","name":"getCreditLimit","stateMutability":"view",
    "inputs":[{"name":"user","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getDebt","stateMutability":"view",
    "inputs":[{"name":"user","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getAvailableCredit","stateMutability":"view",
    "inputs":[{"name":"user","type":"address"}],
    "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"payMerchant","stateMutability":"nonpayable",
    "inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"repay","stateMutability":"nonpayable",
    "inputs":[{"name":"amount","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"setTrustedSender","stateMutability":"nonpayable",
    "inputs":[{"name":"originSelector","type":"uint64"},{"name":"sender","type":"address"},{"name":"trusted","type":"bool"}],
    "outputs":[]},
  {"type":"function","name":"setLTV","stateMutability":"nonpayable",
    "inputs":[{"name":"ltv","type":"uint256"}],
    "outputs":[]},
  {"type":"function","name":"checkAndLiquidate","stateMutability":"nonpayable",
    "inputs":[{"name":"user","type":"address"}],
    "outputs":[{"name":"status","type":"uint8"}]}
]`

// CreditABI is the contract's call interface.
var CreditABI = warp.ParseABI(creditABI)

// Credit is the credit ledger surface the contract serves.
type Credit interface {
	GetCreditLimit(stateDB state.StateDB, user common.Address) *big.Int
	SetLTV(stateDB state.StateDB, caller common.Address, ltv *big.Int) error
}

type Debts interface {
	GetDebt(stateDB state.StateDB, user common.Address) *big.Int
}

type Payments interface {
	PayMerchant(stateDB state.StateDB, user, merchant common.Address, amount *big.Int) error
	Repay(stateDB state.StateDB, user common.Address, amount *big.Int) error
	AvailableCredit(stateDB state.StateDB, user common.Address) *big.Int
}

type Trust interface {
	SetTrustedSender(stateDB state.StateDB, caller common.Address, origin uint64, sender common.Address, trusted bool) error
}

type Liquidator interface {
	CheckAndLiquidate(stateDB state.StateDB, user common.Address) (liquidation.Status, error)
}

// CreditContract routes calls to the master chain components. The caller
// of payMerchant and repay is the borrower.
type CreditContract struct {
	credit     Credit
	debts      Debts
	payments   Payments
	trust      Trust
	liquidator Liquidator
}

func New(credit Credit, debts Debts, payments Payments, trust Trust, liquidator Liquidator) *CreditContract {
	return &CreditContract{
		credit:     credit,
		debts:      debts,
		payments:   payments,
		trust:      trust,
		liquidator: liquidator,
	}
}

type handler struct {
	gas      uint64
	mutating bool
	run      func(c *CreditContract, stateDB state.StateDB, caller common.Address, args []interface{}) ([]interface{}, error)
}

var handlers = map[string]handler{
	"getCreditLimit": {GasGetCreditLimit, false, func(c *CreditContract, stateDB state.StateDB, _ common.Address, args []interface{}) ([]interface{}, error) {
		user, err := addressArg(args, 0)
		if err != nil {
			return nil, err
		}
		return []interface{}{c.credit.GetCreditLimit(stateDB, user)}, nil
	}},
	"getDebt": {GasGetDebt, false, func(c *CreditContract, stateDB state.StateDB, _ common.Address, args []interface{}) ([]interface{}, error) {
		user, err := addressArg(args, 0)
		if err != nil {
			return nil, err
		}
		return []interface{}{c.debts.GetDebt(stateDB, user)}, nil
	}},
	"getAvailableCredit": {GasGetAvailableCredit, false, func(c *CreditContract, stateDB state.StateDB, _ common.Address, args []interface{}) ([]interface{}, error) {
		user, err := addressArg(args, 0)
		if err != nil {
			return nil, err
		}
		return []interface{}{c.payments.AvailableCredit(stateDB, user)}, nil
	}},
	"payMerchant": {GasPayMerchant, true, func(c *CreditContract, stateDB state.StateDB, caller common.Address, args []interface{}) ([]interface{}, error) {
		merchant, err := addressArg(args, 0)
		if err != nil {
			return nil, err
		}
		amount, err := bigArg(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, c.payments.PayMerchant(stateDB, caller, merchant, amount)
	}},
	"repay": {GasRepay, true, func(c *CreditContract, stateDB state.StateDB, caller common.Address, args []interface{}) ([]interface{}, error) {
		amount, err := bigArg(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, c.payments.Repay(stateDB, caller, amount)
	}},
	"setTrustedSender": {GasSetTrustedSender, true, func(c *CreditContract, stateDB state.StateDB, caller common.Address, args []interface{}) ([]interface{}, error) {
		if len(args) != 3 {
			return nil, ErrInvalidInput
		}
		origin, ok1 := args[0].(uint64)
		sender, ok2 := args[1].(common.Address)
		trusted, ok3 := args[2].(bool)
		if !ok1 || !ok2 || !ok3 {
			return nil, ErrInvalidInput
		}
		return nil, c.trust.SetTrustedSender(stateDB, caller, origin, sender, trusted)
	}},
	"setLTV": {GasSetLTV, true, func(c *CreditContract, stateDB state.StateDB, caller common.Address, args []interface{}) ([]interface{}, error) {
		ltv, err := bigArg(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, c.credit.SetLTV(stateDB, caller, ltv)
	}},
	"checkAndLiquidate": {GasCheckAndLiquidate, true, func(c *CreditContract, stateDB state.StateDB, _ common.Address, args []interface{}) ([]interface{}, error) {
		user, err := addressArg(args, 0)
		if err != nil {
			return nil, err
		}
		status, err := c.liquidator.CheckAndLiquidate(stateDB, user)
		// A residual shortfall is an outcome, not a failed call.
		if err != nil && !errors.Is(err, liquidation.ErrResidualShortfall) {
			return nil, err
		}
		return []interface{}{uint8(status)}, nil
	}},
}

// Run executes a call. Gas is charged up front; a failing call still
// consumes it.
func (c *CreditContract) Run(
	stateDB state.StateDB,
	caller common.Address,
	input []byte,
	suppliedGas uint64,
	readOnly bool,
) (ret []byte, remainingGas uint64, err error) {
	method, data, err := CreditABI.MethodFor(input)
	if err != nil {
		return nil, suppliedGas, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	h, ok := handlers[method.Name]
	if !ok {
		return nil, suppliedGas, fmt.Errorf("%w: unknown method %s", ErrInvalidInput, method.Name)
	}
	if suppliedGas < h.gas {
		return nil, 0, ErrOutOfGas
	}
	remainingGas = suppliedGas - h.gas
	if readOnly && h.mutating {
		return nil, remainingGas, ErrWriteProtection
	}

	args, err := CreditABI.UnpackInput(method.Name, data, true)
	if err != nil {
		return nil, remainingGas, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out, err := h.run(c, stateDB, caller, args)
	if err != nil {
		return nil, remainingGas, err
	}
	ret, err = CreditABI.PackOutput(method.Name, out...)
	if err != nil {
		return nil, remainingGas, err
	}
	return ret, remainingGas, nil
}

func addressArg(args []interface{}, i int) (common.Address, error) {
	if i >= len(args) {
		return common.Address{}, ErrInvalidInput
	}
	a, ok := args[i].(common.Address)
	if !ok {
		return common.Address{}, ErrInvalidInput
	}
	return a, nil
}

func bigArg(args []interface{}, i int) (*big.Int, error) {
	if i >= len(args) {
		return nil, ErrInvalidInput
	}
	v, ok := args[i].(*big.Int)
	if !ok {
		return nil, ErrInvalidInput
	}
	return v, nil
}
