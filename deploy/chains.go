// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package deploy wires the credit components onto a master chain and its
// satellites and connects them over a transport.
package deploy

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/bnpl/asset"
	"github.com/luxfi/bnpl/collateral"
	"github.com/luxfi/bnpl/contract"
	"github.com/luxfi/bnpl/gate"
	"github.com/luxfi/bnpl/ledger"
	"github.com/luxfi/bnpl/liquidation"
	"github.com/luxfi/bnpl/modules"
	"github.com/luxfi/bnpl/oracle"
	"github.com/luxfi/bnpl/payment"
	"github.com/luxfi/bnpl/registry"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/transport"
	"github.com/luxfi/bnpl/warp"
)

var (
	creditLedgerAddr  = common.HexToAddress(registry.CreditLedgerAddress)
	debtLedgerAddr    = common.HexToAddress(registry.DebtLedgerAddress)
	authorizerAddr    = common.HexToAddress(registry.PaymentAuthorizerAddress)
	monitorAddr       = common.HexToAddress(registry.LiquidationMonitorAddress)
	masterGateAddr    = common.HexToAddress(registry.MasterGateAddress)
	creditContract    = common.HexToAddress(registry.CreditContractAddress)
	fundingPoolAddr   = common.HexToAddress(registry.FundingPoolAddress)
	insurancePoolAddr = common.HexToAddress(registry.InsurancePoolAddress)
	tokenLedgerAddr   = common.HexToAddress(registry.TokenLedgerAddress)
	vaultAddr         = common.HexToAddress(registry.CollateralRegistryAddress)
	satelliteGateAddr = common.HexToAddress(registry.SatelliteGateAddress)
)

// Master is the chain hosting the ledgers. Transactions run through Exec;
// the Master methods below are the chain's entry points.
type Master struct {
	Chain   registry.ChainInfo
	State   *state.MemoryStateDB
	Exec    *state.Executor
	Modules *modules.Registry

	Assets   *asset.TokenLedger
	Credit   *ledger.CreditLedger
	Debt     *ledger.DebtLedger
	Payments *payment.Authorizer
	Monitor  *liquidation.Monitor
	Gate     *gate.Gate
	Contract *contract.CreditContract
	Outbox   *transport.Outbox
}

// NewMaster deploys the master components. satellites are the chains whose
// registries the monitor may instruct.
func NewMaster(config Config, satellites []registry.ChainInfo, db database.Database, logger log.Logger) (*Master, error) {
	chain, ok := registry.GetChain(config.Master)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, config.Master)
	}
	outbox, err := transport.NewNamedOutbox(db, strconv.FormatUint(chain.Selector, 10))
	if err != nil {
		return nil, err
	}

	m := &Master{
		Chain:   chain,
		State:   state.NewMemoryStateDB(),
		Modules: modules.NewRegistry(),
		Assets:  asset.NewTokenLedger(tokenLedgerAddr),
		Outbox:  outbox,
	}
	m.Exec = state.NewExecutor(m.State)

	auth := ledger.AuthorizedCallers{
		CollateralUpdaters: []common.Address{masterGateAddr},
		DebtIncreasers:     []common.Address{authorizerAddr},
		DebtDecreasers:     []common.Address{authorizerAddr, monitorAddr},
	}
	m.Credit = ledger.NewCreditLedger(creditLedgerAddr, config.Admin, auth, logger)
	m.Debt = ledger.NewDebtLedger(debtLedgerAddr, auth, logger)
	m.Payments = payment.NewAuthorizer(authorizerAddr, m.Credit, m.Debt, m.Assets, payment.Config{
		FundingPool: fundingPoolAddr,
		Token:       config.FundingToken,
	}, logger)

	liqConfig := liquidation.DefaultConfig()
	liqConfig.Admin = config.Admin
	liqConfig.Timeout = config.LiquidationTimeout
	if config.LiquidationBonus != nil {
		liqConfig.Bonus = config.LiquidationBonus
	}
	for _, s := range satellites {
		liqConfig.Registries[s.Selector] = liquidation.Registry{
			Address:   satelliteGateAddr,
			Recipient: insurancePoolAddr,
		}
	}
	m.Monitor, err = liquidation.NewMonitor(monitorAddr, m.Credit, m.Debt, outbox, liqConfig, logger)
	if err != nil {
		return nil, err
	}

	m.Gate = gate.New(masterGateAddr, config.Admin, logger)
	applyUpdate := gate.HandlerFunc(func(stateDB state.StateDB, msg *warp.Message) error {
		return m.Credit.ApplyCollateralUpdate(stateDB, masterGateAddr, msg.User, msg.Origin, msg.Token, msg.USDValue)
	})
	m.Gate.Handle(warp.KindCollateralUpdate, applyUpdate)
	receipts := gate.HandlerFunc(m.Monitor.HandleSeizureReceipt)
	m.Gate.Handle(warp.KindSeizureReceipt, gate.Chain(applyUpdate, receipts))
	// A receipt overtaken by a newer update for its slot still settles the
	// seizure; only the slot total is out of date.
	m.Gate.HandleStale(warp.KindSeizureReceipt, receipts)

	m.Contract = contract.New(m.Credit, m.Debt, m.Payments, m.Gate, m.Monitor)

	for _, mod := range []modules.Module{
		{Name: "CREDIT_LEDGER", Address: creditLedgerAddr},
		{Name: "DEBT_LEDGER", Address: debtLedgerAddr},
		{Name: "PAYMENT_AUTHORIZER", Address: authorizerAddr},
		{Name: "LIQUIDATION_MONITOR", Address: monitorAddr},
		{Name: "MASTER_GATE", Address: masterGateAddr},
		{Name: "CREDIT_CONTRACT", Address: creditContract},
		{Name: "TOKEN_LEDGER", Address: tokenLedgerAddr},
	} {
		if err := m.Modules.Register(mod); err != nil {
			return nil, err
		}
	}

	if config.LTV != nil && config.LTV.Cmp(m.Credit.LTV(m.State)) != 0 {
		if err := m.Credit.SetLTV(m.State, config.Admin, config.LTV); err != nil {
			return nil, err
		}
	}
	if config.FundingAmount != nil && config.FundingAmount.Sign() > 0 {
		if err := m.Assets.Mint(m.State, config.FundingToken, fundingPoolAddr, config.FundingAmount); err != nil {
			return nil, fmt.Errorf("fund pool: %w", err)
		}
	}
	m.State.Commit()
	return m, nil
}

// Receive admits a message delivered by the transport.
func (m *Master) Receive(origin uint64, sender common.Address, payload []byte) error {
	return m.Exec.Execute(func(db state.StateDB) error {
		return m.Gate.Receive(db, origin, sender, payload)
	})
}

// PayMerchant pays merchant from the funding pool on the user's credit.
func (m *Master) PayMerchant(user, merchant common.Address, amount *big.Int) error {
	return m.Exec.Execute(func(db state.StateDB) error {
		return m.Payments.PayMerchant(db, user, merchant, amount)
	})
}

// Repay returns funds from the user to the pool.
func (m *Master) Repay(user common.Address, amount *big.Int) error {
	return m.Exec.Execute(func(db state.StateDB) error {
		return m.Payments.Repay(db, user, amount)
	})
}

// CheckAndLiquidate checks one position.
func (m *Master) CheckAndLiquidate(user common.Address) (liquidation.Status, error) {
	var status liquidation.Status
	err := m.Exec.Execute(func(db state.StateDB) error {
		var err error
		status, err = m.Monitor.CheckAndLiquidate(db, user)
		return err
	})
	return status, err
}

// AbortLiquidation aborts the user's in-flight liquidation.
func (m *Master) AbortLiquidation(caller, user common.Address) error {
	return m.Exec.Execute(func(db state.StateDB) error {
		return m.Monitor.AbortLiquidation(db, caller, user)
	})
}

// Call runs the credit contract.
func (m *Master) Call(caller common.Address, input []byte, gas uint64, readOnly bool) ([]byte, uint64, error) {
	var (
		ret       []byte
		remaining uint64
	)
	err := m.Exec.Execute(func(db state.StateDB) error {
		var err error
		ret, remaining, err = m.Contract.Run(db, caller, input, gas, readOnly)
		return err
	})
	return ret, remaining, err
}

// RunKeeper sweeps every position each interval until ctx is done.
func (m *Master) RunKeeper(ctx context.Context, interval time.Duration) error {
	return m.Monitor.RunKeeper(ctx, m.Exec, interval)
}

// Satellite is a chain holding collateral.
type Satellite struct {
	Chain   registry.ChainInfo
	State   *state.MemoryStateDB
	Exec    *state.Executor
	Modules *modules.Registry

	Assets   *asset.TokenLedger
	Prices   *oracle.StaticFeed
	Registry *collateral.Registry
	Gate     *gate.Gate
	Outbox   *transport.Outbox
}

// NewSatellite deploys a collateral registry pointed at the master gate.
func NewSatellite(config Config, chain registry.ChainInfo, master registry.ChainInfo, db database.Database, logger log.Logger) (*Satellite, error) {
	outbox, err := transport.NewNamedOutbox(db, strconv.FormatUint(chain.Selector, 10))
	if err != nil {
		return nil, err
	}

	s := &Satellite{
		Chain:   chain,
		State:   state.NewMemoryStateDB(),
		Modules: modules.NewRegistry(),
		Assets:  asset.NewTokenLedger(tokenLedgerAddr),
		Prices:  oracle.NewStaticFeed(config.PriceMaxAge),
		Outbox:  outbox,
	}
	s.Exec = state.NewExecutor(s.State)
	s.Registry = collateral.NewRegistry(vaultAddr, collateral.Config{
		MasterSelector: master.Selector,
		MasterReceiver: masterGateAddr,
		InsurancePool:  insurancePoolAddr,
	}, s.Assets, s.Prices, outbox, logger)

	s.Gate = gate.New(satelliteGateAddr, config.Admin, logger)
	s.Gate.Handle(warp.KindSeizeCollateral, s.Registry)

	for _, mod := range []modules.Module{
		{Name: "COLLATERAL_REGISTRY", Address: vaultAddr},
		{Name: "SATELLITE_GATE", Address: satelliteGateAddr},
		{Name: "TOKEN_LEDGER", Address: tokenLedgerAddr},
	} {
		if err := s.Modules.Register(mod); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Receive admits a message delivered by the transport.
func (s *Satellite) Receive(origin uint64, sender common.Address, payload []byte) error {
	return s.Exec.Execute(func(db state.StateDB) error {
		return s.Gate.Receive(db, origin, sender, payload)
	})
}

// Deposit locks amount of token for user and reports the new slot total.
func (s *Satellite) Deposit(user, token common.Address, amount *big.Int) (*big.Int, error) {
	var total *big.Int
	err := s.Exec.Execute(func(db state.StateDB) error {
		var err error
		total, err = s.Registry.Deposit(db, user, token, amount)
		return err
	})
	return total, err
}

// Withdraw unlocks amount of token back to user.
func (s *Satellite) Withdraw(user, token common.Address, amount *big.Int) error {
	return s.Exec.Execute(func(db state.StateDB) error {
		return s.Registry.Withdraw(db, user, token, amount)
	})
}

// Reprice reports the user's slot at the current oracle price.
func (s *Satellite) Reprice(user, token common.Address) (*big.Int, error) {
	var total *big.Int
	err := s.Exec.Execute(func(db state.StateDB) error {
		var err error
		total, err = s.Registry.Reprice(db, user, token)
		return err
	})
	return total, err
}
