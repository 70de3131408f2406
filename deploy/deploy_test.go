// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package deploy

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bnpl/gate"
	"github.com/luxfi/bnpl/ledger"
	"github.com/luxfi/bnpl/liquidation"
	"github.com/luxfi/bnpl/oracle"
	"github.com/luxfi/bnpl/payment"
	"github.com/luxfi/bnpl/registry"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/transport"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	merchant = common.HexToAddress("0x00000000000000000000000000000000000c0ffe")
	usdc     = common.HexToAddress("0x0000000000000000000000000000000000005dc0")
	weth     = common.HexToAddress("0x000000000000000000000000000000000000e770")
)

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ledger.WAD)
}

func newNetwork(t *testing.T, opts ...transport.Option) *Network {
	t.Helper()

	config := DefaultConfig(admin)
	config.FundingToken = usdc
	config.FundingAmount = usd(100_000)

	n, err := New(config, memdb.New(), nil, opts...)
	require.NoError(t, err)
	return n
}

// fund gives alice tokens on a satellite and prices them.
func fund(t *testing.T, s *Satellite, amount, price *big.Int) {
	t.Helper()
	require.NoError(t, s.Prices.SetPrice(weth, price, 18, 0))
	require.NoError(t, s.Assets.Mint(s.State, weth, alice, amount))
}

func settle(t *testing.T, n *Network) []transport.Delivery {
	t.Helper()
	deliveries, err := n.Settle(context.Background())
	require.NoError(t, err)
	return deliveries
}

func TestDeployRegistersComponents(t *testing.T) {
	n := newNetwork(t)

	require.Len(t, n.Satellites, len(registry.SatelliteChains()))
	for _, name := range []string{"CREDIT_LEDGER", "DEBT_LEDGER", "PAYMENT_AUTHORIZER", "LIQUIDATION_MONITOR", "MASTER_GATE", "CREDIT_CONTRACT"} {
		mod, ok := n.Master.Modules.ByName(name)
		require.True(t, ok, name)
		require.Equal(t, registry.GetComponentAddress(name), mod.Address)
	}

	amoy, ok := n.Satellite(registry.PolygonAmoy)
	require.True(t, ok)
	_, ok = amoy.Modules.ByAddress(common.HexToAddress(registry.CollateralRegistryAddress))
	require.True(t, ok)

	require.Equal(t, usd(100_000), n.Master.Assets.BalanceOf(n.Master.State, usdc, fundingPoolAddr))
	require.Equal(t, ledger.DefaultLTV, n.Master.Credit.LTV(n.Master.State))
}

func TestUntrustedDepositIsRejected(t *testing.T) {
	n := newNetwork(t)
	amoy, _ := n.Satellite(registry.PolygonAmoy)
	fund(t, amoy, usd(1), usd(1000))

	_, err := amoy.Deposit(alice, weth, usd(1))
	require.NoError(t, err)

	deliveries := settle(t, n)
	require.Len(t, deliveries, 1)
	require.ErrorIs(t, deliveries[0].Err, gate.ErrUntrustedSender)
	require.Zero(t, n.Master.Credit.GetCreditLimit(n.Master.State, alice).Sign())
}

func TestCreditLifecycle(t *testing.T) {
	n := newNetwork(t, transport.WithSeed(42), transport.WithShuffle(), transport.WithDuplicateRate(0.5))
	require.NoError(t, n.TrustSatellites())

	m := n.Master
	amoy, _ := n.Satellite(registry.PolygonAmoy)
	fund(t, amoy, usd(1), usd(1000))

	// Deposit 1 WETH at $1000.
	_, err := amoy.Deposit(alice, weth, usd(1))
	require.NoError(t, err)
	settle(t, n)
	require.Equal(t, usd(750), m.Credit.GetCreditLimit(m.State, alice))

	// Spend the whole limit.
	require.NoError(t, m.PayMerchant(alice, merchant, usd(750)))
	require.Equal(t, usd(750), m.Assets.BalanceOf(m.State, usdc, merchant))

	// WETH falls to $666.67: limit drops to 500 while debt stays 750.
	dropped := new(big.Int).Div(usd(2000), big.NewInt(3))
	require.NoError(t, amoy.Prices.SetPrice(weth, dropped, 18, 0))
	_, err = amoy.Reprice(alice, weth)
	require.NoError(t, err)
	settle(t, n)
	require.Equal(t, dropped, m.Credit.GetAggregateCollateral(m.State, alice))
	require.Equal(t, liquidation.StatusUnhealthy, m.Monitor.Status(m.State, alice))

	status, err := m.CheckAndLiquidate(alice)
	require.NoError(t, err)
	require.Equal(t, liquidation.StatusLiquidating, status)
	settle(t, n)

	// All collateral went to the insurance pool and only covered part of the debt.
	require.Equal(t, usd(1), amoy.Assets.BalanceOf(amoy.State, weth, insurancePoolAddr))
	require.Zero(t, amoy.Registry.LockedBalance(amoy.State, alice, weth).Sign())
	require.Zero(t, m.Credit.GetAggregateCollateral(m.State, alice).Sign())

	shortfall := new(big.Int).Sub(usd(750), dropped)
	require.Equal(t, shortfall, m.Debt.GetDebt(m.State, alice))
	require.Equal(t, liquidation.StatusPartiallyLiquidated, m.Monitor.Status(m.State, alice))
	require.Equal(t, shortfall, m.Monitor.Shortfall(m.State, alice))

	_, err = m.CheckAndLiquidate(alice)
	require.ErrorIs(t, err, liquidation.ErrResidualShortfall)
}

// underwater deposits 1 WETH at $1000, spends the full $750 limit and
// drops WETH to $666.67, returning the dropped price.
func underwater(t *testing.T, n *Network, amoy *Satellite) *big.Int {
	t.Helper()
	m := n.Master

	_, err := amoy.Deposit(alice, weth, usd(1))
	require.NoError(t, err)
	settle(t, n)
	require.NoError(t, m.PayMerchant(alice, merchant, usd(750)))

	dropped := new(big.Int).Div(usd(2000), big.NewInt(3))
	require.NoError(t, amoy.Prices.SetPrice(weth, dropped, 18, 0))
	_, err = amoy.Reprice(alice, weth)
	require.NoError(t, err)
	settle(t, n)
	require.Equal(t, liquidation.StatusUnhealthy, m.Monitor.Status(m.State, alice))
	return dropped
}

func TestReceiptOvertakenByTopUp(t *testing.T) {
	n := newNetwork(t)
	require.NoError(t, n.TrustSatellites())
	m := n.Master
	amoy, _ := n.Satellite(registry.PolygonAmoy)
	fund(t, amoy, usd(2), usd(1000))
	dropped := underwater(t, n, amoy)

	status, err := m.CheckAndLiquidate(alice)
	require.NoError(t, err)
	require.Equal(t, liquidation.StatusLiquidating, status)

	// Deliver the seize instruction; the receipt waits in the amoy outbox.
	_, err = n.Flush(context.Background())
	require.NoError(t, err)
	deliveries, err := n.Transport.DeliverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, deliveries[0].Err)

	// A top-up queues an update behind the receipt; the master sees it first.
	_, err = amoy.Deposit(alice, weth, usd(1))
	require.NoError(t, err)
	pending, err := amoy.Outbox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NoError(t, m.Receive(amoy.Chain.Selector, vaultAddr, pending[1].Payload))
	require.NoError(t, m.Receive(amoy.Chain.Selector, vaultAddr, pending[0].Payload))

	// The slot keeps the newer total and the seizure still settles.
	require.Equal(t, dropped, m.Credit.GetSlotValue(m.State, alice, amoy.Chain.Selector, weth))
	shortfall := new(big.Int).Sub(usd(750), dropped)
	require.Equal(t, shortfall, m.Debt.GetDebt(m.State, alice))
	require.Equal(t, liquidation.StatusPartiallyLiquidated, m.Monitor.Status(m.State, alice))
	require.Equal(t, usd(1), amoy.Assets.BalanceOf(amoy.State, weth, insurancePoolAddr))

	// Redelivery of both is harmless.
	for _, d := range settle(t, n) {
		require.ErrorIs(t, d.Err, gate.ErrDuplicateMessage)
	}

	history := m.Monitor.GetLiquidationHistory(m.State, 0)
	require.Len(t, history, 1)
	require.False(t, history[0].Aborted)
	require.Equal(t, dropped, history[0].SeizedUSD)

	status, err = m.CheckAndLiquidate(alice)
	require.NoError(t, err)
	require.Equal(t, liquidation.StatusHealthy, status)
}

func TestRejectedSeizureIsAbortedAndRetried(t *testing.T) {
	n := newNetwork(t)
	require.NoError(t, n.TrustSatellites())
	m := n.Master
	amoy, _ := n.Satellite(registry.PolygonAmoy)
	fund(t, amoy, usd(1), usd(1000))
	dropped := underwater(t, n, amoy)

	_, err := m.CheckAndLiquidate(alice)
	require.NoError(t, err)

	// Without a price the satellite rejects the instruction and no receipt comes.
	amoy.Prices.RemovePrice(weth)
	deliveries := settle(t, n)
	require.Len(t, deliveries, 1)
	require.ErrorIs(t, deliveries[0].Err, oracle.ErrPriceUnavailable)

	_, err = m.CheckAndLiquidate(alice)
	require.ErrorIs(t, err, liquidation.ErrLiquidationInProgress)
	require.ErrorIs(t, m.AbortLiquidation(merchant, alice), liquidation.ErrAbortNotAllowed)

	m.State.SetBlockNumber(DefaultLiquidationTimeout)
	var results []liquidation.SweepResult
	require.NoError(t, m.Exec.Execute(func(db state.StateDB) error {
		results = m.Monitor.Sweep(db)
		return nil
	}))
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	require.Equal(t, liquidation.StatusUnhealthy, results[0].Status)

	require.NoError(t, amoy.Prices.SetPrice(weth, dropped, 18, 0))
	status, err := m.CheckAndLiquidate(alice)
	require.NoError(t, err)
	require.Equal(t, liquidation.StatusLiquidating, status)
	settle(t, n)

	require.Equal(t, new(big.Int).Sub(usd(750), dropped), m.Debt.GetDebt(m.State, alice))
	require.Equal(t, liquidation.StatusPartiallyLiquidated, m.Monitor.Status(m.State, alice))
	history := m.Monitor.GetLiquidationHistory(m.State, 0)
	require.Len(t, history, 2)
	require.True(t, history[0].Aborted)
	require.False(t, history[1].Aborted)
}

func TestKeeperAlongsideTraffic(t *testing.T) {
	n := newNetwork(t)
	require.NoError(t, n.TrustSatellites())
	m := n.Master
	amoy, _ := n.Satellite(registry.PolygonAmoy)
	fund(t, amoy, usd(4), usd(1000))

	ctx, cancel := context.WithCancel(context.Background())
	keeperDone := make(chan error, 1)
	go func() { keeperDone <- m.RunKeeper(ctx, time.Millisecond) }()

	var (
		wg   sync.WaitGroup
		paid int64
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			_, err := amoy.Deposit(alice, weth, usd(1))
			assert.NoError(t, err)
			time.Sleep(time.Millisecond)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			err := m.PayMerchant(alice, merchant, usd(10))
			if err == nil {
				paid += 10
			} else {
				assert.ErrorIs(t, err, payment.ErrCreditLimitExceeded)
			}
			time.Sleep(time.Millisecond / 2)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			_, err := n.Settle(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrNotSettled)
			}
			time.Sleep(time.Millisecond / 2)
		}
	}()
	wg.Wait()
	settle(t, n)
	cancel()
	require.ErrorIs(t, <-keeperDone, context.Canceled)

	require.Equal(t, usd(4000), m.Credit.GetAggregateCollateral(m.State, alice))
	require.Equal(t, usd(paid), m.Debt.GetDebt(m.State, alice))
	require.Equal(t, usd(paid), m.Assets.BalanceOf(m.State, usdc, merchant))
	require.Equal(t, liquidation.StatusHealthy, m.Monitor.Status(m.State, alice))
	require.Empty(t, m.Monitor.GetLiquidationHistory(m.State, 0))
}

func TestReorderedUpdatesConverge(t *testing.T) {
	for seed := int64(0); seed < 8; seed++ {
		n := newNetwork(t, transport.WithSeed(seed), transport.WithShuffle(), transport.WithDuplicateRate(0.3))
		require.NoError(t, n.TrustSatellites())

		amoy, _ := n.Satellite(registry.PolygonAmoy)
		sepolia, _ := n.Satellite(registry.EthereumSepolia)
		fund(t, amoy, usd(5), usd(100))
		fund(t, sepolia, usd(5), usd(300))

		for i := 0; i < 4; i++ {
			_, err := amoy.Deposit(alice, weth, usd(1))
			require.NoError(t, err)
			_, err = sepolia.Deposit(alice, weth, usd(1))
			require.NoError(t, err)
		}
		require.NoError(t, amoy.Withdraw(alice, weth, usd(2)))
		settle(t, n)

		m := n.Master
		require.Equal(t, usd(200), m.Credit.GetSlotValue(m.State, alice, amoy.Chain.Selector, weth), "seed %d", seed)
		require.Equal(t, usd(1200), m.Credit.GetSlotValue(m.State, alice, sepolia.Chain.Selector, weth), "seed %d", seed)
		require.Equal(t, usd(1400), m.Credit.GetAggregateCollateral(m.State, alice), "seed %d", seed)
	}
}

func TestConfigVerify(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		err    error
	}{
		{"default", func(*Config) {}, nil},
		{"unknown master", func(c *Config) { c.Master = "mainnet" }, ErrUnknownChain},
		{"satellite as master", func(c *Config) { c.Master = registry.PolygonAmoy }, ErrWrongRole},
		{"master as satellite", func(c *Config) { c.Satellites = []string{registry.AvalancheFuji} }, ErrWrongRole},
		{"no satellites", func(c *Config) { c.Satellites = nil }, ErrInvalidField},
		{"duplicate satellite", func(c *Config) { c.Satellites = []string{registry.BaseSepolia, registry.BaseSepolia} }, ErrInvalidField},
		{"no admin", func(c *Config) { c.Admin = common.Address{} }, ErrInvalidField},
		{"zero ltv", func(c *Config) { c.LTV = new(big.Int) }, ErrInvalidField},
		{"ltv above one", func(c *Config) { c.LTV = usd(2) }, ErrInvalidField},
		{"negative bonus", func(c *Config) { c.LiquidationBonus = big.NewInt(-1) }, ErrInvalidField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig(admin)
			tt.modify(&config)
			require.ErrorIs(t, config.Verify(), tt.err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"master": "avalancheFuji",
		"satellites": ["polygonAmoy", "baseSepolia"],
		"admin": "0x00000000000000000000000000000000000ad111",
		"ltv": 600000000000000000,
		"fundingToken": "0x0000000000000000000000000000000000005dc0",
		"fundingAmount": 1000000000000000000000
	}`), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, admin, config.Admin)
	require.Equal(t, []string{registry.PolygonAmoy, registry.BaseSepolia}, config.Satellites)
	require.Equal(t, big.NewInt(6e17), config.LTV)

	n, err := New(config, memdb.New(), nil)
	require.NoError(t, err)
	require.Len(t, n.Satellites, 2)
	require.Equal(t, big.NewInt(6e17), n.Master.Credit.LTV(n.Master.State))

	require.NoError(t, os.WriteFile(path, []byte(`{"master": "avalancheFuji"}`), 0o600))
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, ErrInvalidField)
}
