// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package collateral

import (
	"math/big"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bnpl/asset"
	"github.com/luxfi/bnpl/oracle"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/transport"
	"github.com/luxfi/bnpl/warp"
)

var (
	vaultAddr   = common.HexToAddress("0x0000000000000000000000000000000000009340")
	tokenLedger = common.HexToAddress("0x0000000000000000000000000000000000009330")
	masterGate  = common.HexToAddress("0x0000000000000000000000000000000000009314")
	insurance   = common.HexToAddress("0x0000000000000000000000000000000000009321")
	keeper      = common.HexToAddress("0x00000000000000000000000000000000000000ee")

	user = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	weth = common.HexToAddress("0x000000000000000000000000000000000000e770")
	dai  = common.HexToAddress("0x000000000000000000000000000000000000da10")

	fuji = uint64(14767482510784806043)
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oracle.WAD)
}

type fixture struct {
	db       *state.MemoryStateDB
	assets   *asset.TokenLedger
	feed     *oracle.StaticFeed
	outbox   *transport.Outbox
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	outbox, err := transport.NewOutbox(memdb.New())
	require.NoError(t, err)

	f := &fixture{
		db:     state.NewMemoryStateDB(),
		assets: asset.NewTokenLedger(tokenLedger),
		feed:   oracle.NewStaticFeed(0),
		outbox: outbox,
	}
	require.NoError(t, f.feed.SetPrice(weth, ether(2000), 18, 0))
	require.NoError(t, f.assets.Mint(f.db, weth, user, ether(10)))

	f.registry = NewRegistry(vaultAddr, Config{
		MasterSelector: fuji,
		MasterReceiver: masterGate,
		InsurancePool:  insurance,
	}, f.assets, f.feed, outbox, nil)
	return f
}

func (f *fixture) sent(t *testing.T) []*warp.Message {
	t.Helper()
	pending, err := f.outbox.Pending()
	require.NoError(t, err)
	out := make([]*warp.Message, 0, len(pending))
	for _, p := range pending {
		require.Equal(t, fuji, p.Dest)
		require.Equal(t, masterGate, p.Receiver)
		msg, err := warp.Decode(0, vaultAddr, p.Payload)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestDepositReportsNewTotal(t *testing.T) {
	f := newFixture(t)

	value, err := f.registry.Deposit(f.db, user, weth, ether(1))
	require.NoError(t, err)
	require.Equal(t, ether(2000), value)

	value, err = f.registry.Deposit(f.db, user, weth, ether(2))
	require.NoError(t, err)
	require.Equal(t, ether(4000), value)

	require.Equal(t, ether(3), f.registry.LockedBalance(f.db, user, weth))
	require.Equal(t, ether(3), f.assets.BalanceOf(f.db, weth, vaultAddr))
	require.Equal(t, uint64(2), f.registry.Nonce(f.db))

	msgs := f.sent(t)
	require.Len(t, msgs, 2)
	require.Equal(t, warp.KindCollateralUpdate, msgs[1].Kind)
	require.Equal(t, ether(6000), msgs[1].USDValue)
	require.Equal(t, uint64(1), msgs[0].Nonce)
	require.Equal(t, uint64(2), msgs[1].Nonce)
}

func TestDepositFailuresLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name   string
		token  common.Address
		amount *big.Int
		err    error
	}{
		{"zero amount", weth, big.NewInt(0), ErrInvalidAmount},
		{"no price", dai, ether(1), oracle.ErrPriceUnavailable},
		{"insufficient tokens", weth, ether(11), asset.ErrTransferFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.registry.Deposit(f.db, user, tt.token, tt.amount)
			require.ErrorIs(t, err, tt.err)
			require.Zero(t, f.registry.LockedBalance(f.db, user, tt.token).Sign())
			require.Zero(t, f.registry.Nonce(f.db))
			require.Empty(t, f.sent(t))
		})
	}
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Deposit(f.db, user, weth, ether(2))
	require.NoError(t, err)

	require.ErrorIs(t, f.registry.Withdraw(f.db, user, weth, ether(3)), ErrInsufficientCollateral)
	require.Len(t, f.sent(t), 1)

	require.NoError(t, f.registry.Withdraw(f.db, user, weth, ether(2)))
	require.Zero(t, f.registry.LockedBalance(f.db, user, weth).Sign())
	require.Equal(t, ether(10), f.assets.BalanceOf(f.db, weth, user))

	msgs := f.sent(t)
	require.Len(t, msgs, 2)
	require.Zero(t, msgs[1].USDValue.Sign())
}

func TestWithdrawAllWithoutPrice(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Deposit(f.db, user, weth, ether(1))
	require.NoError(t, err)
	f.feed.RemovePrice(weth)

	require.NoError(t, f.registry.Withdraw(f.db, user, weth, ether(1)))
}

func TestRepriceReportsDecline(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.Deposit(f.db, user, weth, ether(1))
	require.NoError(t, err)

	require.NoError(t, f.feed.SetPrice(weth, ether(1500), 18, 0))
	total, err := f.registry.Reprice(f.db, user, weth)
	require.NoError(t, err)
	require.Equal(t, ether(1500), total)

	msgs := f.sent(t)
	require.Len(t, msgs, 2)
	require.Equal(t, ether(1500), msgs[1].USDValue)
	require.Greater(t, msgs[1].Nonce, msgs[0].Nonce)
}

func TestSeize(t *testing.T) {
	id := common.HexToHash("0xabc")
	tests := []struct {
		name        string
		requested   *big.Int
		recipient   common.Address
		wantSeized  *big.Int
		wantLocked  *big.Int
		wantPayee   common.Address
		wantPayment *big.Int
	}{
		{
			name:        "partial",
			requested:   ether(1000),
			recipient:   keeper,
			wantSeized:  ether(1000),
			wantLocked:  new(big.Int).Div(ether(3), big.NewInt(2)),
			wantPayee:   keeper,
			wantPayment: new(big.Int).Div(ether(1), big.NewInt(2)),
		},
		{
			name:        "capped at value",
			requested:   ether(9000),
			wantSeized:  ether(4000),
			wantLocked:  new(big.Int),
			wantPayee:   insurance,
			wantPayment: ether(2),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.registry.Deposit(f.db, user, weth, ether(2))
			require.NoError(t, err)

			require.NoError(t, f.registry.HandleMessage(f.db, &warp.Message{
				Kind:          warp.KindSeizeCollateral,
				User:          user,
				Token:         weth,
				USDValue:      tt.requested,
				LiquidationID: id,
				Nonce:         1,
				Recipient:     tt.recipient,
			}))

			require.Zero(t, tt.wantLocked.Cmp(f.registry.LockedBalance(f.db, user, weth)))
			require.Equal(t, tt.wantPayment, f.assets.BalanceOf(f.db, weth, tt.wantPayee))

			msgs := f.sent(t)
			require.Len(t, msgs, 2)
			receipt := msgs[1]
			require.Equal(t, warp.KindSeizureReceipt, receipt.Kind)
			require.Equal(t, id, receipt.LiquidationID)
			require.Equal(t, tt.wantSeized, receipt.SeizedUSD)
			require.Zero(t, new(big.Int).Sub(ether(4000), tt.wantSeized).Cmp(receipt.USDValue))
		})
	}
}

func TestSeizeEmptySlotStillReports(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.HandleMessage(f.db, &warp.Message{
		Kind:     warp.KindSeizeCollateral,
		User:     user,
		Token:    weth,
		USDValue: ether(10),
	}))
	msgs := f.sent(t)
	require.Len(t, msgs, 1)
	require.Zero(t, msgs[0].SeizedUSD.Sign())
}

func TestHandleMessageRejectsOtherKinds(t *testing.T) {
	f := newFixture(t)
	err := f.registry.HandleMessage(f.db, &warp.Message{Kind: warp.KindCollateralUpdate, User: user, Token: weth})
	require.ErrorIs(t, err, ErrUnexpectedMessage)
}
