// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gate

import (
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

var (
	gateAddr = common.HexToAddress("0x0000000000000000000000000000000000009314")
	admin    = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	vault    = common.HexToAddress("0x0000000000000000000000000000000000009340")
	intruder = common.HexToAddress("0x000000000000000000000000000000000000bad0")
	user     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	weth     = common.HexToAddress("0x000000000000000000000000000000000000e770")
	wbtc     = common.HexToAddress("0x000000000000000000000000000000000000b7c0")
	amoy     = uint64(16281711391670634445)
)

// slotRecorder keeps the last value applied per token.
type slotRecorder struct {
	values map[common.Address]*big.Int
	calls  int
	fail   error
}

func (r *slotRecorder) HandleMessage(stateDB state.StateDB, msg *warp.Message) error {
	if r.fail != nil {
		// Write something first so the rollback is observable.
		state.SetUint64(stateDB, gateAddr, state.Key([]byte("probe")), 1)
		return r.fail
	}
	r.calls++
	r.values[msg.Token] = msg.USDValue
	return nil
}

func setup(t *testing.T) (*state.MemoryStateDB, *Gate, *slotRecorder) {
	t.Helper()
	db := state.NewMemoryStateDB()
	g := New(gateAddr, admin, nil)
	rec := &slotRecorder{values: make(map[common.Address]*big.Int)}
	g.Handle(warp.KindCollateralUpdate, rec)
	require.NoError(t, g.SetTrustedSender(db, admin, amoy, vault, true))
	return db, g, rec
}

func update(sender common.Address, token common.Address, value int64, nonce uint64) []byte {
	payload, err := warp.Encode(&warp.Message{
		Kind:     warp.KindCollateralUpdate,
		User:     user,
		Token:    token,
		USDValue: big.NewInt(value),
		Nonce:    nonce,
	})
	if err != nil {
		panic(err)
	}
	return payload
}

func TestUntrustedSenderRejected(t *testing.T) {
	db, g, rec := setup(t)

	err := g.Receive(db, amoy, intruder, update(intruder, weth, 1000, 1))
	require.ErrorIs(t, err, ErrUntrustedSender)
	require.Zero(t, rec.calls)

	// Trusted sender on the wrong chain is also rejected.
	err = g.Receive(db, amoy+1, vault, update(vault, weth, 1000, 1))
	require.ErrorIs(t, err, ErrUntrustedSender)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	db, g, rec := setup(t)
	payload := update(vault, weth, 1000, 1)

	require.NoError(t, g.Receive(db, amoy, vault, payload))
	require.ErrorIs(t, g.Receive(db, amoy, vault, payload), ErrDuplicateMessage)
	require.Equal(t, 1, rec.calls)
	require.True(t, g.IsApplied(db, amoy, vault, 1))
}

func TestOutOfOrderWithinSlot(t *testing.T) {
	db, g, rec := setup(t)

	require.NoError(t, g.Receive(db, amoy, vault, update(vault, weth, 600, 2)))
	require.ErrorIs(t, g.Receive(db, amoy, vault, update(vault, weth, 1000, 1)), ErrStaleMessage)
	require.Equal(t, big.NewInt(600), rec.values[weth])

	// The stale nonce is consumed.
	require.ErrorIs(t, g.Receive(db, amoy, vault, update(vault, weth, 1000, 1)), ErrDuplicateMessage)
}

func TestOutOfOrderAcrossSlots(t *testing.T) {
	db, g, rec := setup(t)

	require.NoError(t, g.Receive(db, amoy, vault, update(vault, wbtc, 300, 5)))
	require.NoError(t, g.Receive(db, amoy, vault, update(vault, weth, 1000, 4)))
	require.Equal(t, 2, rec.calls)
}

func TestHandlerFailureRollsBack(t *testing.T) {
	db, g, rec := setup(t)
	rec.fail = errors.New("ledger down")

	err := g.Receive(db, amoy, vault, update(vault, weth, 1000, 1))
	require.ErrorIs(t, err, rec.fail)
	require.False(t, g.IsApplied(db, amoy, vault, 1))
	require.Zero(t, state.GetUint64(db, gateAddr, state.Key([]byte("probe"))))

	rec.fail = nil
	require.NoError(t, g.Receive(db, amoy, vault, update(vault, weth, 1000, 1)))
}

func TestTrustAdministration(t *testing.T) {
	db, g, _ := setup(t)

	require.ErrorIs(t, g.SetTrustedSender(db, intruder, amoy, intruder, true), ErrUnauthorized)
	require.False(t, g.IsTrusted(db, amoy, intruder))

	require.NoError(t, g.SetTrustedSender(db, admin, amoy, vault, false))
	require.ErrorIs(t, g.Receive(db, amoy, vault, update(vault, weth, 1, 1)), ErrUntrustedSender)
}

func TestUnknownKindAndGarbage(t *testing.T) {
	db, g, _ := setup(t)

	payload, err := warp.Encode(&warp.Message{Kind: warp.KindSeizeCollateral, User: user, Token: weth, Nonce: 1})
	require.NoError(t, err)
	require.ErrorIs(t, g.Receive(db, amoy, vault, payload), ErrUnknownMessageKind)
	require.False(t, g.IsApplied(db, amoy, vault, 1))

	require.ErrorIs(t, g.Receive(db, amoy, vault, []byte{1, 2}), warp.ErrUnknownMessageKind)
}

func TestChainStopsAtFirstError(t *testing.T) {
	var order []string
	boom := errors.New("boom")
	h := Chain(
		HandlerFunc(func(state.StateDB, *warp.Message) error { order = append(order, "a"); return nil }),
		HandlerFunc(func(state.StateDB, *warp.Message) error { order = append(order, "b"); return boom }),
		HandlerFunc(func(state.StateDB, *warp.Message) error { order = append(order, "c"); return nil }),
	)
	require.ErrorIs(t, h.HandleMessage(nil, &warp.Message{}), boom)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestAdmitDecodedMessage(t *testing.T) {
	db, g, rec := setup(t)

	msg := &warp.Message{
		Kind:     warp.KindCollateralUpdate,
		Origin:   amoy,
		Sender:   vault,
		User:     user,
		Token:    weth,
		USDValue: big.NewInt(42),
		Nonce:    9,
	}
	require.NoError(t, g.Admit(db, msg))
	require.ErrorIs(t, g.Admit(db, msg), ErrDuplicateMessage)
	require.Equal(t, 1, rec.calls)
}

func receipt(token common.Address, slotTotal, seized int64, nonce uint64) []byte {
	payload, err := warp.Encode(&warp.Message{
		Kind:          warp.KindSeizureReceipt,
		User:          user,
		Token:         token,
		USDValue:      big.NewInt(slotTotal),
		SeizedUSD:     big.NewInt(seized),
		LiquidationID: common.HexToHash("0x01"),
		Nonce:         nonce,
	})
	if err != nil {
		panic(err)
	}
	return payload
}

func TestStaleReceiptReachesStaleHandler(t *testing.T) {
	db, g, rec := setup(t)
	var seized []*big.Int
	accounting := HandlerFunc(func(_ state.StateDB, msg *warp.Message) error {
		seized = append(seized, msg.SeizedUSD)
		return nil
	})
	g.Handle(warp.KindSeizureReceipt, Chain(rec, accounting))
	g.HandleStale(warp.KindSeizureReceipt, accounting)

	// A top-up overtakes the receipt for the seizure before it.
	require.NoError(t, g.Receive(db, amoy, vault, update(vault, weth, 900, 4)))
	require.NoError(t, g.Receive(db, amoy, vault, receipt(weth, 0, 600, 3)))

	require.Equal(t, big.NewInt(900), rec.values[weth])
	require.Equal(t, []*big.Int{big.NewInt(600)}, seized)
	require.True(t, g.IsApplied(db, amoy, vault, 3))
	require.ErrorIs(t, g.Receive(db, amoy, vault, receipt(weth, 0, 600, 3)), ErrDuplicateMessage)

	// The stale receipt did not move the high-water mark.
	require.ErrorIs(t, g.Receive(db, amoy, vault, update(vault, weth, 100, 2)), ErrStaleMessage)
	require.NoError(t, g.Receive(db, amoy, vault, update(vault, weth, 300, 5)))
	require.Equal(t, big.NewInt(300), rec.values[weth])
}

func TestStaleHandlerFailureLeavesNonce(t *testing.T) {
	db, g, _ := setup(t)
	boom := errors.New("boom")
	g.Handle(warp.KindSeizureReceipt, HandlerFunc(func(state.StateDB, *warp.Message) error { return nil }))
	g.HandleStale(warp.KindSeizureReceipt, HandlerFunc(func(state.StateDB, *warp.Message) error { return boom }))

	require.NoError(t, g.Receive(db, amoy, vault, update(vault, weth, 900, 4)))
	require.ErrorIs(t, g.Receive(db, amoy, vault, receipt(weth, 0, 600, 3)), boom)
	require.False(t, g.IsApplied(db, amoy, vault, 3))
}
