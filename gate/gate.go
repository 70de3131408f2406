// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gate admits cross-chain messages from trusted senders exactly
// once and dispatches them to the component that handles their kind.
package gate

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/log/level"
	"go.uber.org/zap"

	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

var (
	ErrUntrustedSender    = errors.New("untrusted sender")
	ErrDuplicateMessage   = errors.New("duplicate message")
	ErrStaleMessage       = errors.New("stale message")
	ErrUnauthorized       = errors.New("unauthorized caller")
	ErrUnknownMessageKind = errors.New("no handler for message kind")
)

// Storage key prefixes for gate state
var (
	trustPrefix     = []byte("gate/trust")
	appliedPrefix   = []byte("gate/applied")
	highWaterPrefix = []byte("gate/hw")
	highWaterSet    = []byte("gate/hwset")
)

// Handler processes an admitted message. An error rolls the admission back.
type Handler interface {
	HandleMessage(stateDB state.StateDB, msg *warp.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(stateDB state.StateDB, msg *warp.Message) error

func (f HandlerFunc) HandleMessage(stateDB state.StateDB, msg *warp.Message) error {
	return f(stateDB, msg)
}

// Chain runs handlers in order and stops at the first error.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(stateDB state.StateDB, msg *warp.Message) error {
		for _, h := range handlers {
			if err := h.HandleMessage(stateDB, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Gate is the receiving end of the cross-chain transport on one chain.
type Gate struct {
	mu sync.Mutex

	addr     common.Address
	admin    common.Address
	handlers map[warp.Kind]Handler
	// stale handle slot-scoped messages older than their slot's high-water
	// mark. Kinds without one reject such messages.
	stale map[warp.Kind]Handler

	log log.Logger
}

// New creates a gate whose state lives under addr. Only admin may change
// the trust registry.
func New(addr, admin common.Address, logger log.Logger) *Gate {
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}
	return &Gate{
		addr:     addr,
		admin:    admin,
		handlers: make(map[warp.Kind]Handler),
		stale:    make(map[warp.Kind]Handler),
		log:      logger,
	}
}

// Address returns the gate's storage account. Ledgers authorize this
// address as the caller for forwarded updates.
func (g *Gate) Address() common.Address {
	return g.addr
}

// Handle routes messages of kind to h. Call during wiring only.
func (g *Gate) Handle(kind warp.Kind, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[kind] = h
}

// HandleStale routes messages of kind that arrive behind a newer message
// for the same slot to h. The slot high-water mark is left alone and the
// nonce is consumed as for a fresh message. Call during wiring only.
func (g *Gate) HandleStale(kind warp.Kind, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stale[kind] = h
}

// =========================================================================
// Trust Registry
// =========================================================================

// SetTrustedSender marks sender on origin as trusted or not. Takes effect
// for the next admitted message.
func (g *Gate) SetTrustedSender(stateDB state.StateDB, caller common.Address, origin uint64, sender common.Address, trusted bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if caller != g.admin {
		return ErrUnauthorized
	}

	snap := stateDB.Snapshot()
	state.SetBool(stateDB, g.addr, g.trustKey(origin, sender), trusted)
	if err := warp.EmitEvent(stateDB, g.addr, warp.EventTrustedSenderSet, sender, origin, trusted); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	g.log.Info("trusted sender updated",
		zap.Uint64("origin", origin),
		zap.Stringer("sender", sender),
		zap.Bool("trusted", trusted),
	)
	return nil
}

// IsTrusted reports whether messages from (origin, sender) are admitted.
func (g *Gate) IsTrusted(stateDB state.StateDB, origin uint64, sender common.Address) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return state.GetBool(stateDB, g.addr, g.trustKey(origin, sender))
}

// IsApplied reports whether nonce from (origin, sender) was consumed.
func (g *Gate) IsApplied(stateDB state.StateDB, origin uint64, sender common.Address, nonce uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return state.GetBool(stateDB, g.addr, g.appliedKey(origin, sender, nonce))
}

// =========================================================================
// Admission
// =========================================================================

// Receive is called by the transport with a raw payload.
func (g *Gate) Receive(stateDB state.StateDB, origin uint64, sender common.Address, payload []byte) error {
	msg, err := warp.Decode(origin, sender, payload)
	if err != nil {
		g.log.Debug("undecodable message", zap.Uint64("origin", origin), zap.Stringer("sender", sender), zap.Error(err))
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admit(stateDB, msg, warp.MessageID(origin, sender, payload))
}

// Admit checks trust and replay protection for a decoded message and, when
// accepted, forwards it unchanged to the handler for its kind.
func (g *Gate) Admit(stateDB state.StateDB, msg *warp.Message) error {
	payload, err := warp.Encode(msg)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admit(stateDB, msg, warp.MessageID(msg.Origin, msg.Sender, payload))
}

func (g *Gate) admit(stateDB state.StateDB, msg *warp.Message, id ids.ID) error {
	if !state.GetBool(stateDB, g.addr, g.trustKey(msg.Origin, msg.Sender)) {
		g.log.Info("rejected message from untrusted sender",
			zap.Uint64("origin", msg.Origin),
			zap.Stringer("sender", msg.Sender),
		)
		return ErrUntrustedSender
	}

	appliedKey := g.appliedKey(msg.Origin, msg.Sender, msg.Nonce)
	if state.GetBool(stateDB, g.addr, appliedKey) {
		g.log.Debug("duplicate message", zap.Stringer("id", id), zap.Uint64("nonce", msg.Nonce))
		return ErrDuplicateMessage
	}

	handler, ok := g.handlers[msg.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessageKind, msg.Kind)
	}

	stale := false
	if msg.Kind.SlotScoped() {
		hwKey, setKey := g.highWaterKeys(msg)
		stale = state.GetBool(stateDB, g.addr, setKey) && msg.Nonce < state.GetUint64(stateDB, g.addr, hwKey)
	}
	if stale {
		g.log.Debug("stale message for slot",
			zap.Stringer("id", id),
			zap.Stringer("user", msg.User),
			zap.Stringer("token", msg.Token),
			zap.Uint64("nonce", msg.Nonce),
		)
		if handler, ok = g.stale[msg.Kind]; !ok {
			// Consumed so a redelivery reports as a duplicate.
			state.SetBool(stateDB, g.addr, appliedKey, true)
			return ErrStaleMessage
		}
	}

	snap := stateDB.Snapshot()
	if err := handler.HandleMessage(stateDB, msg); err != nil {
		stateDB.RevertToSnapshot(snap)
		g.log.Warn("message handler failed",
			zap.Stringer("id", id),
			zap.Stringer("kind", msg.Kind),
			zap.Error(err),
		)
		return err
	}

	state.SetBool(stateDB, g.addr, appliedKey, true)
	if msg.Kind.SlotScoped() && !stale {
		hwKey, setKey := g.highWaterKeys(msg)
		state.SetUint64(stateDB, g.addr, hwKey, msg.Nonce)
		state.SetBool(stateDB, g.addr, setKey, true)
	}
	if err := warp.EmitEvent(stateDB, g.addr, warp.EventMessageAdmitted,
		common.Hash(id), msg.Origin, msg.Sender, msg.Nonce); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	g.log.Debug("message admitted",
		zap.Stringer("id", id),
		zap.Stringer("kind", msg.Kind),
		zap.Uint64("origin", msg.Origin),
		zap.Uint64("nonce", msg.Nonce),
	)
	return nil
}

func (g *Gate) trustKey(origin uint64, sender common.Address) common.Hash {
	return state.Key(trustPrefix, state.Uint64Bytes(origin), sender.Bytes())
}

func (g *Gate) appliedKey(origin uint64, sender common.Address, nonce uint64) common.Hash {
	return state.Key(appliedPrefix, state.Uint64Bytes(origin), sender.Bytes(), state.Uint64Bytes(nonce))
}

func (g *Gate) highWaterKeys(msg *warp.Message) (common.Hash, common.Hash) {
	parts := [][]byte{state.Uint64Bytes(msg.Origin), msg.Sender.Bytes(), msg.User.Bytes(), msg.Token.Bytes()}
	return state.Key(highWaterPrefix, parts...), state.Key(highWaterSet, parts...)
}
