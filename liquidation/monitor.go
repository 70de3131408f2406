// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidation

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/crypto"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/luxfi/log/level"
	"go.uber.org/zap"

	"github.com/luxfi/bnpl/ledger"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/warp"
)

var (
	ErrLiquidationInProgress = errors.New("liquidation in progress")
	ErrResidualShortfall     = errors.New("residual shortfall after liquidation")
	ErrNoRegistry            = errors.New("no collateral registry for origin chain")
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrNoActiveLiquidation   = errors.New("no active liquidation")
	ErrAbortNotAllowed       = errors.New("liquidation cannot be aborted yet")
)

// Storage key prefixes for monitor state. Position keys take the user,
// record keys take the liquidation id.
var (
	liqStatusPrefix    = []byte("liq/status")
	liqIDPrefix        = []byte("liq/id")
	liqShortfallPrefix = []byte("liq/shortfall")

	recUserPrefix        = []byte("liq/rec/user")
	recPhasePrefix       = []byte("liq/rec/phase")
	recOutstandingPrefix = []byte("liq/rec/outstanding")
	recStartDebtPrefix   = []byte("liq/rec/startdebt")
	recTargetPrefix      = []byte("liq/rec/target")
	recSeizedPrefix      = []byte("liq/rec/seized")
	recRepaidPrefix      = []byte("liq/rec/repaid")
	recShortfallPrefix   = []byte("liq/rec/shortfall")
	recStartBlockPrefix  = []byte("liq/rec/startblock")
	recClosedBlockPrefix = []byte("liq/rec/closedblock")

	liqCounterKey = state.Key([]byte("liq/counter"))
	liqNonceKey   = state.Key([]byte("liq/nonce"))
	liqHistoryKey = state.Key([]byte("liq/history"))
)

// phase is the lifecycle of one liquidation record.
type phase uint8

const (
	phaseNone phase = iota
	phaseActive
	phaseSettled
	phaseAborted
)

// CreditView is the read side of the credit ledger used to size seizures.
type CreditView interface {
	GetCreditLimit(stateDB state.StateDB, user common.Address) *big.Int
	GetAggregateCollateral(stateDB state.StateDB, user common.Address) *big.Int
	GetSlotValue(stateDB state.StateDB, user common.Address, origin uint64, token common.Address) *big.Int
	Slots(stateDB state.StateDB, user common.Address) []ledger.Slot
	Users(stateDB state.StateDB) []common.Address
}

// DebtBook is the debt ledger as seen by the monitor.
type DebtBook interface {
	GetDebt(stateDB state.StateDB, user common.Address) *big.Int
	DecreaseDebt(stateDB state.StateDB, caller, user common.Address, amount *big.Int) error
}

// Outbound queues instructions for delivery to a satellite chain.
type Outbound interface {
	Enqueue(dest uint64, receiver common.Address, payload []byte) error
}

// Registry locates the collateral registry on one satellite chain.
type Registry struct {
	// Address receives seize instructions.
	Address common.Address
	// Recipient receives seized collateral on that chain.
	Recipient common.Address
}

// Config holds liquidation parameters.
type Config struct {
	// Bonus is extra collateral seized on top of the debt, scaled by WAD
	// (0.05e18 = 5%). Zero by default.
	Bonus *big.Int
	// Registries maps an origin chain selector to its registry.
	Registries map[uint64]Registry
	// Admin may abort an in-flight liquidation at any time.
	Admin common.Address
	// Timeout is the number of blocks after which anyone may abort an
	// in-flight liquidation. Zero disables the timeout.
	Timeout uint64
}

// DefaultConfig returns a zero-bonus configuration with no registries.
func DefaultConfig() Config {
	return Config{
		Bonus:      new(big.Int),
		Registries: make(map[uint64]Registry),
	}
}

// Event records a closed liquidation.
type Event struct {
	User         common.Address
	ID           common.Hash
	StartingDebt *big.Int
	Target       *big.Int
	SeizedUSD    *big.Int
	DebtRepaid   *big.Int
	Shortfall    *big.Int
	StartBlock   uint64
	// SettledBlock is the block the liquidation settled or was aborted.
	SettledBlock uint64
	// Aborted liquidations never settled; receipts arriving later still
	// reduce debt and are reflected in SeizedUSD and DebtRepaid.
	Aborted bool
}

// Monitor detects positions whose debt exceeds their credit limit and
// resolves them by seizing collateral on the satellite chains.
type Monitor struct {
	mu sync.Mutex

	addr   common.Address
	credit CreditView
	debt   DebtBook
	out    Outbound
	config Config

	log log.Logger
}

// NewMonitor wires a monitor. addr must be an authorized debt decreaser.
func NewMonitor(addr common.Address, credit CreditView, debt DebtBook, out Outbound, config Config, logger log.Logger) (*Monitor, error) {
	if config.Bonus == nil {
		config.Bonus = new(big.Int)
	}
	if config.Bonus.Sign() < 0 || config.Bonus.Cmp(ledger.WAD) > 0 {
		return nil, fmt.Errorf("%w: bonus %s", ErrInvalidParameter, config.Bonus)
	}
	if config.Registries == nil {
		config.Registries = make(map[uint64]Registry)
	}
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}
	return &Monitor{
		addr:   addr,
		credit: credit,
		debt:   debt,
		out:    out,
		config: config,
		log:    logger,
	}, nil
}

// Address returns the identity the monitor presents to the debt ledger and
// as the sender of seize instructions.
func (m *Monitor) Address() common.Address {
	return m.addr
}

// =========================================================================
// Core Liquidation Functions
// =========================================================================

// CheckAndLiquidate evaluates the user's position and starts a liquidation
// when debt exceeds the credit limit.
func (m *Monitor) CheckAndLiquidate(stateDB state.StateDB, user common.Address) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := m.status(stateDB, user)
	if status == StatusLiquidating {
		return status, ErrLiquidationInProgress
	}

	debt := m.debt.GetDebt(stateDB, user)
	limit := m.credit.GetCreditLimit(stateDB, user)
	if debt.Cmp(limit) <= 0 {
		if status != StatusHealthy {
			m.setStatus(stateDB, user, StatusHealthy)
			state.SetBig(stateDB, m.addr, m.key(liqShortfallPrefix, user), new(big.Int))
		}
		return StatusHealthy, nil
	}

	m.log.Info("position unhealthy",
		zap.Stringer("user", user),
		zap.Stringer("debt", debt),
		zap.Stringer("limit", limit),
	)

	if m.credit.GetAggregateCollateral(stateDB, user).Sign() == 0 {
		m.recordShortfall(stateDB, user, debt)
		return StatusPartiallyLiquidated, ErrResidualShortfall
	}
	return m.start(stateDB, user, debt)
}

// start allocates the seizure target across the user's slots and queues
// one instruction per slot.
func (m *Monitor) start(stateDB state.StateDB, user common.Address, debt *big.Int) (Status, error) {
	snap := stateDB.Snapshot()

	counter := state.GetUint64(stateDB, m.addr, liqCounterKey)
	state.SetUint64(stateDB, m.addr, liqCounterKey, counter+1)
	id := common.BytesToHash(crypto.Keccak256(m.addr.Bytes(), user.Bytes(), state.Uint64Bytes(counter)))

	target := new(big.Int).Add(ledger.WAD, m.config.Bonus)
	target.Mul(target, debt)
	target.Div(target, ledger.WAD)

	type instruction struct {
		dest     uint64
		receiver common.Address
		payload  []byte
	}
	var (
		instrs    []instruction
		remaining = new(big.Int).Set(target)
	)
	for _, slot := range m.credit.Slots(stateDB, user) {
		if remaining.Sign() == 0 {
			break
		}
		value := m.credit.GetSlotValue(stateDB, user, slot.Origin, slot.Token)
		if value.Sign() == 0 {
			continue
		}
		reg, ok := m.config.Registries[slot.Origin]
		if !ok {
			m.log.Warn("collateral on chain without registry",
				zap.Stringer("user", user),
				zap.Uint64("origin", slot.Origin),
			)
			continue
		}
		amount := value
		if amount.Cmp(remaining) > 0 {
			amount = new(big.Int).Set(remaining)
		}
		remaining.Sub(remaining, amount)

		nonce := state.GetUint64(stateDB, m.addr, liqNonceKey) + 1
		state.SetUint64(stateDB, m.addr, liqNonceKey, nonce)
		payload, err := warp.Encode(&warp.Message{
			Kind:          warp.KindSeizeCollateral,
			User:          user,
			Token:         slot.Token,
			USDValue:      amount,
			LiquidationID: id,
			Nonce:         nonce,
			Recipient:     reg.Recipient,
		})
		if err != nil {
			stateDB.RevertToSnapshot(snap)
			return StatusUnhealthy, err
		}
		instrs = append(instrs, instruction{slot.Origin, reg.Address, payload})
	}

	if len(instrs) == 0 {
		stateDB.RevertToSnapshot(snap)
		m.setStatus(stateDB, user, StatusUnhealthy)
		return StatusUnhealthy, ErrNoRegistry
	}

	m.setStatus(stateDB, user, StatusLiquidating)
	stateDB.SetState(m.addr, m.key(liqIDPrefix, user), id)
	state.SetAddress(stateDB, m.addr, m.recKey(recUserPrefix, id), user)
	m.setPhase(stateDB, id, phaseActive)
	state.SetUint64(stateDB, m.addr, m.recKey(recOutstandingPrefix, id), uint64(len(instrs)))
	state.SetBig(stateDB, m.addr, m.recKey(recStartDebtPrefix, id), debt)
	state.SetBig(stateDB, m.addr, m.recKey(recTargetPrefix, id), target)
	state.SetUint64(stateDB, m.addr, m.recKey(recStartBlockPrefix, id), stateDB.GetBlockNumber())

	if err := warp.EmitEvent(stateDB, m.addr, warp.EventLiquidationStarted, user, id, new(big.Int).Set(debt), new(big.Int).Set(target)); err != nil {
		stateDB.RevertToSnapshot(snap)
		return StatusUnhealthy, err
	}

	// Queued last: state above is complete before anything leaves the chain.
	for _, in := range instrs {
		if err := m.out.Enqueue(in.dest, in.receiver, in.payload); err != nil {
			stateDB.RevertToSnapshot(snap)
			return StatusUnhealthy, fmt.Errorf("queue seize instruction: %w", err)
		}
	}

	m.log.Info("liquidation started",
		zap.Stringer("user", user),
		zap.Stringer("id", id),
		zap.Stringer("target", target),
		zap.Int("instructions", len(instrs)),
	)
	return StatusLiquidating, nil
}

// HandleSeizureReceipt applies a satellite's confirmation of a seizure:
// the debt falls by the seized value net of bonus, and once every
// instruction is confirmed the liquidation settles. Receipts for an
// aborted liquidation still reduce debt.
func (m *Monitor) HandleSeizureReceipt(stateDB state.StateDB, msg *warp.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, user := msg.LiquidationID, msg.User
	ph := m.phase(stateDB, id)
	if ph == phaseNone || ph == phaseSettled ||
		state.GetAddress(stateDB, m.addr, m.recKey(recUserPrefix, id)) != user {
		m.log.Warn("receipt for unknown liquidation",
			zap.Stringer("user", user),
			zap.Stringer("id", id),
		)
		return nil
	}

	seized, repaid, err := m.applySeizure(stateDB, id, user, msg.SeizedUSD)
	if err != nil {
		return err
	}

	outstandingKey := m.recKey(recOutstandingPrefix, id)
	outstanding := state.GetUint64(stateDB, m.addr, outstandingKey)
	if outstanding > 0 {
		outstanding--
	}
	state.SetUint64(stateDB, m.addr, outstandingKey, outstanding)

	if ph == phaseAborted {
		m.log.Info("late receipt for aborted liquidation",
			zap.Stringer("user", user),
			zap.Stringer("id", id),
			zap.Stringer("seized", seized),
			zap.Stringer("repaid", repaid),
		)
		return nil
	}
	if outstanding > 0 {
		return nil
	}
	return m.settle(stateDB, user, id, seized)
}

// applySeizure adds seizedUSD to the record and decreases the debt by the
// newly covered amount. Debt covered so far is seized / (1 + bonus),
// capped at the starting debt, computed cumulatively so per-receipt
// rounding cannot leak.
func (m *Monitor) applySeizure(stateDB state.StateDB, id common.Hash, user common.Address, seizedUSD *big.Int) (*big.Int, *big.Int, error) {
	seized := state.GetBig(stateDB, m.addr, m.recKey(recSeizedPrefix, id))
	if seizedUSD != nil {
		seized.Add(seized, seizedUSD)
	}
	state.SetBig(stateDB, m.addr, m.recKey(recSeizedPrefix, id), seized)

	covered := new(big.Int).Mul(seized, ledger.WAD)
	covered.Div(covered, new(big.Int).Add(ledger.WAD, m.config.Bonus))
	startDebt := state.GetBig(stateDB, m.addr, m.recKey(recStartDebtPrefix, id))
	if covered.Cmp(startDebt) > 0 {
		covered = startDebt
	}
	repaid := state.GetBig(stateDB, m.addr, m.recKey(recRepaidPrefix, id))
	delta := new(big.Int).Sub(covered, repaid)
	if current := m.debt.GetDebt(stateDB, user); delta.Cmp(current) > 0 {
		delta = current
	}
	if delta.Sign() > 0 {
		if err := m.debt.DecreaseDebt(stateDB, m.addr, user, delta); err != nil {
			return nil, nil, fmt.Errorf("apply seizure: %w", err)
		}
		repaid.Add(repaid, delta)
		state.SetBig(stateDB, m.addr, m.recKey(recRepaidPrefix, id), repaid)
	}
	return seized, repaid, nil
}

func (m *Monitor) settle(stateDB state.StateDB, user common.Address, id common.Hash, seized *big.Int) error {
	remaining := m.debt.GetDebt(stateDB, user)
	target := state.GetBig(stateDB, m.addr, m.recKey(recTargetPrefix, id))
	shortfall := new(big.Int)

	switch {
	case remaining.Sign() == 0 || seized.Cmp(target) >= 0:
		// Target met. Any debt left was added during the liquidation and is
		// judged against the limit by the next check.
		m.setStatus(stateDB, user, StatusHealthy)
		state.SetBig(stateDB, m.addr, m.key(liqShortfallPrefix, user), new(big.Int))
	default:
		shortfall.Set(remaining)
		m.recordShortfall(stateDB, user, remaining)
	}

	m.setPhase(stateDB, id, phaseSettled)
	state.SetBig(stateDB, m.addr, m.recKey(recShortfallPrefix, id), shortfall)
	state.SetUint64(stateDB, m.addr, m.recKey(recClosedBlockPrefix, id), stateDB.GetBlockNumber())
	m.appendHistory(stateDB, id)

	if err := warp.EmitEvent(stateDB, m.addr, warp.EventLiquidationSettled, user, id, new(big.Int).Set(seized), shortfall); err != nil {
		return err
	}

	m.log.Info("liquidation settled",
		zap.Stringer("user", user),
		zap.Stringer("id", id),
		zap.Stringer("seized", seized),
		zap.Stringer("shortfall", shortfall),
	)
	return nil
}

// AbortLiquidation gives up on the user's in-flight liquidation, for when
// a seize instruction was rejected on its satellite and no receipt will
// come. The admin may abort at any time; any caller may once Timeout
// blocks have passed since the start. The position returns to UNHEALTHY
// and the next check starts a fresh liquidation.
func (m *Monitor) AbortLiquidation(stateDB state.StateDB, caller, user common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status(stateDB, user) != StatusLiquidating {
		return ErrNoActiveLiquidation
	}
	id := stateDB.GetState(m.addr, m.key(liqIDPrefix, user))
	isAdmin := m.config.Admin != (common.Address{}) && caller == m.config.Admin
	if !isAdmin && !m.expired(stateDB, id) {
		return ErrAbortNotAllowed
	}

	snap := stateDB.Snapshot()
	outstanding := state.GetUint64(stateDB, m.addr, m.recKey(recOutstandingPrefix, id))
	m.setPhase(stateDB, id, phaseAborted)
	state.SetUint64(stateDB, m.addr, m.recKey(recClosedBlockPrefix, id), stateDB.GetBlockNumber())
	m.setStatus(stateDB, user, StatusUnhealthy)
	m.appendHistory(stateDB, id)

	if err := warp.EmitEvent(stateDB, m.addr, warp.EventLiquidationAborted, user, id, outstanding); err != nil {
		stateDB.RevertToSnapshot(snap)
		return err
	}

	m.log.Warn("liquidation aborted",
		zap.Stringer("user", user),
		zap.Stringer("id", id),
		zap.Stringer("caller", caller),
		zap.Uint64("outstanding", outstanding),
	)
	return nil
}

// Expired reports whether the user's in-flight liquidation has passed its
// timeout.
func (m *Monitor) Expired(stateDB state.StateDB, user common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status(stateDB, user) != StatusLiquidating {
		return false
	}
	return m.expired(stateDB, stateDB.GetState(m.addr, m.key(liqIDPrefix, user)))
}

func (m *Monitor) expired(stateDB state.StateDB, id common.Hash) bool {
	if m.config.Timeout == 0 {
		return false
	}
	started := state.GetUint64(stateDB, m.addr, m.recKey(recStartBlockPrefix, id))
	return stateDB.GetBlockNumber() >= started+m.config.Timeout
}

// recordShortfall moves the position to PARTIALLY_LIQUIDATED and surfaces
// the uncovered debt.
func (m *Monitor) recordShortfall(stateDB state.StateDB, user common.Address, shortfall *big.Int) {
	m.setStatus(stateDB, user, StatusPartiallyLiquidated)
	state.SetBig(stateDB, m.addr, m.key(liqShortfallPrefix, user), shortfall)
	m.log.Warn("residual shortfall",
		zap.Stringer("user", user),
		zap.Stringer("shortfall", shortfall),
	)
}

// =========================================================================
// View Functions
// =========================================================================

// Status returns the user's liquidation state. A position that is not
// being liquidated but has debt above its limit reports UNHEALTHY.
func (m *Monitor) Status(stateDB state.StateDB, user common.Address) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.status(stateDB, user)
	if s == StatusHealthy && m.debt.GetDebt(stateDB, user).Cmp(m.credit.GetCreditLimit(stateDB, user)) > 0 {
		return StatusUnhealthy
	}
	return s
}

// Shortfall returns the debt a finished liquidation could not cover.
func (m *Monitor) Shortfall(stateDB state.StateDB, user common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return state.GetBig(stateDB, m.addr, m.key(liqShortfallPrefix, user))
}

// ActiveLiquidation returns the id of the user's in-flight liquidation.
func (m *Monitor) ActiveLiquidation(stateDB state.StateDB, user common.Address) (common.Hash, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status(stateDB, user) != StatusLiquidating {
		return common.Hash{}, false
	}
	return stateDB.GetState(m.addr, m.key(liqIDPrefix, user)), true
}

// GetLiquidationHistory returns up to limit most recent closed
// liquidations, newest last. A non-positive limit returns all of them.
func (m *Monitor) GetLiquidationHistory(stateDB state.StateDB, limit int) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := state.GetUint64(stateDB, m.addr, liqHistoryKey)
	if limit <= 0 || uint64(limit) > n {
		limit = int(n)
	}
	result := make([]*Event, 0, limit)
	for i := n - uint64(limit); i < n; i++ {
		id := stateDB.GetState(m.addr, state.Offset(liqHistoryKey, i))
		result = append(result, m.record(stateDB, id))
	}
	return result
}

// =========================================================================
// Internal
// =========================================================================

func (m *Monitor) key(prefix []byte, user common.Address) common.Hash {
	return state.Key(prefix, user.Bytes())
}

func (m *Monitor) recKey(prefix []byte, id common.Hash) common.Hash {
	return state.Key(prefix, id.Bytes())
}

func (m *Monitor) phase(stateDB state.StateDB, id common.Hash) phase {
	return phase(state.GetUint64(stateDB, m.addr, m.recKey(recPhasePrefix, id)))
}

func (m *Monitor) setPhase(stateDB state.StateDB, id common.Hash, p phase) {
	state.SetUint64(stateDB, m.addr, m.recKey(recPhasePrefix, id), uint64(p))
}

func (m *Monitor) appendHistory(stateDB state.StateDB, id common.Hash) {
	n := state.GetUint64(stateDB, m.addr, liqHistoryKey)
	stateDB.SetState(m.addr, state.Offset(liqHistoryKey, n), id)
	state.SetUint64(stateDB, m.addr, liqHistoryKey, n+1)
}

func (m *Monitor) record(stateDB state.StateDB, id common.Hash) *Event {
	return &Event{
		User:         state.GetAddress(stateDB, m.addr, m.recKey(recUserPrefix, id)),
		ID:           id,
		StartingDebt: state.GetBig(stateDB, m.addr, m.recKey(recStartDebtPrefix, id)),
		Target:       state.GetBig(stateDB, m.addr, m.recKey(recTargetPrefix, id)),
		SeizedUSD:    state.GetBig(stateDB, m.addr, m.recKey(recSeizedPrefix, id)),
		DebtRepaid:   state.GetBig(stateDB, m.addr, m.recKey(recRepaidPrefix, id)),
		Shortfall:    state.GetBig(stateDB, m.addr, m.recKey(recShortfallPrefix, id)),
		StartBlock:   state.GetUint64(stateDB, m.addr, m.recKey(recStartBlockPrefix, id)),
		SettledBlock: state.GetUint64(stateDB, m.addr, m.recKey(recClosedBlockPrefix, id)),
		Aborted:      m.phase(stateDB, id) == phaseAborted,
	}
}

func (m *Monitor) status(stateDB state.StateDB, user common.Address) Status {
	return Status(state.GetUint64(stateDB, m.addr, m.key(liqStatusPrefix, user)))
}

func (m *Monitor) setStatus(stateDB state.StateDB, user common.Address, s Status) {
	state.SetUint64(stateDB, m.addr, m.key(liqStatusPrefix, user), uint64(s))
}
