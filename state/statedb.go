// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state defines the per-chain storage surface every credit component
// executes against, plus a journaled in-memory implementation.
package state

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	ethtypes "github.com/luxfi/geth/core/types"
)

// StateDB is the transactional storage of a single chain. All persistent
// protocol state lives here so that a reverted call leaves no trace.
type StateDB interface {
	GetState(addr common.Address, key common.Hash) common.Hash
	SetState(addr common.Address, key common.Hash, value common.Hash)
	GetBalance(addr common.Address) *uint256.Int
	AddBalance(addr common.Address, amount *uint256.Int)
	SubBalance(addr common.Address, amount *uint256.Int)
	AddLog(log *ethtypes.Log)
	Snapshot() int
	RevertToSnapshot(id int)
	GetBlockNumber() uint64
}

type journalEntry interface {
	revert(db *MemoryStateDB)
}

type storageChange struct {
	addr    common.Address
	key     common.Hash
	prev    common.Hash
	existed bool
}

func (c storageChange) revert(db *MemoryStateDB) {
	if !c.existed {
		delete(db.storage[c.addr], c.key)
		return
	}
	db.storage[c.addr][c.key] = c.prev
}

type balanceChange struct {
	addr common.Address
	prev *uint256.Int
}

func (c balanceChange) revert(db *MemoryStateDB) {
	if c.prev == nil {
		delete(db.balances, c.addr)
		return
	}
	db.balances[c.addr] = c.prev
}

type logChange struct{}

func (logChange) revert(db *MemoryStateDB) {
	db.logs = db.logs[:len(db.logs)-1]
}

// MemoryStateDB is a StateDB backed by maps with a revertible journal.
// Single calls are safe for concurrent use. Snapshots are not isolated
// between callers, so transactions go through an Executor.
type MemoryStateDB struct {
	mu sync.Mutex

	storage  map[common.Address]map[common.Hash]common.Hash
	balances map[common.Address]*uint256.Int
	logs     []*ethtypes.Log

	journal   []journalEntry
	snapshots []int

	blockNumber uint64
}

// NewMemoryStateDB returns an empty state at block 0.
func NewMemoryStateDB() *MemoryStateDB {
	return &MemoryStateDB{
		storage:  make(map[common.Address]map[common.Hash]common.Hash),
		balances: make(map[common.Address]*uint256.Int),
		logs:     make([]*ethtypes.Log, 0),
	}
}

func (m *MemoryStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storage[addr] == nil {
		return common.Hash{}
	}
	return m.storage[addr][key]
}

func (m *MemoryStateDB) SetState(addr common.Address, key common.Hash, value common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storage[addr] == nil {
		m.storage[addr] = make(map[common.Hash]common.Hash)
	}
	prev, existed := m.storage[addr][key]
	m.journal = append(m.journal, storageChange{addr: addr, key: key, prev: prev, existed: existed})
	m.storage[addr][key] = value
}

func (m *MemoryStateDB) GetBalance(addr common.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bal, ok := m.balances[addr]; ok {
		return bal.Clone()
	}
	return uint256.NewInt(0)
}

func (m *MemoryStateDB) AddBalance(addr common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.balances[addr]
	m.journal = append(m.journal, balanceChange{addr: addr, prev: prev})
	if prev == nil {
		m.balances[addr] = amount.Clone()
		return
	}
	m.balances[addr] = new(uint256.Int).Add(prev, amount)
}

// SubBalance wraps on underflow like the EVM; callers check the balance first.
func (m *MemoryStateDB) SubBalance(addr common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.balances[addr]
	m.journal = append(m.journal, balanceChange{addr: addr, prev: prev})
	base := prev
	if base == nil {
		base = uint256.NewInt(0)
	}
	m.balances[addr] = new(uint256.Int).Sub(base, amount)
}

func (m *MemoryStateDB) AddLog(log *ethtypes.Log) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.BlockNumber = m.blockNumber
	log.Index = uint(len(m.logs))
	m.logs = append(m.logs, log)
	m.journal = append(m.journal, logChange{})
}

// Logs returns the logs emitted so far.
func (m *MemoryStateDB) Logs() []*ethtypes.Log {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ethtypes.Log, len(m.logs))
	copy(out, m.logs)
	return out
}

// Snapshot returns an identifier for the current revision of the state.
func (m *MemoryStateDB) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = append(m.snapshots, len(m.journal))
	return len(m.snapshots) - 1
}

// RevertToSnapshot undoes every change made since the snapshot was taken.
// Snapshots taken after id are invalidated.
func (m *MemoryStateDB) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 0 || id >= len(m.snapshots) {
		return
	}
	mark := m.snapshots[id]
	for i := len(m.journal) - 1; i >= mark; i-- {
		m.journal[i].revert(m)
	}
	m.journal = m.journal[:mark]
	m.snapshots = m.snapshots[:id]
}

func (m *MemoryStateDB) GetBlockNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockNumber
}

// SetBlockNumber moves the chain head. Used by tests and simulations.
func (m *MemoryStateDB) SetBlockNumber(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockNumber = n
}

// Commit discards the journal, making all changes permanent.
func (m *MemoryStateDB) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.journal = m.journal[:0]
	m.snapshots = m.snapshots[:0]
}
