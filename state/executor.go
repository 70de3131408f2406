// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import "sync"

// Committer is a StateDB that can make its journal permanent.
type Committer interface {
	Commit()
}

// Executor runs transactions against one chain's StateDB one at a time.
// A revert inside a transaction only ever undoes that transaction's writes.
type Executor struct {
	mu sync.Mutex
	db StateDB
}

// NewExecutor returns an executor for db.
func NewExecutor(db StateDB) *Executor {
	return &Executor{db: db}
}

// Execute runs fn as one transaction. The journal is committed afterwards
// whether or not fn failed; fn reverts its own partial writes.
func (e *Executor) Execute(fn func(StateDB) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := fn(e.db)
	if c, ok := e.db.(Committer); ok {
		c.Commit()
	}
	return err
}
