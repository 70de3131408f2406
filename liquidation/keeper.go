// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package liquidation

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/geth/common"
	"go.uber.org/zap"

	"github.com/luxfi/bnpl/state"
)

// Executor runs fn as one serialized transaction on the monitor's chain.
type Executor interface {
	Execute(fn func(state.StateDB) error) error
}

// SweepResult is the outcome of checking one position.
type SweepResult struct {
	User   common.Address
	Status Status
	Err    error
}

// Sweep runs CheckAndLiquidate over every user known to the credit ledger.
// Liquidations still in flight are skipped, or aborted once past their
// timeout; an aborted position is picked up again by the next sweep.
// Errors are collected per user and do not stop the sweep.
func (m *Monitor) Sweep(stateDB state.StateDB) []SweepResult {
	users := m.credit.Users(stateDB)
	results := make([]SweepResult, 0, len(users))
	for _, user := range users {
		status, err := m.CheckAndLiquidate(stateDB, user)
		if errors.Is(err, ErrLiquidationInProgress) {
			if !m.Expired(stateDB, user) {
				continue
			}
			err = m.AbortLiquidation(stateDB, m.addr, user)
			status = m.Status(stateDB, user)
		}
		results = append(results, SweepResult{User: user, Status: status, Err: err})
	}
	return results
}

// RunKeeper sweeps every interval until ctx is done. Each sweep is one
// transaction on exec.
func (m *Monitor) RunKeeper(ctx context.Context, exec Executor, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var results []SweepResult
			_ = exec.Execute(func(stateDB state.StateDB) error {
				results = m.Sweep(stateDB)
				return nil
			})
			for _, r := range results {
				if r.Err != nil {
					m.log.Debug("keeper check failed",
						zap.Stringer("user", r.User),
						zap.Stringer("status", r.Status),
						zap.Error(r.Err),
					)
				}
			}
		}
	}
}
