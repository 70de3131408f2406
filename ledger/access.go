// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"github.com/luxfi/geth/common"
)

// AuthorizedCallers lists which components may invoke each mutating ledger
// operation. It is fixed when the ledgers are constructed.
type AuthorizedCallers struct {
	// CollateralUpdaters may call CreditLedger.ApplyCollateralUpdate.
	CollateralUpdaters []common.Address
	// DebtIncreasers may call DebtLedger.IncreaseDebt.
	DebtIncreasers []common.Address
	// DebtDecreasers may call DebtLedger.DecreaseDebt.
	DebtDecreasers []common.Address
}

// callerSet is an immutable membership set.
type callerSet map[common.Address]struct{}

func newCallerSet(addrs []common.Address) callerSet {
	s := make(callerSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s callerSet) allows(caller common.Address) bool {
	_, ok := s[caller]
	return ok
}
