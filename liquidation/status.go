// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package liquidation watches credit positions and unwinds the ones whose
// debt exceeds their credit limit by seizing remote collateral.
package liquidation

// Status is the liquidation state of one user.
type Status uint8

const (
	StatusHealthy Status = iota
	StatusUnhealthy
	StatusLiquidating
	StatusPartiallyLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusUnhealthy:
		return "UNHEALTHY"
	case StatusLiquidating:
		return "LIQUIDATING"
	case StatusPartiallyLiquidated:
		return "PARTIALLY_LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}
