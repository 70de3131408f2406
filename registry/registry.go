// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package registry

import (
	"fmt"

	"github.com/luxfi/geth/common"
)

// ============================================================================
// COMPONENT ADDRESS SCHEME
// ============================================================================
//
// Credit components use trailing-significant 20-byte addresses in the
// LP-9xxx markets page:
//   Format: 0x00000000000000000000000000000000000093RI
//
//   R nibble = role (1 = master ledger side, 2 = pools, 3 = assets,
//              4 = satellite side)
//   I nibble = item within the role
//
// Example: PaymentAuthorizer = role 1, item 2 = 0x...9312

const (
	// =========================================================================
	// MASTER (role 1)
	// =========================================================================
	CreditLedgerAddress       = "0x0000000000000000000000000000000000009310"
	DebtLedgerAddress         = "0x0000000000000000000000000000000000009311"
	PaymentAuthorizerAddress  = "0x0000000000000000000000000000000000009312"
	LiquidationMonitorAddress = "0x0000000000000000000000000000000000009313"
	MasterGateAddress         = "0x0000000000000000000000000000000000009314"
	CreditContractAddress     = "0x0000000000000000000000000000000000009315"

	// =========================================================================
	// POOLS (role 2)
	// =========================================================================
	FundingPoolAddress   = "0x0000000000000000000000000000000000009320"
	InsurancePoolAddress = "0x0000000000000000000000000000000000009321"

	// =========================================================================
	// ASSETS (role 3)
	// =========================================================================
	TokenLedgerAddress = "0x0000000000000000000000000000000000009330"

	// =========================================================================
	// SATELLITE (role 4)
	// =========================================================================
	CollateralRegistryAddress = "0x0000000000000000000000000000000000009340"
	SatelliteGateAddress      = "0x0000000000000000000000000000000000009341"
)

// ComponentAddress derives the address for role r and item i.
// Returns the zero address when either nibble is out of range.
func ComponentAddress(r, i uint8) common.Address {
	if r > 15 || i > 15 {
		return common.Address{}
	}
	return common.HexToAddress(fmt.Sprintf("0x00000000000000000000000000000000000093%x%x", r, i))
}

// Role of a chain in a deployment.
type Role uint8

const (
	RoleSatellite Role = iota
	RoleMaster
)

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "satellite"
}

// ChainInfo describes a network the protocol is deployed to.
type ChainInfo struct {
	Name     string
	ChainID  uint64
	Selector uint64 // cross-chain routing selector
	Role     Role
}

// Known networks. Avalanche Fuji hosts the ledgers; the others hold
// collateral.
const (
	AvalancheFuji   = "avalancheFuji"
	PolygonAmoy     = "polygonAmoy"
	EthereumSepolia = "ethereumSepolia"
	BaseSepolia     = "baseSepolia"
)

// AllChains lists every supported network.
var AllChains = []ChainInfo{
	{AvalancheFuji, 43113, 14767482510784806043, RoleMaster},
	{PolygonAmoy, 80002, 16281711391670634445, RoleSatellite},
	{EthereumSepolia, 11155111, 16015286601757825753, RoleSatellite},
	{BaseSepolia, 84532, 10344971235874465080, RoleSatellite},
}

// GetChain returns the network by name.
func GetChain(name string) (ChainInfo, bool) {
	for _, c := range AllChains {
		if c.Name == name {
			return c, true
		}
	}
	return ChainInfo{}, false
}

// ChainBySelector returns the network with the given routing selector.
func ChainBySelector(selector uint64) (ChainInfo, bool) {
	for _, c := range AllChains {
		if c.Selector == selector {
			return c, true
		}
	}
	return ChainInfo{}, false
}

// MasterChain returns the network hosting the ledgers.
func MasterChain() ChainInfo {
	for _, c := range AllChains {
		if c.Role == RoleMaster {
			return c
		}
	}
	return ChainInfo{}
}

// SatelliteChains returns every collateral network.
func SatelliteChains() []ChainInfo {
	var result []ChainInfo
	for _, c := range AllChains {
		if c.Role == RoleSatellite {
			result = append(result, c)
		}
	}
	return result
}

// ComponentInfo contains metadata about a component
type ComponentInfo struct {
	Address string
	Name    string
	Role    Role
}

// AllComponents lists the deployable components and the chain role they
// run on.
var AllComponents = []ComponentInfo{
	{CreditLedgerAddress, "CREDIT_LEDGER", RoleMaster},
	{DebtLedgerAddress, "DEBT_LEDGER", RoleMaster},
	{PaymentAuthorizerAddress, "PAYMENT_AUTHORIZER", RoleMaster},
	{LiquidationMonitorAddress, "LIQUIDATION_MONITOR", RoleMaster},
	{MasterGateAddress, "MASTER_GATE", RoleMaster},
	{CreditContractAddress, "CREDIT_CONTRACT", RoleMaster},
	{CollateralRegistryAddress, "COLLATERAL_REGISTRY", RoleSatellite},
	{SatelliteGateAddress, "SATELLITE_GATE", RoleSatellite},
}

// GetComponentAddress returns the address for a component by name
func GetComponentAddress(name string) common.Address {
	for _, c := range AllComponents {
		if c.Name == name {
			return common.HexToAddress(c.Address)
		}
	}
	return common.Address{}
}

// GetRoleComponents returns all component addresses for a chain role
func GetRoleComponents(role Role) []common.Address {
	var result []common.Address
	for _, c := range AllComponents {
		if c.Role == role {
			result = append(result, common.HexToAddress(c.Address))
		}
	}
	return result
}
