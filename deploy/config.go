// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/luxfi/geth/common"

	"github.com/luxfi/bnpl/ledger"
	"github.com/luxfi/bnpl/registry"
)

// DefaultLiquidationTimeout is the number of blocks after which a stuck
// liquidation may be aborted by anyone.
const DefaultLiquidationTimeout = 7200

var (
	ErrUnknownChain = errors.New("unknown chain")
	ErrWrongRole    = errors.New("chain has the wrong role")
	ErrInvalidField = errors.New("invalid config field")
)

// Config describes one deployment: which network hosts the ledgers, which
// hold collateral, and the protocol parameters.
type Config struct {
	Master     string   `json:"master"`
	Satellites []string `json:"satellites"`

	Admin common.Address `json:"admin"`

	// LTV scaled by 1e18. Nil means the ledger default.
	LTV *big.Int `json:"ltv,omitempty"`
	// LiquidationBonus scaled by 1e18.
	LiquidationBonus *big.Int `json:"liquidationBonus,omitempty"`
	// LiquidationTimeout in blocks; zero leaves aborting to the admin.
	LiquidationTimeout uint64 `json:"liquidationTimeout"`

	// FundingToken is the stablecoin merchants are paid in. FundingAmount
	// of it is minted into the funding pool at deployment.
	FundingToken  common.Address `json:"fundingToken"`
	FundingAmount *big.Int       `json:"fundingAmount,omitempty"`

	// PriceMaxAge is the oracle staleness bound in blocks; zero disables it.
	PriceMaxAge uint64 `json:"priceMaxAge"`
}

// DefaultConfig deploys the ledgers to Avalanche Fuji with every other
// known network as a satellite.
func DefaultConfig(admin common.Address) Config {
	config := Config{
		Master:             registry.MasterChain().Name,
		Admin:              admin,
		LTV:                new(big.Int).Set(ledger.DefaultLTV),
		LiquidationBonus:   new(big.Int),
		LiquidationTimeout: DefaultLiquidationTimeout,
		FundingAmount:      new(big.Int),
	}
	for _, c := range registry.SatelliteChains() {
		config.Satellites = append(config.Satellites, c.Name)
	}
	return config
}

// Verify checks the config is deployable.
func (c *Config) Verify() error {
	master, ok := registry.GetChain(c.Master)
	if !ok {
		return fmt.Errorf("%w: master %q", ErrUnknownChain, c.Master)
	}
	if master.Role != registry.RoleMaster {
		return fmt.Errorf("%w: %s is a %s", ErrWrongRole, master.Name, master.Role)
	}
	if len(c.Satellites) == 0 {
		return fmt.Errorf("%w: no satellites", ErrInvalidField)
	}
	seen := make(map[string]bool)
	for _, name := range c.Satellites {
		chain, ok := registry.GetChain(name)
		if !ok {
			return fmt.Errorf("%w: satellite %q", ErrUnknownChain, name)
		}
		if chain.Role != registry.RoleSatellite {
			return fmt.Errorf("%w: %s is a %s", ErrWrongRole, chain.Name, chain.Role)
		}
		if seen[name] {
			return fmt.Errorf("%w: satellite %s listed twice", ErrInvalidField, name)
		}
		seen[name] = true
	}
	if c.Admin == (common.Address{}) {
		return fmt.Errorf("%w: admin not set", ErrInvalidField)
	}
	if c.LTV != nil && (c.LTV.Sign() <= 0 || c.LTV.Cmp(ledger.WAD) > 0) {
		return fmt.Errorf("%w: ltv %s", ErrInvalidField, c.LTV)
	}
	if c.LiquidationBonus != nil && (c.LiquidationBonus.Sign() < 0 || c.LiquidationBonus.Cmp(ledger.WAD) > 0) {
		return fmt.Errorf("%w: liquidation bonus %s", ErrInvalidField, c.LiquidationBonus)
	}
	if c.FundingAmount != nil && c.FundingAmount.Sign() < 0 {
		return fmt.Errorf("%w: funding amount %s", ErrInvalidField, c.FundingAmount)
	}
	return nil
}

// LoadConfig reads a JSON config from path and verifies it.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Verify(); err != nil {
		return Config{}, err
	}
	return config, nil
}
