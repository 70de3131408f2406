// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package modules

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
)

// AddressRange represents a continuous range of addresses
type AddressRange struct {
	Start common.Address
	End   common.Address
}

// Contains returns true iff [addr] is contained within the (inclusive)
// range of addresses defined by [a].
func (a *AddressRange) Contains(addr common.Address) bool {
	addrBytes := addr.Bytes()
	return bytes.Compare(addrBytes, a.Start[:]) >= 0 && bytes.Compare(addrBytes, a.End[:]) <= 0
}

// BlackholeAddr is the address where assets are burned
var BlackholeAddr = common.Address{
	1, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Reserved address ranges for credit components
//
// 0x9310-0x931F: master ledgers, authorizer, monitor, gate
// 0x9320-0x932F: funding and insurance pools
// 0x9330-0x933F: asset ledgers
// 0x9340-0x934F: satellite registries and gates
var reservedRanges = []AddressRange{
	{
		Start: common.HexToAddress("0x0000000000000000000000000000000000009310"),
		End:   common.HexToAddress("0x000000000000000000000000000000000000931f"),
	},
	{
		Start: common.HexToAddress("0x0000000000000000000000000000000000009320"),
		End:   common.HexToAddress("0x000000000000000000000000000000000000932f"),
	},
	{
		Start: common.HexToAddress("0x0000000000000000000000000000000000009330"),
		End:   common.HexToAddress("0x000000000000000000000000000000000000933f"),
	},
	{
		Start: common.HexToAddress("0x0000000000000000000000000000000000009340"),
		End:   common.HexToAddress("0x000000000000000000000000000000000000934f"),
	},
}

// ReservedAddress returns true if [addr] is in a reserved range for credit
// components
func ReservedAddress(addr common.Address) bool {
	for _, reservedRange := range reservedRanges {
		if reservedRange.Contains(addr) {
			return true
		}
	}
	return false
}

// Module is a component deployed on one chain.
type Module struct {
	// Name must be unique within a chain
	Name    string
	Address common.Address
}

// Registry keeps the modules deployed on a single chain, sorted by address
// for deterministic iteration.
type Registry struct {
	mu      sync.RWMutex
	modules []Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make([]Module, 0)}
}

// Register adds a module. Addresses must sit in a reserved range and both
// name and address must be unused.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Address == BlackholeAddr {
		return fmt.Errorf("address %s overlaps with blackhole address", m.Address)
	}
	if !ReservedAddress(m.Address) {
		return fmt.Errorf("address %s not in a reserved range", m.Address)
	}

	for _, registered := range r.modules {
		if registered.Name == m.Name {
			return fmt.Errorf("name %s already used by a component", m.Name)
		}
		if registered.Address == m.Address {
			return fmt.Errorf("address %s already used by a component", m.Address)
		}
	}
	r.modules = insertSortedByAddress(r.modules, m)
	return nil
}

func (r *Registry) ByAddress(address common.Address) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.modules {
		if m.Address == address {
			return m, true
		}
	}
	return Module{}, false
}

func (r *Registry) ByName(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.modules {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}

// Modules returns a copy of the registered modules in address order.
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Module, len(r.modules))
	copy(out, r.modules)
	return out
}

func insertSortedByAddress(data []Module, m Module) []Module {
	data = append(data, m)
	sort.Slice(data, func(i, j int) bool {
		return bytes.Compare(data[i].Address[:], data[j].Address[:]) < 0
	})
	return data
}
