// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"encoding/binary"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/zeebo/blake3"
)

// Key derives a storage slot from a prefix and any number of id components.
func Key(prefix []byte, parts ...[]byte) common.Hash {
	h := blake3.New()
	h.Write(prefix)
	for _, p := range parts {
		h.Write(p)
	}
	var key common.Hash
	h.Digest().Read(key[:])
	return key
}

// Uint64Bytes encodes n big-endian for use as a key component.
func Uint64Bytes(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// Offset returns the slot n positions after key, for list-shaped records.
func Offset(key common.Hash, n uint64) common.Hash {
	return Key(key[:], Uint64Bytes(n))
}

func GetBig(db StateDB, addr common.Address, key common.Hash) *big.Int {
	return db.GetState(addr, key).Big()
}

func SetBig(db StateDB, addr common.Address, key common.Hash, v *big.Int) {
	db.SetState(addr, key, common.BigToHash(v))
}

func GetUint64(db StateDB, addr common.Address, key common.Hash) uint64 {
	return db.GetState(addr, key).Big().Uint64()
}

func SetUint64(db StateDB, addr common.Address, key common.Hash, v uint64) {
	db.SetState(addr, key, common.BigToHash(new(big.Int).SetUint64(v)))
}

func GetBool(db StateDB, addr common.Address, key common.Hash) bool {
	return db.GetState(addr, key) != (common.Hash{})
}

func SetBool(db StateDB, addr common.Address, key common.Hash, v bool) {
	var h common.Hash
	if v {
		h[31] = 1
	}
	db.SetState(addr, key, h)
}

func GetAddress(db StateDB, addr common.Address, key common.Hash) common.Address {
	return common.BytesToAddress(db.GetState(addr, key).Bytes())
}

func SetAddress(db StateDB, addr common.Address, key common.Hash, v common.Address) {
	db.SetState(addr, key, common.BytesToHash(v.Bytes()))
}
