// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package transport moves encoded credit messages between chains with
// at-least-once delivery.
package transport

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/luxfi/geth/common"
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrNoEndpoint      = errors.New("no endpoint registered")
)

// Sender hands a payload to the transport. It is fire-and-forget: a nil
// error means the payload is queued, not that it was delivered.
type Sender interface {
	Send(ctx context.Context, dest uint64, receiver common.Address, payload []byte) error
}

// Endpoint is the receiving side on a destination chain.
type Endpoint interface {
	Receive(origin uint64, sender common.Address, payload []byte) error
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(origin uint64, sender common.Address, payload []byte) error

func (f EndpointFunc) Receive(origin uint64, sender common.Address, payload []byte) error {
	return f(origin, sender, payload)
}

// Packet is a payload in flight between two addressed endpoints.
type Packet struct {
	Origin   uint64
	Sender   common.Address
	Dest     uint64
	Receiver common.Address
	Payload  []byte
}

const packetHeaderLen = 8 + common.AddressLength + 8 + common.AddressLength

// Bytes serializes the packet as origin|sender|dest|receiver|payload.
func (p *Packet) Bytes() []byte {
	b := make([]byte, packetHeaderLen+len(p.Payload))
	binary.BigEndian.PutUint64(b[0:8], p.Origin)
	copy(b[8:28], p.Sender.Bytes())
	binary.BigEndian.PutUint64(b[28:36], p.Dest)
	copy(b[36:56], p.Receiver.Bytes())
	copy(b[packetHeaderLen:], p.Payload)
	return b
}

// ParsePacket is the inverse of Packet.Bytes.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < packetHeaderLen {
		return nil, ErrMalformedPacket
	}
	payload := make([]byte, len(b)-packetHeaderLen)
	copy(payload, b[packetHeaderLen:])
	return &Packet{
		Origin:   binary.BigEndian.Uint64(b[0:8]),
		Sender:   common.BytesToAddress(b[8:28]),
		Dest:     binary.BigEndian.Uint64(b[28:36]),
		Receiver: common.BytesToAddress(b[36:56]),
		Payload:  payload,
	}, nil
}
