// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/luxfi/log/level"
	"go.uber.org/zap"
)

var queuePrefix = []byte("queue/")

type endpointKey struct {
	selector uint64
	addr     common.Address
}

// Option configures a Network.
type Option func(*Network)

// WithSeed makes delivery order and duplication reproducible.
func WithSeed(seed int64) Option {
	return func(n *Network) { n.rng = rand.New(rand.NewSource(seed)) }
}

// WithShuffle delivers queued packets in random order.
func WithShuffle() Option {
	return func(n *Network) { n.shuffle = true }
}

// WithDuplicateRate redelivers each packet again with probability p.
func WithDuplicateRate(p float64) Option {
	return func(n *Network) { n.duplicateRate = p }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(n *Network) { n.log = l }
}

// Network is an in-process cross-chain transport. Sent packets wait in a
// durable queue until DeliverAll hands them to the registered endpoint.
// Delivery is at-least-once and, when configured, unordered and
// duplicating.
type Network struct {
	mu sync.Mutex

	db        database.Database
	endpoints map[endpointKey]Endpoint
	next      uint64
	// copies holds queue keys of redelivered packets, which are not
	// duplicated again.
	copies map[string]bool

	rng           *rand.Rand
	shuffle       bool
	duplicateRate float64

	log log.Logger
}

// Delivery reports the outcome of handing one packet to its endpoint.
type Delivery struct {
	Packet *Packet
	Err    error
}

// NewNetwork creates a network whose queue lives in db.
func NewNetwork(db database.Database, opts ...Option) *Network {
	n := &Network{
		db:        db,
		endpoints: make(map[endpointKey]Endpoint),
		copies:    make(map[string]bool),
		rng:       rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		n.log = log.NewTestLogger(level.Info)
	}
	if keys, _, err := n.queued(); err == nil && len(keys) > 0 {
		last := keys[len(keys)-1]
		n.next = binary.BigEndian.Uint64(last[len(queuePrefix):]) + 1
	}
	return n
}

// Register binds ep to receiver address addr on chain selector.
func (n *Network) Register(selector uint64, addr common.Address, ep Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[endpointKey{selector, addr}] = ep
}

// Sender returns a Sender that stamps packets with the given origin chain
// and sender address.
func (n *Network) Sender(selector uint64, addr common.Address) Sender {
	return &boundSender{net: n, origin: selector, sender: addr}
}

type boundSender struct {
	net    *Network
	origin uint64
	sender common.Address
}

func (s *boundSender) Send(ctx context.Context, dest uint64, receiver common.Address, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.net.enqueue(&Packet{
		Origin:   s.origin,
		Sender:   s.sender,
		Dest:     dest,
		Receiver: receiver,
		Payload:  payload,
	})
}

func (n *Network) enqueue(p *Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := n.put(p)
	return err
}

func (n *Network) put(p *Packet) ([]byte, error) {
	key := make([]byte, len(queuePrefix)+8)
	copy(key, queuePrefix)
	binary.BigEndian.PutUint64(key[len(queuePrefix):], n.next)
	if err := n.db.Put(key, p.Bytes()); err != nil {
		return nil, fmt.Errorf("queue packet: %w", err)
	}
	n.next++
	return key, nil
}

// Pending returns the number of queued packets.
func (n *Network) Pending() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	keys, _, err := n.queued()
	return len(keys), err
}

// DeliverAll drains the queue, including packets enqueued by the
// endpoints themselves while draining. Endpoint errors are reported in
// the returned deliveries; the packet is considered delivered either way.
func (n *Network) DeliverAll(ctx context.Context) ([]Delivery, error) {
	var out []Delivery
	for {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, ok, err := n.deliverOne()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, d)
	}
}

func (n *Network) deliverOne() (Delivery, bool, error) {
	n.mu.Lock()
	keys, packets, err := n.queued()
	if err != nil || len(keys) == 0 {
		n.mu.Unlock()
		return Delivery{}, false, err
	}

	i := 0
	if n.shuffle {
		i = n.rng.Intn(len(keys))
	}
	p := packets[i]
	if err := n.db.Delete(keys[i]); err != nil {
		n.mu.Unlock()
		return Delivery{}, false, err
	}
	isCopy := n.copies[string(keys[i])]
	delete(n.copies, string(keys[i]))
	if !isCopy && n.duplicateRate > 0 && n.rng.Float64() < n.duplicateRate {
		key, err := n.put(p)
		if err != nil {
			n.mu.Unlock()
			return Delivery{}, false, err
		}
		n.copies[string(key)] = true
	}
	ep, ok := n.endpoints[endpointKey{p.Dest, p.Receiver}]
	n.mu.Unlock()

	// Endpoints may send, so they run without the network lock.
	if !ok {
		n.log.Warn("dropping packet without endpoint",
			zap.Uint64("dest", p.Dest),
			zap.Stringer("receiver", p.Receiver),
		)
		return Delivery{Packet: p, Err: ErrNoEndpoint}, true, nil
	}
	err = ep.Receive(p.Origin, p.Sender, p.Payload)
	if err != nil {
		n.log.Debug("endpoint rejected packet",
			zap.Uint64("origin", p.Origin),
			zap.Stringer("sender", p.Sender),
			zap.Error(err),
		)
	}
	return Delivery{Packet: p, Err: err}, true, nil
}

func (n *Network) queued() ([][]byte, []*Packet, error) {
	it := n.db.NewIteratorWithPrefix(queuePrefix)
	defer it.Release()

	var (
		keys    [][]byte
		packets []*Packet
	)
	for it.Next() {
		p, err := ParsePacket(it.Value())
		if err != nil {
			return nil, nil, err
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		keys = append(keys, key)
		packets = append(packets, p)
	}
	return keys, packets, it.Error()
}
