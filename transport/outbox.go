// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

var outboxPrefix = []byte("outbox/")

// Outbox is a durable FIFO of outbound payloads. Entries survive restarts
// and are removed only after the transport accepted them.
type Outbox struct {
	mu sync.Mutex

	db     database.Database
	prefix []byte
	next   uint64
}

// NewOutbox opens an outbox on db, resuming after the highest stored entry.
func NewOutbox(db database.Database) (*Outbox, error) {
	return openOutbox(db, outboxPrefix)
}

// NewNamedOutbox opens one of several outboxes sharing db.
func NewNamedOutbox(db database.Database, name string) (*Outbox, error) {
	return openOutbox(db, []byte("outbox:"+name+"/"))
}

func openOutbox(db database.Database, prefix []byte) (*Outbox, error) {
	o := &Outbox{db: db, prefix: prefix}

	it := db.NewIteratorWithPrefix(prefix)
	defer it.Release()
	for it.Next() {
		seq, err := o.seq(it.Key())
		if err != nil {
			return nil, err
		}
		if seq >= o.next {
			o.next = seq + 1
		}
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return o, nil
}

// Enqueue stores a payload for receiver on chain dest.
func (o *Outbox) Enqueue(dest uint64, receiver common.Address, payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p := &Packet{Dest: dest, Receiver: receiver, Payload: payload}
	if err := o.db.Put(o.key(o.next), p.Bytes()); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	o.next++
	return nil
}

// Pending returns the queued packets in enqueue order.
func (o *Outbox) Pending() ([]*Packet, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*Packet
	err := o.scan(func(_ []byte, p *Packet) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// Flush sends every queued packet through s in order. It stops at the
// first send error and leaves that packet and later ones queued.
func (o *Outbox) Flush(ctx context.Context, s Sender) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sent := 0
	err := o.scan(func(key []byte, p *Packet) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Send(ctx, p.Dest, p.Receiver, p.Payload); err != nil {
			return err
		}
		if err := o.db.Delete(key); err != nil {
			return err
		}
		sent++
		return nil
	})
	return sent, err
}

func (o *Outbox) scan(fn func(key []byte, p *Packet) error) error {
	it := o.db.NewIteratorWithPrefix(o.prefix)
	defer it.Release()

	type entry struct {
		key []byte
		p   *Packet
	}
	var entries []entry
	for it.Next() {
		p, err := ParsePacket(it.Value())
		if err != nil {
			return err
		}
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		entries = append(entries, entry{key: key, p: p})
	}
	if err := it.Error(); err != nil {
		return err
	}

	for _, e := range entries {
		if err := fn(e.key, e.p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) key(seq uint64) []byte {
	key := make([]byte, len(o.prefix)+8)
	copy(key, o.prefix)
	binary.BigEndian.PutUint64(key[len(o.prefix):], seq)
	return key
}

func (o *Outbox) seq(key []byte) (uint64, error) {
	if len(key) != len(o.prefix)+8 {
		return 0, fmt.Errorf("%w: outbox key %x", ErrMalformedPacket, key)
	}
	return binary.BigEndian.Uint64(key[len(o.prefix):]), nil
}
