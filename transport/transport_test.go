// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

var (
	master    = uint64(14767482510784806043)
	satellite = uint64(16281711391670634445)
	gateAddr  = common.HexToAddress("0x0000000000000000000000000000000000009314")
	vaultAddr = common.HexToAddress("0x0000000000000000000000000000000000009340")
)

type recorder struct {
	got  [][]byte
	fail error
}

func (r *recorder) Receive(origin uint64, sender common.Address, payload []byte) error {
	r.got = append(r.got, payload)
	return r.fail
}

type flakySender struct {
	sent    [][]byte
	failAt  int
	failErr error
}

func (s *flakySender) Send(_ context.Context, _ uint64, _ common.Address, payload []byte) error {
	if len(s.sent) == s.failAt {
		return s.failErr
	}
	s.sent = append(s.sent, payload)
	return nil
}

func TestPacketEncoding(t *testing.T) {
	p := &Packet{Origin: satellite, Sender: vaultAddr, Dest: master, Receiver: gateAddr, Payload: []byte("hi")}
	got, err := ParsePacket(p.Bytes())
	require.NoError(t, err)
	require.Equal(t, p, got)

	_, err = ParsePacket([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestOutboxSurvivesReopen(t *testing.T) {
	db := memdb.New()
	o, err := NewOutbox(db)
	require.NoError(t, err)
	require.NoError(t, o.Enqueue(master, gateAddr, []byte{1}))
	require.NoError(t, o.Enqueue(master, gateAddr, []byte{2}))

	reopened, err := NewOutbox(db)
	require.NoError(t, err)
	require.NoError(t, reopened.Enqueue(master, gateAddr, []byte{3}))

	pending, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, p := range pending {
		require.Equal(t, []byte{byte(i + 1)}, p.Payload)
	}
}

func TestOutboxFlushStopsAtFailure(t *testing.T) {
	o, err := NewOutbox(memdb.New())
	require.NoError(t, err)
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, o.Enqueue(master, gateAddr, []byte{i}))
	}

	s := &flakySender{failAt: 1, failErr: errors.New("router busy")}
	sent, err := o.Flush(context.Background(), s)
	require.ErrorIs(t, err, s.failErr)
	require.Equal(t, 1, sent)

	pending, err := o.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	s.failAt = -1
	sent, err = o.Flush(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, [][]byte{{1}, {2}, {3}}, s.sent)
}

func TestNetworkDelivers(t *testing.T) {
	n := NewNetwork(memdb.New())
	rec := &recorder{}
	n.Register(master, gateAddr, rec)

	s := n.Sender(satellite, vaultAddr)
	require.NoError(t, s.Send(context.Background(), master, gateAddr, []byte{1}))
	require.NoError(t, s.Send(context.Background(), master, vaultAddr, []byte{2}))

	pending, err := n.Pending()
	require.NoError(t, err)
	require.Equal(t, 2, pending)

	deliveries, err := n.DeliverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	require.NoError(t, deliveries[0].Err)
	require.Equal(t, satellite, deliveries[0].Packet.Origin)
	require.ErrorIs(t, deliveries[1].Err, ErrNoEndpoint)
	require.Equal(t, [][]byte{{1}}, rec.got)
}

func TestNetworkDuplicatesAndShuffles(t *testing.T) {
	n := NewNetwork(memdb.New(), WithSeed(7), WithShuffle(), WithDuplicateRate(1))
	rec := &recorder{fail: errors.New("rejected")}
	n.Register(master, gateAddr, rec)

	s := n.Sender(satellite, vaultAddr)
	for i := byte(0); i < 5; i++ {
		require.NoError(t, s.Send(context.Background(), master, gateAddr, []byte{i}))
	}

	deliveries, err := n.DeliverAll(context.Background())
	require.NoError(t, err)
	// Every packet arrives exactly twice; rejections do not cause retries.
	require.Len(t, deliveries, 10)
	counts := make(map[byte]int)
	for _, p := range rec.got {
		counts[p[0]]++
	}
	for i := byte(0); i < 5; i++ {
		require.Equal(t, 2, counts[i])
	}
}

func TestNetworkRespectsContext(t *testing.T) {
	n := NewNetwork(memdb.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, n.Sender(satellite, vaultAddr).Send(ctx, master, gateAddr, nil), context.Canceled)
	_, err := n.DeliverAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNamedOutboxesShareDatabase(t *testing.T) {
	db := memdb.New()
	plain, err := NewOutbox(db)
	require.NoError(t, err)
	amoyBox, err := NewNamedOutbox(db, "amoy")
	require.NoError(t, err)

	require.NoError(t, plain.Enqueue(master, gateAddr, []byte{1}))
	require.NoError(t, amoyBox.Enqueue(master, gateAddr, []byte{2}))
	require.NoError(t, amoyBox.Enqueue(master, gateAddr, []byte{3}))

	pending, err := plain.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = amoyBox.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
}
