// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/log/level"
	"go.uber.org/zap"

	"github.com/luxfi/bnpl/registry"
	"github.com/luxfi/bnpl/state"
	"github.com/luxfi/bnpl/transport"
)

// maxSettleRounds bounds Settle. Each round flushes every outbox and drains
// the transport; a liquidation needs three.
const maxSettleRounds = 16

var ErrNotSettled = errors.New("network did not settle")

// Network is a full deployment: one master, its satellites and the
// transport between them.
type Network struct {
	Config     Config
	Transport  *transport.Network
	Master     *Master
	Satellites map[uint64]*Satellite

	log log.Logger
}

// New deploys every chain named in config. Queues and outboxes live in db.
// Trust is not established; call TrustSatellites.
func New(config Config, db database.Database, logger log.Logger, opts ...transport.Option) (*Network, error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewTestLogger(level.Info)
	}

	masterChain, _ := registry.GetChain(config.Master)
	satChains := make([]registry.ChainInfo, 0, len(config.Satellites))
	for _, name := range config.Satellites {
		c, _ := registry.GetChain(name)
		satChains = append(satChains, c)
	}

	master, err := NewMaster(config, satChains, db, logger)
	if err != nil {
		return nil, fmt.Errorf("deploy master: %w", err)
	}
	n := &Network{
		Config:     config,
		Transport:  transport.NewNetwork(db, append([]transport.Option{transport.WithLogger(logger)}, opts...)...),
		Master:     master,
		Satellites: make(map[uint64]*Satellite, len(satChains)),
		log:        logger,
	}
	n.Transport.Register(masterChain.Selector, masterGateAddr, master)

	for _, c := range satChains {
		s, err := NewSatellite(config, c, masterChain, db, logger)
		if err != nil {
			return nil, fmt.Errorf("deploy %s: %w", c.Name, err)
		}
		n.Satellites[c.Selector] = s
		n.Transport.Register(c.Selector, satelliteGateAddr, s)
		logger.Info("satellite deployed",
			zap.String("chain", c.Name),
			zap.Uint64("selector", c.Selector),
		)
	}
	return n, nil
}

// Satellite returns the deployment on the named chain.
func (n *Network) Satellite(name string) (*Satellite, bool) {
	c, ok := registry.GetChain(name)
	if !ok {
		return nil, false
	}
	s, ok := n.Satellites[c.Selector]
	return s, ok
}

// TrustSatellites registers every satellite registry as a trusted sender on
// the master gate, and the master's monitor on every satellite gate.
func (n *Network) TrustSatellites() error {
	m := n.Master
	for selector, s := range n.Satellites {
		err := m.Exec.Execute(func(db state.StateDB) error {
			return m.Gate.SetTrustedSender(db, n.Config.Admin, selector, vaultAddr, true)
		})
		if err != nil {
			return fmt.Errorf("trust %s on master: %w", s.Chain.Name, err)
		}
		err = s.Exec.Execute(func(db state.StateDB) error {
			return s.Gate.SetTrustedSender(db, n.Config.Admin, m.Chain.Selector, monitorAddr, true)
		})
		if err != nil {
			return fmt.Errorf("trust master on %s: %w", s.Chain.Name, err)
		}
	}
	return nil
}

// Flush hands every queued outbound message to the transport.
func (n *Network) Flush(ctx context.Context) (int, error) {
	total, err := n.Master.Outbox.Flush(ctx, n.Transport.Sender(n.Master.Chain.Selector, monitorAddr))
	if err != nil {
		return total, fmt.Errorf("flush master: %w", err)
	}
	for _, s := range n.Satellites {
		sent, err := s.Outbox.Flush(ctx, n.Transport.Sender(s.Chain.Selector, vaultAddr))
		total += sent
		if err != nil {
			return total, fmt.Errorf("flush %s: %w", s.Chain.Name, err)
		}
	}
	return total, nil
}

// Settle alternates Flush and delivery until nothing is in flight. It
// returns every delivery made; rejected messages are reported, not retried.
func (n *Network) Settle(ctx context.Context) ([]transport.Delivery, error) {
	var all []transport.Delivery
	for round := 0; round < maxSettleRounds; round++ {
		sent, err := n.Flush(ctx)
		if err != nil {
			return all, err
		}
		pending, err := n.Transport.Pending()
		if err != nil {
			return all, err
		}
		if sent == 0 && pending == 0 {
			return all, nil
		}
		deliveries, err := n.Transport.DeliverAll(ctx)
		all = append(all, deliveries...)
		if err != nil {
			return all, err
		}
		for _, d := range deliveries {
			if d.Err != nil {
				n.log.Debug("message rejected",
					zap.Uint64("origin", d.Packet.Origin),
					zap.Uint64("dest", d.Packet.Dest),
					zap.Error(d.Err),
				)
			}
		}
	}
	return all, ErrNotSettled
}
