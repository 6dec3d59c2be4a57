// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package forwarder moves packets between the interfaces of a NAPT router.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdnet "net"
	"net/netip"
	"os"

	"github.com/noisysockets/napt"
	"github.com/noisysockets/napt/icmperr"
	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/napt/nat"
	"github.com/noisysockets/napt/routing"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"golang.org/x/sync/errgroup"
)

// ForwarderConfig is the configuration for the packet forwarder.
type ForwarderConfig struct {
	// Report packets the NAT refuses to deliver with an ICMP destination host
	// unreachable.
	SendUnreachable *bool
	// Answer ICMP echo requests addressed to the router's interfaces.
	RespondToPing *bool
}

// Default values (if not set).
var defaultForwarderConf = ForwarderConfig{
	SendUnreachable: util.PointerTo(true),
	RespondToPing:   util.PointerTo(true),
}

// Forwarder reads packets from every interface of a routing table, passes
// them through the NAT and writes them out of the interface their route
// resolves to.
type Forwarder struct {
	logger          *slog.Logger
	routes          *routing.Table
	nat             *nat.NAT
	icmp            *icmperr.Sender
	sendUnreachable bool
	respondToPing   bool
}

func New(logger *slog.Logger, routes *routing.Table, n *nat.NAT, icmp *icmperr.Sender, conf *ForwarderConfig) (*Forwarder, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultForwarderConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	return &Forwarder{
		logger:          logger,
		routes:          routes,
		nat:             n,
		icmp:            icmp,
		sendUnreachable: *conf.SendUnreachable,
		respondToPing:   *conf.RespondToPing,
	}, nil
}

// Run forwards packets until ctx is canceled or an interface fails. Closed
// interfaces stop their own loop without an error.
func (f *Forwarder) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, nic := range f.routes.Interfaces() {
		nic := nic
		g.Go(func() error {
			return f.forwardFrom(ctx, nic)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (f *Forwarder) forwardFrom(ctx context.Context, nic napt.Interface) error {
	logger := f.logger.With(slog.String("interface", nic.Name()))

	defer logger.Debug("Finished forwarding packets")

	batchSize := nic.BatchSize()
	mtu := nic.MTU()

	sizes := make([]int, batchSize)
	bufs := make([][]byte, batchSize)
	for i := 0; i < batchSize; i++ {
		bufs[i] = make([]byte, mtu)
	}

	logger.Debug("Started forwarding packets")

	for {
		n, err := nic.Read(ctx, bufs, sizes, 0)
		if err != nil {
			if errors.Is(err, stdnet.ErrClosed) ||
				errors.Is(err, os.ErrClosed) {
				return nil
			}

			return err
		}

		for i := 0; i < n; i++ {
			if err := f.forward(ctx, logger, nic, bufs[i][:sizes[i]]); err != nil {
				return err
			}
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, logger *slog.Logger, in napt.Interface, pkt []byte) error {
	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) {
		logger.Debug("Dropping invalid packet")
		return nil
	}
	pkt = pkt[:ip.TotalLength()]

	switch f.nat.Do(pkt, in.Name()) {
	case nat.ActionDrop:
		return nil
	case nat.ActionUnreachable:
		if f.sendUnreachable {
			f.reject(ctx, logger, in, pkt)
		}
		return nil
	}

	dst := util.AddrFrom(ip.DestinationAddress())
	if f.isLocal(dst) {
		return f.deliverLocal(ctx, logger, pkt)
	}

	outName, ok := f.routes.LongestPrefixMatch(dst)
	if !ok {
		logger.Debug("No route to destination", slog.String("dst", dst.String()))
		return nil
	}

	out, ok := f.routes.InterfaceByName(outName)
	if !ok {
		logger.Warn("Route to unknown interface", slog.String("dst", dst.String()), slog.String("route", outName))
		return nil
	}

	if ip.TTL() <= 1 {
		logger.Debug("Dropping packet with expired TTL", slog.String("dst", dst.String()))
		return nil
	}
	ip.SetTTL(ip.TTL() - 1)
	checksum.SetIPv4(ip)

	return f.write(ctx, out, pkt)
}

func (f *Forwarder) isLocal(addr netip.Addr) bool {
	for _, nic := range f.routes.Interfaces() {
		if nic.Addr() == addr {
			return true
		}
	}
	return false
}

// deliverLocal handles packets addressed to the router itself. Only echo
// requests are answered.
func (f *Forwarder) deliverLocal(ctx context.Context, logger *slog.Logger, pkt []byte) error {
	ip := header.IPv4(pkt)
	if !f.respondToPing || ip.TransportProtocol() != header.ICMPv4ProtocolNumber {
		return nil
	}

	icmp := header.ICMPv4(ip.Payload())
	if len(icmp) < header.ICMPv4MinimumSize || icmp.Type() != header.ICMPv4Echo {
		return nil
	}

	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	ip.SetSourceAddress(dst)
	ip.SetDestinationAddress(src)
	ip.SetTTL(64)
	icmp.SetType(header.ICMPv4EchoReply)
	checksum.SetICMPv4(ip)
	checksum.SetIPv4(ip)

	replyDst := util.AddrFrom(src)
	outName, ok := f.routes.LongestPrefixMatch(replyDst)
	if !ok {
		return nil
	}

	out, ok := f.routes.InterfaceByName(outName)
	if !ok {
		return nil
	}

	logger.Debug("Answering echo request", slog.String("src", replyDst.String()))

	return f.write(ctx, out, pkt)
}

func (f *Forwarder) reject(ctx context.Context, logger *slog.Logger, in napt.Interface, pkt []byte) {
	err := f.icmp.SendHostUnreachable(ctx, pkt, in)
	switch {
	case err == nil, errors.Is(err, icmperr.ErrRateLimited), errors.Is(err, icmperr.ErrSuppressed):
	default:
		logger.Warn("Failed to send host unreachable", slog.Any("error", err))
	}
}

func (f *Forwarder) write(ctx context.Context, out napt.Interface, pkt []byte) error {
	if _, err := out.Write(ctx, [][]byte{pkt}, []int{len(pkt)}, 0); err != nil {
		if errors.Is(err, stdnet.ErrClosed) || errors.Is(err, os.ErrClosed) {
			f.logger.Debug("Output interface closed", slog.String("interface", out.Name()))
			return nil
		}

		return fmt.Errorf("failed to write packet to %s: %w", out.Name(), err)
	}

	return nil
}
