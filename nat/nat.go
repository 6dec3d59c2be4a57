// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package nat implements network address and port translation for a
// router with a single external interface. TCP and ICMP echo flows
// originating on the internal side are rewritten to share the address of the
// external interface.
package nat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/noisysockets/napt"
	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"golang.org/x/sync/errgroup"
)

// Action tells the forwarding path what to do with a packet.
type Action int

const (
	// ActionRoute forwards the (possibly rewritten) packet.
	ActionRoute Action = iota
	// ActionDrop silently discards the packet.
	ActionDrop
	// ActionUnreachable discards the packet and reports an ICMP destination
	// host unreachable to its sender.
	ActionUnreachable
)

func (a Action) String() string {
	switch a {
	case ActionRoute:
		return "ROUTE"
	case ActionDrop:
		return "DROP"
	case ActionUnreachable:
		return "UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// Router resolves interfaces and routes for the NAT.
type Router interface {
	// InterfaceByName returns the interface with the given name.
	InterfaceByName(name string) (napt.Interface, bool)
	// LongestPrefixMatch returns the name of the interface the route for dst
	// goes out of.
	LongestPrefixMatch(dst netip.Addr) (string, bool)
}

// ICMPSender emits ICMP errors on behalf of the NAT.
type ICMPSender interface {
	// SendPortUnreachable tells the sender of original that the port it
	// tried to reach is closed. The error is written to out.
	SendPortUnreachable(ctx context.Context, original []byte, out napt.Interface) error
}

// NAT is a network address and port translator.
type NAT struct {
	logger                *slog.Logger
	router                Router
	sender                ICMPSender
	enabled               bool
	externalInterface     string
	icmpTimeout           time.Duration
	tcpEstablishedTimeout time.Duration
	tcpTransitoryTimeout  time.Duration
	now                   func() time.Time
	tasks                 *errgroup.Group
	tasksCtx              context.Context
	tasksCancel           context.CancelFunc
	// mu guards the table and the pending SYN queue.
	mu      sync.Mutex
	table   *table
	pending *pendingQueue
}

// New creates a NAT and starts its background collector.
func New(ctx context.Context, logger *slog.Logger, router Router, sender ICMPSender, conf *Config) (*NAT, error) {
	return newNAT(ctx, logger, router, sender, conf, time.Now)
}

func newNAT(ctx context.Context, logger *slog.Logger, router Router, sender ICMPSender, conf *Config, now func() time.Time) (*NAT, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logger.With(slog.String("external", conf.ExternalInterface))

	pending, err := newPendingQueue(logger, *conf.MaxPendingSyns)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending SYN queue: %w", err)
	}

	tasksCtx, tasksCancel := context.WithCancel(ctx)
	tasks, tasksCtx := errgroup.WithContext(tasksCtx)

	n := &NAT{
		logger:                logger,
		router:                router,
		sender:                sender,
		enabled:               *conf.Enabled,
		externalInterface:     conf.ExternalInterface,
		icmpTimeout:           *conf.ICMPTimeout,
		tcpEstablishedTimeout: *conf.TCPEstablishedTimeout,
		tcpTransitoryTimeout:  *conf.TCPTransitoryTimeout,
		now:                   now,
		tasks:                 tasks,
		tasksCtx:              tasksCtx,
		tasksCancel:           tasksCancel,
		table:                 newTable(*conf.MinPort, *conf.MaxPort),
		pending:               pending,
	}

	if n.enabled {
		n.tasks.Go(n.collect)
	}

	return n, nil
}

// Close stops the collector and discards all translation state.
func (n *NAT) Close() error {
	n.tasksCancel()

	if err := n.tasks.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.table = newTable(n.table.minPort, n.table.maxPort)
	n.pending.lru.Purge()

	return nil
}

// Do runs the translation logic on pkt, an IPv4 datagram received on the
// interface named in. The packet may be rewritten in place.
func (n *NAT) Do(pkt []byte, in string) Action {
	if !n.enabled {
		return ActionRoute
	}

	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) {
		return ActionDrop
	}

	external, ok := n.router.InterfaceByName(n.externalInterface)
	if !ok {
		n.logger.Warn("External interface not found")
		return ActionRoute
	}

	if _, ok := n.router.InterfaceByName(in); !ok {
		n.logger.Warn("Packet received on unknown interface", slog.String("interface", in))
		return ActionRoute
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	var action Action
	if in == n.externalInterface {
		action = n.fromExternalLocked(ip, external)
	} else {
		action = n.fromInternalLocked(ip, in, external)
	}

	checksum.SetIPv4(ip)

	return action
}

func (n *NAT) fromInternalLocked(ip header.IPv4, in string, external napt.Interface) Action {
	dst := util.AddrFrom(ip.DestinationAddress())

	// No hairpinning.
	if dst == external.Addr() {
		return ActionRoute
	}

	out, ok := n.router.LongestPrefixMatch(dst)
	if !ok || out == in || out != n.externalInterface {
		return ActionRoute
	}

	switch ip.TransportProtocol() {
	case header.ICMPv4ProtocolNumber:
		return n.outgoingICMPLocked(ip, external.Addr())
	case header.TCPProtocolNumber:
		return n.outgoingTCPLocked(ip, external.Addr())
	default:
		return ActionDrop
	}
}

func (n *NAT) fromExternalLocked(ip header.IPv4, external napt.Interface) Action {
	dst := util.AddrFrom(ip.DestinationAddress())

	if dst == external.Addr() {
		switch ip.TransportProtocol() {
		case header.ICMPv4ProtocolNumber:
			return n.incomingICMPLocked(ip)
		case header.TCPProtocolNumber:
			return n.incomingTCPLocked(ip)
		default:
			return ActionDrop
		}
	}

	out, ok := n.router.LongestPrefixMatch(dst)
	if !ok || out == n.externalInterface {
		return ActionRoute
	}

	// Internal hosts are only reachable through a mapping.
	return ActionUnreachable
}

func (n *NAT) outgoingICMPLocked(ip header.IPv4, externalAddr netip.Addr) Action {
	icmp, err := echo(ip)
	if err != nil {
		return ActionDrop
	}

	now := n.now()
	m, err := n.mappingForLocked(TypeICMP, util.AddrFrom(ip.SourceAddress()), icmp.Ident(), externalAddr, now)
	if err != nil {
		return ActionDrop
	}

	n.translateOutgoingICMPLocked(ip, m, now)
	return ActionRoute
}

func (n *NAT) outgoingTCPLocked(ip header.IPv4, externalAddr netip.Addr) Action {
	tcp, err := segment(ip)
	if err != nil {
		return ActionDrop
	}

	now := n.now()
	m, err := n.mappingForLocked(TypeTCP, util.AddrFrom(ip.SourceAddress()), tcp.SourcePort(), externalAddr, now)
	if err != nil {
		return ActionDrop
	}

	n.translateOutgoingTCPLocked(ip, m, now)
	return ActionRoute
}

func (n *NAT) incomingICMPLocked(ip header.IPv4) Action {
	icmp, err := echo(ip)
	if err != nil {
		return ActionDrop
	}

	m, ok := n.table.lookupExternalLocked(TypeICMP, icmp.Ident())
	if !ok {
		// Addressed to the router itself.
		return ActionRoute
	}

	n.translateIncomingICMPLocked(ip, m, n.now())
	return ActionRoute
}

func (n *NAT) incomingTCPLocked(ip header.IPv4) Action {
	tcp, err := segment(ip)
	if err != nil {
		return ActionDrop
	}

	now := n.now()
	m, ok := n.table.lookupExternalLocked(TypeTCP, tcp.DestinationPort())
	if !ok {
		flags := tcp.Flags()
		if flags.Contains(header.TCPFlagSyn) && !flags.Contains(header.TCPFlagAck) {
			n.insertPendingSynLocked(tcp.DestinationPort(), ip, now)
			return ActionDrop
		}

		return ActionRoute
	}

	n.translateIncomingTCPLocked(ip, m, now)
	return ActionRoute
}

// mappingForLocked returns the mapping of an internal endpoint, creating it
// on first use.
func (n *NAT) mappingForLocked(typ Type, internalAddr netip.Addr, internalPort uint16, externalAddr netip.Addr, now time.Time) (*mapping, error) {
	m, created, err := n.table.getOrCreateLocked(typ, internalAddr, internalPort, externalAddr, now)
	if err != nil {
		n.logger.Warn("Failed to create mapping",
			slog.String("type", typ.String()),
			slog.String("internal", netip.AddrPortFrom(internalAddr, internalPort).String()),
			slog.Any("error", err))
		return nil, err
	}

	if created {
		n.logger.Debug("Created mapping",
			slog.String("type", typ.String()),
			slog.String("internal", netip.AddrPortFrom(internalAddr, internalPort).String()),
			slog.Int("externalPort", int(m.externalPort)))
	}

	return m, nil
}

// LookupInternal returns the mapping of an internal endpoint.
func (n *NAT) LookupInternal(typ Type, addr netip.Addr, port uint16) (Mapping, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	m, ok := n.table.lookupInternalLocked(typ, addr, port)
	if !ok {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

// LookupExternal returns the mapping that owns an external port.
func (n *NAT) LookupExternal(typ Type, port uint16) (Mapping, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	m, ok := n.table.lookupExternalLocked(typ, port)
	if !ok {
		return Mapping{}, false
	}
	return m.snapshot(), true
}

// Insert creates a mapping for an internal endpoint talking to dst. TCP
// mappings start with a connection to dst in state SYN_SENT, as if the
// internal endpoint had opened it. Connections opened from the outside are
// only created by Do, which starts them in SYN_RECEIVED_PROCESSING.
func (n *NAT) Insert(typ Type, internalAddr netip.Addr, internalPort uint16, dst netip.AddrPort) (Mapping, error) {
	external, ok := n.router.InterfaceByName(n.externalInterface)
	if !ok {
		return Mapping{}, fmt.Errorf("external interface %q not found", n.externalInterface)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.table.lookupInternalLocked(typ, internalAddr, internalPort); ok {
		return Mapping{}, ErrMappingExists
	}

	now := n.now()
	m, err := n.table.insertLocked(typ, internalAddr, internalPort, external.Addr(), now)
	if err != nil {
		return Mapping{}, err
	}

	if typ == TypeTCP {
		m.connLocked(peerKey{addr: dst.Addr(), port: dst.Port()}, StateSynSent, now)
	}

	return m.snapshot(), nil
}

// Len returns the number of live mappings.
func (n *NAT) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.table.lenLocked()
}

// InsertPendingSyn parks an unsolicited SYN addressed to externalPort. If no
// mapping claims the port within UnsolicitedSynTimeout, the sender is told
// the port is unreachable.
func (n *NAT) InsertPendingSyn(externalPort uint16, pkt []byte) error {
	ip, err := parse(pkt, TypeTCP)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.insertPendingSynLocked(externalPort, ip, n.now())
	return nil
}

// PendingSyns returns the number of parked unsolicited SYNs.
func (n *NAT) PendingSyns() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.pending.lenLocked()
}

func (n *NAT) insertPendingSynLocked(externalPort uint16, ip header.IPv4, now time.Time) {
	packet := make([]byte, len(ip))
	copy(packet, ip)

	n.pending.pushLocked(&pendingSyn{
		received:     now,
		externalPort: externalPort,
		packet:       packet,
	})

	n.logger.Debug("Parked unsolicited SYN",
		slog.String("source", util.AddrFrom(ip.SourceAddress()).String()),
		slog.Int("port", int(externalPort)))
}
