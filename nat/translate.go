// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package nat

import (
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

var (
	// ErrUnsupportedICMP is returned for ICMP messages other than echo
	// request and echo reply.
	ErrUnsupportedICMP = errors.New("unsupported ICMP message type")
	// ErrMalformedPacket is returned for packets too short to carry the
	// headers they claim.
	ErrMalformedPacket = errors.New("malformed packet")
)

// TranslateOutgoing rewrites pkt, an IPv4 datagram leaving the internal
// network, so that it appears to come from the external side of m.
func TranslateOutgoing(pkt []byte, m Mapping) error {
	ip, err := parse(pkt, m.Type)
	if err != nil {
		return err
	}

	rewriteOutgoing(ip, m.Type, m.ExternalAddr, m.ExternalPort)
	return nil
}

// TranslateIncoming rewrites pkt, an IPv4 datagram addressed to the external
// side of m, so that it reaches the internal host of m.
func TranslateIncoming(pkt []byte, m Mapping) error {
	ip, err := parse(pkt, m.Type)
	if err != nil {
		return err
	}

	rewriteIncoming(ip, m.Type, m.InternalAddr, m.InternalPort)
	return nil
}

// parse checks that pkt is an IPv4 datagram carrying a translatable message
// of the given type.
func parse(pkt []byte, typ Type) (header.IPv4, error) {
	ip := header.IPv4(pkt)
	if !ip.IsValid(len(pkt)) {
		return nil, ErrMalformedPacket
	}

	switch typ {
	case TypeICMP:
		if ip.TransportProtocol() != header.ICMPv4ProtocolNumber {
			return nil, ErrMalformedPacket
		}
		if _, err := echo(ip); err != nil {
			return nil, err
		}
	case TypeTCP:
		if ip.TransportProtocol() != header.TCPProtocolNumber {
			return nil, ErrMalformedPacket
		}
		if _, err := segment(ip); err != nil {
			return nil, err
		}
	}

	return ip, nil
}

// echo returns the ICMP echo message carried by ip.
func echo(ip header.IPv4) (header.ICMPv4, error) {
	icmp := header.ICMPv4(ip.Payload())
	if len(icmp) < header.ICMPv4MinimumSize {
		return nil, ErrMalformedPacket
	}

	switch icmp.Type() {
	case header.ICMPv4Echo, header.ICMPv4EchoReply:
		return icmp, nil
	default:
		return nil, ErrUnsupportedICMP
	}
}

// segment returns the TCP segment carried by ip.
func segment(ip header.IPv4) (header.TCP, error) {
	tcp := header.TCP(ip.Payload())
	if len(tcp) < header.TCPMinimumSize {
		return nil, ErrMalformedPacket
	}

	if offset := int(tcp.DataOffset()); offset < header.TCPMinimumSize || offset > len(tcp) {
		return nil, ErrMalformedPacket
	}

	return tcp, nil
}

func rewriteOutgoing(ip header.IPv4, typ Type, externalAddr netip.Addr, externalPort uint16) {
	ip.SetSourceAddress(util.AddrTo(externalAddr))

	switch typ {
	case TypeICMP:
		header.ICMPv4(ip.Payload()).SetIdent(externalPort)
		checksum.SetICMPv4(ip)
	case TypeTCP:
		header.TCP(ip.Payload()).SetSourcePort(externalPort)
		checksum.SetTCP(ip)
	}

	checksum.SetIPv4(ip)
}

func rewriteIncoming(ip header.IPv4, typ Type, internalAddr netip.Addr, internalPort uint16) {
	ip.SetDestinationAddress(util.AddrTo(internalAddr))

	switch typ {
	case TypeICMP:
		header.ICMPv4(ip.Payload()).SetIdent(internalPort)
		checksum.SetICMPv4(ip)
	case TypeTCP:
		header.TCP(ip.Payload()).SetDestinationPort(internalPort)
		checksum.SetTCP(ip)
	}

	checksum.SetIPv4(ip)
}

func (n *NAT) translateOutgoingICMPLocked(ip header.IPv4, m *mapping, now time.Time) {
	m.lastActivity = now
	rewriteOutgoing(ip, TypeICMP, m.externalAddr, m.externalPort)
}

func (n *NAT) translateIncomingICMPLocked(ip header.IPv4, m *mapping, now time.Time) {
	m.lastActivity = now
	rewriteIncoming(ip, TypeICMP, m.internalAddr, m.internalPort)
}

func (n *NAT) translateOutgoingTCPLocked(ip header.IPv4, m *mapping, now time.Time) {
	tcp := header.TCP(ip.Payload())

	peer := peerKey{addr: util.AddrFrom(ip.DestinationAddress()), port: tcp.DestinationPort()}
	n.trackLocked(m, peer, tcp, outbound, now)

	rewriteOutgoing(ip, TypeTCP, m.externalAddr, m.externalPort)
}

func (n *NAT) translateIncomingTCPLocked(ip header.IPv4, m *mapping, now time.Time) {
	tcp := header.TCP(ip.Payload())

	peer := peerKey{addr: util.AddrFrom(ip.SourceAddress()), port: tcp.SourcePort()}
	n.trackLocked(m, peer, tcp, inbound, now)

	rewriteIncoming(ip, TypeTCP, m.internalAddr, m.internalPort)
}

// trackLocked refreshes the connection to peer and advances its state. A
// connection created by this segment already reflects it in its initial
// state.
func (n *NAT) trackLocked(m *mapping, peer peerKey, tcp header.TCP, dir direction, now time.Time) {
	c, created := m.connLocked(peer, initialState(tcp.Flags(), dir), now)
	if created {
		n.logger.Debug("Tracking connection",
			slog.String("internal", netip.AddrPortFrom(m.internalAddr, m.internalPort).String()),
			slog.String("peer", netip.AddrPortFrom(peer.addr, peer.port).String()),
			slog.String("state", c.state.String()))
	} else {
		c.advance(tcp, dir)
	}

	c.lastActivity = now
	m.lastActivity = now
}
