// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package icmperr builds and sends ICMPv4 destination unreachable messages.
package icmperr

import (
	"errors"
	"net/netip"

	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

const (
	defaultTTL = 64
	// Bytes of the original datagram's payload quoted after its IP header.
	quotedPayloadSize = 8
)

var (
	// ErrInvalidPacket is returned when the packet to report on is not a
	// valid IPv4 datagram.
	ErrInvalidPacket = errors.New("invalid IPv4 packet")
	// ErrSuppressed is returned when no ICMP error may be generated for the
	// packet, for example because it is itself an ICMP error.
	ErrSuppressed = errors.New("ICMP error suppressed")
)

// DestinationUnreachable builds an ICMP destination unreachable message with
// the given code, sent from src to the source of original. The message
// quotes the IP header of original and the first 8 bytes of its payload.
func DestinationUnreachable(src netip.Addr, original []byte, code header.ICMPv4Code) ([]byte, error) {
	orig := header.IPv4(original)
	if !orig.IsValid(len(original)) {
		return nil, ErrInvalidPacket
	}

	if err := mayReport(orig); err != nil {
		return nil, err
	}

	quoted := original[:orig.TotalLength()]
	if limit := int(orig.HeaderLength()) + quotedPayloadSize; len(quoted) > limit {
		quoted = quoted[:limit]
	}

	totalLength := header.IPv4MinimumSize + header.ICMPv4MinimumSize + len(quoted)
	pkt := make([]byte, totalLength)

	ip := header.IPv4(pkt)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLength),
		TTL:         defaultTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     util.AddrTo(src),
		DstAddr:     orig.SourceAddress(),
	})

	icmp := header.ICMPv4(ip.Payload())
	icmp.SetType(header.ICMPv4DstUnreachable)
	icmp.SetCode(code)
	copy(icmp[header.ICMPv4MinimumSize:], quoted)

	checksum.SetICMPv4(ip)
	checksum.SetIPv4(ip)

	return pkt, nil
}

// mayReport applies the RFC 1122 rules on which datagrams an ICMP error may
// be sent for.
func mayReport(orig header.IPv4) error {
	src := util.AddrFrom(orig.SourceAddress())
	if !src.IsValid() || src.IsUnspecified() || src.IsMulticast() || src == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return ErrSuppressed
	}

	// Only the first fragment.
	if orig.FragmentOffset() != 0 {
		return ErrSuppressed
	}

	if orig.TransportProtocol() == header.ICMPv4ProtocolNumber {
		icmp := header.ICMPv4(orig.Payload())
		if len(icmp) < header.ICMPv4MinimumSize {
			return ErrSuppressed
		}

		switch icmp.Type() {
		case header.ICMPv4Echo, header.ICMPv4EchoReply, header.ICMPv4Timestamp,
			header.ICMPv4TimestampReply, header.ICMPv4InfoRequest, header.ICMPv4InfoReply:
		default:
			return ErrSuppressed
		}
	}

	return nil
}
