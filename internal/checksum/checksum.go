// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package checksum computes and verifies the Internet checksums carried by
// IPv4, TCP and ICMPv4 headers.
package checksum

import (
	"encoding/binary"

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

const pseudoHeaderSize = 12

// Checksum returns the one's complement of the one's complement sum of b,
// continuing from the partial sum initial. A result of zero is transmitted
// as 0xffff.
func Checksum(b []byte, initial uint16) uint16 {
	sum := ^checksum.Checksum(b, initial)
	if sum == 0 {
		return 0xffff
	}
	return sum
}

// SetIPv4 recomputes the header checksum of ip.
func SetIPv4(ip header.IPv4) {
	ip.SetChecksum(0)
	ip.SetChecksum(Checksum(ip[:ip.HeaderLength()], 0))
}

// SetTCP recomputes the checksum of the TCP segment carried by ip.
func SetTCP(ip header.IPv4) {
	tcp := header.TCP(ip.Payload())
	tcp.SetChecksum(0)
	tcp.SetChecksum(Checksum(tcp, pseudoHeaderSum(ip, len(tcp))))
}

// SetICMPv4 recomputes the checksum of the ICMP message carried by ip. The
// message extends to the end of the datagram as given by its total length.
func SetICMPv4(ip header.IPv4) {
	icmp := header.ICMPv4(ip.Payload())
	icmp.SetChecksum(0)
	icmp.SetChecksum(Checksum(icmp, 0))
}

// ValidIPv4 reports whether the header checksum of ip is correct.
func ValidIPv4(ip header.IPv4) bool {
	return checksum.Checksum(ip[:ip.HeaderLength()], 0) == 0xffff
}

// ValidTCP reports whether the checksum of the TCP segment carried by ip is
// correct.
func ValidTCP(ip header.IPv4) bool {
	tcp := ip.Payload()
	return checksum.Checksum(tcp, pseudoHeaderSum(ip, len(tcp))) == 0xffff
}

// ValidICMPv4 reports whether the checksum of the ICMP message carried by ip
// is correct.
func ValidICMPv4(ip header.IPv4) bool {
	return checksum.Checksum(ip.Payload(), 0) == 0xffff
}

// pseudoHeaderSum is the partial sum of {src, dst, zero, protocol, length}.
func pseudoHeaderSum(ip header.IPv4, length int) uint16 {
	var pseudo [pseudoHeaderSize]byte
	src := ip.SourceAddress().As4()
	dst := ip.DestinationAddress().As4()
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[9] = ip.Protocol()
	binary.BigEndian.PutUint16(pseudo[10:], uint16(length))
	return checksum.Checksum(pseudo[:], 0)
}
