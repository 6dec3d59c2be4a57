// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package checksum_test

import (
	"encoding/hex"
	"net/netip"
	"testing"

	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/testutil"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	t.Run("IPv4 Header", func(t *testing.T) {
		hdr, err := hex.DecodeString("450000730000400040110000c0a80001c0a800c7")
		require.NoError(t, err)

		require.Equal(t, uint16(0xb861), checksum.Checksum(hdr, 0))
	})

	t.Run("Zero Maps To All Ones", func(t *testing.T) {
		require.Equal(t, uint16(0xffff), checksum.Checksum([]byte{0xff, 0xff}, 0))
		require.Equal(t, uint16(0xffff), checksum.Checksum([]byte{0xff, 0xff, 0xff, 0xff}, 0))
	})

	t.Run("Odd Length", func(t *testing.T) {
		require.Equal(t, ^uint16(0x0100), checksum.Checksum([]byte{0x01}, 0))
	})
}

func TestSetIPv4(t *testing.T) {
	pkt := testutil.ICMPEchoPacket(t, testutil.ICMPEcho{
		Src: netip.MustParseAddr("10.0.1.11"),
		Dst: netip.MustParseAddr("172.64.3.1"),
		ID:  7,
	})
	ip := header.IPv4(pkt)
	require.True(t, checksum.ValidIPv4(ip))

	ip.SetSourceAddress(header.IPv4Any)
	require.False(t, checksum.ValidIPv4(ip))

	checksum.SetIPv4(ip)
	require.True(t, checksum.ValidIPv4(ip))
	require.True(t, ip.IsChecksumValid())
}

func TestSetTCP(t *testing.T) {
	pkt := testutil.TCPPacket(t, testutil.TCPSegment{
		Src:     netip.MustParseAddrPort("10.0.1.11:40000"),
		Dst:     netip.MustParseAddrPort("172.64.3.1:80"),
		Flags:   testutil.TCPFlags{SYN: true},
		Seq:     1000,
		Payload: []byte("odd"),
	})
	ip := header.IPv4(pkt)
	require.True(t, checksum.ValidTCP(ip))

	tcp := header.TCP(ip.Payload())
	tcp.SetSourcePort(1024)
	require.False(t, checksum.ValidTCP(ip))

	checksum.SetTCP(ip)
	require.True(t, checksum.ValidTCP(ip))

	_, decoded := testutil.DecodeTCP(t, pkt)
	require.Equal(t, uint16(1024), uint16(decoded.SrcPort))
}

func TestSetICMPv4(t *testing.T) {
	pkt := testutil.ICMPEchoPacket(t, testutil.ICMPEcho{
		Src:     netip.MustParseAddr("10.0.1.11"),
		Dst:     netip.MustParseAddr("172.64.3.1"),
		ID:      7,
		Seq:     1,
		Payload: make([]byte, 56),
	})
	ip := header.IPv4(pkt)
	require.True(t, checksum.ValidICMPv4(ip))

	header.ICMPv4(ip.Payload()).SetIdent(1024)
	require.False(t, checksum.ValidICMPv4(ip))

	checksum.SetICMPv4(ip)
	require.True(t, checksum.ValidICMPv4(ip))
}
