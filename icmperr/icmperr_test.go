// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package icmperr_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/neilotoole/slogt"
	"github.com/noisysockets/napt"
	"github.com/noisysockets/napt/icmperr"
	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/testutil"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/require"
)

func TestDestinationUnreachable(t *testing.T) {
	original := testutil.TCPPacket(t, testutil.TCPSegment{
		Src:     netip.MustParseAddrPort("184.72.104.217:40000"),
		Dst:     netip.MustParseAddrPort("172.64.3.1:2222"),
		Flags:   testutil.TCPFlags{SYN: true},
		Seq:     1000,
		Payload: []byte("payload that is not quoted"),
	})

	pkt, err := icmperr.DestinationUnreachable(netip.MustParseAddr("172.64.3.1"), original, header.ICMPv4PortUnreachable)
	require.NoError(t, err)

	ip, icmp := testutil.DecodeICMP(t, pkt)
	require.Equal(t, netip.MustParseAddr("172.64.3.1"), testutil.Addr(ip.SrcIP))
	require.Equal(t, netip.MustParseAddr("184.72.104.217"), testutil.Addr(ip.DstIP))
	require.Equal(t, uint8(64), ip.TTL)
	require.Equal(t, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort), icmp.TypeCode)

	// The original IP header and the first 8 bytes of the TCP header.
	require.Equal(t, original[:header.IPv4MinimumSize+8], []byte(icmp.Payload))

	require.True(t, checksum.ValidIPv4(header.IPv4(pkt)))
	require.True(t, checksum.ValidICMPv4(header.IPv4(pkt)))
}

func TestDestinationUnreachableSuppressed(t *testing.T) {
	src := netip.MustParseAddr("172.64.3.1")

	t.Run("ICMP Error", func(t *testing.T) {
		original := testutil.ICMPPacket(t, netip.MustParseAddr("184.72.104.217"), src,
			layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeHost, 0, 0, nil)

		_, err := icmperr.DestinationUnreachable(src, original, header.ICMPv4HostUnreachable)
		require.ErrorIs(t, err, icmperr.ErrSuppressed)
	})

	t.Run("Echo Request", func(t *testing.T) {
		original := testutil.ICMPEchoPacket(t, testutil.ICMPEcho{
			Src: netip.MustParseAddr("184.72.104.217"),
			Dst: netip.MustParseAddr("10.0.1.11"),
			ID:  7,
		})

		_, err := icmperr.DestinationUnreachable(src, original, header.ICMPv4HostUnreachable)
		require.NoError(t, err)
	})

	t.Run("Invalid", func(t *testing.T) {
		_, err := icmperr.DestinationUnreachable(src, []byte{0x45, 0x00}, header.ICMPv4HostUnreachable)
		require.ErrorIs(t, err, icmperr.ErrInvalidPacket)
	})

	t.Run("Unspecified Source", func(t *testing.T) {
		original := testutil.UDPPacket(t, netip.MustParseAddrPort("0.0.0.0:68"), netip.MustParseAddrPort("255.255.255.255:67"), nil)

		_, err := icmperr.DestinationUnreachable(src, original, header.ICMPv4PortUnreachable)
		require.ErrorIs(t, err, icmperr.ErrSuppressed)
	})
}

func TestSender(t *testing.T) {
	wan, peer, err := napt.Pipe(&napt.PipeConfig{
		Names: &[2]string{"wan0", "peer0"},
		Addrs: &[2]netip.Addr{netip.MustParseAddr("172.64.3.1"), netip.MustParseAddr("184.72.104.217")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, wan.Close())
		require.NoError(t, peer.Close())
	})

	sender, err := icmperr.NewSender(slogt.New(t), &icmperr.SenderConfig{
		Rate:  util.PointerTo(0.0),
		Burst: util.PointerTo(1),
	})
	require.NoError(t, err)

	original := testutil.TCPPacket(t, testutil.TCPSegment{
		Src:   netip.MustParseAddrPort("184.72.104.217:40000"),
		Dst:   netip.MustParseAddrPort("172.64.3.1:2222"),
		Flags: testutil.TCPFlags{SYN: true},
	})

	ctx := context.Background()
	require.NoError(t, sender.SendPortUnreachable(ctx, original, wan))

	bufs := [][]byte{make([]byte, 1500)}
	sizes := make([]int, 1)
	n, err := peer.Read(ctx, bufs, sizes, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, icmp := testutil.DecodeICMP(t, bufs[0][:sizes[0]])
	require.Equal(t, layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort), icmp.TypeCode)

	// The burst is spent and nothing refills it.
	require.ErrorIs(t, sender.SendHostUnreachable(ctx, original, wan), icmperr.ErrRateLimited)
}
