//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tun_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/neilotoole/slogt"
	"github.com/noisysockets/napt/internal/checksum"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/napt/tun"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/pinger"
	"github.com/stretchr/testify/require"
)

func TestTunInterface(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("creating TUN devices requires root")
	}

	logger := slogt.New(t)

	nicName := fmt.Sprintf("napt%d", os.Getpid()%100000)

	ctx := context.Background()
	nic, err := tun.Create(ctx, logger, nicName, &tun.Config{
		Address: netip.MustParsePrefix("100.64.0.1/24"),
		MTU:     util.PointerTo(1400),
	})
	if err != nil {
		t.Skipf("TUN devices unavailable: %v", err)
	}
	t.Cleanup(func() {
		require.NoError(t, nic.Close())
	})

	require.Equal(t, nicName, nic.Name())
	require.Equal(t, netip.MustParseAddr("100.64.0.1"), nic.Addr())
	require.Equal(t, 1400, nic.MTU())
	require.Equal(t, 1, nic.BatchSize())

	t.Run("udp4", func(t *testing.T) {
		// The kernel routes the attached network through the device.
		conn, err := net.Dial("udp4", "100.64.0.2:9999")
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = conn.Close()
		})

		_, err = conn.Write([]byte("hello"))
		require.NoError(t, err)

		readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		bufs := [][]byte{make([]byte, nic.MTU())}
		sizes := make([]int, 1)
		for {
			n, err := nic.Read(readCtx, bufs, sizes, 0)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			pkt := gopacket.NewPacket(bufs[0][:sizes[0]], layers.LayerTypeIPv4, gopacket.Default)
			udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || udp.DstPort != 9999 {
				// Ignore unrelated traffic from the kernel.
				continue
			}

			require.Equal(t, "hello", string(udp.Payload))
			return
		}
	})

	t.Run("icmp4", func(t *testing.T) {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		// Answer echo requests for 100.64.0.2 from the far side of the device.
		responderErr := make(chan error, 1)
		go func() {
			responderErr <- answerPings(pingCtx, nic)
		}()

		p := pinger.New()

		for i := 0; i < 10; i++ {
			err := p.Ping(pingCtx, "ip4", "100.64.0.2")
			require.NoError(t, err)
		}

		cancel()
		require.ErrorIs(t, <-responderErr, context.Canceled)
	})
}

// answerPings reads packets from nic and writes an echo reply back for every
// echo request, until ctx is done.
func answerPings(ctx context.Context, nic *tun.NativeTun) error {
	bufs := [][]byte{make([]byte, nic.MTU())}
	sizes := make([]int, 1)

	for {
		if _, err := nic.Read(ctx, bufs, sizes, 0); err != nil {
			return err
		}

		ip := header.IPv4(bufs[0][:sizes[0]])
		if !ip.IsValid(len(ip)) || ip.TransportProtocol() != header.ICMPv4ProtocolNumber {
			continue
		}

		icmp := header.ICMPv4(ip.Payload())
		if len(icmp) < header.ICMPv4MinimumSize || icmp.Type() != header.ICMPv4Echo {
			continue
		}

		src, dst := ip.SourceAddress(), ip.DestinationAddress()
		ip.SetSourceAddress(dst)
		ip.SetDestinationAddress(src)
		icmp.SetType(header.ICMPv4EchoReply)
		checksum.SetICMPv4(ip)
		checksum.SetIPv4(ip)

		if _, err := nic.Write(ctx, [][]byte{ip}, []int{len(ip)}, 0); err != nil {
			return err
		}
	}
}
