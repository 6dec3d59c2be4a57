// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package testutil builds and decodes IPv4 packets for tests.
package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// TCPFlags selects the control bits of a test segment.
type TCPFlags struct {
	SYN, ACK, FIN, RST bool
}

// TCPSegment describes a TCP/IPv4 packet to build.
type TCPSegment struct {
	Src, Dst netip.AddrPort
	Flags    TCPFlags
	Seq      uint32
	Ack      uint32
	Payload  []byte
}

// TCPPacket serializes seg into an IPv4 datagram with valid checksums.
func TCPPacket(t testing.TB, seg TCPSegment) []byte {
	t.Helper()

	ip := ipv4Layer(seg.Src.Addr(), seg.Dst.Addr(), layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.Src.Port()),
		DstPort: layers.TCPPort(seg.Dst.Port()),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.Flags.SYN,
		ACK:     seg.Flags.ACK,
		FIN:     seg.Flags.FIN,
		RST:     seg.Flags.RST,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	return serialize(t, ip, tcp, gopacket.Payload(seg.Payload))
}

// ICMPEcho describes an ICMPv4 echo request or reply to build.
type ICMPEcho struct {
	Src, Dst netip.Addr
	Reply    bool
	ID       uint16
	Seq      uint16
	Payload  []byte
}

// ICMPEchoPacket serializes echo into an IPv4 datagram with valid checksums.
func ICMPEchoPacket(t testing.TB, echo ICMPEcho) []byte {
	t.Helper()

	typ := uint8(layers.ICMPv4TypeEchoRequest)
	if echo.Reply {
		typ = layers.ICMPv4TypeEchoReply
	}

	return ICMPPacket(t, echo.Src, echo.Dst, typ, 0, echo.ID, echo.Seq, echo.Payload)
}

// ICMPPacket serializes an arbitrary ICMPv4 message into an IPv4 datagram.
func ICMPPacket(t testing.TB, src, dst netip.Addr, typ, code uint8, id, seq uint16, payload []byte) []byte {
	t.Helper()

	ip := ipv4Layer(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, code),
		Id:       id,
		Seq:      seq,
	}

	return serialize(t, ip, icmp, gopacket.Payload(payload))
}

// UDPPacket serializes a UDP/IPv4 datagram.
func UDPPacket(t testing.TB, src, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()

	ip := ipv4Layer(src.Addr(), dst.Addr(), layers.IPProtocolUDP)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	return serialize(t, ip, udp, gopacket.Payload(payload))
}

// Decode parses an IPv4 datagram, failing the test on any decoding error.
func Decode(t testing.TB, pkt []byte) gopacket.Packet {
	t.Helper()

	p := gopacket.NewPacket(pkt, layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := p.ErrorLayer(); errLayer != nil {
		require.NoError(t, errLayer.Error())
	}

	return p
}

// DecodeTCP returns the IPv4 and TCP layers of pkt.
func DecodeTCP(t testing.TB, pkt []byte) (*layers.IPv4, *layers.TCP) {
	t.Helper()

	p := Decode(t, pkt)
	ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok, "missing IPv4 layer")
	tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok, "missing TCP layer")

	return ip, tcp
}

// DecodeICMP returns the IPv4 and ICMPv4 layers of pkt.
func DecodeICMP(t testing.TB, pkt []byte) (*layers.IPv4, *layers.ICMPv4) {
	t.Helper()

	p := Decode(t, pkt)
	ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok, "missing IPv4 layer")
	icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok, "missing ICMPv4 layer")

	return ip, icmp
}

// Addr converts a decoded layer address into a netip.Addr.
func Addr(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip.To4())
	return addr
}

func ipv4Layer(src, dst netip.Addr, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func serialize(t testing.TB, l ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))

	pkt := make([]byte, len(buf.Bytes()))
	copy(pkt, buf.Bytes())
	return pkt
}
