// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package routing_test

import (
	"net/netip"
	"testing"

	"github.com/noisysockets/napt"
	"github.com/noisysockets/napt/routing"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	lan, wan, err := napt.Pipe(&napt.PipeConfig{
		Names: &[2]string{"lan0", "wan0"},
		Addrs: &[2]netip.Addr{netip.MustParseAddr("10.0.1.1"), netip.MustParseAddr("172.64.3.1")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, lan.Close())
		require.NoError(t, wan.Close())
	})

	table := routing.NewTable()
	table.AddInterface(wan)
	table.AddInterface(lan)

	t.Run("Interfaces", func(t *testing.T) {
		nic, ok := table.InterfaceByName("lan0")
		require.True(t, ok)
		require.Equal(t, netip.MustParseAddr("10.0.1.1"), nic.Addr())

		_, ok = table.InterfaceByName("eth9")
		require.False(t, ok)

		nics := table.Interfaces()
		require.Len(t, nics, 2)
		require.Equal(t, "lan0", nics[0].Name())
		require.Equal(t, "wan0", nics[1].Name())
	})

	require.NoError(t, table.AddRoute(netip.MustParsePrefix("0.0.0.0/0"), "wan0"))
	require.NoError(t, table.AddRoute(netip.MustParsePrefix("10.0.1.0/24"), "lan0"))
	require.NoError(t, table.AddRoute(netip.MustParsePrefix("10.0.1.128/25"), "lan1"))

	t.Run("Longest Prefix Match", func(t *testing.T) {
		testCases := []struct {
			dst   string
			iface string
		}{
			{"10.0.1.11", "lan0"},
			{"10.0.1.200", "lan1"},
			{"10.0.2.1", "wan0"},
			{"184.72.104.217", "wan0"},
		}

		for _, tc := range testCases {
			iface, ok := table.LongestPrefixMatch(netip.MustParseAddr(tc.dst))
			require.True(t, ok, tc.dst)
			require.Equal(t, tc.iface, iface, tc.dst)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		require.NoError(t, table.AddRoute(netip.MustParsePrefix("10.0.1.128/25"), "lan0"))

		iface, ok := table.LongestPrefixMatch(netip.MustParseAddr("10.0.1.200"))
		require.True(t, ok)
		require.Equal(t, "lan0", iface)
	})

	t.Run("Remove", func(t *testing.T) {
		removed, err := table.RemoveRoute(netip.MustParsePrefix("0.0.0.0/0"))
		require.NoError(t, err)
		require.True(t, removed)

		_, ok := table.LongestPrefixMatch(netip.MustParseAddr("184.72.104.217"))
		require.False(t, ok)

		removed, err = table.RemoveRoute(netip.MustParsePrefix("192.168.0.0/16"))
		require.NoError(t, err)
		require.False(t, removed)
	})

	t.Run("IPv6", func(t *testing.T) {
		err := table.AddRoute(netip.MustParsePrefix("fd00::/8"), "lan0")
		require.ErrorIs(t, err, routing.ErrNotIPv4)

		_, ok := table.LongestPrefixMatch(netip.MustParseAddr("fd00::1"))
		require.False(t, ok)
	})
}
