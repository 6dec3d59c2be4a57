// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package routing

import (
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ImportHostRoutes copies the IPv4 routes of the host's main routing table
// whose output interface is registered with t. It returns the number of
// routes added.
func ImportHostRoutes(t *Table) (int, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return 0, fmt.Errorf("failed to list host routes: %w", err)
	}

	var added int
	for _, r := range routes {
		if r.LinkIndex == 0 {
			continue
		}

		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			return added, fmt.Errorf("failed to get link %d: %w", r.LinkIndex, err)
		}

		name := link.Attrs().Name
		if _, ok := t.InterfaceByName(name); !ok {
			continue
		}

		prefix := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		if r.Dst != nil {
			addr, ok := netip.AddrFromSlice(r.Dst.IP)
			if !ok {
				continue
			}
			bits, _ := r.Dst.Mask.Size()
			prefix = netip.PrefixFrom(addr.Unmap(), bits)
		}

		if err := t.AddRoute(prefix, name); err != nil {
			return added, err
		}
		added++
	}

	return added, nil
}

// HostInterfaceAddr returns the first IPv4 address assigned to the named
// host interface.
func HostInterfaceAddr(name string) (netip.Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to get link %s: %w", name, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}

	for _, a := range addrs {
		if addr, ok := netip.AddrFromSlice(a.IP); ok {
			return addr.Unmap(), nil
		}
	}

	return netip.Addr{}, fmt.Errorf("no IPv4 address on %s", name)
}
