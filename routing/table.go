// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package routing provides the interface registry and IPv4 route table a
// NAPT router forwards with.
package routing

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/noisysockets/napt"
	"github.com/yl2chen/cidranger"
)

// ErrNotIPv4 is returned for routes that are not IPv4 prefixes.
var ErrNotIPv4 = errors.New("not an IPv4 prefix")

type route struct {
	network net.IPNet
	iface   string
}

func (r *route) Network() net.IPNet {
	return r.network
}

// Table maps destinations to output interfaces. It is safe for concurrent
// use.
type Table struct {
	mu         sync.RWMutex
	interfaces map[string]napt.Interface
	routes     cidranger.Ranger
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{
		interfaces: make(map[string]napt.Interface),
		routes:     cidranger.NewPCTrieRanger(),
	}
}

// AddInterface registers nic under its name, replacing any interface of the
// same name.
func (t *Table) AddInterface(nic napt.Interface) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.interfaces[nic.Name()] = nic
}

// InterfaceByName returns the registered interface with the given name.
func (t *Table) InterfaceByName(name string) (napt.Interface, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nic, ok := t.interfaces[name]
	return nic, ok
}

// Interfaces returns the registered interfaces ordered by name.
func (t *Table) Interfaces() []napt.Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nics := make([]napt.Interface, 0, len(t.interfaces))
	for _, nic := range t.interfaces {
		nics = append(nics, nic)
	}

	slices.SortFunc(nics, func(a, b napt.Interface) int {
		return strings.Compare(a.Name(), b.Name())
	})

	return nics
}

// AddRoute sends traffic for prefix out of the named interface, replacing
// any existing route for the same prefix.
func (t *Table) AddRoute(prefix netip.Prefix, iface string) error {
	network, err := ipNet(prefix)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.routes.Remove(network); err != nil {
		return fmt.Errorf("failed to replace route %s: %w", prefix, err)
	}

	if err := t.routes.Insert(&route{network: network, iface: iface}); err != nil {
		return fmt.Errorf("failed to add route %s: %w", prefix, err)
	}

	return nil
}

// RemoveRoute deletes the route for prefix, reporting whether it existed.
func (t *Table) RemoveRoute(prefix netip.Prefix) (bool, error) {
	network, err := ipNet(prefix)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed, err := t.routes.Remove(network)
	if err != nil {
		return false, fmt.Errorf("failed to remove route %s: %w", prefix, err)
	}

	return removed != nil, nil
}

// LongestPrefixMatch returns the output interface of the most specific route
// covering dst.
func (t *Table) LongestPrefixMatch(dst netip.Addr) (string, bool) {
	dst = dst.Unmap()
	if !dst.Is4() {
		return "", false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	entries, err := t.routes.ContainingNetworks(net.IP(dst.AsSlice()))
	if err != nil || len(entries) == 0 {
		return "", false
	}

	var (
		best     *route
		bestBits = -1
	)
	for _, entry := range entries {
		r := entry.(*route)
		if bits, _ := r.network.Mask.Size(); bits > bestBits {
			best, bestBits = r, bits
		}
	}

	return best.iface, true
}

func ipNet(prefix netip.Prefix) (net.IPNet, error) {
	if !prefix.IsValid() || !prefix.Addr().Unmap().Is4() {
		return net.IPNet{}, fmt.Errorf("%s: %w", prefix, ErrNotIPv4)
	}

	prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()).Masked()

	return net.IPNet{
		IP:   net.IP(prefix.Addr().AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), 32),
	}, nil
}
