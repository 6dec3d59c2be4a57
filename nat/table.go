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
	"net/netip"
	"time"
)

var (
	// ErrPortsExhausted is returned when every external port of the configured
	// range is in use for a mapping type.
	ErrPortsExhausted = errors.New("external ports exhausted")
	// ErrMappingExists is returned when inserting a mapping for an internal
	// endpoint that already has one.
	ErrMappingExists = errors.New("mapping already exists")
)

// table holds the live mappings. It is not safe for concurrent use, all
// methods must be called with the NAT lock held.
type table struct {
	minPort    uint16
	maxPort    uint16
	byInternal map[internalKey]*mapping
	byExternal map[externalKey]*mapping
	// Next external port to try, per mapping type.
	cursor map[Type]uint16
}

func newTable(minPort, maxPort uint16) *table {
	return &table{
		minPort:    minPort,
		maxPort:    maxPort,
		byInternal: make(map[internalKey]*mapping),
		byExternal: make(map[externalKey]*mapping),
		cursor:     make(map[Type]uint16),
	}
}

func (t *table) lookupInternalLocked(typ Type, addr netip.Addr, port uint16) (*mapping, bool) {
	m, ok := t.byInternal[internalKey{typ: typ, addr: addr, port: port}]
	return m, ok
}

func (t *table) lookupExternalLocked(typ Type, port uint16) (*mapping, bool) {
	m, ok := t.byExternal[externalKey{typ: typ, port: port}]
	return m, ok
}

// insertLocked creates a mapping for the internal endpoint with a fresh
// external port. TCP mappings start without connections.
func (t *table) insertLocked(typ Type, internalAddr netip.Addr, internalPort uint16, externalAddr netip.Addr, now time.Time) (*mapping, error) {
	externalPort, err := t.allocatePortLocked(typ)
	if err != nil {
		return nil, err
	}

	m := &mapping{
		typ:          typ,
		internalAddr: internalAddr,
		internalPort: internalPort,
		externalAddr: externalAddr,
		externalPort: externalPort,
		lastActivity: now,
	}
	if typ == TypeTCP {
		m.conns = make(map[peerKey]*conn)
	}

	t.byInternal[m.internalKey()] = m
	t.byExternal[m.externalKey()] = m

	return m, nil
}

// getOrCreateLocked returns the mapping of the internal endpoint, inserting
// one if none exists.
func (t *table) getOrCreateLocked(typ Type, internalAddr netip.Addr, internalPort uint16, externalAddr netip.Addr, now time.Time) (m *mapping, created bool, err error) {
	if m, ok := t.lookupInternalLocked(typ, internalAddr, internalPort); ok {
		return m, false, nil
	}

	m, err = t.insertLocked(typ, internalAddr, internalPort, externalAddr, now)
	if err != nil {
		return nil, false, err
	}

	return m, true, nil
}

func (t *table) removeLocked(m *mapping) {
	delete(t.byInternal, m.internalKey())
	delete(t.byExternal, m.externalKey())
}

func (t *table) lenLocked() int {
	return len(t.byInternal)
}

// allocatePortLocked hands out ports in increasing order from the cursor,
// wrapping at the end of the range and skipping ports still in use.
func (t *table) allocatePortLocked(typ Type) (uint16, error) {
	span := int(t.maxPort) - int(t.minPort) + 1

	next := t.cursor[typ]
	for i := 0; i < span; i++ {
		port := next
		if port < t.minPort || port > t.maxPort {
			port = t.minPort
		}
		next = port + 1

		if _, inUse := t.byExternal[externalKey{typ: typ, port: port}]; !inUse {
			t.cursor[typ] = next
			return port, nil
		}
	}

	return 0, ErrPortsExhausted
}
