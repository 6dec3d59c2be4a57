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
	"net/netip"
	"slices"
	"time"
)

// Type is the kind of flow a mapping translates.
type Type int

const (
	// TypeICMP maps an ICMP echo identifier.
	TypeICMP Type = iota
	// TypeTCP maps a TCP port.
	TypeTCP
)

func (t Type) String() string {
	switch t {
	case TypeICMP:
		return "icmp"
	case TypeTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// Mapping is a snapshot of a translation entry.
type Mapping struct {
	Type Type
	// InternalAddr and InternalPort identify the host behind the NAT. For ICMP
	// the port is the echo identifier.
	InternalAddr netip.Addr
	InternalPort uint16
	// ExternalAddr and ExternalPort are what the outside world sees.
	ExternalAddr netip.Addr
	ExternalPort uint16
	LastActivity time.Time
	// Connections is empty for ICMP mappings.
	Connections []Connection
}

// Connection is a snapshot of the state of one TCP peer of a mapping.
type Connection struct {
	DestinationAddr netip.Addr
	DestinationPort uint16
	LastActivity    time.Time
	// Sequence numbers of the last FIN seen in each direction.
	FinSentSeq     uint32
	FinReceivedSeq uint32
	State          State
}

type internalKey struct {
	typ  Type
	addr netip.Addr
	port uint16
}

type externalKey struct {
	typ  Type
	port uint16
}

type peerKey struct {
	addr netip.Addr
	port uint16
}

type mapping struct {
	typ          Type
	internalAddr netip.Addr
	internalPort uint16
	externalAddr netip.Addr
	externalPort uint16
	lastActivity time.Time
	conns        map[peerKey]*conn
}

type conn struct {
	peer           peerKey
	lastActivity   time.Time
	finSentSeq     uint32
	finReceivedSeq uint32
	state          State
}

func (m *mapping) internalKey() internalKey {
	return internalKey{typ: m.typ, addr: m.internalAddr, port: m.internalPort}
}

func (m *mapping) externalKey() externalKey {
	return externalKey{typ: m.typ, port: m.externalPort}
}

// connLocked returns the connection to peer, creating it in state initial if
// it does not exist yet.
func (m *mapping) connLocked(peer peerKey, initial State, now time.Time) (c *conn, created bool) {
	if c, ok := m.conns[peer]; ok {
		return c, false
	}

	c = &conn{
		peer:         peer,
		lastActivity: now,
		state:        initial,
	}
	m.conns[peer] = c
	return c, true
}

func (m *mapping) snapshot() Mapping {
	s := Mapping{
		Type:         m.typ,
		InternalAddr: m.internalAddr,
		InternalPort: m.internalPort,
		ExternalAddr: m.externalAddr,
		ExternalPort: m.externalPort,
		LastActivity: m.lastActivity,
	}

	for _, c := range m.conns {
		s.Connections = append(s.Connections, Connection{
			DestinationAddr: c.peer.addr,
			DestinationPort: c.peer.port,
			LastActivity:    c.lastActivity,
			FinSentSeq:      c.finSentSeq,
			FinReceivedSeq:  c.finReceivedSeq,
			State:           c.state,
		})
	}

	slices.SortFunc(s.Connections, func(a, b Connection) int {
		if c := a.DestinationAddr.Compare(b.DestinationAddr); c != 0 {
			return c
		}
		return int(a.DestinationPort) - int(b.DestinationPort)
	})

	return s
}
