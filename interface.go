// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package napt provides the packet interfaces a NAPT router forwards between.
package napt

import (
	"context"
	"io"
	"net/netip"
)

// Interface is a named, addressed network interface that reads and writes
// raw IPv4 packets.
type Interface interface {
	io.Closer

	// Name returns the name of the interface.
	Name() string

	// Addr returns the IPv4 address assigned to the interface.
	Addr() netip.Addr

	// MTU returns the Maximum Transmission Unit of the interface.
	MTU() int

	// BatchSize returns the preferred/max number of packets that can be read or
	// written in a single read/write call.
	BatchSize() int

	// Read one or more packets from the interface (without any additional headers).
	// On a successful read it returns the number of packets read, and sets
	// packet lengths within the sizes slice. len(sizes) must be >= len(bufs).
	// A nonzero offset can be used to instruct the interface on where to begin
	// reading into each element of the bufs slice.
	Read(ctx context.Context, bufs [][]byte, sizes []int, offset int) (int, error)

	// Write one or more packets to the interface (without any additional headers).
	// On a successful write it returns the number of packets written. A nonzero
	// offset can be used to instruct the interface on where to begin writing from
	// each packet contained within the bufs slice.
	Write(ctx context.Context, bufs [][]byte, sizes []int, offset int) (int, error)
}
