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
	"log/slog"
	"time"

	"github.com/noisysockets/napt/icmperr"
)

func (n *NAT) collect() error {
	n.logger.Debug("Started collector")
	defer n.logger.Debug("Finished collector")

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.tasksCtx.Done():
			return nil
		case <-ticker.C:
			n.Sweep(n.now())
		}
	}
}

// Sweep removes the state that has been idle for too long as of now, and
// rejects unsolicited SYNs nobody claimed in time. It is called every second
// by the background collector.
func (n *NAT) Sweep(now time.Time) {
	n.mu.Lock()
	rejected := n.sweepLocked(now)
	n.mu.Unlock()

	if len(rejected) == 0 {
		return
	}

	external, ok := n.router.InterfaceByName(n.externalInterface)
	if !ok {
		n.logger.Warn("External interface not found, not rejecting unsolicited SYNs",
			slog.Int("count", len(rejected)))
		return
	}

	for _, syn := range rejected {
		err := n.sender.SendPortUnreachable(n.tasksCtx, syn.packet, external)
		switch {
		case err == nil:
		case errors.Is(err, icmperr.ErrRateLimited):
			n.logger.Debug("Port unreachable rate limited",
				slog.Int("port", int(syn.externalPort)))
		default:
			n.logger.Warn("Failed to send port unreachable",
				slog.Int("port", int(syn.externalPort)), slog.Any("error", err))
		}
	}
}

// sweepLocked evicts expired state and returns the pending SYNs that need a
// port unreachable.
func (n *NAT) sweepLocked(now time.Time) []*pendingSyn {
	for _, m := range n.table.byInternal {
		switch m.typ {
		case TypeICMP:
			if now.Sub(m.lastActivity) > n.icmpTimeout {
				n.evictLocked(m)
			}

		case TypeTCP:
			for peer, c := range m.conns {
				timeout := n.tcpTransitoryTimeout
				if c.state.Established() {
					timeout = n.tcpEstablishedTimeout
				}

				if now.Sub(c.lastActivity) > timeout {
					delete(m.conns, peer)
				}
			}

			if len(m.conns) == 0 {
				n.evictLocked(m)
			}
		}
	}

	var rejected []*pendingSyn
	for _, syn := range n.pending.popExpiredLocked(now, UnsolicitedSynTimeout) {
		if _, ok := n.table.lookupExternalLocked(TypeTCP, syn.externalPort); ok {
			continue
		}
		rejected = append(rejected, syn)
	}

	return rejected
}

func (n *NAT) evictLocked(m *mapping) {
	n.table.removeLocked(m)

	n.logger.Debug("Evicted mapping",
		slog.String("type", m.typ.String()),
		slog.Int("externalPort", int(m.externalPort)))
}
