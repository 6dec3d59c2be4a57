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
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type pendingSyn struct {
	received     time.Time
	externalPort uint16
	packet       []byte
}

// pendingQueue holds unsolicited SYNs in arrival order. It is bounded, the
// oldest entry is dropped to make room for a new one. Not safe for
// concurrent use.
type pendingQueue struct {
	logger *slog.Logger
	seq    uint64
	lru    *simplelru.LRU[uint64, *pendingSyn]
}

func newPendingQueue(logger *slog.Logger, size int) (*pendingQueue, error) {
	q := &pendingQueue{logger: logger}

	var err error
	q.lru, err = simplelru.NewLRU[uint64, *pendingSyn](size, nil)
	if err != nil {
		return nil, err
	}

	return q, nil
}

func (q *pendingQueue) pushLocked(syn *pendingSyn) {
	q.seq++
	if evicted := q.lru.Add(q.seq, syn); evicted {
		q.logger.Warn("Pending SYN queue full, dropped oldest entry",
			slog.Int("size", q.lru.Len()))
	}
}

// popExpiredLocked removes and returns every entry received more than
// timeout before now.
func (q *pendingQueue) popExpiredLocked(now time.Time, timeout time.Duration) []*pendingSyn {
	var expired []*pendingSyn
	for {
		_, syn, ok := q.lru.GetOldest()
		if !ok || now.Sub(syn.received) <= timeout {
			return expired
		}

		q.lru.RemoveOldest()
		expired = append(expired, syn)
	}
}

func (q *pendingQueue) lenLocked() int {
	return q.lru.Len()
}
