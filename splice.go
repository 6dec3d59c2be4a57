// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package napt

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Splice splices (bidirectional copy) two network interfaces together. It
// returns when either interface fails or ctx is canceled.
func Splice(ctx context.Context, nicA, nicB Interface) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return copyPackets(ctx, nicA, nicB)
	})

	g.Go(func() error {
		return copyPackets(ctx, nicB, nicA)
	})

	return g.Wait()
}

func copyPackets(ctx context.Context, dst, src Interface) error {
	batchSize := src.BatchSize()

	sizes := make([]int, batchSize)
	bufs := make([][]byte, batchSize)
	for i := range bufs {
		bufs[i] = make([]byte, src.MTU())
	}

	for {
		n, err := src.Read(ctx, bufs, sizes, 0)
		if err != nil {
			return err
		}

		for written := 0; written < n; {
			m, err := dst.Write(ctx, bufs[written:n], sizes[written:n], 0)
			if err != nil {
				return err
			}
			written += m
		}
	}
}
