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
	"fmt"
	"net/netip"
	"os"

	"github.com/noisysockets/napt/internal/util"
)

// PipeConfig is the configuration for a pair of connected interfaces.
type PipeConfig struct {
	// Names of the two ends of the pipe.
	Names *[2]string
	// Addresses assigned to the two ends of the pipe.
	Addrs *[2]netip.Addr
	// MTU of both ends.
	MTU *int
	// BatchSize of both ends, also the capacity of each direction.
	BatchSize *int
}

var defaultPipeConf = PipeConfig{
	Names:     &[2]string{"pipe0", "pipe1"},
	Addrs:     &[2]netip.Addr{},
	MTU:       util.PointerTo(1500),
	BatchSize: util.PointerTo(64),
}

type pipeEndpoint struct {
	name      string
	addr      netip.Addr
	cancel    context.CancelFunc
	closed    <-chan struct{}
	mtu       int
	batchSize int
	recvCh    chan []byte
	sendCh    chan []byte
}

// Pipe creates a pair of connected interfaces that can be used to simulate a
// network connection. This is similar to a linux veth device.
func Pipe(conf *PipeConfig) (Interface, Interface, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultPipeConf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	aToB := make(chan []byte, *conf.BatchSize)
	bToA := make(chan []byte, *conf.BatchSize)

	a := &pipeEndpoint{
		name:      conf.Names[0],
		addr:      conf.Addrs[0],
		cancel:    cancel,
		closed:    ctx.Done(),
		mtu:       *conf.MTU,
		batchSize: *conf.BatchSize,
		recvCh:    bToA,
		sendCh:    aToB,
	}

	b := &pipeEndpoint{
		name:      conf.Names[1],
		addr:      conf.Addrs[1],
		cancel:    cancel,
		closed:    ctx.Done(),
		mtu:       *conf.MTU,
		batchSize: *conf.BatchSize,
		recvCh:    aToB,
		sendCh:    bToA,
	}

	return a, b, nil
}

func (p *pipeEndpoint) Name() string {
	return p.name
}

func (p *pipeEndpoint) Addr() netip.Addr {
	return p.addr
}

func (p *pipeEndpoint) MTU() int {
	return p.mtu
}

func (p *pipeEndpoint) BatchSize() int {
	return p.batchSize
}

func (p *pipeEndpoint) Read(ctx context.Context, bufs [][]byte, sizes []int, offset int) (n int, err error) {
	processPacket := func(idx int, packet []byte) {
		sizes[idx] = copy(bufs[idx][offset:], packet)
		n++
	}

	for i := range bufs {
		if i == 0 {
			// Read at least one packet.
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-p.closed:
				return n, os.ErrClosed
			case packet := <-p.recvCh:
				processPacket(i, packet)
			}
		} else {
			select {
			case packet := <-p.recvCh:
				processPacket(i, packet)
			default:
				// No more packets available.
				return n, nil
			}
		}
	}

	return n, nil
}

func (p *pipeEndpoint) Write(ctx context.Context, bufs [][]byte, sizes []int, offset int) (int, error) {
	for i, buf := range bufs {
		select {
		case <-p.closed:
			return i, os.ErrClosed
		default:
		}

		packet := make([]byte, sizes[i])
		copy(packet, buf[offset:offset+sizes[i]])

		select {
		case <-ctx.Done():
			return i, ctx.Err()
		case <-p.closed:
			return i, os.ErrClosed
		case p.sendCh <- packet:
		}
	}
	return len(bufs), nil
}

func (p *pipeEndpoint) Close() error {
	p.cancel()
	return nil
}
