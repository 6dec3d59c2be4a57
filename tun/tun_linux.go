//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from wireguard-go,
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
 * of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package tun attaches a NAPT router to Linux TUN devices.
package tun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/noisysockets/napt"
	"github.com/noisysockets/napt/internal/util"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	// How often blocked reads and writes check for cancellation.
	pollInterval = 100 * time.Millisecond
)

var _ napt.Interface = (*NativeTun)(nil)

// Config is the configuration for a TUN device.
type Config struct {
	// Address (and the prefix of the attached network) assigned to the device.
	Address netip.Prefix
	// MTU of the device.
	MTU *int
}

// Default values (if not set).
var defaultConf = Config{
	MTU: util.PointerTo(1500),
}

// NativeTun is a TUN device implementation for linux.
type NativeTun struct {
	logger    *slog.Logger
	tunFile   *os.File
	closeOnce sync.Once
	name      string
	addr      netip.Addr
	mtu       int
	readOpMu  sync.Mutex
	writeOpMu sync.Mutex
}

// Create creates a TUN device with the provided name, assigns it the
// configured address and brings it up.
func Create(ctx context.Context, logger *slog.Logger, name string, conf *Config) (*NativeTun, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if !conf.Address.IsValid() || !conf.Address.Addr().Is4() {
		return nil, fmt.Errorf("invalid IPv4 address %q", conf.Address)
	}

	nfd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Create(%q) failed; %s does not exist", name, cloneDevicePath)
		}
		return nil, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(nfd)
		return nil, err
	}

	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(nfd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(nfd)
		return nil, err
	}

	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return nil, err
	}

	// Note that the above -- open,ioctl,nonblock -- must happen prior to handing it to netpoll as below this line.

	tun := &NativeTun{
		logger:  logger.With(slog.String("interface", name)),
		tunFile: os.NewFile(uintptr(nfd), cloneDevicePath),
		name:    name,
		addr:    conf.Address.Addr(),
		mtu:     *conf.MTU,
	}

	if err := tun.configure(conf.Address); err != nil {
		_ = tun.Close()
		return nil, err
	}

	return tun, nil
}

// configure assigns the address, sets the MTU and brings the link up.
func (tun *NativeTun) configure(prefix netip.Prefix) error {
	link, err := netlink.LinkByName(tun.name)
	if err != nil {
		return fmt.Errorf("failed to get link: %w", err)
	}

	if err := netlink.LinkSetMTU(link, tun.mtu); err != nil {
		return fmt.Errorf("failed to set MTU: %w", err)
	}

	err = netlink.AddrAdd(link, &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   net.IP(prefix.Addr().AsSlice()),
			Mask: net.CIDRMask(prefix.Bits(), 32),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to add address: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring link up: %w", err)
	}

	tun.logger.Debug("Configured TUN device",
		slog.String("address", prefix.String()), slog.Int("mtu", tun.mtu))

	return nil
}

func (tun *NativeTun) Close() error {
	var err error
	tun.closeOnce.Do(func() {
		err = tun.tunFile.Close()
	})
	return err
}

func (tun *NativeTun) Read(ctx context.Context, bufs [][]byte, sizes []int, offset int) (int, error) {
	tun.readOpMu.Lock()
	defer tun.readOpMu.Unlock()

	for {
		if err := tun.tunFile.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return 0, err
		}

		n, err := tun.tunFile.Read(bufs[0][offset:])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(err, syscall.EBADFD) {
				return 0, os.ErrClosed
			}
			return 0, err
		}

		sizes[0] = n
		return 1, nil
	}
}

func (tun *NativeTun) Write(ctx context.Context, bufs [][]byte, sizes []int, offset int) (int, error) {
	tun.writeOpMu.Lock()
	defer tun.writeOpMu.Unlock()

	for i, buf := range bufs {
		buf = buf[offset : offset+sizes[i]]

		for {
			if err := tun.tunFile.SetWriteDeadline(time.Now().Add(pollInterval)); err != nil {
				return i, err
			}

			_, err := tun.tunFile.Write(buf)
			if err == nil {
				break
			}

			if errors.Is(err, os.ErrDeadlineExceeded) {
				select {
				case <-ctx.Done():
					return i, ctx.Err()
				default:
					continue
				}
			}
			if errors.Is(err, syscall.EBADFD) {
				return i, os.ErrClosed
			}
			return i, err
		}
	}

	return len(bufs), nil
}

func (tun *NativeTun) Name() string {
	return tun.name
}

func (tun *NativeTun) Addr() netip.Addr {
	return tun.addr
}

func (tun *NativeTun) MTU() int {
	return tun.mtu
}

func (tun *NativeTun) BatchSize() int {
	return 1
}
