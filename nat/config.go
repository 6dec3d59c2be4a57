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
	"fmt"
	"time"

	"github.com/noisysockets/napt/internal/util"
)

// UnsolicitedSynTimeout is how long an inbound SYN for an unmapped port is
// held before the sender is told the port is unreachable.
const UnsolicitedSynTimeout = 6 * time.Second

// sweepInterval is the period of the background collector.
const sweepInterval = time.Second

// Config is the configuration for the NAT.
type Config struct {
	// Name of the interface facing the external network. Required.
	ExternalInterface string
	// Enable address translation. When disabled every packet is routed as is.
	Enabled *bool
	// How long an ICMP echo mapping may stay idle before it is removed.
	ICMPTimeout *time.Duration
	// How long an established TCP connection may stay idle before it is removed.
	TCPEstablishedTimeout *time.Duration
	// How long a TCP connection in any other state may stay idle before it is removed.
	TCPTransitoryTimeout *time.Duration
	// Lowest external port / ICMP identifier handed out.
	MinPort *uint16
	// Highest external port / ICMP identifier handed out.
	MaxPort *uint16
	// Maximum number of unsolicited SYNs held at once. The oldest is dropped
	// when the queue is full.
	MaxPendingSyns *int
}

// Default values (if not set).
var defaultConf = Config{
	Enabled:               util.PointerTo(true),
	ICMPTimeout:           util.PointerTo(60 * time.Second),
	TCPEstablishedTimeout: util.PointerTo(7680 * time.Second),
	TCPTransitoryTimeout:  util.PointerTo(240 * time.Second),
	MinPort:               util.PointerTo(uint16(1024)),
	MaxPort:               util.PointerTo(uint16(65535)),
	MaxPendingSyns:        util.PointerTo(1024),
}

func (conf *Config) validate() error {
	if *conf.Enabled && conf.ExternalInterface == "" {
		return errors.New("external interface is required")
	}

	if *conf.ICMPTimeout <= 0 || *conf.TCPEstablishedTimeout <= 0 || *conf.TCPTransitoryTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}

	if *conf.MinPort == 0 || *conf.MinPort > *conf.MaxPort {
		return fmt.Errorf("invalid port range %d-%d", *conf.MinPort, *conf.MaxPort)
	}

	if *conf.MaxPendingSyns <= 0 {
		return errors.New("pending SYN queue size must be positive")
	}

	return nil
}
