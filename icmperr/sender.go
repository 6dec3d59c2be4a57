// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package icmperr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/noisysockets/napt"
	"github.com/noisysockets/napt/internal/util"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when an ICMP error is not sent because the
// sender is over its rate limit.
var ErrRateLimited = errors.New("ICMP error rate limited")

// SenderConfig is the configuration for an ICMP error sender.
type SenderConfig struct {
	// Sustained number of ICMP errors sent per second.
	Rate *float64
	// Number of ICMP errors that may be sent in a burst above the rate.
	Burst *int
}

// Default values (if not set).
var defaultSenderConf = SenderConfig{
	Rate:  util.PointerTo(100.0),
	Burst: util.PointerTo(10),
}

// Sender writes rate limited ICMP destination unreachable messages.
type Sender struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewSender creates an ICMP error sender.
func NewSender(logger *slog.Logger, conf *SenderConfig) (*Sender, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultSenderConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	return &Sender{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(*conf.Rate), *conf.Burst),
	}, nil
}

// SendPortUnreachable reports to the sender of original that the port it
// tried to reach is closed.
func (s *Sender) SendPortUnreachable(ctx context.Context, original []byte, out napt.Interface) error {
	return s.send(ctx, original, out, header.ICMPv4PortUnreachable)
}

// SendHostUnreachable reports to the sender of original that its
// destination cannot be reached.
func (s *Sender) SendHostUnreachable(ctx context.Context, original []byte, out napt.Interface) error {
	return s.send(ctx, original, out, header.ICMPv4HostUnreachable)
}

func (s *Sender) send(ctx context.Context, original []byte, out napt.Interface, code header.ICMPv4Code) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}

	pkt, err := DestinationUnreachable(out.Addr(), original, code)
	if err != nil {
		return err
	}

	if _, err := out.Write(ctx, [][]byte{pkt}, []int{len(pkt)}, 0); err != nil {
		return fmt.Errorf("failed to write ICMP error: %w", err)
	}

	s.logger.Debug("Sent destination unreachable",
		slog.String("interface", out.Name()),
		slog.Int("code", int(code)))

	return nil
}
