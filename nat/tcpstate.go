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
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// State is the coarse state of a translated TCP connection. It only tracks
// enough of the handshake and teardown to pick an idle timeout.
type State int

// Connection states, named after their RFC 793 counterparts.
const (
	StateClosed State = iota
	StateSynReceivedProcessing
	StateSynReceived
	StateSynSent
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateClosing
	StateCloseWait
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:                "CLOSED",
	StateSynReceivedProcessing: "SYN_RECEIVED_PROCESSING",
	StateSynReceived:           "SYN_RECEIVED",
	StateSynSent:               "SYN_SENT",
	StateEstablished:           "ESTABLISHED",
	StateFinWait1:              "FIN_WAIT_1",
	StateFinWait2:              "FIN_WAIT_2",
	StateClosing:               "CLOSING",
	StateCloseWait:             "CLOSE_WAIT",
	StateLastAck:               "LAST_ACK",
	StateTimeWait:              "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Established reports whether the connection is subject to the established
// idle timeout.
func (s State) Established() bool {
	return s == StateEstablished
}

// Transitory reports whether the connection is subject to the transitory
// idle timeout.
func (s State) Transitory() bool {
	return !s.Established()
}

type direction int

const (
	outbound direction = iota
	inbound
)

// initialState is the state of a connection first seen with a segment
// carrying flags.
func initialState(flags header.TCPFlags, dir direction) State {
	if !flags.Contains(header.TCPFlagSyn) || flags.Contains(header.TCPFlagRst) {
		return StateClosed
	}

	if dir == outbound {
		return StateSynSent
	}
	return StateSynReceivedProcessing
}

// advance moves c along in response to tcp travelling in direction dir.
// Segments that match no transition leave the state unchanged.
func (c *conn) advance(tcp header.TCP, dir direction) {
	flags := tcp.Flags()
	if flags.Contains(header.TCPFlagRst) {
		c.state = StateClosed
		return
	}

	syn := flags.Contains(header.TCPFlagSyn)
	ack := flags.Contains(header.TCPFlagAck)
	fin := flags.Contains(header.TCPFlagFin)

	switch c.state {
	case StateClosed:
		if dir == outbound && syn {
			c.state = StateSynSent
			c.finSentSeq = 0
			c.finReceivedSeq = 0
		}

	case StateSynReceivedProcessing:
		if dir == outbound && syn && ack {
			c.state = StateSynReceived
		}

	case StateSynSent:
		if dir == inbound && syn {
			if ack {
				c.state = StateEstablished
			} else {
				// Simultaneous open.
				c.state = StateSynReceived
			}
		}

	case StateSynReceived:
		if dir == inbound && ack {
			c.state = StateEstablished
		}

	case StateEstablished:
		if fin {
			if dir == outbound {
				c.state = StateFinWait1
				c.finSentSeq = tcp.SequenceNumber()
			} else {
				c.state = StateCloseWait
				c.finReceivedSeq = tcp.SequenceNumber()
			}
		}

	case StateFinWait1:
		if dir != inbound {
			break
		}
		if fin {
			c.state = StateTimeWait
			c.finReceivedSeq = tcp.SequenceNumber()
		} else if ack && tcp.AckNumber() > c.finSentSeq {
			c.state = StateFinWait2
		}

	case StateFinWait2:
		if dir == inbound && fin {
			c.state = StateTimeWait
			c.finReceivedSeq = tcp.SequenceNumber()
		}

	case StateCloseWait:
		if dir == outbound && fin {
			c.state = StateLastAck
			c.finSentSeq = tcp.SequenceNumber()
		}

	case StateLastAck:
		if dir == inbound && ack && tcp.AckNumber() > c.finSentSeq {
			c.state = StateTimeWait
		}
	}
}
