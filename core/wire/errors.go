// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"fmt"
	"strings"
)

// HandshakeState is the step of the handshake at which a failure occurred.
type HandshakeState string

const (
	StateSetup          HandshakeState = "setup"
	StateMsg1Send       HandshakeState = "message_1_send"
	StateMsg1Receive    HandshakeState = "message_1_receive"
	StateMsg2Send       HandshakeState = "message_2_send"
	StateMsg2Receive    HandshakeState = "message_2_receive"
	StateAuthentication HandshakeState = "peer_authentication"
)

// HandshakeError describes a failed handshake.
type HandshakeError struct {
	State         HandshakeState
	MessageNumber int
	IsInitiator   bool
	Protocol      string
	Err           error
}

func (s *Session) newHandshakeError(state HandshakeState, msgNum int, err error) *HandshakeError {
	return &HandshakeError{
		State:         state,
		MessageNumber: msgNum,
		IsInitiator:   s.isInitiator,
		Protocol:      s.protocol.String(),
		Err:           err,
	}
}

func (e *HandshakeError) Error() string {
	var b strings.Builder
	role := "responder"
	if e.IsInitiator {
		role = "initiator"
	}
	fmt.Fprintf(&b, "wire/session: %s handshake failed at %s", role, e.State)
	if e.MessageNumber > 0 {
		fmt.Fprintf(&b, " (message %d)", e.MessageNumber)
	}
	if e.Protocol != "" {
		fmt.Fprintf(&b, " [%s]", e.Protocol)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
