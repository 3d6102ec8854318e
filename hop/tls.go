// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/katzenpost/detour/route"
)

var errPinMismatch = errors.New("peer public key matches no pin")

func (c *Connector) tlsConfig(serverName string, pins [][]byte, alpn []string) *tls.Config {
	cfg := &tls.Config{
		ServerName: serverName,
		RootCAs:    c.opts.RootCAs,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS12,
	}
	if len(pins) > 0 {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyPins(cs, pins)
		}
	}
	return cfg
}

// verifyPins accepts the leaf certificate if the SHA-256 digest of its
// SubjectPublicKeyInfo matches any pin.
func verifyPins(cs tls.ConnectionState, pins [][]byte) error {
	if len(cs.PeerCertificates) == 0 {
		return errPinMismatch
	}
	spki := sha256.Sum256(cs.PeerCertificates[0].RawSubjectPublicKeyInfo)
	for _, pin := range pins {
		if subtle.ConstantTimeCompare(spki[:], pin) == 1 {
			return nil
		}
	}
	return errPinMismatch
}

func (c *Connector) tlsHandshake(ctx context.Context, h *route.TLSHandshake, in *State) (*State, error) {
	if err := requireConn(in, "tls"); err != nil {
		return nil, err
	}
	conn := tls.Client(in.Conn, c.tlsConfig(h.ServerName, h.PinnedSPKI, h.ALPN))
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, classifyTLS(ctx, err)
	}
	return &State{Conn: conn, Protocol: "tls"}, nil
}

// classifyTLS maps a handshake error onto a Failure, separating a peer
// with the wrong identity from every other handshake problem.
func classifyTLS(ctx context.Context, err error) *Failure {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Failure{Kind: KindOf(ctxErr), Err: err}
	}
	if isIdentityError(err) {
		return &Failure{Kind: TLS, Detail: DetailIdentityMismatch, Err: err}
	}
	return &Failure{Kind: TLS, Err: err}
}

func isIdentityError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
	)
	switch {
	case errors.Is(err, errPinMismatch):
	case errors.As(err, &unknownAuthority):
	case errors.As(err, &hostname):
	case errors.As(err, &invalid):
	default:
		return false
	}
	return true
}
