// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/katzenpost/nyquist/dh"

	"github.com/katzenpost/detour/core/wire"
)

// HopKind enumerates the closed set of hop variants.
type HopKind uint8

const (
	KindResolve HopKind = iota + 1
	KindTCPConnect
	KindTLSHandshake
	KindProxyNegotiate
	KindStreamUpgrade
	KindQUICConnect
)

func (k HopKind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindTCPConnect:
		return "tcp"
	case KindTLSHandshake:
		return "tls"
	case KindProxyNegotiate:
		return "proxy"
	case KindStreamUpgrade:
		return "upgrade"
	case KindQUICConnect:
		return "quic"
	default:
		return fmt.Sprintf("[BUG: unknown hop kind %d]", uint8(k))
	}
}

// Hop is one typed step of a Route.  The only implementations are the
// variants in this package.
type Hop interface {
	// Kind returns the variant tag.
	Kind() HopKind

	// String returns a short human readable description.
	String() string

	shape() []string
	clone() Hop
}

func clonePins(pins [][]byte) [][]byte {
	if pins == nil {
		return nil
	}
	out := make([][]byte, 0, len(pins))
	for _, pin := range pins {
		out = append(out, append([]byte{}, pin...))
	}
	return out
}

func cloneStrings(v []string) []string {
	if v == nil {
		return nil
	}
	return append([]string{}, v...)
}

// Resolve resolves Domain to an address set.
type Resolve struct {
	Domain string
}

func (h *Resolve) Kind() HopKind    { return KindResolve }
func (h *Resolve) String() string   { return "resolve(" + h.Domain + ")" }
func (h *Resolve) shape() []string { return []string{strings.ToLower(h.Domain)} }
func (h *Resolve) clone() Hop      { c := *h; return &c }

// TCPConnect opens a TCP connection to Port on the address set produced by
// the preceding Resolve, or to Host directly when Host is an IP literal.
type TCPConnect struct {
	Host string
	Port uint16
}

func (h *TCPConnect) Kind() HopKind { return KindTCPConnect }
func (h *TCPConnect) String() string {
	return "tcp(" + net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port))) + ")"
}
func (h *TCPConnect) clone() Hop { c := *h; return &c }
func (h *TCPConnect) shape() []string {
	return []string{strings.ToLower(h.Host), strconv.Itoa(int(h.Port))}
}

// TLSHandshake runs a TLS client handshake, verifying that the peer is
// ServerName, and optionally that its leaf key matches one of PinnedSPKI
// (SHA-256 of the SubjectPublicKeyInfo).
type TLSHandshake struct {
	ServerName string
	PinnedSPKI [][]byte
	ALPN       []string
}

func (h *TLSHandshake) Kind() HopKind  { return KindTLSHandshake }
func (h *TLSHandshake) String() string { return "tls(" + h.ServerName + ")" }
func (h *TLSHandshake) clone() Hop {
	c := *h
	c.PinnedSPKI = clonePins(h.PinnedSPKI)
	c.ALPN = cloneStrings(h.ALPN)
	return &c
}
func (h *TLSHandshake) shape() []string {
	s := []string{strings.ToLower(h.ServerName)}
	for _, pin := range h.PinnedSPKI {
		s = append(s, base64.StdEncoding.EncodeToString(pin))
	}
	return append(s, h.ALPN...)
}

// ProxyKind is the protocol spoken to an upstream proxy.
type ProxyKind uint8

const (
	ProxySOCKS5 ProxyKind = iota + 1
	ProxyHTTPConnect
)

func (k ProxyKind) String() string {
	switch k {
	case ProxySOCKS5:
		return "socks5"
	case ProxyHTTPConnect:
		return "http"
	default:
		return fmt.Sprintf("[BUG: unknown proxy kind %d]", uint8(k))
	}
}

// ProxyNegotiate asks the proxy at the other end of the stream to tunnel
// to Target.
type ProxyNegotiate struct {
	Proxy    ProxyKind
	Target   Endpoint
	Username string
	Password string

	// Isolate derives per target SOCKS5 credentials so that Tor places
	// every target on its own circuit.  It conflicts with Username.
	Isolate bool
}

func (h *ProxyNegotiate) Kind() HopKind { return KindProxyNegotiate }
func (h *ProxyNegotiate) String() string {
	return "proxy(" + h.Proxy.String() + " -> " + h.Target.Address() + ")"
}

func (h *ProxyNegotiate) clone() Hop { c := *h; return &c }

// Credentials are deliberately left out, so that rotating them does not
// lose the route's health history.
func (h *ProxyNegotiate) shape() []string {
	return []string{h.Proxy.String(), strings.ToLower(h.Target.Address()), strconv.FormatBool(h.Isolate)}
}

// UpgradeProtocol is the protocol negotiated by a StreamUpgrade.
type UpgradeProtocol uint8

const (
	UpgradeWebSocket UpgradeProtocol = iota + 1
	UpgradeNoise
)

func (p UpgradeProtocol) String() string {
	switch p {
	case UpgradeWebSocket:
		return "websocket"
	case UpgradeNoise:
		return "noise"
	default:
		return fmt.Sprintf("[BUG: unknown upgrade protocol %d]", uint8(p))
	}
}

// StreamUpgrade runs a WebSocket or Noise handshake over the stream.
type StreamUpgrade struct {
	Protocol UpgradeProtocol

	// Host and Path form the WebSocket URL.  Host differs from the TLS
	// server name when domain fronting.
	Host string
	Path string

	// NoisePattern, ServerKey and LocalStatic configure the Noise variant.
	NoisePattern wire.Pattern
	ServerKey    dh.PublicKey
	LocalStatic  dh.Keypair
}

func (h *StreamUpgrade) Kind() HopKind { return KindStreamUpgrade }
func (h *StreamUpgrade) String() string {
	switch h.Protocol {
	case UpgradeWebSocket:
		return "websocket(" + h.Host + h.Path + ")"
	default:
		return "noise(" + string(h.NoisePattern) + ")"
	}
}
func (h *StreamUpgrade) clone() Hop { c := *h; return &c }
func (h *StreamUpgrade) shape() []string {
	if h.Protocol == UpgradeWebSocket {
		return []string{h.Protocol.String(), strings.ToLower(h.Host), h.Path}
	}
	s := []string{h.Protocol.String(), string(h.NoisePattern)}
	if h.ServerKey != nil {
		s = append(s, base64.StdEncoding.EncodeToString(h.ServerKey.Bytes()))
	}
	return s
}

// QUICConnect opens a QUIC connection, which includes its own TLS 1.3
// handshake, and a single bidirectional stream over it.
type QUICConnect struct {
	Host       string
	Port       uint16
	ServerName string
	PinnedSPKI [][]byte
	ALPN       []string
}

func (h *QUICConnect) Kind() HopKind { return KindQUICConnect }
func (h *QUICConnect) String() string {
	return "quic(" + net.JoinHostPort(h.Host, strconv.Itoa(int(h.Port))) + ")"
}
func (h *QUICConnect) clone() Hop {
	c := *h
	c.PinnedSPKI = clonePins(h.PinnedSPKI)
	c.ALPN = cloneStrings(h.ALPN)
	return &c
}
func (h *QUICConnect) shape() []string {
	s := []string{strings.ToLower(h.Host), strconv.Itoa(int(h.Port)), strings.ToLower(h.ServerName)}
	for _, pin := range h.PinnedSPKI {
		s = append(s, base64.StdEncoding.EncodeToString(pin))
	}
	return append(s, h.ALPN...)
}

// produces reports what a hop hands to its successor.
type output uint8

const (
	outNone output = iota
	outAddrs
	outStream
)

func produces(h Hop) output {
	switch h.Kind() {
	case KindResolve:
		return outAddrs
	case KindTCPConnect, KindTLSHandshake, KindProxyNegotiate, KindStreamUpgrade, KindQUICConnect:
		return outStream
	default:
		panic("BUG: route: unhandled hop kind " + h.Kind().String())
	}
}

// terminal reports whether a hop's output can be handed to a caller.
func terminal(h Hop) bool {
	switch h.Kind() {
	case KindTLSHandshake, KindStreamUpgrade, KindQUICConnect:
		return true
	default:
		return false
	}
}
