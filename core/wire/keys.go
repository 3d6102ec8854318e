// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/dh"
	"golang.org/x/crypto/hkdf"
)

// Pattern names a supported Noise handshake pattern.
type Pattern string

const (
	// PatternNK authenticates the responder only, against a pinned key.
	PatternNK Pattern = "NK"

	// PatternIK additionally authenticates the initiator's static key.
	PatternIK Pattern = "IK"
)

// ParsePattern parses a configuration pattern name, defaulting to NK.
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToUpper(s) {
	case "", "NK":
		return PatternNK, nil
	case "IK":
		return PatternIK, nil
	default:
		return "", fmt.Errorf("wire: unsupported Noise pattern '%v'", s)
	}
}

// GenerateKeypair generates a new X25519 static keypair.
func GenerateKeypair(rng io.Reader) (dh.Keypair, error) {
	return dh.X25519.GenerateKeypair(rng)
}

// ParsePublicKey decodes a base64 encoded X25519 public key.
func ParsePublicKey(s string) (dh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed public key: %v", err)
	}
	return dh.X25519.ParsePublicKey(raw)
}

// ParsePrivateKey decodes a base64 encoded X25519 private key.
func ParsePrivateKey(s string) (dh.Keypair, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("wire: malformed private key: %v", err)
	}
	return dh.X25519.ParsePrivateKey(raw)
}

// PublicKeyString base64 encodes a public key for configuration files.
func PublicKeyString(pk dh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pk.Bytes())
}

// SessionKeys is the result of a completed handshake that is handed to the
// protocol running over the session.  It is never interpreted here.
type SessionKeys struct {
	handshakeHash []byte
	remoteStatic  []byte
}

func newSessionKeys(status *nyquist.HandshakeStatus) *SessionKeys {
	k := &SessionKeys{
		handshakeHash: append([]byte{}, status.HandshakeHash...),
	}
	if status.DH != nil && status.DH.RemoteStatic != nil {
		k.remoteStatic = append([]byte{}, status.DH.RemoteStatic.Bytes()...)
	}
	return k
}

// HandshakeHash returns the Noise handshake hash, which uniquely
// identifies the session and is suitable for channel binding.
func (k *SessionKeys) HandshakeHash() []byte {
	return append([]byte{}, k.handshakeHash...)
}

// RemoteStatic returns the peer's static public key.
func (k *SessionKeys) RemoteStatic() []byte {
	return append([]byte{}, k.remoteStatic...)
}

// ChannelBinding derives length bytes bound to this session and label.
// The output is public, and only proves that both ends share a session.
func (k *SessionKeys) ChannelBinding(label string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, k.handshakeHash, nil, []byte(label))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
