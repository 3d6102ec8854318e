// session.go - Noise secured stream session.
// Copyright (C) 2026  Katzenpost Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package wire implements a Noise secured byte stream on top of an
// established connection, using the NK or IK handshake patterns.
package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"
)

const (
	macLen = 16

	// maxMsgLen is the largest ciphertext, header excluded, that will be
	// sent or accepted.
	maxMsgLen = nyquist.DefaultMaxMessageSize

	// MaxPlaintextLen is the largest plaintext carried by one frame.
	// Writes larger than this are split.
	MaxPlaintextLen = maxMsgLen - macLen

	hdrLen = 4
)

const (
	stateInit uint32 = iota
	stateEstablished
	stateInvalid
)

var (
	errInvalidState = errors.New("wire/session: invalid state")
	errMsgSize      = errors.New("wire/session: invalid message size")

	defaultPrologue = []byte("detour/noise/1")
)

// PeerAuthenticator is used by an IK responder to decide whether the
// initiator's static key is acceptable.
type PeerAuthenticator interface {
	IsPeerValid(remoteStatic dh.PublicKey) bool
}

// SessionConfig is the configuration used to create new Sessions.
type SessionConfig struct {
	// Pattern selects the handshake.  Only NK and IK are supported.
	Pattern Pattern

	// LocalStatic is the local static keypair.  It is required for the
	// responder, and for an IK initiator.
	LocalStatic dh.Keypair

	// RemoteStatic is the responder's static public key, pinned by the
	// initiator.
	RemoteStatic dh.PublicKey

	// Authenticator is consulted by an IK responder.  A nil Authenticator
	// accepts any initiator.
	Authenticator PeerAuthenticator

	// Prologue is mixed into the handshake hash.  Both sides must agree.
	Prologue []byte

	// RandomReader is the entropy source, crypto/rand when nil.
	RandomReader io.Reader
}

// Session is a Noise transport session over a stream.  It implements
// net.Conn; Read and Write may be called concurrently with each other.
type Session struct {
	conn net.Conn

	protocol      *nyquist.Protocol
	localStatic   dh.Keypair
	remoteStatic  dh.PublicKey
	authenticator PeerAuthenticator
	prologue      []byte
	randReader    io.Reader

	tx *nyquist.CipherState
	rx *nyquist.CipherState

	// txLock guards tx only, writeLock serializes frames onto conn.
	txLock    sync.Mutex
	writeLock sync.Mutex
	rxLock    sync.Mutex
	rxBuf  []byte

	keys        *SessionKeys
	state       atomic.Uint32
	isInitiator bool
}

// NewSession creates a new Session.  Initialize must be called to bind it
// to a connection and run the handshake.
func NewSession(cfg *SessionConfig, isInitiator bool) (*Session, error) {
	var p pattern.Pattern
	switch cfg.Pattern {
	case PatternNK:
		p = pattern.NK
		if !isInitiator && cfg.LocalStatic == nil {
			return nil, errors.New("wire/session: NK responder requires LocalStatic")
		}
	case PatternIK:
		p = pattern.IK
		if cfg.LocalStatic == nil {
			return nil, errors.New("wire/session: IK requires LocalStatic")
		}
	default:
		return nil, errors.New("wire/session: unsupported handshake pattern")
	}
	if isInitiator && cfg.RemoteStatic == nil {
		return nil, errors.New("wire/session: initiator requires RemoteStatic")
	}

	s := &Session{
		protocol: &nyquist.Protocol{
			Pattern: p,
			DH:      dh.X25519,
			Cipher:  cipher.ChaChaPoly,
			Hash:    hash.BLAKE2s,
		},
		localStatic:   cfg.LocalStatic,
		authenticator: cfg.Authenticator,
		prologue:      cfg.Prologue,
		randReader:    cfg.RandomReader,
		isInitiator:   isInitiator,
	}
	if isInitiator {
		s.remoteStatic = cfg.RemoteStatic
	}
	if s.prologue == nil {
		s.prologue = defaultPrologue
	}
	if s.randReader == nil {
		s.randReader = rand.Reader
	}
	s.state.Store(stateInit)
	return s, nil
}

// Initialize binds an established connection to the Session and conducts
// the handshake.  Cancellation is by way of the connection's deadlines.
// The connection is not closed on failure.
func (s *Session) Initialize(conn net.Conn) error {
	if s.state.Load() != stateInit {
		return errInvalidState
	}
	s.conn = conn
	if err := s.handshake(); err != nil {
		s.state.Store(stateInvalid)
		return err
	}
	s.state.Store(stateEstablished)
	return nil
}

func (s *Session) handshake() error {
	cfg := &nyquist.HandshakeConfig{
		Protocol:       s.protocol,
		Prologue:       s.prologue,
		Rng:            s.randReader,
		MaxMessageSize: maxMsgLen,
		DH: &nyquist.DHConfig{
			LocalStatic:  s.localStatic,
			RemoteStatic: s.remoteStatic,
		},
		IsInitiator: s.isInitiator,
	}
	hs, err := nyquist.NewHandshake(cfg)
	if err != nil {
		return s.newHandshakeError(StateSetup, 0, err)
	}
	defer hs.Reset()

	if s.isInitiator {
		// -> e, es (, s, ss)
		msg1, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return s.newHandshakeError(StateMsg1Send, 1, err)
		}
		if err = writeHandshakeMsg(s.conn, msg1); err != nil {
			return s.newHandshakeError(StateMsg1Send, 1, err)
		}

		// <- e, ee (, se)
		msg2, err := readHandshakeMsg(s.conn)
		if err != nil {
			return s.newHandshakeError(StateMsg2Receive, 2, err)
		}
		switch _, err = hs.ReadMessage(nil, msg2); err {
		case nyquist.ErrDone:
		case nil:
			return s.newHandshakeError(StateMsg2Receive, 2, errors.New("handshake did not complete"))
		default:
			return s.newHandshakeError(StateMsg2Receive, 2, err)
		}
	} else {
		msg1, err := readHandshakeMsg(s.conn)
		if err != nil {
			return s.newHandshakeError(StateMsg1Receive, 1, err)
		}
		if _, err = hs.ReadMessage(nil, msg1); err != nil {
			return s.newHandshakeError(StateMsg1Receive, 1, err)
		}
		if s.protocol.Pattern == pattern.IK && s.authenticator != nil {
			if !s.authenticator.IsPeerValid(hs.GetStatus().DH.RemoteStatic) {
				return s.newHandshakeError(StateAuthentication, 1, errors.New("peer authentication failed"))
			}
		}

		msg2, err := hs.WriteMessage(nil, nil)
		switch err {
		case nyquist.ErrDone:
		case nil:
			return s.newHandshakeError(StateMsg2Send, 2, errors.New("handshake did not complete"))
		default:
			return s.newHandshakeError(StateMsg2Send, 2, err)
		}
		if err = writeHandshakeMsg(s.conn, msg2); err != nil {
			return s.newHandshakeError(StateMsg2Send, 2, err)
		}
	}

	status := hs.GetStatus()
	if s.isInitiator {
		s.tx, s.rx = status.CipherStates[0], status.CipherStates[1]
	} else {
		s.rx, s.tx = status.CipherStates[0], status.CipherStates[1]
	}
	s.keys = newSessionKeys(status)
	return nil
}

func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xffff {
		return errMsgSize
	}
	buf := make([]byte, 2, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	_, err := w.Write(append(buf, msg...))
	return err
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Keys returns the key material of the completed handshake, or nil before
// Initialize has succeeded.
func (s *Session) Keys() *SessionKeys {
	return s.keys
}

// Write encrypts and sends p, splitting it into as many frames as needed.
func (s *Session) Write(p []byte) (int, error) {
	if s.state.Load() != stateEstablished {
		return 0, errInvalidState
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	n := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxPlaintextLen {
			chunk = chunk[:MaxPlaintextLen]
		}
		if err := s.sendFrame(chunk); err != nil {
			// All write errors are fatal.
			s.state.Store(stateInvalid)
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}

func (s *Session) sendFrame(pt []byte) error {
	ctLen := macLen + len(pt)

	var hdr [hdrLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(ctLen))
	toSend, err := s.seal(make([]byte, 0, macLen+hdrLen+ctLen), hdr[:], pt)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(toSend)
	return err
}

func (s *Session) seal(dst, hdr, pt []byte) ([]byte, error) {
	s.txLock.Lock()
	defer s.txLock.Unlock()

	if s.state.Load() != stateEstablished {
		return nil, errInvalidState
	}
	dst, err := s.tx.EncryptWithAd(dst, nil, hdr)
	if err != nil {
		return nil, err
	}
	if dst, err = s.tx.EncryptWithAd(dst, nil, pt); err != nil {
		return nil, err
	}
	if err = s.tx.Rekey(); err != nil {
		return nil, err
	}
	return dst, nil
}

// Read reads decrypted application data.
func (s *Session) Read(p []byte) (int, error) {
	s.rxLock.Lock()
	defer s.rxLock.Unlock()

	for len(s.rxBuf) == 0 {
		if s.state.Load() != stateEstablished {
			return 0, errInvalidState
		}
		pt, err := s.recvFrame()
		if err != nil {
			if err != io.EOF {
				// All receive errors other than a clean close are fatal.
				s.state.Store(stateInvalid)
			}
			return 0, err
		}
		s.rxBuf = pt
	}
	n := copy(p, s.rxBuf)
	s.rxBuf = s.rxBuf[n:]
	return n, nil
}

func (s *Session) recvFrame() ([]byte, error) {
	var hdrCt [macLen + hdrLen]byte
	if _, err := io.ReadFull(s.conn, hdrCt[:]); err != nil {
		return nil, err
	}
	hdr, err := s.rx.DecryptWithAd(nil, nil, hdrCt[:])
	if err != nil {
		return nil, err
	}
	ctLen := binary.BigEndian.Uint32(hdr)
	if ctLen < macLen || ctLen > maxMsgLen {
		return nil, errMsgSize
	}

	ct := make([]byte, ctLen)
	if _, err = io.ReadFull(s.conn, ct); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	pt, err := s.rx.DecryptWithAd(nil, nil, ct)
	if err != nil {
		return nil, err
	}
	if err = s.rx.Rekey(); err != nil {
		return nil, err
	}
	return pt, nil
}

// CloseWrite half-closes the underlying connection if it supports it.
func (s *Session) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("wire/session: underlying connection does not support half-close")
}

// Close terminates the session and closes the underlying connection,
// which also unblocks any pending Read or Write.
func (s *Session) Close() error {
	s.state.Store(stateInvalid)

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}

	// Rekey() is backtracking resistant, which is the best the Noise
	// library offers for clearing transport keys.
	s.txLock.Lock()
	if s.tx != nil {
		s.tx.Rekey()
	}
	s.txLock.Unlock()

	return err
}

// LocalAddr returns the local address of the underlying connection.
func (s *Session) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote address of the underlying connection.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// SetDeadline sets the deadline of the underlying connection.
func (s *Session) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }

// SetReadDeadline sets the read deadline of the underlying connection.
func (s *Session) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline of the underlying connection.
func (s *Session) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }
