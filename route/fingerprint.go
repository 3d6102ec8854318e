// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package route

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
)

// FingerprintSize is the size of a Fingerprint in bytes.
const FingerprintSize = 32

// Fingerprint is the stable identity of a route.  It only depends on the
// route's shape and target, never on resolved addresses.
type Fingerprint [FingerprintSize]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(f[:])), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != FingerprintSize {
		return fmt.Errorf("route: invalid fingerprint length %d", len(raw))
	}
	copy(f[:], raw)
	return nil
}

type hopShape struct {
	Kind   HopKind  `cbor:"1,keyasint"`
	Fields []string `cbor:"2,keyasint"`
}

type routeShape struct {
	Version uint8      `cbor:"1,keyasint"`
	Target  string     `cbor:"2,keyasint"`
	Hops    []hopShape `cbor:"3,keyasint"`
}

var shapeEncMode cbor.EncMode

func init() {
	var err error
	shapeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func computeFingerprint(target string, hops []Hop) (Fingerprint, error) {
	s := routeShape{
		Version: 1,
		Target:  target,
		Hops:    make([]hopShape, 0, len(hops)),
	}
	for _, h := range hops {
		s.Hops = append(s.Hops, hopShape{Kind: h.Kind(), Fields: h.shape()})
	}
	blob, err := shapeEncMode.Marshal(&s)
	if err != nil {
		return Fingerprint{}, err
	}
	return hash.Sum256(blob), nil
}
