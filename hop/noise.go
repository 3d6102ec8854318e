// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package hop

import (
	"context"

	"github.com/katzenpost/detour/core/wire"
	"github.com/katzenpost/detour/route"
)

func (c *Connector) noise(ctx context.Context, h *route.StreamUpgrade, in *State) (*State, error) {
	if err := requireConn(in, "noise"); err != nil {
		return nil, err
	}
	s, err := wire.NewSession(&wire.SessionConfig{
		Pattern:      h.NoisePattern,
		LocalStatic:  h.LocalStatic,
		RemoteStatic: h.ServerKey,
	}, true)
	if err != nil {
		return nil, &Failure{Kind: HandshakeFailed, Detail: "session setup", Err: err}
	}

	stop := watchConn(ctx, in.Conn)
	err = s.Initialize(in.Conn)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Failure{Kind: KindOf(ctxErr), Err: err}
		}
		return nil, &Failure{Kind: HandshakeFailed, Err: err}
	}
	return &State{Conn: s, Protocol: "noise", Keys: s.Keys()}, nil
}
