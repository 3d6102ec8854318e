// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package connmgr

import (
	"context"
	"sync"

	"github.com/katzenpost/detour/transport"
)

// Request is a pending connect.
type Request struct {
	sync.Mutex

	target string
	cancel context.CancelCauseFunc
	doneCh chan struct{}

	done      bool
	cancelled bool
	handle    *transport.Handle
	err       error
}

// Target returns the target being connected to.
func (r *Request) Target() string {
	return r.target
}

// Cancel aborts the request.  Once Cancel returns, the request never
// delivers a transport.  Cancelling a finished request does nothing.
func (r *Request) Cancel() {
	r.Lock()
	defer r.Unlock()

	if r.done || r.cancelled {
		return
	}
	r.cancelled = true
	r.cancel(ErrCancelled)
}

// Done returns a channel that is closed once the request has finished.
func (r *Request) Done() <-chan struct{} {
	return r.doneCh
}

// Wait blocks until the request has finished, and returns its result.
func (r *Request) Wait() (*transport.Handle, error) {
	<-r.doneCh
	return r.handle, r.err
}

func (r *Request) finish(h *transport.Handle, err error) {
	r.Lock()
	defer r.Unlock()

	if r.cancelled {
		// Cancellation wins over a transport completing concurrently.
		if h != nil {
			h.Close()
		}
		h, err = nil, ErrCancelled
	}
	r.handle, r.err = h, err
	r.done = true
	close(r.doneCh)
}
