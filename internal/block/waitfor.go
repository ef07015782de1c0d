// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// ErrWaitTimeout is reported when a WaitFor deadline passes.
var ErrWaitTimeout = errors.New("wait timed out")

// WaitSpec describes a condition on a value pushed by a peer.
type WaitSpec struct {
	Device    string
	Value     string
	Target    float64
	Tolerance float64
	// Timeout of zero waits indefinitely.
	Timeout time.Duration
}

type waiter struct {
	spec     WaitSpec
	deadline time.Time
	done     func(error)
}

// WaitFor calls done once the named device reports Value within
// Target±Tolerance. A device that is unknown fails immediately; a known
// device without a value yet keeps the wait pending.
func (b *Block) WaitFor(spec WaitSpec, done func(error)) {
	if !b.KnowsPeer(spec.Device) {
		done(fmt.Errorf("%w: %s", ErrUnknownPeer, spec.Device))
		return
	}
	w := &waiter{spec: spec, done: done}
	if spec.Timeout > 0 {
		w.deadline = b.now().Add(spec.Timeout)
	}
	if b.evaluate(w, b.now()) {
		return
	}
	b.waiters = append(b.waiters, w)
}

func (b *Block) checkWaiters(now time.Time) {
	if len(b.waiters) == 0 {
		return
	}
	pending := b.waiters
	b.waiters = nil
	pending = slices.DeleteFunc(pending, func(w *waiter) bool { return b.evaluate(w, now) })
	b.waiters = append(pending, b.waiters...)
}

// evaluate reports whether w finished (and has been notified).
func (b *Block) evaluate(w *waiter, now time.Time) bool {
	if c, ok := b.FindByName(w.spec.Device); ok {
		if v, ok := c.ValueFloat(w.spec.Value); ok && math.Abs(v-w.spec.Target) <= w.spec.Tolerance {
			w.done(nil)
			return true
		}
	}
	if !w.deadline.IsZero() && now.After(w.deadline) {
		w.done(fmt.Errorf("%w: %s.%s", ErrWaitTimeout, w.spec.Device, w.spec.Value))
		return true
	}
	return false
}
