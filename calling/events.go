/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

import "sync"

// State is the lifecycle state of a call session.
type State string

const (
	StateInit     State = "init"
	StateRinging  State = "ringing"
	StateAnswered State = "answered"
	StateHold     State = "hold"
	StateEnded    State = "ended"
	StateFailed   State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Direction indicates who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "Inbound"
	DirectionOutbound Direction = "Outbound"
)

// EventKind is a normalized provider-pushed event for one call. Provider
// events are authoritative and may re-assert state over optimistic local
// updates.
type EventKind string

const (
	EventAnswered EventKind = "answered"
	EventEnded    EventKind = "ended"
	EventFailed   EventKind = "failed"
	EventHold     EventKind = "hold"
	EventUnhold   EventKind = "unhold"
)

// Notifier implements subscribe/notify fan-out. Listeners are invoked with no
// arguments and re-read state through public getters. Notifications are
// synchronous with the mutation that triggered them.
type Notifier struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func()
}

// Subscribe registers a listener and returns its unsubscribe function.
func (n *Notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[int]func())
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// Notify invokes every subscribed listener. Listeners run outside the
// Notifier's lock so they may subscribe or unsubscribe reentrantly.
func (n *Notifier) Notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
