/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

// Package calling implements the per-call state machine, the active call
// registry, and the call history cache.
package calling

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Control-flow errors surfaced inside a CallControlError.
var (
	ErrTerminalState = errors.New("call is in a terminal state")
	ErrInvalidState  = errors.New("operation not valid in the current call state")
)

// CallControlError wraps a failed call-control operation. The session state
// is unchanged when one is returned.
type CallControlError struct {
	Op     string
	CallID string
	Err    error
}

func (e *CallControlError) Error() string {
	return fmt.Sprintf("call control %s failed for call %s: %v", e.Op, e.CallID, e.Err)
}

func (e *CallControlError) Unwrap() error {
	return e.Err
}

// IsCallControlError checks if an error is a CallControlError.
func IsCallControlError(err error) bool {
	var cce *CallControlError
	return errors.As(err, &cce)
}

// MediaProvider produces and consumes SDP for a call's media path. The
// production implementation is backed by a WebRTC peer connection; a nil
// provider means signaling-only operation.
type MediaProvider interface {
	CreateOffer() (string, error)
	CreateAnswer(remoteOffer string) (string, error)
	AcceptAnswer(remoteAnswer string) error
	SetMuted(muted bool) error
	Close() error
}

// Info is an immutable snapshot of a call session's externally visible state.
type Info struct {
	ID             string
	Direction      Direction
	RemoteNumber   string
	RemoteName     string
	State          State
	Muted          bool
	Recording      bool
	InputDeviceID  string
	OutputDeviceID string
	StartTime      time.Time
	EndTime        time.Time
	// DurationSeconds is frozen at the terminal transition; zero if the call
	// was never answered.
	DurationSeconds int
	// Cause is the provider's reason for an ended or failed call.
	Cause string
}

// Session is the state machine for one call attempt. Control operations
// invoke the transport first and mutate local state only on success; provider
// events applied through ApplyEvent always win over optimistic local state.
type Session struct {
	mu sync.Mutex

	id           string
	direction    Direction
	remoteNumber string
	remoteName   string
	localNumber  string

	state          State
	muted          bool
	recording      bool
	inputDeviceID  string
	outputDeviceID string

	startTime time.Time
	endTime   time.Time
	duration  int
	answered  bool
	cause     string

	// remoteSDP holds the inbound offer until answer, or the provider's
	// answer for an outbound call.
	remoteSDP string

	transport Transport
	media     MediaProvider
	now       func() time.Time

	notifier   Notifier
	onTerminal func(*Session)
}

// SessionOption customizes a session at construction time.
type SessionOption func(*Session)

// WithMedia attaches a media provider to the session.
func WithMedia(m MediaProvider) SessionOption {
	return func(s *Session) { s.media = m }
}

// WithClock overrides the session's time source.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithOnTerminal sets the hook invoked once when the session reaches a
// terminal state. The registry uses it to evict the session.
func WithOnTerminal(fn func(*Session)) SessionOption {
	return func(s *Session) { s.onTerminal = fn }
}

// NewInboundSession builds a session for an incoming call. The session starts
// ringing and stamps its start time at delivery.
func NewInboundSession(t Transport, id, remoteNumber, remoteName, offerSDP string, opts ...SessionOption) *Session {
	s := newSession(t, id, remoteNumber, remoteName, opts...)
	s.direction = DirectionInbound
	s.state = StateRinging
	s.remoteSDP = offerSDP
	s.startTime = s.now()
	return s
}

// NewOutboundSession builds a session for an outgoing call in the init state.
// Dial places the call.
func NewOutboundSession(t Transport, id, remoteNumber, remoteName, localNumber string, opts ...SessionOption) *Session {
	s := newSession(t, id, remoteNumber, remoteName, opts...)
	s.direction = DirectionOutbound
	s.state = StateInit
	s.localNumber = localNumber
	return s
}

func newSession(t Transport, id, remoteNumber, remoteName string, opts ...SessionOption) *Session {
	s := &Session{
		id:           id,
		remoteNumber: remoteNumber,
		remoteName:   remoteName,
		transport:    t,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// ID returns the session's call identity.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's externally visible state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:              s.id,
		Direction:       s.direction,
		RemoteNumber:    s.remoteNumber,
		RemoteName:      s.remoteName,
		State:           s.state,
		Muted:           s.muted,
		Recording:       s.recording,
		InputDeviceID:   s.inputDeviceID,
		OutputDeviceID:  s.outputDeviceID,
		StartTime:       s.startTime,
		EndTime:         s.endTime,
		DurationSeconds: s.duration,
		Cause:           s.cause,
	}
}

// Subscribe registers a listener notified after every state change.
func (s *Session) Subscribe(fn func()) func() {
	return s.notifier.Subscribe(fn)
}

// Dial places the outbound call. Valid only in the init state.
func (s *Session) Dial() error {
	s.mu.Lock()
	if s.state != StateInit || s.direction != DirectionOutbound {
		s.mu.Unlock()
		return &CallControlError{Op: "dial", CallID: s.id, Err: ErrInvalidState}
	}
	s.mu.Unlock()

	sdp := ""
	if s.media != nil {
		offer, err := s.media.CreateOffer()
		if err != nil {
			return &CallControlError{Op: "dial", CallID: s.id, Err: err}
		}
		sdp = offer
	}

	if err := s.transport.Invite(s.id, s.remoteNumber, s.localNumber, sdp); err != nil {
		return &CallControlError{Op: "dial", CallID: s.id, Err: err}
	}

	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateRinging
	}
	s.mu.Unlock()
	s.notifier.Notify()
	return nil
}

// Answer accepts a ringing inbound call. Stamps the start time on success.
func (s *Session) Answer() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return &CallControlError{Op: "answer", CallID: s.id, Err: ErrTerminalState}
	}
	if s.state != StateRinging || s.direction != DirectionInbound {
		s.mu.Unlock()
		return &CallControlError{Op: "answer", CallID: s.id, Err: ErrInvalidState}
	}
	offer := s.remoteSDP
	s.mu.Unlock()

	sdp := ""
	if s.media != nil {
		answer, err := s.media.CreateAnswer(offer)
		if err != nil {
			return &CallControlError{Op: "answer", CallID: s.id, Err: err}
		}
		sdp = answer
	}

	if err := s.transport.Answer(s.id, sdp); err != nil {
		return &CallControlError{Op: "answer", CallID: s.id, Err: err}
	}

	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateAnswered
		s.startTime = s.now()
		s.answered = true
	}
	s.mu.Unlock()
	s.notifier.Notify()
	return nil
}

// Decline rejects a ringing inbound call. Declining a call that has already
// reached a terminal state is a no-op: whichever side ends the call first
// wins and the other's request converges.
func (s *Session) Decline() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateRinging || s.direction != DirectionInbound {
		s.mu.Unlock()
		return &CallControlError{Op: "decline", CallID: s.id, Err: ErrInvalidState}
	}
	s.mu.Unlock()

	if err := s.transport.Decline(s.id); err != nil {
		return &CallControlError{Op: "decline", CallID: s.id, Err: err}
	}
	s.terminate(StateEnded, "declined")
	return nil
}

// Hangup terminates the call from any non-terminal state. Hanging up a call
// that has already ended is a no-op, so a local hangup racing a remote end
// converges instead of surfacing an error.
func (s *Session) Hangup() error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.transport.Hangup(s.id); err != nil {
		return &CallControlError{Op: "hangup", CallID: s.id, Err: err}
	}
	s.terminate(StateEnded, "normal")
	return nil
}

// Hold places an answered call on hold.
func (s *Session) Hold() error {
	return s.control("hold", StateAnswered, s.transport.Hold, func() {
		s.state = StateHold
	})
}

// Unhold resumes a held call.
func (s *Session) Unhold() error {
	return s.control("unhold", StateHold, s.transport.Unhold, func() {
		s.state = StateAnswered
	})
}

// Mute stops sending local audio.
func (s *Session) Mute() error {
	if err := s.controlFlag("mute", s.transport.Mute, func() { s.muted = true }); err != nil {
		return err
	}
	if s.media != nil {
		if err := s.media.SetMuted(true); err != nil {
			return &CallControlError{Op: "mute", CallID: s.id, Err: err}
		}
	}
	return nil
}

// Unmute resumes sending local audio.
func (s *Session) Unmute() error {
	if err := s.controlFlag("unmute", s.transport.Unmute, func() { s.muted = false }); err != nil {
		return err
	}
	if s.media != nil {
		if err := s.media.SetMuted(false); err != nil {
			return &CallControlError{Op: "unmute", CallID: s.id, Err: err}
		}
	}
	return nil
}

// SendDTMF transmits keypad digits on an active call.
func (s *Session) SendDTMF(digits string) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return &CallControlError{Op: "dtmf", CallID: s.id, Err: ErrTerminalState}
	}
	if s.state != StateAnswered && s.state != StateHold {
		s.mu.Unlock()
		return &CallControlError{Op: "dtmf", CallID: s.id, Err: ErrInvalidState}
	}
	s.mu.Unlock()

	if err := s.transport.SendDTMF(s.id, digits); err != nil {
		return &CallControlError{Op: "dtmf", CallID: s.id, Err: err}
	}
	return nil
}

// ChangeInputDevice switches the microphone used for the call.
func (s *Session) ChangeInputDevice(deviceID string) error {
	return s.controlFlag("changeInputDevice", func(id string) error {
		return s.transport.NotifyDeviceChange(id, "audioInput", deviceID)
	}, func() { s.inputDeviceID = deviceID })
}

// ChangeOutputDevice switches the speaker used for the call.
func (s *Session) ChangeOutputDevice(deviceID string) error {
	return s.controlFlag("changeOutputDevice", func(id string) error {
		return s.transport.NotifyDeviceChange(id, "audioOutput", deviceID)
	}, func() { s.outputDeviceID = deviceID })
}

// StartRecording asks the provider to record the call.
func (s *Session) StartRecording() error {
	return s.controlFlag("startRecording", s.transport.StartRecording, func() { s.recording = true })
}

// StopRecording stops an ongoing recording.
func (s *Session) StopRecording() error {
	return s.controlFlag("stopRecording", s.transport.StopRecording, func() { s.recording = false })
}

// Reinvite re-establishes media after the signaling session was rebuilt.
// Valid only for answered or held calls.
func (s *Session) Reinvite(t Transport) error {
	s.mu.Lock()
	if s.state != StateAnswered && s.state != StateHold {
		s.mu.Unlock()
		return &CallControlError{Op: "reinvite", CallID: s.id, Err: ErrInvalidState}
	}
	s.transport = t
	s.mu.Unlock()

	sdp := ""
	if s.media != nil {
		offer, err := s.media.CreateOffer()
		if err != nil {
			return &CallControlError{Op: "reinvite", CallID: s.id, Err: err}
		}
		sdp = offer
	}
	if err := t.Reinvite(s.id, sdp); err != nil {
		return &CallControlError{Op: "reinvite", CallID: s.id, Err: err}
	}
	return nil
}

// control runs a transport verb that moves the session between two exact
// states.
func (s *Session) control(op string, from State, verb func(string) error, apply func()) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return &CallControlError{Op: op, CallID: s.id, Err: ErrTerminalState}
	}
	if s.state != from {
		s.mu.Unlock()
		return &CallControlError{Op: op, CallID: s.id, Err: ErrInvalidState}
	}
	s.mu.Unlock()

	if err := verb(s.id); err != nil {
		return &CallControlError{Op: op, CallID: s.id, Err: err}
	}

	s.mu.Lock()
	if !s.state.Terminal() {
		apply()
	}
	s.mu.Unlock()
	s.notifier.Notify()
	return nil
}

// controlFlag runs a transport verb that flips a flag without changing the
// lifecycle state. Valid while the call is answered or held.
func (s *Session) controlFlag(op string, verb func(string) error, apply func()) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return &CallControlError{Op: op, CallID: s.id, Err: ErrTerminalState}
	}
	if s.state != StateAnswered && s.state != StateHold {
		s.mu.Unlock()
		return &CallControlError{Op: op, CallID: s.id, Err: ErrInvalidState}
	}
	s.mu.Unlock()

	if err := verb(s.id); err != nil {
		return &CallControlError{Op: op, CallID: s.id, Err: err}
	}

	s.mu.Lock()
	if !s.state.Terminal() {
		apply()
	}
	s.mu.Unlock()
	s.notifier.Notify()
	return nil
}

// ApplyEvent applies a provider-pushed event. Provider events are the source
// of truth: they may re-assert a state the session already left optimistically.
// Events arriving after a terminal state are ignored.
func (s *Session) ApplyEvent(kind EventKind, sdp, cause string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	switch kind {
	case EventAnswered:
		s.state = StateAnswered
		if !s.answered {
			s.startTime = s.now()
			s.answered = true
		}
		if sdp != "" {
			s.remoteSDP = sdp
		}
		media := s.media
		s.mu.Unlock()
		if media != nil && sdp != "" {
			// A media failure does not undo the signaling state; the call
			// stays answered without a media path.
			_ = media.AcceptAnswer(sdp)
		}
		s.notifier.Notify()
		return
	case EventHold:
		s.state = StateHold
	case EventUnhold:
		s.state = StateAnswered
	case EventEnded:
		s.mu.Unlock()
		s.terminate(StateEnded, cause)
		return
	case EventFailed:
		s.mu.Unlock()
		s.terminate(StateFailed, cause)
		return
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notifier.Notify()
}

// terminate moves the session into a terminal state exactly once, freezing
// the end time and duration and firing the terminal hook.
func (s *Session) terminate(state State, cause string) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.cause = cause
	s.endTime = s.now()
	if s.answered {
		s.duration = int(s.endTime.Sub(s.startTime) / time.Second)
	}
	media := s.media
	hook := s.onTerminal
	s.mu.Unlock()

	if media != nil {
		_ = media.Close()
	}
	if hook != nil {
		hook(s)
	}
	s.notifier.Notify()
}
