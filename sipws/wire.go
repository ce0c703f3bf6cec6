/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package sipws

import (
	"encoding/json"
	"fmt"
)

// messageType identifies a signaling message on the wire.
type messageType string

const (
	// Client -> server
	msgRegister       messageType = "register"
	msgInvite         messageType = "invite"
	msgReinvite       messageType = "reinvite"
	msgAnswer         messageType = "answer"
	msgDecline        messageType = "decline"
	msgHangup         messageType = "hangup"
	msgHold           messageType = "hold"
	msgUnhold         messageType = "unhold"
	msgMute           messageType = "mute"
	msgUnmute         messageType = "unmute"
	msgDTMF           messageType = "dtmf"
	msgDeviceChange   messageType = "deviceChange"
	msgStartRecording messageType = "startRecording"
	msgStopRecording  messageType = "stopRecording"

	// Server -> client
	msgRegistered messageType = "registered"
	msgError      messageType = "error"
	msgEvent      messageType = "event"
)

// wireMessage is the single envelope used in both directions. Provider
// payloads are loosely typed; parseEvent is the strict boundary that turns
// them into SessionEvents with explicit defaults.
type wireMessage struct {
	Type            messageType       `json:"type"`
	CallID          string            `json:"callId,omitempty"`
	Event           string            `json:"event,omitempty"`
	SDP             string            `json:"sdp,omitempty"`
	From            string            `json:"from,omitempty"`
	FromName        string            `json:"fromName,omitempty"`
	To              string            `json:"to,omitempty"`
	Cause           string            `json:"cause,omitempty"`
	Digits          string            `json:"digits,omitempty"`
	DeviceKind      string            `json:"deviceKind,omitempty"`
	DeviceID        string            `json:"deviceId,omitempty"`
	AuthorizationID string            `json:"authorizationId,omitempty"`
	Username        string            `json:"username,omitempty"`
	Password        string            `json:"password,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// SessionEventKind is the normalized kind of a provider-pushed call event.
type SessionEventKind string

const (
	EventAnswered SessionEventKind = "answered"
	EventEnded    SessionEventKind = "ended"
	EventFailed   SessionEventKind = "failed"
	EventHold     SessionEventKind = "hold"
	EventUnhold   SessionEventKind = "unhold"
)

// SessionEvent is a normalized provider event for one call. Provider events
// are authoritative: the call session layer applies them over any optimistic
// local state.
type SessionEvent struct {
	CallID string
	Kind   SessionEventKind
	// SDP carries the remote answer for answered events; empty otherwise.
	SDP string
	// Cause is the provider's failure or disconnect reason; defaults to
	// "normal" for ended events without one.
	Cause string
}

// InboundCall is a normalized incoming-call notification.
type InboundCall struct {
	CallID   string
	From     string
	FromName string
	// SDP is the remote offer to answer with.
	SDP string
}

// parseEvent maps a raw event message into a SessionEvent, validating the
// fields a consumer depends on. Unknown event kinds are rejected here rather
// than leaking into the state machine.
func parseEvent(msg *wireMessage) (*SessionEvent, error) {
	if msg.CallID == "" {
		return nil, fmt.Errorf("event message missing callId")
	}

	kind := SessionEventKind(msg.Event)
	switch kind {
	case EventAnswered, EventEnded, EventFailed, EventHold, EventUnhold:
	default:
		return nil, fmt.Errorf("unknown session event %q", msg.Event)
	}

	ev := &SessionEvent{
		CallID: msg.CallID,
		Kind:   kind,
		SDP:    msg.SDP,
		Cause:  msg.Cause,
	}
	if ev.Cause == "" && kind == EventEnded {
		ev.Cause = "normal"
	}
	return ev, nil
}

// parseInbound maps a raw invite message into an InboundCall.
func parseInbound(msg *wireMessage) (*InboundCall, error) {
	if msg.CallID == "" {
		return nil, fmt.Errorf("invite message missing callId")
	}
	from := msg.From
	if from == "" {
		from = "anonymous"
	}
	return &InboundCall{
		CallID:   msg.CallID,
		From:     from,
		FromName: msg.FromName,
		SDP:      msg.SDP,
	}, nil
}

func decodeMessage(data []byte) (*wireMessage, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("error decoding signaling message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("signaling message missing type")
	}
	return &msg, nil
}
