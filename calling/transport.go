/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

package calling

// Transport is the signaling surface a call session drives. The sipws package
// provides the production implementation; tests substitute fakes.
type Transport interface {
	Invite(callID, to, from, sdp string) error
	Reinvite(callID, sdp string) error
	Answer(callID, sdp string) error
	Decline(callID string) error
	Hangup(callID string) error
	Hold(callID string) error
	Unhold(callID string) error
	Mute(callID string) error
	Unmute(callID string) error
	SendDTMF(callID, digits string) error
	NotifyDeviceChange(callID, kind, deviceID string) error
	StartRecording(callID string) error
	StopRecording(callID string) error
}
