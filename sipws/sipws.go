/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Herbanova Inc.
 */

// Package sipws maintains the WebSocket signaling session with the telephony
// provider. It registers the provisioned device, keeps the socket alive with
// ping/pong, and exposes the per-call verbs plus normalized provider events.
package sipws

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/herbanova/softphone-go/device"
)

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Config holds the tunables for the signaling session.
type Config struct {
	// HandshakeTimeout bounds the WebSocket dial plus device registration.
	HandshakeTimeout time.Duration

	// PingInterval is how often a ping frame is sent on an idle socket.
	PingInterval time.Duration

	// PongTimeout is how long to wait for a pong before the socket is
	// considered dead.
	PongTimeout time.Duration

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration

	Logger Logger
}

// DefaultConfig returns the defaults for the signaling session.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout: 20 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Logger:           log.Default(),
	}
}

// Client is a signaling session bound to one provisioned device. A Client is
// single-use: once closed, whether by Dispose or by socket loss, a new Client
// must be built from a fresh device registration.
type Client struct {
	mu     sync.Mutex
	config *Config
	reg    *device.Registration

	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	disposed  bool
	stopCh    chan struct{}
	doneCh    chan struct{}

	registeredCh chan error

	onInbound      func(*InboundCall)
	onSessionEvent func(*SessionEvent)
	onClose        func(error)
}

// New creates a signaling client for the given device registration.
func New(reg *device.Registration, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Client{
		config: config,
		reg:    reg,
	}
}

// OnInbound registers the handler for incoming-call notifications. Must be
// set before Start.
func (c *Client) OnInbound(fn func(*InboundCall)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInbound = fn
}

// OnSessionEvent registers the handler for provider call events. Must be set
// before Start.
func (c *Client) OnSessionEvent(fn func(*SessionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSessionEvent = fn
}

// OnClose registers the handler invoked when the socket is lost unexpectedly.
// It is not invoked for Dispose.
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Connected reports whether the signaling session is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start dials the signaling endpoint, registers the device, and launches the
// read and keepalive loops. It returns once registration is acknowledged or
// the handshake times out.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("signaling client already disposed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.reg == nil || c.reg.SignalingURL == "" {
		c.mu.Unlock()
		return fmt.Errorf("no signaling URL in device registration")
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(dialCtx, c.reg.SignalingURL, nil)
	if err != nil {
		return fmt.Errorf("error dialing signaling endpoint: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.registeredCh = make(chan error, 1)
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout))
	})
	if err := conn.SetReadDeadline(time.Now().Add(c.config.PingInterval + c.config.PongTimeout)); err != nil {
		conn.Close()
		return fmt.Errorf("error setting read deadline: %w", err)
	}

	go c.readLoop(conn)

	if err := c.register(dialCtx); err != nil {
		c.teardown()
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.pingLoop(conn)

	c.config.Logger.Printf("signaling session registered for device %s", c.reg.DeviceID)
	return nil
}

// register sends the device credentials and waits for the provider to
// acknowledge the registration.
func (c *Client) register(ctx context.Context) error {
	err := c.send(&wireMessage{
		Type:            msgRegister,
		DeviceID:        c.reg.DeviceID,
		AuthorizationID: c.reg.AuthorizationID,
		Username:        c.reg.Username,
		Password:        c.reg.Password,
	})
	if err != nil {
		return fmt.Errorf("error sending register message: %w", err)
	}

	select {
	case err := <-c.registeredCh:
		if err != nil {
			return fmt.Errorf("device registration rejected: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for registration ack: %w", ctx.Err())
	}
}

// Dispose closes the signaling session intentionally. The OnClose handler is
// not invoked. Dispose is idempotent.
func (c *Client) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// Best effort; the peer may already be gone.
		deadline := time.Now().Add(c.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}
	c.teardown()
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		select {
		case <-c.stopCh:
		default:
			close(c.stopCh)
		}
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.doneCh)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleSocketLoss(err)
			return
		}

		msg, err := decodeMessage(data)
		if err != nil {
			c.config.Logger.Printf("dropping malformed signaling message: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *wireMessage) {
	switch msg.Type {
	case msgRegistered:
		select {
		case c.registeredCh <- nil:
		default:
		}
	case msgError:
		select {
		case c.registeredCh <- fmt.Errorf("%s", msg.Cause):
		default:
			c.config.Logger.Printf("signaling error from provider: %s", msg.Cause)
		}
	case msgInvite:
		inbound, err := parseInbound(msg)
		if err != nil {
			c.config.Logger.Printf("dropping invite: %v", err)
			return
		}
		c.mu.Lock()
		fn := c.onInbound
		c.mu.Unlock()
		if fn != nil {
			fn(inbound)
		}
	case msgEvent:
		ev, err := parseEvent(msg)
		if err != nil {
			c.config.Logger.Printf("dropping event: %v", err)
			return
		}
		c.mu.Lock()
		fn := c.onSessionEvent
		c.mu.Unlock()
		if fn != nil {
			fn(ev)
		}
	default:
		c.config.Logger.Printf("ignoring signaling message type %q", msg.Type)
	}
}

// handleSocketLoss marks the session down and notifies the close handler
// unless the loss was caused by Dispose.
func (c *Client) handleSocketLoss(err error) {
	c.mu.Lock()
	wasDisposed := c.disposed
	wasConnected := c.connected
	fn := c.onClose
	c.mu.Unlock()

	c.teardown()

	if wasDisposed || !wasConnected {
		return
	}
	c.config.Logger.Printf("signaling session lost: %v", err)
	if fn != nil {
		fn(err)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.config.Logger.Printf("error sending ping: %v", err)
				conn.Close()
				return
			}
		}
	}
}

// send writes one signaling message. gorilla/websocket allows a single
// concurrent writer, so frames are serialized behind writeMu.
func (c *Client) send(msg *wireMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling session is not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return fmt.Errorf("error setting write deadline: %w", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("error writing signaling message: %w", err)
	}
	return nil
}

// Invite places an outbound call.
func (c *Client) Invite(callID, to, from, sdp string) error {
	return c.send(&wireMessage{Type: msgInvite, CallID: callID, To: to, From: from, SDP: sdp})
}

// Reinvite re-establishes media for an existing call, typically after the
// signaling session was rebuilt.
func (c *Client) Reinvite(callID, sdp string) error {
	return c.send(&wireMessage{Type: msgReinvite, CallID: callID, SDP: sdp})
}

// Answer accepts an inbound call with the local SDP answer.
func (c *Client) Answer(callID, sdp string) error {
	return c.send(&wireMessage{Type: msgAnswer, CallID: callID, SDP: sdp})
}

// Decline rejects an inbound call without answering it.
func (c *Client) Decline(callID string) error {
	return c.send(&wireMessage{Type: msgDecline, CallID: callID})
}

// Hangup terminates a call.
func (c *Client) Hangup(callID string) error {
	return c.send(&wireMessage{Type: msgHangup, CallID: callID})
}

// Hold places a call on hold.
func (c *Client) Hold(callID string) error {
	return c.send(&wireMessage{Type: msgHold, CallID: callID})
}

// Unhold resumes a held call.
func (c *Client) Unhold(callID string) error {
	return c.send(&wireMessage{Type: msgUnhold, CallID: callID})
}

// Mute stops sending local audio on a call.
func (c *Client) Mute(callID string) error {
	return c.send(&wireMessage{Type: msgMute, CallID: callID})
}

// Unmute resumes sending local audio on a call.
func (c *Client) Unmute(callID string) error {
	return c.send(&wireMessage{Type: msgUnmute, CallID: callID})
}

// SendDTMF transmits DTMF digits on a call.
func (c *Client) SendDTMF(callID, digits string) error {
	if digits == "" {
		return fmt.Errorf("no DTMF digits to send")
	}
	return c.send(&wireMessage{Type: msgDTMF, CallID: callID, Digits: digits})
}

// NotifyDeviceChange tells the provider the local audio device changed.
func (c *Client) NotifyDeviceChange(callID, kind, deviceID string) error {
	return c.send(&wireMessage{Type: msgDeviceChange, CallID: callID, DeviceKind: kind, DeviceID: deviceID})
}

// StartRecording asks the provider to start recording a call.
func (c *Client) StartRecording(callID string) error {
	return c.send(&wireMessage{Type: msgStartRecording, CallID: callID})
}

// StopRecording asks the provider to stop recording a call.
func (c *Client) StopRecording(callID string) error {
	return c.send(&wireMessage{Type: msgStopRecording, CallID: callID})
}
