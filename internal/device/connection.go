// Package device maintains the persistent channel to a single RayZ unit
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rayz/bridge/internal/protocol"
)

// State is a connection's lifecycle state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	// DefaultPort is the firmware's WebSocket port
	DefaultPort = 80
	// DefaultHandshakeTimeout bounds a single connect attempt
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds a single message write
	DefaultWriteTimeout = 2 * time.Second
	// DefaultErrorCooldown is how long a connection stays in error before returning to disconnected
	DefaultErrorCooldown = 1 * time.Second
	// DefaultBackoffMin is the first reconnect delay
	DefaultBackoffMin = 1 * time.Second
	// DefaultBackoffMax caps the reconnect delay
	DefaultBackoffMax = 30 * time.Second
)

// Target identifies where a device's channel is dialed
type Target struct {
	IP   string
	Port int
}

// Channel is an open bidirectional message channel to a device
type Channel interface {
	// Read blocks for the next inbound message. It returns an error wrapping
	// ErrRemoteClosed when the device closed the channel cleanly.
	Read() ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens channels. Dial must honour ctx cancellation where it can.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Channel, error)
}

// Options tunes a connection
type Options struct {
	Dialer Dialer
	// Port is dialed when the device metadata carries none
	Port             int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ErrorCooldown    time.Duration
	AutoReconnect    bool
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	Log              *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Dialer == nil {
		o.Dialer = NewWebSocketDialer()
	}
	if o.Port <= 0 {
		o.Port = DefaultPort
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ErrorCooldown <= 0 {
		o.ErrorCooldown = DefaultErrorCooldown
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = DefaultBackoffMin
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = DefaultBackoffMax
		if o.BackoffMax < o.BackoffMin {
			o.BackoffMax = o.BackoffMin
		}
	}
	if o.Log == nil {
		o.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return o
}

// Metadata describes the device behind a connection
type Metadata struct {
	DeviceID string  `json:"device_id,omitempty"`
	PlayerID string  `json:"player_id,omitempty"`
	TeamID   string  `json:"team_id,omitempty"`
	ColorRGB *uint32 `json:"color_rgb,omitempty"`
	Port     int     `json:"port,omitempty"`
}

// Stats are the counters last reported by the device
type Stats struct {
	Kills  uint32 `json:"kills"`
	Deaths uint32 `json:"deaths"`
	Shots  uint32 `json:"shots"`
}

// Info is a point-in-time view of a connection
type Info struct {
	IP         string    `json:"ip"`
	State      State     `json:"state"`
	DeviceID   string    `json:"device_id,omitempty"`
	PlayerID   string    `json:"player_id,omitempty"`
	TeamID     string    `json:"team_id,omitempty"`
	ColorRGB   *uint32   `json:"color_rgb,omitempty"`
	Stats      Stats     `json:"stats"`
	LastSeenAt time.Time `json:"last_seen_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// EventKind classifies connection events
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventMessageSent
	EventMessageReceived
)

// Event is delivered to subscribers for every transition and message
type Event struct {
	Kind     EventKind
	IP       string
	DeviceID string
	From     State
	To       State
	Type     string
	Payload  []byte
	Stats    Stats
	Err      error
	At       time.Time
}

// Connection owns the single channel to one device. Every change of state is
// guarded by a generation counter: Connect and Disconnect bump it, and any dial
// result, read loop or retry timer carrying an older generation is discarded.
type Connection struct {
	ip   string
	opts Options
	log  *logrus.Entry

	mu         sync.Mutex
	state      State
	gen        uint64
	meta       Metadata
	channel    Channel
	cancelDial context.CancelFunc
	retry      *time.Timer
	attempts   int
	stats      Stats
	lastSeen   time.Time
	lastErr    error
	lastConfig *protocol.ConfigPayload

	// emitMu orders state changes with their events
	emitMu sync.Mutex
	// sendMu serializes writes so frames never interleave
	sendMu sync.Mutex

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// NewConnection creates a disconnected connection to ip
func NewConnection(ip string, meta Metadata, opts Options) *Connection {
	opts = opts.withDefaults()
	return &Connection{
		ip:    ip,
		opts:  opts,
		log:   opts.Log.WithField("ip", ip),
		state: StateDisconnected,
		meta:  meta,
		subs:  make(map[int]func(Event)),
	}
}

// IP returns the device address
func (c *Connection) IP() string {
	return c.ip
}

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a snapshot of the connection
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		IP:         c.ip,
		State:      c.state,
		DeviceID:   c.meta.DeviceID,
		PlayerID:   c.meta.PlayerID,
		TeamID:     c.meta.TeamID,
		Stats:      c.stats,
		LastSeenAt: c.lastSeen,
	}
	if c.meta.ColorRGB != nil {
		color := *c.meta.ColorRGB
		info.ColorRGB = &color
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}

// Metadata returns the device metadata
func (c *Connection) Metadata() Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// UpdateMetadata replaces the device metadata, keeping the dial port when the
// update does not carry one
func (c *Connection) UpdateMetadata(meta Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if meta.Port == 0 {
		meta.Port = c.meta.Port
	}
	c.meta = meta
}

// LastConfig returns a copy of the last config successfully written, if any
func (c *Connection) LastConfig() (protocol.ConfigPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastConfig == nil {
		return protocol.ConfigPayload{}, false
	}
	return c.lastConfig.Clone(), true
}

// Subscribe registers fn for every future event. Events of one connection are
// delivered in order on the goroutine that caused them; fn must not call
// Connect or Disconnect on the same connection.
func (c *Connection) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Connection) emit(ev Event) {
	ev.IP = c.ip
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	c.subMu.RLock()
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// setStateLocked records a transition and returns the event to emit. c.mu must be held.
func (c *Connection) setStateLocked(to State, err error) (Event, bool) {
	from := c.state
	if from == to {
		return Event{}, false
	}
	c.state = to
	if err != nil {
		c.lastErr = err
	}
	return Event{Kind: EventStateChanged, DeviceID: c.meta.DeviceID, From: from, To: to, Err: err}, true
}

// Connect opens the channel and blocks until the handshake completes or fails.
// It is a no-op while connecting or connected. A failure leaves this device in
// the error state and is returned as a *ConnectionError.
func (c *Connection) Connect(ctx context.Context) error {
	return c.connect(ctx, nil)
}

// connect dials a new generation. A retry passes the generation that scheduled
// it and is dropped when Disconnect or another Connect has moved on.
func (c *Connection) connect(ctx context.Context, retryGen *uint64) error {
	c.emitMu.Lock()
	c.mu.Lock()
	if retryGen != nil && (*retryGen != c.gen || c.state != StateDisconnected) {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return ErrCanceled
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		c.emitMu.Unlock()
		return nil
	}

	var events []Event
	if c.state == StateError {
		c.stopRetryLocked()
		if ev, ok := c.setStateLocked(StateDisconnected, nil); ok {
			events = append(events, ev)
		}
	}
	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	c.cancelDial = cancel
	target := Target{IP: c.ip, Port: c.meta.Port}
	if target.Port == 0 {
		target.Port = c.opts.Port
	}
	if ev, ok := c.setStateLocked(StateConnecting, nil); ok {
		events = append(events, ev)
	}
	c.mu.Unlock()
	for _, ev := range events {
		c.emit(ev)
	}
	c.emitMu.Unlock()

	defer cancel()
	c.log.Debug("connecting")

	ch, err := c.opts.Dialer.Dial(dialCtx, target)
	if err != nil {
		connErr := &ConnectionError{IP: c.ip, Op: "dial", Err: err}
		if !c.fail(gen, nil, connErr) {
			return ErrCanceled
		}
		return connErr
	}

	if !c.established(gen, ch) {
		ch.Close()
		c.log.Debug("handshake completed after disconnect, discarding channel")
		return ErrCanceled
	}

	go c.readLoop(gen, ch)
	return nil
}

func (c *Connection) established(gen uint64, ch Channel) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.channel = ch
	c.cancelDial = nil
	c.attempts = 0
	c.lastErr = nil
	c.lastSeen = time.Now()
	ev, ok := c.setStateLocked(StateConnected, nil)
	c.mu.Unlock()

	c.log.Info("connected")
	if ok {
		c.emit(ev)
	}
	return true
}

// fail moves a current-generation connection to error and schedules the
// cool-down. It reports false when gen is stale.
func (c *Connection) fail(gen uint64, ch Channel, err error) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	if ch != nil && c.channel == ch {
		c.channel = nil
	}
	c.cancelDial = nil
	ev, ok := c.setStateLocked(StateError, err)
	c.stopRetryLocked()
	c.retry = time.AfterFunc(c.opts.ErrorCooldown, func() { c.cooledDown(gen) })
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.log.WithError(err).Warn("connection error")
	if ok {
		c.emit(ev)
	}
	return true
}

// cooledDown returns an errored connection to disconnected and, when enabled,
// schedules the next reconnect attempt.
func (c *Connection) cooledDown(gen uint64) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.state != StateError {
		c.mu.Unlock()
		return
	}
	ev, ok := c.setStateLocked(StateDisconnected, nil)
	c.retry = nil
	if c.opts.AutoReconnect {
		c.attempts++
		delay := Backoff(c.attempts, c.opts.BackoffMin, c.opts.BackoffMax)
		c.retry = time.AfterFunc(delay, func() { c.reconnect(gen) })
		c.log.WithFields(logrus.Fields{"attempt": c.attempts, "delay": delay}).Debug("scheduling reconnect")
	}
	c.mu.Unlock()

	if ok {
		c.emit(ev)
	}
}

func (c *Connection) reconnect(gen uint64) {
	if err := c.connect(context.Background(), &gen); err != nil && err != ErrCanceled {
		c.log.WithError(err).Debug("reconnect attempt failed")
	}
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// Disconnect closes the channel, cancels any in-flight connect or pending
// retry and leaves the connection disconnected. It is idempotent.
func (c *Connection) Disconnect() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	c.gen++
	c.stopRetryLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	ch := c.channel
	c.channel = nil
	c.attempts = 0
	ev, ok := c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			c.log.WithError(err).Debug("close failed")
		}
	}
	if ok {
		c.log.Info("disconnected")
		c.emit(ev)
	}
}

func (c *Connection) readLoop(gen uint64, ch Channel) {
	for {
		data, err := ch.Read()
		if err != nil {
			c.channelEnded(gen, ch, err)
			return
		}
		if !c.received(gen, data) {
			return
		}
	}
}

func (c *Connection) channelEnded(gen uint64, ch Channel, err error) {
	if !isRemoteClose(err) {
		c.fail(gen, ch, &ConnectionError{IP: c.ip, Op: "read", Err: err})
		return
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.channel == ch {
		c.channel = nil
	}
	ev, ok := c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	ch.Close()
	c.log.Info("device closed the channel")
	if ok {
		c.emit(ev)
	}
}

// received applies an inbound message. It reports false once gen is stale.
func (c *Connection) received(gen uint64, data []byte) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	now := time.Now()
	c.lastSeen = now

	msgType := string(protocol.TypeUnknown)
	tel, err := protocol.DecodeTelemetry(data)
	if err != nil {
		c.log.WithError(err).Debug("undecodable message")
	} else {
		msgType = string(tel.Type)
		if tel.IsStatUpdate() {
			applyTelemetry(&c.stats, tel)
		}
	}
	stats := c.stats
	deviceID := c.meta.DeviceID
	c.mu.Unlock()

	c.emit(Event{
		Kind:     EventMessageReceived,
		DeviceID: deviceID,
		Type:     msgType,
		Payload:  data,
		Stats:    stats,
		At:       now,
	})
	return true
}

func applyTelemetry(s *Stats, t protocol.Telemetry) {
	if t.Kills != nil {
		s.Kills = *t.Kills
	}
	if t.Deaths != nil {
		s.Deaths = *t.Deaths
	}
	switch {
	case t.Shots != nil:
		s.Shots = *t.Shots
	case t.Type == protocol.TypeShotFired:
		s.Shots++
	}
}

// SendCommand writes a command envelope. It fails fast with a *SendError
// wrapping ErrNotConnected unless the connection is connected.
func (c *Connection) SendCommand(ctx context.Context, name string, params protocol.Params) error {
	env, err := protocol.NewCommand(name, params)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.write(ctx, string(protocol.TypeCommand), data, nil)
}

// UpdateConfig writes a full or partial config envelope. The connection only
// frames and transmits; it never diffs against earlier payloads.
func (c *Connection) UpdateConfig(ctx context.Context, payload protocol.ConfigPayload) error {
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("invalid config payload: %w", err)
	}
	payload = payload.Clone()
	data, err := protocol.Encode(protocol.NewConfig(payload))
	if err != nil {
		return err
	}
	if err := c.write(ctx, string(protocol.TypeConfig), data, &payload); err != nil {
		return err
	}
	c.log.WithField("full", payload.IsFull()).Debug("config sent")
	return nil
}

// SendRaw writes data unchanged
func (c *Connection) SendRaw(ctx context.Context, data []byte) error {
	return c.write(ctx, "raw", data, nil)
}

func (c *Connection) write(ctx context.Context, msgType string, data []byte, config *protocol.ConfigPayload) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	state, ch, gen := c.state, c.channel, c.gen
	c.mu.Unlock()

	if state != StateConnected || ch == nil {
		return &SendError{IP: c.ip, Type: msgType, Err: ErrNotConnected}
	}

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := ch.Write(wctx, data); err != nil {
		c.log.WithError(err).WithField("type", msgType).Warn("write failed")
		return &SendError{IP: c.ip, Type: msgType, Err: err}
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	// the frame left even if Disconnect ran meanwhile; only the config
	// record belongs to the generation it was written on
	c.mu.Lock()
	if config != nil && gen == c.gen {
		c.lastConfig = config
	}
	deviceID := c.meta.DeviceID
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessageSent, DeviceID: deviceID, Type: msgType, Payload: data})
	return nil
}

// Backoff returns the reconnect delay for the given attempt (1-based),
// doubling from min and capped at max
func Backoff(attempt int, min, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := min
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
