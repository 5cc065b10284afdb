// Package devicetest provides in-memory Dialer and Channel implementations for
// exercising device connections without a network.
package devicetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rayz/bridge/internal/device"
)

// ErrClosed is returned by Channel methods after Close
var ErrClosed = errors.New("devicetest: channel closed")

// Dialer hands out Channels. Set Err to make dials fail and Gate to hold
// handshakes open until the test releases them.
type Dialer struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	failIP   map[string]error
	dials    int
	channels map[string][]*Channel
}

// NewDialer returns a dialer whose handshakes succeed immediately
func NewDialer() *Dialer {
	return &Dialer{
		failIP:   make(map[string]error),
		channels: make(map[string][]*Channel),
	}
}

// FailIP makes dials to ip fail with err (nil clears it)
func (d *Dialer) FailIP(ip string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failIP, ip)
		return
	}
	d.failIP[ip] = err
}

// SetErr makes every following dial fail with err (nil restores success)
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Hold makes following dials block until Release is called. The blocked
// handshake ignores its context so a late success can be simulated.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = make(chan struct{})
}

// Release unblocks held dials
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// Dials returns the number of Dial calls so far
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent channel dialed to ip, or nil
func (d *Dialer) Last(ip string) *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	chs := d.channels[ip]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

func (d *Dialer) Dial(ctx context.Context, target device.Target) (device.Channel, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if err := d.failIP[target.IP]; err != nil {
		return nil, err
	}
	ch := NewChannel(target)
	d.channels[target.IP] = append(d.channels[target.IP], ch)
	return ch, nil
}

// Channel is an in-memory device channel
type Channel struct {
	Target device.Target

	inbound chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once

	mu         sync.Mutex
	written    [][]byte
	writeErr   error
	writeDelay time.Duration
	writeGate  chan struct{}
	entered    chan struct{}

	// writes in flight, and how often a second one started alongside
	active   atomic.Int32
	overlaps atomic.Int32
}

// NewChannel returns an open channel
func NewChannel(target device.Target) *Channel {
	return &Channel{
		Target:  target,
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *Channel) Read() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Channel) Write(ctx context.Context, data []byte) error {
	if c.active.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.active.Add(-1)

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	delay, gate, entered := c.writeDelay, c.writeGate, c.entered
	c.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *Channel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Push delivers an inbound message as if sent by the device
func (c *Channel) Push(data string) {
	c.inbound <- []byte(data)
}

// Fail makes the pending read return err
func (c *Channel) Fail(err error) {
	c.readErr <- err
}

// CloseRemote simulates the device closing the channel cleanly
func (c *Channel) CloseRemote() {
	c.readErr <- fmt.Errorf("%w: going away", device.ErrRemoteClosed)
}

// FailWrites makes every following write return err
func (c *Channel) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// SetWriteDelay makes every following write take at least d
func (c *Channel) SetWriteDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDelay = d
}

// BlockWrites holds every following write, after its closed check, until
// release is called. entered receives once per held write.
func (c *Channel) BlockWrites() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	in := make(chan struct{}, 16)
	c.mu.Lock()
	c.writeGate, c.entered = gate, in
	c.mu.Unlock()

	var once sync.Once
	return in, func() {
		once.Do(func() {
			c.mu.Lock()
			c.writeGate, c.entered = nil, nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Overlaps reports how many writes started while another was in flight
func (c *Channel) Overlaps() int {
	return int(c.overlaps.Load())
}

// Written returns a copy of every message written so far
func (c *Channel) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

// Closed reports whether Close was called
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
