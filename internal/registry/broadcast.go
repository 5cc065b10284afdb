package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/protocol"
)

// Status is the operator-facing delivery status of a device
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSending Status = "sending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// DeviceStatus is the outcome of the last operation aimed at a device
type DeviceStatus struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceResult is one device's outcome within a broadcast
type DeviceResult struct {
	Status Status
	Err    error
}

// BroadcastResult reports a fleet-wide send per device. It is returned even
// when some devices failed.
type BroadcastResult struct {
	Devices map[string]DeviceResult
	Sent    int
	Skipped int
	Failed  int
}

// Err joins the per-device failures, or returns nil when none failed
func (b BroadcastResult) Err() error {
	var errs []error
	for _, res := range b.Devices {
		if res.Status == StatusError && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (b *BroadcastResult) record(ip string, status Status, err error) {
	b.Devices[ip] = DeviceResult{Status: status, Err: err}
	switch status {
	case StatusSuccess:
		b.Sent++
	case StatusSkipped:
		b.Skipped++
	case StatusError:
		b.Failed++
	}
}

// Status returns the operator status of ip
func (r *Registry) Status(ip string) (DeviceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[ip]
	if !ok {
		return DeviceStatus{}, false
	}
	return e.status, true
}

// Statuses returns the operator status of every managed device
func (r *Registry) Statuses() map[string]DeviceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]DeviceStatus, len(r.devices))
	for ip, e := range r.devices {
		out[ip] = e.status
	}
	return out
}

func (r *Registry) setStatus(ip string, status Status, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.devices[ip]; ok {
		e.status = DeviceStatus{Status: status, Message: msg, UpdatedAt: time.Now()}
	}
}

// BroadcastCommand sends a command to every connected device, one after the
// other with SendInterval between sends. Devices that are not connected are
// skipped, never queued. A malformed command fails before any I/O.
func (r *Registry) BroadcastCommand(ctx context.Context, name string, params protocol.Params) (BroadcastResult, error) {
	if _, err := protocol.NewCommand(name, params); err != nil {
		return BroadcastResult{}, err
	}
	return r.broadcast(ctx, "command "+name, func(c *device.Connection) (bool, error) {
		return true, c.SendCommand(ctx, name, params)
	}), nil
}

// BroadcastConfig sends each connected device its own payload, keyed by IP.
// Connected devices without a payload are skipped. Every payload is validated
// before anything is sent.
//
// The registry does not wait for devices to apply the config. A caller that
// follows with BroadcastCommand(start) must sequence the two itself, with a
// settle delay or an acknowledgement wait.
func (r *Registry) BroadcastConfig(ctx context.Context, payloads map[string]protocol.ConfigPayload) (BroadcastResult, error) {
	for ip, p := range payloads {
		if err := p.Validate(); err != nil {
			return BroadcastResult{}, fmt.Errorf("config for %s: %w", ip, err)
		}
	}
	result := r.broadcast(ctx, "config", func(c *device.Connection) (bool, error) {
		p, ok := payloads[c.IP()]
		if !ok {
			return false, nil
		}
		return true, c.UpdateConfig(ctx, p)
	})

	for ip := range payloads {
		if _, managed := result.Devices[ip]; !managed {
			result.record(ip, StatusError, fmt.Errorf("%s: %w", ip, ErrUnknownDevice))
		}
	}
	return result, nil
}

// SendCommand sends a command to a single device
func (r *Registry) SendCommand(ctx context.Context, ip, name string, params protocol.Params) error {
	return r.sendOne(ip, func(c *device.Connection) error {
		return c.SendCommand(ctx, name, params)
	})
}

// SendConfig sends a payload to a single device
func (r *Registry) SendConfig(ctx context.Context, ip string, payload protocol.ConfigPayload) error {
	return r.sendOne(ip, func(c *device.Connection) error {
		return c.UpdateConfig(ctx, payload)
	})
}

// SendRaw writes an already framed message to a single device
func (r *Registry) SendRaw(ctx context.Context, ip string, data []byte) error {
	return r.sendOne(ip, func(c *device.Connection) error {
		return c.SendRaw(ctx, data)
	})
}

func (r *Registry) sendOne(ip string, send func(*device.Connection) error) error {
	c, ok := r.Get(ip)
	if !ok {
		return fmt.Errorf("%s: %w", ip, ErrUnknownDevice)
	}
	r.setStatus(ip, StatusSending, "")
	if err := send(c); err != nil {
		r.setStatus(ip, StatusError, err.Error())
		return err
	}
	r.setStatus(ip, StatusSuccess, "")
	return nil
}

// broadcast walks the managed devices in insertion order. send reports false
// when it has nothing to send to a device.
func (r *Registry) broadcast(ctx context.Context, what string, send func(*device.Connection) (bool, error)) BroadcastResult {
	result := BroadcastResult{Devices: make(map[string]DeviceResult)}
	sent := 0

	for _, c := range r.connections() {
		ip := c.IP()

		if c.State() != device.StateConnected {
			r.setStatus(ip, StatusSkipped, "not connected")
			result.record(ip, StatusSkipped, nil)
			continue
		}
		if err := ctx.Err(); err != nil {
			r.setStatus(ip, StatusError, err.Error())
			result.record(ip, StatusError, err)
			continue
		}
		if sent > 0 {
			if err := r.sleep(ctx, r.opts.SendInterval); err != nil {
				r.setStatus(ip, StatusError, err.Error())
				result.record(ip, StatusError, err)
				continue
			}
		}

		r.setStatus(ip, StatusSending, "")
		attempted, err := send(c)
		switch {
		case !attempted:
			r.setStatus(ip, StatusSkipped, "nothing to send")
			result.record(ip, StatusSkipped, nil)
		case errors.Is(err, device.ErrNotConnected):
			r.setStatus(ip, StatusSkipped, "not connected")
			result.record(ip, StatusSkipped, nil)
		case err != nil:
			sent++
			r.setStatus(ip, StatusError, err.Error())
			result.record(ip, StatusError, err)
		default:
			sent++
			r.setStatus(ip, StatusSuccess, "")
			result.record(ip, StatusSuccess, nil)
		}
	}

	r.log.WithFields(logrus.Fields{
		"op":      what,
		"sent":    result.Sent,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	}).Info("broadcast finished")
	return result
}
