// Package registry owns the managed device connections and their fleet-wide operations
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rayz/bridge/internal/allowlist"
	"github.com/rayz/bridge/internal/device"
)

// DefaultSendInterval spaces consecutive sends of one fleet-wide operation
const DefaultSendInterval = 200 * time.Millisecond

var (
	// ErrUnknownDevice is returned for an IP that is not managed
	ErrUnknownDevice = errors.New("device not managed")
	// ErrClosed is returned once the registry has been closed
	ErrClosed = errors.New("registry closed")
)

// Options configures a registry
type Options struct {
	// SendInterval is the pause between devices in a broadcast; zero disables it
	SendInterval time.Duration
	// Connection is the template used for every new connection
	Connection device.Options
	// Allow restricts managed addresses; nil allows all
	Allow *allowlist.List
	Log   *logrus.Entry
}

// entry holds a managed connection and its operator status
type entry struct {
	conn        *device.Connection
	status      DeviceStatus
	unsubscribe func()
}

// Registry manages device connections keyed by IP. It is the only writer of
// the map; everything it returns is a snapshot.
type Registry struct {
	devices map[string]*entry
	order   []string
	closed  bool
	mu      sync.RWMutex

	opts Options
	log  *logrus.Entry

	subMu   sync.RWMutex
	subs    map[int]func(device.Event)
	nextSub int

	// sleep waits between sends; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an empty registry
func New(opts Options) *Registry {
	if opts.SendInterval < 0 {
		opts.SendInterval = 0
	}
	if opts.Log == nil {
		opts.Log = logrus.WithField("component", "registry")
	}
	if opts.Connection.Log == nil {
		opts.Connection.Log = opts.Log
	}
	return &Registry{
		devices: make(map[string]*entry),
		opts:    opts,
		log:     opts.Log,
		subs:    make(map[int]func(device.Event)),
		sleep:   sleepContext,
	}
}

// Add creates a connection for ip if absent. An existing connection is returned
// unchanged apart from its metadata, which is refreshed.
func (r *Registry) Add(ip string, meta device.Metadata) (*device.Connection, error) {
	if ip == "" {
		return nil, errors.New("device ip is required")
	}
	if err := r.opts.Allow.Validate(ip); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if e, exists := r.devices[ip]; exists {
		e.conn.UpdateMetadata(meta)
		return e.conn, nil
	}

	conn := device.NewConnection(ip, meta, r.opts.Connection)
	e := &entry{
		conn:   conn,
		status: DeviceStatus{Status: StatusIdle, UpdatedAt: time.Now()},
	}
	e.unsubscribe = conn.Subscribe(r.forward)
	r.devices[ip] = e
	r.order = append(r.order, ip)

	r.log.WithField("ip", ip).Info("device added")
	return conn, nil
}

// Remove disconnects and forgets ip. It reports whether ip was managed.
func (r *Registry) Remove(ip string) bool {
	r.mu.Lock()
	e, ok := r.devices[ip]
	if ok {
		delete(r.devices, ip)
		r.order = removeString(r.order, ip)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.conn.Disconnect()
	e.unsubscribe()
	r.log.WithField("ip", ip).Info("device removed")
	return true
}

// Get returns the connection for ip
func (r *Registry) Get(ip string) (*device.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.devices[ip]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// List returns a snapshot of every managed connection in insertion order
func (r *Registry) List() []device.Info {
	conns := r.connections()
	infos := make([]device.Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	return infos
}

// ConnectedDevices returns the connections currently connected. The view is
// recomputed on every call.
func (r *Registry) ConnectedDevices() []device.Info {
	var infos []device.Info
	for _, c := range r.connections() {
		info := c.Info()
		if info.State == device.StateConnected {
			infos = append(infos, info)
		}
	}
	return infos
}

// Count returns the number of managed devices
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Totals sums the live counters of every connected device
func (r *Registry) Totals() device.Stats {
	var total device.Stats
	for _, info := range r.ConnectedDevices() {
		total.Kills += info.Stats.Kills
		total.Deaths += info.Stats.Deaths
		total.Shots += info.Stats.Shots
	}
	return total
}

// Subscribe registers fn for events of every managed connection
func (r *Registry) Subscribe(fn func(device.Event)) (unsubscribe func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Registry) forward(ev device.Event) {
	r.subMu.RLock()
	subs := make([]func(device.Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// ConnectAll connects every managed device concurrently. It returns the
// failures keyed by IP; one device failing never stops the others.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	conns := r.connections()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *device.Connection) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				mu.Lock()
				failures[c.IP()] = err
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	r.log.WithFields(logrus.Fields{"devices": len(conns), "failed": len(failures)}).Info("connect all finished")
	return failures
}

// DisconnectAll disconnects every managed device
func (r *Registry) DisconnectAll() {
	for _, c := range r.connections() {
		c.Disconnect()
	}
}

// Close disconnects and forgets every device. Later calls to Add fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.order))
	for _, ip := range r.order {
		entries = append(entries, r.devices[ip])
	}
	r.devices = make(map[string]*entry)
	r.order = nil
	r.mu.Unlock()

	for _, e := range entries {
		e.conn.Disconnect()
		e.unsubscribe()
	}
}

func (r *Registry) connections() []*device.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*device.Connection, 0, len(r.order))
	for _, ip := range r.order {
		conns = append(conns, r.devices[ip].conn)
	}
	return conns
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
