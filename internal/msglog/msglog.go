// Package msglog provides a bounded in-memory log of device traffic for diagnostics
package msglog

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of entries kept when no capacity is given
	DefaultCapacity = 500

	// BroadcastLabel is shown in place of a device for fleet-wide entries
	BroadcastLabel = "Broadcast"
)

// Direction says whether an entry was received from or sent to a device
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Arrow returns the console glyph for the direction
func (d Direction) Arrow() string {
	if d == DirectionIn {
		return "↓"
	}
	return "↑"
}

// Entry is a single logged event
type Entry struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Direction Direction `json:"direction"`
	DeviceID  string    `json:"device_id,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
}

// Device returns the label used for the entry's origin or target
func (e Entry) Device() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	if e.IPAddress != "" {
		return e.IPAddress
	}
	return BroadcastLabel
}

// String renders the entry as a console line
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s %s [%s] %s",
		e.Timestamp.Format("15:04:05"), e.Direction.Arrow(), e.Device(), e.Type, e.Payload)
}

// Log is an append-only store that evicts its oldest entries beyond capacity.
// It is the only writer of its buffer and is safe for concurrent use.
type Log struct {
	capacity    int
	entries     []Entry
	nextID      uint64
	subscribers map[int]func(Entry)
	nextSub     int
	now         func() time.Time
	mu          sync.RWMutex
}

// New creates a log holding at most capacity entries
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity:    capacity,
		entries:     make([]Entry, 0, capacity),
		nextID:      1,
		subscribers: make(map[int]func(Entry)),
		now:         time.Now,
	}
}

// Capacity returns the maximum number of retained entries
func (l *Log) Capacity() int {
	return l.capacity
}

// Append stamps the entry with the next ID and the current time, stores it and
// notifies subscribers before returning. The stored entry is returned.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	e.ID = l.nextID
	l.nextID++
	e.Timestamp = l.now()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		excess := len(l.entries) - l.capacity
		l.entries = l.entries[excess:]
	}

	subs := make([]func(Entry), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return e
}

// Subscribe registers fn for every future entry. The returned func removes it.
// fn runs on the appending goroutine and must not call Append.
func (l *Log) Subscribe(fn func(Entry)) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subscribers, id)
	}
}

// Entries returns a copy of the retained entries, oldest first
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Entry, len(l.entries))
	copy(result, l.entries)
	return result
}

// Since returns retained entries with an ID greater than id
func (l *Log) Since(id uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Entry
	for _, e := range l.entries {
		if e.ID > id {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of retained entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear removes all entries. IDs keep increasing afterwards.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, 0, l.capacity)
}

// Text renders every retained entry, one line each, for copy/export
func (l *Log) Text() string {
	entries := l.Entries()
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}
