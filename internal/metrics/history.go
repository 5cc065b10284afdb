// Package metrics keeps a short in-memory history of the game counters each
// device reports, so the console can chart a match as it happens.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/rayz/bridge/internal/device"
)

const (
	// MaxHistoryPoints is the maximum number of samples kept per device
	MaxHistoryPoints = 240

	// CleanupInterval is how often stale devices are dropped
	CleanupInterval = 5 * time.Minute

	// Retention is how long a device's history outlives its last sample
	Retention = 30 * time.Minute
)

// StatSample is one snapshot of a device's counters
type StatSample struct {
	Timestamp int64  `json:"timestamp_ms"`
	Kills     uint32 `json:"kills"`
	Deaths    uint32 `json:"deaths"`
	Shots     uint32 `json:"shots"`
}

func sampleOf(s device.Stats, at time.Time) StatSample {
	return StatSample{Timestamp: at.UnixMilli(), Kills: s.Kills, Deaths: s.Deaths, Shots: s.Shots}
}

func (s StatSample) sameCounters(o StatSample) bool {
	return s.Kills == o.Kills && s.Deaths == o.Deaths && s.Shots == o.Shots
}

type deviceHistory struct {
	deviceID   string
	samples    []StatSample
	lastUpdate time.Time
}

// Store holds the stat history of every device, keyed by address
type Store struct {
	mu      sync.RWMutex
	devices map[string]*deviceHistory

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewStore creates a store with background cleanup. Call Stop when done.
func NewStore() *Store {
	s := &Store{
		devices: make(map[string]*deviceHistory),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go s.cleanupLoop()
	return s
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Record appends the counters reported by the device at ip. A report that
// matches the latest sample only refreshes the device's age.
func (s *Store) Record(ip, deviceID string, stats device.Stats, at time.Time) bool {
	if at.IsZero() {
		at = s.now()
	}
	sample := sampleOf(stats, at)

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.devices[ip]
	if !ok {
		h = &deviceHistory{samples: make([]StatSample, 0, 16)}
		s.devices[ip] = h
	}
	if deviceID != "" {
		h.deviceID = deviceID
	}
	h.lastUpdate = s.now()

	if n := len(h.samples); n > 0 && h.samples[n-1].sameCounters(sample) {
		return false
	}
	h.samples = append(h.samples, sample)
	if excess := len(h.samples) - MaxHistoryPoints; excess > 0 {
		h.samples = h.samples[excess:]
	}
	return true
}

// History returns the samples of ip newer than sinceMs; zero returns all
func (s *Store) History(ip string, sinceMs int64) []StatSample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.devices[ip]
	if !ok {
		return nil
	}
	result := make([]StatSample, 0, len(h.samples))
	for _, sample := range h.samples {
		if sample.Timestamp > sinceMs {
			result = append(result, sample)
		}
	}
	return result
}

// AllHistory returns History for every device with samples newer than sinceMs
func (s *Store) AllHistory(sinceMs int64) map[string][]StatSample {
	result := make(map[string][]StatSample)
	for _, ip := range s.IPs() {
		if samples := s.History(ip, sinceMs); len(samples) > 0 {
			result[ip] = samples
		}
	}
	return result
}

// Latest returns the most recent sample of ip
func (s *Store) Latest(ip string) (StatSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.devices[ip]
	if !ok || len(h.samples) == 0 {
		return StatSample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// IPs returns the tracked addresses in sorted order
func (s *Store) IPs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ips := make([]string, 0, len(s.devices))
	for ip := range s.devices {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// Summary describes one device's history
type Summary struct {
	IPAddress    string      `json:"ip_address"`
	DeviceID     string      `json:"device_id,omitempty"`
	Latest       *StatSample `json:"latest,omitempty"`
	SampleCount  int         `json:"sample_count"`
	OldestSample int64       `json:"oldest_sample_ms,omitempty"`
	NewestSample int64       `json:"newest_sample_ms,omitempty"`
}

// Summaries returns a summary per tracked device, sorted by address
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.devices))
	for ip, h := range s.devices {
		sum := Summary{IPAddress: ip, DeviceID: h.deviceID, SampleCount: len(h.samples)}
		if n := len(h.samples); n > 0 {
			latest := h.samples[n-1]
			sum.Latest = &latest
			sum.OldestSample = h.samples[0].Timestamp
			sum.NewestSample = latest.Timestamp
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out
}

// Clear drops every history
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]*deviceHistory)
}

// ClearDevice drops the history of ip
func (s *Store) ClearDevice(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, ip)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes devices that have not reported within Retention
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-Retention)
	for ip, h := range s.devices {
		if h.lastUpdate.Before(cutoff) {
			delete(s.devices, ip)
		}
	}
}
