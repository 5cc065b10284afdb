package msglog

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAppendAssignsIDsAndTimestamps(t *testing.T) {
	l := New(10)
	fixed := time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	a := l.Append(Entry{Direction: DirectionOut, Type: "command", Payload: "start"})
	b := l.Append(Entry{Direction: DirectionIn, Type: "stats", Payload: "{}"})

	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("expected IDs 1,2 got %d,%d", a.ID, b.ID)
	}
	if !a.Timestamp.Equal(fixed) {
		t.Errorf("timestamp not assigned: %v", a.Timestamp)
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	const capacity = 5
	for _, overflow := range []int{0, 1, 3, capacity, 2 * capacity} {
		l := New(capacity)
		total := capacity + overflow
		for i := 0; i < total; i++ {
			l.Append(Entry{Type: "t", Payload: fmt.Sprintf("%d", i)})
		}

		entries := l.Entries()
		if len(entries) != capacity {
			t.Fatalf("overflow %d: expected %d entries, got %d", overflow, capacity, len(entries))
		}
		for i, e := range entries {
			want := fmt.Sprintf("%d", overflow+i)
			if e.Payload != want {
				t.Errorf("overflow %d: entry %d payload = %s, want %s", overflow, i, e.Payload, want)
			}
		}
	}
}

func TestSubscribersNotifiedSynchronously(t *testing.T) {
	l := New(3)
	var seen []uint64
	unsubscribe := l.Subscribe(func(e Entry) {
		seen = append(seen, e.ID)
	})

	l.Append(Entry{Type: "a"})
	l.Append(Entry{Type: "b"})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected notifications: %v", seen)
	}

	unsubscribe()
	l.Append(Entry{Type: "c"})
	if len(seen) != 2 {
		t.Errorf("unsubscribed callback still invoked: %v", seen)
	}
}

func TestClear(t *testing.T) {
	l := New(3)
	l.Append(Entry{Type: "a"})
	l.Clear()
	if l.Len() != 0 {
		t.Fatalf("expected empty log, got %d", l.Len())
	}
	e := l.Append(Entry{Type: "b"})
	if e.ID != 2 {
		t.Errorf("IDs must keep increasing after Clear, got %d", e.ID)
	}
}

func TestText(t *testing.T) {
	l := New(10)
	l.now = func() time.Time { return time.Date(2026, 1, 2, 9, 8, 7, 0, time.UTC) }

	l.Append(Entry{Direction: DirectionOut, IPAddress: "10.0.0.5", Type: "config", Payload: `{"target_score":100}`})
	l.Append(Entry{Direction: DirectionIn, DeviceID: "7", IPAddress: "10.0.0.6", Type: "stats", Payload: `{"kills":1}`})
	l.Append(Entry{Direction: DirectionOut, Type: "command", Payload: "start"})

	lines := strings.Split(l.Text(), "\n")
	want := []string{
		`[09:08:07] ↑ 10.0.0.5 [config] {"target_score":100}`,
		`[09:08:07] ↓ 7 [stats] {"kills":1}`,
		`[09:08:07] ↑ Broadcast [command] start`,
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestSince(t *testing.T) {
	l := New(10)
	for i := 0; i < 4; i++ {
		l.Append(Entry{Type: "t"})
	}
	got := l.Since(2)
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 4 {
		t.Fatalf("unexpected Since result: %+v", got)
	}
}
