package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// beam is a sweep drawn while the bridge waits on the network
var beam = []string{"[>    ]", "[=>   ]", "[ =>  ]", "[  => ]", "[   =>]", "[    =]"}

// Spinner shows a one-line progress indicator, e.g. during a discovery scan.
// It draws only when out is a terminal.
type Spinner struct {
	out      io.Writer
	draw     bool
	interval time.Duration

	mu      sync.Mutex
	message string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSpinner creates a spinner writing to out
func NewSpinner(out io.Writer, message string) *Spinner {
	return &Spinner{
		out:      out,
		draw:     isTerminal(out),
		interval: 100 * time.Millisecond,
		message:  message,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start begins the animation; a running spinner is left alone
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()
	go s.run(ctx, s.done)
}

func (s *Spinner) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	width := 0
	for frame := 0; ; frame++ {
		select {
		case <-ctx.Done():
			if s.draw && width > 0 {
				fmt.Fprint(s.out, "\r"+strings.Repeat(" ", width)+"\r")
			}
			return
		case <-ticker.C:
		}
		if !s.draw {
			continue
		}
		line := s.line(frame)
		if n := visibleLength(line); n > width {
			width = n
		}
		fmt.Fprint(s.out, "\r"+padRight(line, width))
	}
}

func (s *Spinner) line(frame int) string {
	s.mu.Lock()
	msg, elapsed := s.message, time.Since(s.started)
	s.mu.Unlock()

	line := Paint(Accent, beam[frame%len(beam)]) + " " + msg
	if elapsed >= 2*time.Second {
		line += Paint(Muted, fmt.Sprintf(" %ds", int(elapsed.Seconds())))
	}
	return line
}

// Stop ends the animation and clears the line
func (s *Spinner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SetMessage replaces the text next to the animation
func (s *Spinner) SetMessage(msg string) {
	s.mu.Lock()
	s.message = msg
	s.mu.Unlock()
}

// IsRunning reports whether the spinner is animating
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
