// Package logging configures the process-wide logrus logger
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Setup sets the standard logger's level, format and output. Text output is
// coloured only when out is a terminal and NO_COLOR is unset.
func Setup(level, format string, out io.Writer) error {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	formatter, err := NewFormatter(format, isTerminal(out))
	if err != nil {
		return err
	}

	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(formatter)
	return nil
}

// NewFormatter returns the formatter named by format ("text" or "json")
func NewFormatter(format string, color bool) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
			ForceColors:     color,
			DisableColors:   !color,
		}, nil
	case "json":
		return &log.JSONFormatter{}, nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// Component returns an entry tagged with the component name
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}

func isTerminal(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
