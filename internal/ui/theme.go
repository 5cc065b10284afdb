// Package ui renders bridge state for the terminal: device tables, broadcast
// summaries and the message log.
package ui

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// Style is an SGR escape sequence applied by Paint
type Style string

// Styles used by the renderers
const (
	Plain   Style = ""
	Strong  Style = "\033[1m"
	Muted   Style = "\033[2m"
	Accent  Style = "\033[36m"
	Title   Style = "\033[1;36m"
	OK      Style = "\033[32m"
	Warn    Style = "\033[33m"
	Fail    Style = "\033[31m"
	Inbound Style = "\033[34m"
)

const resetSGR = "\033[0m"

// Panel frame glyphs
const (
	frameTopLeft     = "╭"
	frameTopRight    = "╮"
	frameBottomLeft  = "╰"
	frameBottomRight = "╯"
	frameRule        = "─"
	frameSide        = "│"
)

var colorEnabled = true

func init() {
	// https://no-color.org/
	if !term.IsTerminal(int(os.Stdout.Fd())) || os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		colorEnabled = false
	}
}

// SetNoColor turns color output off. It never turns it back on.
func SetNoColor(disable bool) {
	if disable {
		colorEnabled = false
	}
}

// Paint wraps text in style when color output is on
func Paint(style Style, text string) string {
	if !colorEnabled || style == Plain || text == "" {
		return text
	}
	return string(style) + text + resetSGR
}

// TeamStyle is a true color foreground for a team's 0xRRGGBB color
func TeamStyle(rgb uint32) Style {
	return Style(fmt.Sprintf("\033[38;2;%d;%d;%dm", rgb>>16&0xFF, rgb>>8&0xFF, rgb&0xFF))
}
