package ui

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/discovery"
	"github.com/rayz/bridge/internal/msglog"
	"github.com/rayz/bridge/internal/registry"
)

const panelWidth = 60

// InfoLine is one label/value row of a panel
type InfoLine struct {
	Label string
	Value string
}

// RenderPanel draws a titled box around label/value lines
func RenderPanel(title string, lines []InfoLine) string {
	var sb strings.Builder

	titleText := " " + title + " "
	leftDashes := 3
	rightDashes := panelWidth - 2 - leftDashes - utf8.RuneCountInString(titleText)
	if rightDashes < 0 {
		rightDashes = 0
	}
	sb.WriteString(Paint(Accent, frameTopLeft+strings.Repeat(frameRule, leftDashes)))
	sb.WriteString(Paint(Title, titleText))
	sb.WriteString(Paint(Accent, strings.Repeat(frameRule, rightDashes)+frameTopRight))
	sb.WriteString("\n")

	for _, l := range lines {
		sb.WriteString(formatInfoLine(l.Label, l.Value, panelWidth))
	}

	sb.WriteString(Paint(Accent, frameBottomLeft+strings.Repeat(frameRule, panelWidth-2)+frameBottomRight))
	sb.WriteString("\n")
	return sb.String()
}

func formatInfoLine(label, value string, width int) string {
	var sb strings.Builder

	// " label: value"
	visibleLen := utf8.RuneCountInString(label) + visibleLength(value) + 3
	padding := width - 2 - visibleLen
	if padding < 0 {
		padding = 0
	}

	sb.WriteString(Paint(Accent, frameSide))
	sb.WriteString(" ")
	sb.WriteString(Paint(Muted, label+":"))
	sb.WriteString(" ")
	sb.WriteString(value)
	sb.WriteString(strings.Repeat(" ", padding))
	sb.WriteString(Paint(Accent, frameSide))
	sb.WriteString("\n")

	return sb.String()
}

// visibleLength returns the visible length of a string, ignoring ANSI codes
func visibleLength(s string) int {
	inEscape := false
	visible := 0
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		visible++
	}
	return visible
}

// padRight pads s with spaces to width visible columns
func padRight(s string, width int) string {
	if n := visibleLength(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

// renderTable aligns rows under a bold header; cells may carry color codes
func renderTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := visibleLength(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string, style Style) {
		for i, cell := range cells {
			cell = Paint(style, cell)
			if i == len(cells)-1 {
				sb.WriteString(cell)
			} else {
				sb.WriteString(padRight(cell, widths[i]+2))
			}
		}
		sb.WriteString("\n")
	}
	writeRow(header, Strong)
	for _, row := range rows {
		writeRow(row, Plain)
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// RenderState colors a connection state
func RenderState(s device.State) string {
	switch s {
	case device.StateConnected:
		return Paint(OK, string(s))
	case device.StateConnecting:
		return Paint(Warn, string(s))
	case device.StateError:
		return Paint(Fail, string(s))
	default:
		return Paint(Muted, string(s))
	}
}

// RenderStatus colors a delivery status
func RenderStatus(s registry.Status) string {
	switch s {
	case registry.StatusSuccess:
		return Paint(OK, string(s))
	case registry.StatusSending:
		return Paint(Warn, string(s))
	case registry.StatusError:
		return Paint(Fail, string(s))
	case "":
		return Paint(Muted, string(registry.StatusIdle))
	default:
		return Paint(Muted, string(s))
	}
}

// RenderDiscovered lists advertising devices
func RenderDiscovered(devices []discovery.DiscoveredDevice) string {
	if len(devices) == 0 {
		return Paint(Muted, "No devices found") + "\n"
	}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{
			d.IP,
			fmt.Sprint(d.Port),
			string(d.Role),
			orDash(d.DeviceID),
			orDash(d.PlayerID),
			orDash(d.FirmwareVersion),
			d.Hostname,
		})
	}
	return renderTable([]string{"IP", "PORT", "ROLE", "DEVICE", "PLAYER", "FIRMWARE", "HOST"}, rows)
}

// RenderConnections lists managed devices with their state and last delivery
func RenderConnections(infos []device.Info, statuses map[string]registry.DeviceStatus) string {
	if len(infos) == 0 {
		return Paint(Muted, "No managed devices") + "\n"
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		st := statuses[info.IP]
		rows = append(rows, []string{
			info.IP,
			orDash(info.DeviceID),
			orDash(info.PlayerID),
			renderTeam(info),
			RenderState(info.State),
			fmt.Sprintf("%d/%d/%d", info.Stats.Kills, info.Stats.Deaths, info.Stats.Shots),
			RenderStatus(st.Status),
			Paint(Fail, info.LastError),
		})
	}
	return renderTable([]string{"IP", "DEVICE", "PLAYER", "TEAM", "STATE", "K/D/S", "DELIVERY", "ERROR"}, rows)
}

func renderTeam(info device.Info) string {
	team := orDash(info.TeamID)
	if info.ColorRGB == nil {
		return team
	}
	return Paint(TeamStyle(*info.ColorRGB), team)
}

// RenderBroadcast summarizes a fleet-wide send, listing failures by device
func RenderBroadcast(name string, res registry.BroadcastResult) string {
	var sb strings.Builder

	summary := fmt.Sprintf("%s: sent %d, skipped %d, failed %d", name, res.Sent, res.Skipped, res.Failed)
	switch {
	case res.Failed > 0:
		sb.WriteString(Paint(Warn, summary))
	case res.Sent == 0:
		sb.WriteString(Paint(Muted, summary))
	default:
		sb.WriteString(Paint(OK, summary))
	}
	sb.WriteString("\n")

	ips := make([]string, 0, len(res.Devices))
	for ip, d := range res.Devices {
		if d.Status == registry.StatusError {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)
	for _, ip := range ips {
		sb.WriteString(fmt.Sprintf("  %s %v\n", Paint(Fail, ip), res.Devices[ip].Err))
	}
	return sb.String()
}

// RenderLogEntry formats a message log entry with its direction colored
func RenderLogEntry(e msglog.Entry) string {
	arrow := Paint(OK, e.Direction.Arrow())
	if e.Direction == msglog.DirectionOut {
		arrow = Paint(Inbound, e.Direction.Arrow())
	}
	return fmt.Sprintf("%s %s %s %s %s",
		Paint(Muted, "["+e.Timestamp.Format("15:04:05")+"]"),
		arrow,
		Paint(Strong, e.Device()),
		Paint(Accent, "["+e.Type+"]"),
		e.Payload)
}

// RenderError formats an error message
func RenderError(err error) string {
	return Paint(Fail, fmt.Sprintf("Error: %v", err))
}

// RenderSuccess formats a success message
func RenderSuccess(msg string) string {
	return Paint(OK, msg)
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Paint(Muted, msg)
}
