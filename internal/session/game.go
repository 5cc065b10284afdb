package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/gameconfig"
	"github.com/rayz/bridge/internal/msglog"
	"github.com/rayz/bridge/internal/protocol"
	"github.com/rayz/bridge/internal/registry"
)

var (
	// ErrWrongWinType is returned when a command does not apply to the game's win type
	ErrWrongWinType = errors.New("command does not apply to this win type")
	// ErrNothingConfigured is returned when no connected device received a config
	ErrNothingConfigured = errors.New("no connected device received a config")
)

// StartResult reports both phases of a game start
type StartResult struct {
	Config registry.BroadcastResult
	Start  registry.BroadcastResult
}

// ConfigPayloads builds the full config of every connected device that belongs
// to the project. Devices are matched by address first, then by device ID.
// Any malformed project record fails the whole build.
func (s *Session) ConfigPayloads() (map[string]protocol.ConfigPayload, error) {
	p := s.Project()
	if p == nil {
		return nil, &gameconfig.BuildError{Err: gameconfig.ErrNoProject}
	}

	payloads := make(map[string]protocol.ConfigPayload)
	for _, info := range s.registry.ConnectedDevices() {
		d, ok := p.FindDeviceByIP(info.IP)
		if !ok {
			if d, ok = p.FindDevice(info.DeviceID); !ok {
				s.log.WithField("ip", info.IP).Debug("connected device is not part of the project")
				continue
			}
		}
		payload, err := gameconfig.Build(p, d.ID)
		if err != nil {
			return nil, err
		}
		payloads[info.IP] = payload
	}
	return payloads, nil
}

// SyncConfig sends every connected project device its full config
func (s *Session) SyncConfig(ctx context.Context) (registry.BroadcastResult, error) {
	if s.isClosed() {
		return registry.BroadcastResult{}, ErrClosed
	}
	payloads, err := s.ConfigPayloads()
	if err != nil {
		return registry.BroadcastResult{}, err
	}
	res, err := s.registry.BroadcastConfig(ctx, payloads)
	if err != nil {
		return res, err
	}
	s.noteBroadcast("config", res)
	return res, nil
}

// UpdateGameMode applies the set fields of override to the active project's
// rules. The project is replaced, never edited in place, so snapshots handed
// out earlier stay unchanged.
func (s *Session) UpdateGameMode(override gameconfig.GameMode) (*gameconfig.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return nil, &gameconfig.BuildError{Err: gameconfig.ErrNoProject}
	}

	var base gameconfig.GameMode
	if s.project.GameMode != nil {
		base = *s.project.GameMode
	}
	merged := base.Merge(override)
	if _, err := gameconfig.RulesPayload(&merged); err != nil {
		return nil, err
	}
	p := *s.project
	p.GameMode = &merged
	s.project = &p
	s.log.WithField("game_mode", merged.Name).Info("game rules updated")
	return &p, nil
}

// SyncRules sends only the game rules to every connected device
func (s *Session) SyncRules(ctx context.Context) (registry.BroadcastResult, error) {
	if s.isClosed() {
		return registry.BroadcastResult{}, ErrClosed
	}
	p := s.Project()
	if p == nil {
		return registry.BroadcastResult{}, &gameconfig.BuildError{Err: gameconfig.ErrNoProject}
	}
	rules, err := gameconfig.RulesPayload(p.GameMode)
	if err != nil {
		return registry.BroadcastResult{}, err
	}

	payloads := make(map[string]protocol.ConfigPayload)
	for _, info := range s.registry.ConnectedDevices() {
		payloads[info.IP] = rules.Clone()
	}
	res, err := s.registry.BroadcastConfig(ctx, payloads)
	if err != nil {
		return res, err
	}
	s.noteBroadcast("rules", res)
	return res, nil
}

// StartGame configures every connected device, waits the settle delay and
// then broadcasts start. Start is not sent when no device took the config.
func (s *Session) StartGame(ctx context.Context) (StartResult, error) {
	var out StartResult

	cfg, err := s.SyncConfig(ctx)
	out.Config = cfg
	if err != nil {
		return out, err
	}
	if cfg.Sent == 0 {
		return out, ErrNothingConfigured
	}

	if err := s.sleep(ctx, s.settle); err != nil {
		return out, err
	}

	start, err := s.Command(ctx, protocol.CommandStart, nil)
	out.Start = start
	return out, err
}

// Command broadcasts a command to every connected device
func (s *Session) Command(ctx context.Context, name string, params protocol.Params) (registry.BroadcastResult, error) {
	if s.isClosed() {
		return registry.BroadcastResult{}, ErrClosed
	}
	res, err := s.registry.BroadcastCommand(ctx, name, params)
	if err != nil {
		return res, err
	}
	s.noteBroadcast(name, res)
	return res, nil
}

// StopGame broadcasts stop
func (s *Session) StopGame(ctx context.Context) (registry.BroadcastResult, error) {
	return s.Command(ctx, protocol.CommandStop, nil)
}

// PauseGame broadcasts pause
func (s *Session) PauseGame(ctx context.Context) (registry.BroadcastResult, error) {
	return s.Command(ctx, protocol.CommandPause, nil)
}

// ResumeGame broadcasts unpause
func (s *Session) ResumeGame(ctx context.Context) (registry.BroadcastResult, error) {
	return s.Command(ctx, protocol.CommandUnpause, nil)
}

// ResetGame broadcasts reset and starts a fresh stat history
func (s *Session) ResetGame(ctx context.Context) (registry.BroadcastResult, error) {
	res, err := s.Command(ctx, protocol.CommandReset, nil)
	if err == nil {
		s.stats.Clear()
	}
	return res, err
}

// ExtendTime adds minutes to a timed game
func (s *Session) ExtendTime(ctx context.Context, minutes int) (registry.BroadcastResult, error) {
	if err := s.requireWinType(protocol.WinTime); err != nil {
		return registry.BroadcastResult{}, err
	}
	return s.Command(ctx, protocol.CommandExtendTime, protocol.Params{protocol.ParamExtendMinutes: minutes})
}

// UpdateTarget changes the target of a score game
func (s *Session) UpdateTarget(ctx context.Context, target int) (registry.BroadcastResult, error) {
	if err := s.requireWinType(protocol.WinScore); err != nil {
		return registry.BroadcastResult{}, err
	}
	return s.Command(ctx, protocol.CommandUpdateTarget, protocol.Params{protocol.ParamNewTarget: target})
}

func (s *Session) requireWinType(want protocol.WinType) error {
	got := gameconfig.Defaults.WinType
	if p := s.Project(); p != nil && p.GameMode != nil && p.GameMode.WinType != "" {
		got = protocol.WinType(p.GameMode.WinType)
	}
	if got != want {
		return fmt.Errorf("%w: game is %s, command needs %s", ErrWrongWinType, got, want)
	}
	return nil
}

// noteBroadcast records a fleet-wide summary line
func (s *Session) noteBroadcast(what string, res registry.BroadcastResult) {
	s.messages.Append(msglog.Entry{
		Direction: msglog.DirectionOut,
		Type:      "broadcast",
		Payload:   fmt.Sprintf("%s: sent %d, skipped %d, failed %d", what, res.Sent, res.Skipped, res.Failed),
	})
}

// Totals sums live stats over connected devices
func (s *Session) Totals() device.Stats {
	return s.registry.Totals()
}
