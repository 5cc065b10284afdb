package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rayz/bridge/internal/allowlist"
	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/gameconfig"
	"github.com/rayz/bridge/internal/metrics"
	"github.com/rayz/bridge/internal/protocol"
	"github.com/rayz/bridge/internal/registry"
	"github.com/rayz/bridge/internal/session"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON response for /api/health
type HealthResponse struct {
	Status      string `json:"status"`
	BridgeID    string `json:"bridge_id"`
	SessionID   string `json:"session_id"`
	Discovering bool   `json:"discovering"`
	Managed     int    `json:"managed"`
	Connected   int    `json:"connected"`
	// ConfigSchema is the device config field set this bridge writes
	ConfigSchema int `json:"config_schema"`
}

// ConnectionResponse is one managed device with its operator status
type ConnectionResponse struct {
	device.Info
	Delivery registry.DeviceStatus `json:"delivery"`
}

// AddConnectionRequest is the body of POST /api/connections
type AddConnectionRequest struct {
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	PlayerID string `json:"player_id,omitempty"`
	TeamID   string `json:"team_id,omitempty"`
	Connect  bool   `json:"connect,omitempty"`
}

// TargetRequest selects devices; an empty list means every managed device
type TargetRequest struct {
	IPs []string `json:"ips,omitempty"`
}

// CommandRequest is the body of POST /api/command
type CommandRequest struct {
	Name   string          `json:"name"`
	Params protocol.Params `json:"params,omitempty"`
	// IP sends to a single device instead of broadcasting
	IP string `json:"ip,omitempty"`
}

// DeviceOutcome is one device's result in a fleet-wide response
type DeviceOutcome struct {
	Status registry.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
}

// BroadcastResponse summarizes a fleet-wide send
type BroadcastResponse struct {
	Sent    int                      `json:"sent"`
	Skipped int                      `json:"skipped"`
	Failed  int                      `json:"failed"`
	Devices map[string]DeviceOutcome `json:"devices"`
}

// StartResponse reports both phases of a game start
type StartResponse struct {
	Config BroadcastResponse `json:"config"`
	Start  BroadcastResponse `json:"start"`
}

// AmountRequest carries the value for extend_time and update_target
type AmountRequest struct {
	Minutes int `json:"minutes,omitempty"`
	Target  int `json:"target,omitempty"`
}

// FleetResponse reports per-device failures of connect/disconnect
type FleetResponse struct {
	Failed map[string]string `json:"failed"`
}

func toBroadcastResponse(res registry.BroadcastResult) BroadcastResponse {
	out := BroadcastResponse{
		Sent:    res.Sent,
		Skipped: res.Skipped,
		Failed:  res.Failed,
		Devices: make(map[string]DeviceOutcome, len(res.Devices)),
	}
	for ip, d := range res.Devices {
		o := DeviceOutcome{Status: d.Status}
		if d.Err != nil {
			o.Error = d.Err.Error()
		}
		out.Devices[ip] = o
	}
	return out
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var be *gameconfig.BuildError
	switch {
	case errors.As(err, &be):
		return http.StatusUnprocessableEntity
	case errors.Is(err, allowlist.ErrNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, session.ErrWrongWinType), errors.Is(err, session.ErrNothingConfigured):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.session.Registry()
		s.writeJSON(w, http.StatusOK, HealthResponse{
			Status:      "ok",
			BridgeID:    s.bridgeID,
			SessionID:   s.session.ID(),
			Discovering: s.session.Discovery().Running(),
			Managed:     reg.Count(),
			Connected:   len(reg.ConnectedDevices()),

			ConfigSchema: protocol.SchemaVersion,
		})
	}
}

func (s *Server) handleDiscovered() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.session.Discovery().Devices())
	}
}

func (s *Server) handleListConnections() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.session.Registry()
		statuses := reg.Statuses()

		var infos []device.Info
		if r.URL.Query().Get("state") == string(device.StateConnected) {
			infos = reg.ConnectedDevices()
		} else {
			infos = reg.List()
		}

		out := make([]ConnectionResponse, 0, len(infos))
		for _, info := range infos {
			out = append(out, ConnectionResponse{Info: info, Delivery: statuses[info.IP]})
		}
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleAddConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddConnectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		if req.IP == "" {
			s.writeError(w, http.StatusBadRequest, "ip is required")
			return
		}
		meta := device.Metadata{
			DeviceID: req.DeviceID,
			PlayerID: req.PlayerID,
			TeamID:   req.TeamID,
			Port:     req.Port,
		}
		if meta.DeviceID == "" || meta.Port == 0 {
			// fill the gaps from discovery when the device is advertising
			if d, ok := s.session.Discovery().Device(req.IP); ok {
				if meta.DeviceID == "" {
					meta.DeviceID = d.DeviceID
				}
				if meta.Port == 0 {
					meta.Port = d.Port
				}
			}
		}

		conn, err := s.session.AddDevice(req.IP, meta)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		if req.Connect {
			ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
			defer cancel()
			if err := conn.Connect(ctx); err != nil {
				s.log.WithError(err).WithField("ip", req.IP).Warn("connect after add failed")
			}
		}
		status, _ := s.session.Registry().Status(req.IP)
		s.writeJSON(w, http.StatusCreated, ConnectionResponse{Info: conn.Info(), Delivery: status})
	}
}

func (s *Server) handleRemoveConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := mux.Vars(r)["ip"]
		if !s.session.Registry().Remove(ip) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("device %s is not managed", ip))
			return
		}
		s.session.Stats().ClearDevice(ip)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decodeTargets(r *http.Request) (TargetRequest, error) {
	var req TargetRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("Invalid JSON: %v", err)
	}
	return req, nil
}

func (s *Server) handleConnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.decodeTargets(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		reg := s.session.Registry()
		out := FleetResponse{Failed: make(map[string]string)}
		if len(req.IPs) == 0 {
			for ip, err := range reg.ConnectAll(ctx) {
				out.Failed[ip] = err.Error()
			}
		} else {
			for _, ip := range req.IPs {
				conn, ok := reg.Get(ip)
				if !ok {
					out.Failed[ip] = registry.ErrUnknownDevice.Error()
					continue
				}
				if err := conn.Connect(ctx); err != nil {
					out.Failed[ip] = err.Error()
				}
			}
		}
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleDisconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.decodeTargets(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		reg := s.session.Registry()
		out := FleetResponse{Failed: make(map[string]string)}
		if len(req.IPs) == 0 {
			reg.DisconnectAll()
		} else {
			for _, ip := range req.IPs {
				conn, ok := reg.Get(ip)
				if !ok {
					out.Failed[ip] = registry.ErrUnknownDevice.Error()
					continue
				}
				conn.Disconnect()
			}
		}
		s.writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleCommand() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		if req.Name == "" {
			s.writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		if req.IP != "" {
			if err := s.session.Registry().SendCommand(ctx, req.IP, req.Name, req.Params); err != nil {
				s.writeError(w, statusFor(err), err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, BroadcastResponse{
				Sent:    1,
				Devices: map[string]DeviceOutcome{req.IP: {Status: registry.StatusSuccess}},
			})
			return
		}

		res, err := s.session.Command(ctx, req.Name, req.Params)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, toBroadcastResponse(res))
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.session.Totals())
	}
}

// StatHistoryResponse is the JSON response for /api/stats/history
type StatHistoryResponse struct {
	Devices []metrics.Summary               `json:"devices"`
	History map[string][]metrics.StatSample `json:"history"`
}

func (s *Server) handleStatHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "since must be a millisecond timestamp")
				return
			}
			since = n
		}
		store := s.session.Stats()
		resp := StatHistoryResponse{Devices: store.Summaries()}
		if ip := r.URL.Query().Get("ip"); ip != "" {
			resp.History = map[string][]metrics.StatSample{ip: store.History(ip, since)}
		} else {
			resp.History = store.AllHistory(since)
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleGetProject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := s.session.Project()
		if p == nil {
			s.writeError(w, http.StatusNotFound, "no project loaded")
			return
		}
		s.writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleSetProject() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p gameconfig.Project
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		// reject projects that cannot produce a config before accepting them
		if _, err := gameconfig.BuildAll(&p); err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.session.SetProject(&p)
		if manage, _ := strconv.ParseBool(r.URL.Query().Get("manage")); manage {
			if _, err := s.session.AddProjectDevices(); err != nil {
				s.writeError(w, statusFor(err), err.Error())
				return
			}
		}
		s.writeJSON(w, http.StatusOK, &p)
	}
}

func (s *Server) handleUpdateGameMode() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var override gameconfig.GameMode
		if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		p, err := s.session.UpdateGameMode(override)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleStartGame() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		res, err := s.session.StartGame(ctx)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, StartResponse{
			Config: toBroadcastResponse(res.Config),
			Start:  toBroadcastResponse(res.Start),
		})
	}
}

func (s *Server) handleSyncConfig() http.HandlerFunc {
	return s.broadcastHandler(s.session.SyncConfig)
}

func (s *Server) handleSyncRules() http.HandlerFunc {
	return s.broadcastHandler(s.session.SyncRules)
}

func (s *Server) broadcastHandler(op func(context.Context) (registry.BroadcastResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		res, err := op(ctx)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, toBroadcastResponse(res))
	}
}

func (s *Server) handleExtendTime() http.HandlerFunc {
	return s.amountHandler(func(ctx context.Context, req AmountRequest) (registry.BroadcastResult, error) {
		if req.Minutes <= 0 {
			return registry.BroadcastResult{}, errors.New("minutes must be positive")
		}
		return s.session.ExtendTime(ctx, req.Minutes)
	})
}

func (s *Server) handleUpdateTarget() http.HandlerFunc {
	return s.amountHandler(func(ctx context.Context, req AmountRequest) (registry.BroadcastResult, error) {
		if req.Target <= 0 {
			return registry.BroadcastResult{}, errors.New("target must be positive")
		}
		return s.session.UpdateTarget(ctx, req.Target)
	})
}

func (s *Server) amountHandler(op func(context.Context, AmountRequest) (registry.BroadcastResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AmountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		res, err := op(ctx, req)
		if err != nil {
			s.writeError(w, statusFor(err), err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, toBroadcastResponse(res))
	}
}

func (s *Server) handleGetLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messages := s.session.Messages()
		q := r.URL.Query()

		if q.Get("format") == "json" {
			since, _ := strconv.ParseUint(q.Get("since"), 10, 64)
			s.writeJSON(w, http.StatusOK, messages.Since(since))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(messages.Text()))
	}
}

func (s *Server) handleClearLog() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.session.Messages().Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}
