// Package bridge exposes a session over HTTP: a REST API for operators and a
// WebSocket control channel that streams discovery events.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/rayz/bridge/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server serves the bridge API for one session
type Server struct {
	Router *mux.Router

	session  *session.Session
	bridgeID string
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*controlClient]struct{}
}

// NewServer builds a server with its routes registered
func NewServer(sess *session.Session, bridgeID string, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.WithField("component", "bridge")
	}
	s := &Server{
		session:  sess,
		bridgeID: bridgeID,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// operator UIs are served from other origins on the LAN
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*controlClient]struct{}),
	}
	s.Routes()
	return s
}

// Routes sets up API endpoints
func (s *Server) Routes() {
	s.Router = mux.NewRouter()

	s.Router.HandleFunc("/api/health", s.handleHealth()).Methods(http.MethodGet)

	s.Router.HandleFunc("/api/devices", s.handleDiscovered()).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/connections", s.handleListConnections()).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/connections", s.handleAddConnection()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/connections/{ip}", s.handleRemoveConnection()).Methods(http.MethodDelete)
	s.Router.HandleFunc("/api/connect", s.handleConnect()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/disconnect", s.handleDisconnect()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/command", s.handleCommand()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/stats", s.handleStats()).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/stats/history", s.handleStatHistory()).Methods(http.MethodGet)

	s.Router.HandleFunc("/api/project", s.handleGetProject()).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/project", s.handleSetProject()).Methods(http.MethodPut)
	s.Router.HandleFunc("/api/project/game_mode", s.handleUpdateGameMode()).Methods(http.MethodPatch)
	s.Router.HandleFunc("/api/game/start", s.handleStartGame()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/config", s.handleSyncConfig()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/rules", s.handleSyncRules()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/stop", s.broadcastHandler(s.session.StopGame)).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/pause", s.broadcastHandler(s.session.PauseGame)).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/resume", s.broadcastHandler(s.session.ResumeGame)).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/reset", s.broadcastHandler(s.session.ResetGame)).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/extend", s.handleExtendTime()).Methods(http.MethodPost)
	s.Router.HandleFunc("/api/game/target", s.handleUpdateTarget()).Methods(http.MethodPost)

	s.Router.HandleFunc("/api/log", s.handleGetLog()).Methods(http.MethodGet)
	s.Router.HandleFunc("/api/log", s.handleClearLog()).Methods(http.MethodDelete)

	s.Router.HandleFunc("/ws", s.handleControl())
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("failed to write response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
