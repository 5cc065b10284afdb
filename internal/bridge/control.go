package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/rayz/bridge/internal/discovery"
)

const (
	controlBuffer     = 64
	controlWriteWait  = 5 * time.Second
	controlPongWait   = 60 * time.Second
	controlPingPeriod = controlPongWait * 9 / 10
	controlMaxMessage = 4096
)

// controlClient is one operator UI attached to the discovery control channel
type controlClient struct {
	conn *websocket.Conn
	send chan discovery.ControlMessage
	done chan struct{}
	log  *logrus.Entry

	mu          sync.Mutex
	unsubscribe func()
	closeOnce   sync.Once
}

func newControlClient(conn *websocket.Conn, log *logrus.Entry) *controlClient {
	return &controlClient{
		conn: conn,
		send: make(chan discovery.ControlMessage, controlBuffer),
		done: make(chan struct{}),
		log:  log,
	}
}

// push queues msg without blocking discovery; slow clients lose messages
func (c *controlClient) push(msg discovery.ControlMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.log.WithField("type", msg.Type).Warn("control client too slow, dropping message")
	}
}

func (c *controlClient) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribe != nil
}

func (c *controlClient) setSubscription(unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.unsubscribe = unsubscribe
}

func (c *controlClient) close() {
	c.closeOnce.Do(func() {
		c.setSubscription(nil)
		close(c.done)
		c.conn.Close()
	})
}

func (c *controlClient) writeLoop() {
	ticker := time.NewTicker(controlPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(controlWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.WithError(err).Debug("control write failed")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (s *Server) handleControl() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.WithError(err).Warn("control upgrade failed")
			return
		}
		c := newControlClient(conn, s.log.WithField("remote", r.RemoteAddr))
		s.addClient(c)
		defer s.removeClient(c)

		go c.writeLoop()
		s.readControl(c)
	}
}

// readControl handles requests until the client goes away
func (s *Server) readControl(c *controlClient) {
	defer c.close()

	c.conn.SetReadLimit(controlMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(controlPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(controlPongWait))
	})

	for {
		var msg discovery.ControlMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("control read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(controlPongWait))

		switch msg.Type {
		case discovery.ControlScanNetwork:
			s.startScan(c)
		case discovery.ControlStopScan:
			c.setSubscription(nil)
		default:
			c.push(discovery.ControlMessage{
				Type:  discovery.ControlError,
				Error: "unknown message type: " + string(msg.Type),
			})
		}
	}
}

// startScan subscribes c to discovery and replays what is already known.
// Subscribing first means a device found during the replay may be pushed
// twice but is never missed.
func (s *Server) startScan(c *controlClient) {
	disc := s.session.Discovery()
	if !c.subscribed() {
		c.setSubscription(disc.Subscribe(discovery.CallbackFuncs{
			Found: func(d discovery.DiscoveredDevice) {
				c.push(discovery.ControlMessage{Type: discovery.ControlDeviceDiscovered, Device: &d})
			},
			Lost: func(d discovery.DiscoveredDevice) {
				c.push(discovery.ControlMessage{Type: discovery.ControlDeviceLost, Device: &d})
			},
		}))
	}

	if err := s.session.StartDiscovery(); err != nil {
		c.push(discovery.ControlMessage{Type: discovery.ControlError, Error: err.Error()})
		return
	}
	for _, d := range disc.Devices() {
		d := d
		c.push(discovery.ControlMessage{Type: discovery.ControlDeviceDiscovered, Device: &d})
	}
}

func (s *Server) addClient(c *controlClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *controlClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

// closeClients drops every control connection; hijacked connections are not
// closed by http.Server.Shutdown
func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*controlClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
