package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPath is the firmware's WebSocket endpoint
	DefaultPath = "/ws"
	// DefaultPingInterval is how often keep-alive pings are sent
	DefaultPingInterval = 10 * time.Second
)

// WebSocketDialer opens WebSocket channels to device firmware
type WebSocketDialer struct {
	Path         string
	PingInterval time.Duration
	// ReadBufferSize and WriteBufferSize default to gorilla's own defaults when zero
	ReadBufferSize  int
	WriteBufferSize int
}

// NewWebSocketDialer returns a dialer using the firmware defaults
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{Path: DefaultPath, PingInterval: DefaultPingInterval}
}

// URL returns the WebSocket URL for target
func (d *WebSocketDialer) URL(target Target) string {
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	port := target.Port
	if port == 0 {
		port = DefaultPort
	}
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(target.IP, strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

// Dial performs the WebSocket handshake. The handshake is bounded by ctx.
func (d *WebSocketDialer) Dial(ctx context.Context, target Target) (Channel, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  d.ReadBufferSize,
		WriteBufferSize: d.WriteBufferSize,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(deadline)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL(target), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}

	interval := d.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return newWSChannel(conn, interval), nil
}

// wsChannel adapts a gorilla connection to Channel. Reads happen on a single
// goroutine owned by Connection; writes are serialized by Connection.
type wsChannel struct {
	conn     *websocket.Conn
	interval time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, interval time.Duration) *wsChannel {
	ch := &wsChannel{
		conn:     conn,
		interval: interval,
		done:     make(chan struct{}),
	}

	// a missing pong within two intervals fails the next read
	readWindow := 2 * interval
	conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	go ch.pingLoop()
	return ch
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.interval)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *wsChannel) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("%w: %v", ErrRemoteClosed, err)
		}
		return nil, err
	}
	// any inbound frame proves the link is alive
	c.conn.SetReadDeadline(time.Now().Add(2 * c.interval))
	return data, nil
}

func (c *wsChannel) Write(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

func isRemoteClose(err error) bool {
	return errors.Is(err, ErrRemoteClosed)
}
