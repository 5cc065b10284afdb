package device_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/protocol"
)

// firmware is a minimal device endpoint: it reports what it receives and
// sends whatever is queued on out.
type firmware struct {
	received chan string
	out      chan string
	closeNow chan struct{}
}

func newFirmware(t *testing.T) (*firmware, device.Target) {
	t.Helper()
	fw := &firmware{
		received: make(chan string, 16),
		out:      make(chan string, 16),
		closeNow: make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc(device.DefaultPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				fw.received <- string(data)
			}
		}()

		for {
			select {
			case msg := <-fw.out:
				conn.WriteMessage(websocket.TextMessage, []byte(msg))
			case <-fw.closeNow:
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				time.Sleep(50 * time.Millisecond)
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("bad server url %s: %v", srv.URL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return fw, device.Target{IP: host, Port: port}
}

func TestWebSocketDialerURL(t *testing.T) {
	d := device.NewWebSocketDialer()
	if got := d.URL(device.Target{IP: "192.168.1.42"}); got != "ws://192.168.1.42:80/ws" {
		t.Errorf("URL = %s", got)
	}
	if got := d.URL(device.Target{IP: "fe80::1", Port: 8080}); got != "ws://[fe80::1]:8080/ws" {
		t.Errorf("URL = %s", got)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	fw, target := newFirmware(t)

	c := device.NewConnection(target.IP, device.Metadata{DeviceID: "7", Port: target.Port}, device.Options{
		Dialer: &device.WebSocketDialer{PingInterval: 50 * time.Millisecond},
	})
	received := make(chan device.Event, 16)
	c.Subscribe(func(ev device.Event) {
		if ev.Kind == device.EventMessageReceived {
			received <- ev
		}
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Disconnect()

	if err := c.SendCommand(context.Background(), protocol.CommandStart, nil); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	select {
	case msg := <-fw.received:
		if msg != `{"type":"command","name":"start"}` {
			t.Errorf("firmware received %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("firmware never received the command")
	}

	fw.out <- `{"type":"stats","kills":2,"deaths":0,"shots":9}`
	select {
	case ev := <-received:
		if ev.Type != string(protocol.TypeStats) || ev.Stats.Kills != 2 || ev.Stats.Shots != 9 {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("telemetry never arrived")
	}

	// keep-alive pings must keep the channel open past the read window
	time.Sleep(200 * time.Millisecond)
	if c.State() != device.StateConnected {
		t.Fatalf("state = %s after idle period", c.State())
	}

	close(fw.closeNow)
	waitFor(t, "remote close", func() bool { return c.State() == device.StateDisconnected })
}

func TestWebSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	host, portStr, _ := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	port, _ := strconv.Atoi(portStr)

	c := device.NewConnection(host, device.Metadata{Port: port}, device.Options{
		Dialer:        device.NewWebSocketDialer(),
		ErrorCooldown: time.Hour,
	})
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake failure")
	}
	if c.State() != device.StateError {
		t.Errorf("state = %s, want error", c.State())
	}
}
