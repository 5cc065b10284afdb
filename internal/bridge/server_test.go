package bridge

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rayz/bridge/internal/allowlist"
	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/device/devicetest"
	"github.com/rayz/bridge/internal/discovery"
	"github.com/rayz/bridge/internal/gameconfig"
	"github.com/rayz/bridge/internal/msglog"
	"github.com/rayz/bridge/internal/protocol"
	"github.com/rayz/bridge/internal/registry"
	"github.com/rayz/bridge/internal/session"
)

type fakeBrowser struct {
	mu      sync.Mutex
	found   chan<- discovery.Advertisement
	started chan struct{}
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{started: make(chan struct{}, 16)}
}

func (b *fakeBrowser) Browse(ctx context.Context, service, domain string, found chan<- discovery.Advertisement) error {
	b.mu.Lock()
	b.found = found
	b.mu.Unlock()
	b.started <- struct{}{}
	return nil
}

func (b *fakeBrowser) send(ad discovery.Advertisement) {
	b.mu.Lock()
	found := b.found
	b.mu.Unlock()
	found <- ad
}

type fixture struct {
	server  *Server
	http    *httptest.Server
	session *session.Session
	dialer  *devicetest.Dialer
	browser *fakeBrowser
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newRestrictedFixture(t, nil)
}

func newRestrictedFixture(t *testing.T, allow *allowlist.List) *fixture {
	t.Helper()
	dialer := devicetest.NewDialer()
	browser := newFakeBrowser()
	sess := session.New(session.Options{
		Registry: registry.Options{
			SendInterval: time.Millisecond,
			Connection:   device.Options{Dialer: dialer, ErrorCooldown: time.Hour},
			Allow:        allow,
		},
		Discovery:   discovery.Options{Browser: browser, BrowseInterval: time.Hour},
		SettleDelay: time.Millisecond,
	})
	srv := NewServer(sess, "bridge-1", nil)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(func() {
		srv.closeClients()
		ts.Close()
		sess.Close()
	})
	return &fixture{server: srv, http: ts, session: sess, dialer: dialer, browser: browser}
}

func (f *fixture) do(t *testing.T, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode failed: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) connect(t *testing.T, ips ...string) {
	t.Helper()
	for _, ip := range ips {
		conn, err := f.session.AddDevice(ip, device.Metadata{})
		if err != nil {
			t.Fatalf("AddDevice(%s) failed: %v", ip, err)
		}
		if err := conn.Connect(context.Background()); err != nil {
			t.Fatalf("Connect(%s) failed: %v", ip, err)
		}
	}
}

const projectJSON = `{
	"id": "p1",
	"devices": [{"id": "1", "ip_address": "10.0.0.5"}],
	"players": [{"id": "11", "team_id": "1", "device_ids": ["1"]}],
	"teams": [{"id": "1", "color": "#ff0000"}],
	"game_mode": {"win_type": "score", "target_score": 50}
}`

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "10.0.0.5")
	f.session.AddDevice("10.0.0.6", device.Metadata{})

	var resp HealthResponse
	if status := f.do(t, http.MethodGet, "/api/health", "", &resp); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if resp.BridgeID != "bridge-1" || resp.SessionID != f.session.ID() {
		t.Errorf("ids = %+v", resp)
	}
	if resp.Managed != 2 || resp.Connected != 1 || resp.Discovering {
		t.Errorf("counts = %+v", resp)
	}
	if resp.ConfigSchema != protocol.SchemaVersion {
		t.Errorf("config schema = %d, want %d", resp.ConfigSchema, protocol.SchemaVersion)
	}
}

func TestAddAndListConnections(t *testing.T) {
	f := newFixture(t)

	var added ConnectionResponse
	status := f.do(t, http.MethodPost, "/api/connections", `{"ip":"10.0.0.5","device_id":"7","connect":true}`, &added)
	if status != http.StatusCreated {
		t.Fatalf("status = %d", status)
	}
	if added.IP != "10.0.0.5" || added.DeviceID != "7" || added.State != device.StateConnected {
		t.Errorf("added = %+v", added)
	}

	f.do(t, http.MethodPost, "/api/connections", `{"ip":"10.0.0.6"}`, nil)

	var all []ConnectionResponse
	f.do(t, http.MethodGet, "/api/connections", "", &all)
	if len(all) != 2 || all[0].IP != "10.0.0.5" || all[1].IP != "10.0.0.6" {
		t.Fatalf("list = %+v", all)
	}

	var connected []ConnectionResponse
	f.do(t, http.MethodGet, "/api/connections?state=connected", "", &connected)
	if len(connected) != 1 || connected[0].IP != "10.0.0.5" {
		t.Errorf("connected = %+v", connected)
	}

	var errResp ErrorResponse
	if status := f.do(t, http.MethodPost, "/api/connections", `{"port":80}`, &errResp); status != http.StatusBadRequest {
		t.Errorf("missing ip status = %d", status)
	}
	if status := f.do(t, http.MethodPost, "/api/connections", `{not json`, &errResp); status != http.StatusBadRequest {
		t.Errorf("bad json status = %d", status)
	}
}

func TestRemoveConnection(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "10.0.0.5")

	if status := f.do(t, http.MethodDelete, "/api/connections/10.0.0.5", "", nil); status != http.StatusNoContent {
		t.Fatalf("status = %d", status)
	}
	if !f.dialer.Last("10.0.0.5").Closed() {
		t.Error("removed device left connected")
	}
	var errResp ErrorResponse
	if status := f.do(t, http.MethodDelete, "/api/connections/10.0.0.5", "", &errResp); status != http.StatusNotFound {
		t.Errorf("second remove status = %d", status)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)
	f.session.AddDevice("10.0.0.5", device.Metadata{})
	f.session.AddDevice("10.0.0.6", device.Metadata{})
	f.dialer.FailIP("10.0.0.6", devicetest.ErrClosed)

	var fleet FleetResponse
	if status := f.do(t, http.MethodPost, "/api/connect", "", &fleet); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(fleet.Failed) != 1 || fleet.Failed["10.0.0.6"] == "" {
		t.Errorf("failed = %+v", fleet.Failed)
	}

	var dropped FleetResponse
	if status := f.do(t, http.MethodPost, "/api/disconnect", `{"ips":["10.0.0.5","10.0.0.9"]}`, &dropped); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(dropped.Failed) != 1 || dropped.Failed["10.0.0.9"] == "" {
		t.Errorf("failed = %+v", dropped.Failed)
	}
	if _, ok := dropped.Failed["10.0.0.6"]; ok {
		t.Errorf("disconnect reported connect failure: %+v", dropped.Failed)
	}
	if conn, _ := f.session.Registry().Get("10.0.0.5"); conn.State() != device.StateDisconnected {
		t.Errorf("state = %s", conn.State())
	}
}

func TestCommandBroadcastAndSingle(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "10.0.0.5", "10.0.0.6")
	f.session.AddDevice("10.0.0.7", device.Metadata{})

	var res BroadcastResponse
	if status := f.do(t, http.MethodPost, "/api/command", `{"name":"pause"}`, &res); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if res.Sent != 2 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.Devices["10.0.0.7"].Status != registry.StatusSkipped {
		t.Errorf("10.0.0.7 = %+v", res.Devices["10.0.0.7"])
	}

	f.do(t, http.MethodPost, "/api/command", `{"name":"extend_time","params":{"extend_minutes":5},"ip":"10.0.0.6"}`, &res)
	written := f.dialer.Last("10.0.0.6").Written()
	want := `{"type":"command","name":"extend_time","params":{"extend_minutes":5}}`
	if len(written) != 2 || written[1] != want {
		t.Errorf("written = %v", written)
	}

	var errResp ErrorResponse
	if status := f.do(t, http.MethodPost, "/api/command", `{"name":"start","ip":"10.0.0.7"}`, &errResp); status != http.StatusConflict {
		t.Errorf("disconnected target status = %d (%s)", status, errResp.Error)
	}
	if status := f.do(t, http.MethodPost, "/api/command", `{"name":"start","ip":"10.0.0.99"}`, &errResp); status != http.StatusNotFound {
		t.Errorf("unknown target status = %d", status)
	}
	if status := f.do(t, http.MethodPost, "/api/command", `{"params":{}}`, &errResp); status != http.StatusBadRequest {
		t.Errorf("missing name status = %d", status)
	}
}

func TestProjectAndGameStart(t *testing.T) {
	f := newFixture(t)

	var errResp ErrorResponse
	if status := f.do(t, http.MethodGet, "/api/project", "", &errResp); status != http.StatusNotFound {
		t.Errorf("no project status = %d", status)
	}
	bad := strings.Replace(projectJSON, "#ff0000", "red", 1)
	if status := f.do(t, http.MethodPut, "/api/project", bad, &errResp); status != http.StatusUnprocessableEntity {
		t.Errorf("bad project status = %d (%s)", status, errResp.Error)
	}
	if f.session.Project() != nil {
		t.Fatal("rejected project was stored")
	}

	if status := f.do(t, http.MethodPut, "/api/project?manage=true", projectJSON, nil); status != http.StatusOK {
		t.Fatalf("set project status = %d", status)
	}
	if _, ok := f.session.Registry().Get("10.0.0.5"); !ok {
		t.Fatal("project device not managed")
	}
	f.do(t, http.MethodPost, "/api/connect", "", nil)

	var start StartResponse
	if status := f.do(t, http.MethodPost, "/api/game/start", "", &start); status != http.StatusOK {
		t.Fatalf("start status = %d", status)
	}
	if start.Config.Sent != 1 || start.Start.Sent != 1 {
		t.Errorf("start = %+v", start)
	}
	written := f.dialer.Last("10.0.0.5").Written()
	if len(written) != 2 || !strings.Contains(written[0], `"target_score":50`) || written[1] != `{"type":"command","name":"start"}` {
		t.Errorf("written = %v", written)
	}

	if status := f.do(t, http.MethodPost, "/api/game/extend", `{"minutes":5}`, &errResp); status != http.StatusConflict {
		t.Errorf("extend on score game status = %d", status)
	}
	var res BroadcastResponse
	if status := f.do(t, http.MethodPost, "/api/game/target", `{"target":75}`, &res); status != http.StatusOK || res.Sent != 1 {
		t.Errorf("target status = %d, result = %+v", status, res)
	}
	if status := f.do(t, http.MethodPost, "/api/game/target", `{"target":0}`, &errResp); status != http.StatusBadRequest {
		t.Errorf("zero target status = %d", status)
	}
	if status := f.do(t, http.MethodPost, "/api/game/stop", "", &res); status != http.StatusOK || res.Sent != 1 {
		t.Errorf("stop status = %d, result = %+v", status, res)
	}
}

func TestUpdateGameMode(t *testing.T) {
	f := newFixture(t)

	var errResp ErrorResponse
	if status := f.do(t, http.MethodPatch, "/api/project/game_mode", `{"max_hearts":3}`, &errResp); status != http.StatusUnprocessableEntity {
		t.Errorf("no project status = %d (%s)", status, errResp.Error)
	}
	f.do(t, http.MethodPut, "/api/project", projectJSON, nil)
	before := f.session.Project()

	var p gameconfig.Project
	if status := f.do(t, http.MethodPatch, "/api/project/game_mode", `{"max_hearts":3}`, &p); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	gm := p.GameMode
	if gm == nil || gm.WinType != "score" || *gm.TargetScore != 50 || *gm.MaxHearts != 3 {
		t.Fatalf("game mode = %+v", gm)
	}
	if before.GameMode.MaxHearts != nil {
		t.Error("earlier project snapshot was modified")
	}
	if got := f.session.Project().GameMode; got.MaxHearts == nil || *got.MaxHearts != 3 {
		t.Errorf("stored game mode = %+v", got)
	}

	if status := f.do(t, http.MethodPatch, "/api/project/game_mode", `{"max_hearts":-1}`, &errResp); status != http.StatusUnprocessableEntity {
		t.Errorf("invalid rules status = %d", status)
	}
	if got := f.session.Project().GameMode; *got.MaxHearts != 3 {
		t.Errorf("rejected update was stored: %+v", got)
	}
}

func TestStartWithoutConnectedDevices(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPut, "/api/project?manage=true", projectJSON, nil)

	var errResp ErrorResponse
	if status := f.do(t, http.MethodPost, "/api/game/start", "", &errResp); status != http.StatusConflict {
		t.Errorf("status = %d (%s)", status, errResp.Error)
	}
}

func TestLogEndpoints(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "10.0.0.5")
	f.do(t, http.MethodPost, "/api/command", `{"name":"reset"}`, nil)

	resp, err := http.Get(f.http.URL + "/api/log")
	if err != nil {
		t.Fatalf("GET /api/log failed: %v", err)
	}
	var text bytes.Buffer
	text.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("content type = %s", resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(text.String(), `"name":"reset"`) {
		t.Errorf("log text = %q", text.String())
	}

	var entries []msglog.Entry
	f.do(t, http.MethodGet, "/api/log?format=json", "", &entries)
	if len(entries) == 0 {
		t.Fatal("no entries")
	}
	var newer []msglog.Entry
	f.do(t, http.MethodGet, "/api/log?format=json&since="+strconv.FormatUint(entries[len(entries)-2].ID, 10), "", &newer)
	if len(newer) != 1 || newer[0].ID != entries[len(entries)-1].ID {
		t.Errorf("since = %+v", newer)
	}

	if status := f.do(t, http.MethodDelete, "/api/log", "", nil); status != http.StatusNoContent {
		t.Errorf("clear status = %d", status)
	}
	if f.session.Messages().Len() != 0 {
		t.Error("log not cleared")
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "10.0.0.5")
	f.dialer.Last("10.0.0.5").Push(`{"type":"status","kills":2,"deaths":1,"shots":9}`)

	deadline := time.Now().Add(2 * time.Second)
	for {
		var stats device.Stats
		f.do(t, http.MethodGet, "/api/stats", "", &stats)
		if stats.Kills == 2 && stats.Deaths == 1 && stats.Shots == 9 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var hist StatHistoryResponse
	for {
		if code := f.do(t, http.MethodGet, "/api/stats/history?ip=10.0.0.5", "", &hist); code != http.StatusOK {
			t.Fatalf("history status = %d", code)
		}
		samples := hist.History["10.0.0.5"]
		if len(samples) > 0 && samples[len(samples)-1].Kills == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history = %+v", hist.History)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(hist.Devices) != 1 || hist.Devices[0].IPAddress != "10.0.0.5" {
		t.Errorf("summaries = %+v", hist.Devices)
	}
	if code := f.do(t, http.MethodGet, "/api/stats/history?since=soon", "", nil); code != http.StatusBadRequest {
		t.Errorf("bad since status = %d", code)
	}

	if code := f.do(t, http.MethodDelete, "/api/connections/10.0.0.5", "", nil); code != http.StatusNoContent {
		t.Fatalf("remove status = %d", code)
	}
	var after StatHistoryResponse
	f.do(t, http.MethodGet, "/api/stats/history", "", &after)
	if len(after.History) != 0 || len(after.Devices) != 0 {
		t.Errorf("history after remove = %+v", after)
	}
}

func TestAddConnectionOutsideAllowlist(t *testing.T) {
	allow, err := allowlist.New([]string{"10.0.0.0/24"})
	if err != nil {
		t.Fatal(err)
	}
	f := newRestrictedFixture(t, allow)

	var errResp ErrorResponse
	code := f.do(t, http.MethodPost, "/api/connections", `{"ip":"192.168.7.7"}`, &errResp)
	if code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", code)
	}
	if !strings.Contains(errResp.Error, "allowlist") {
		t.Errorf("error = %q", errResp.Error)
	}
	if code := f.do(t, http.MethodPost, "/api/connections", `{"ip":"10.0.0.7"}`, nil); code >= 300 {
		t.Errorf("allowed add status = %d", code)
	}
}
