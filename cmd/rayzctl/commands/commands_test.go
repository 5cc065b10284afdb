package commands

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/rayz/bridge/internal/config"
	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/protocol"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    protocol.Params
		wantErr bool
	}{
		{"none", nil, nil, false},
		{"int", []string{"extend_minutes=5"}, protocol.Params{"extend_minutes": 5}, false},
		{"float", []string{"ratio=0.5"}, protocol.Params{"ratio": 0.5}, false},
		{"bool", []string{"loud=true"}, protocol.Params{"loud": true}, false},
		{"string", []string{"mode=ctf"}, protocol.Params{"mode": "ctf"}, false},
		{"empty value", []string{"note="}, protocol.Params{"note": ""}, false},
		{"no equals", []string{"extend_minutes"}, nil, true},
		{"no key", []string{"=5"}, nil, true},
	}
	for _, tt := range tests {
		got, err := parseParams(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %#v, want %#v", tt.name, got, tt.want)
		}
	}
}

func TestRawFrame(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"object", []string{` {"type":"command","name":"start"} `}, `{"type":"command","name":"start"}`, false},
		{"not json", []string{"start"}, "", true},
		{"array", []string{`[1,2]`}, "", true},
		{"two args", []string{`{}`, `{}`}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rawFrame(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("rawFrame() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("rawFrame() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBindFlagsOnlyOverridesWhenSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("bridge:\n  http_addr: \":9000\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	v, err := config.NewViper(path)
	if err != nil {
		t.Fatalf("NewViper failed: %v", err)
	}

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("http-addr", "", "")
	fs.String("log-level", "", "")
	fs.Duration("send-interval", 0, "")
	fs.String("unrelated", "", "")
	if err := fs.Parse([]string{"--log-level=warn", "--send-interval=50ms"}); err != nil {
		t.Fatal(err)
	}
	if err := bindFlags(v, fs); err != nil {
		t.Fatalf("bindFlags failed: %v", err)
	}

	c, err := config.Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Bridge.HTTPAddr != ":9000" {
		t.Errorf("http_addr = %q, unset flag overrode the file", c.Bridge.HTTPAddr)
	}
	if c.Log.Level != "warn" {
		t.Errorf("log.level = %q", c.Log.Level)
	}
	if c.Registry.SendInterval != 50*time.Millisecond {
		t.Errorf("send_interval = %v", c.Registry.SendInterval)
	}
}

func TestSessionOptionsFollowConfig(t *testing.T) {
	c := config.Default()
	c.Device.Port = 8081
	c.Device.Path = "/rayz"
	c.Device.AutoReconnect = false
	c.Registry.SettleDelay = time.Second
	c.Discovery.AutoManage = true
	c.Registry.Allow = []string{"10.0.0.0/8"}

	opts, err := sessionOptions(c)
	if err != nil {
		t.Fatalf("sessionOptions failed: %v", err)
	}
	if !opts.Registry.Allow.IsAllowed("10.1.2.3") || opts.Registry.Allow.IsAllowed("192.168.1.1") {
		t.Errorf("allow = %v", opts.Registry.Allow.Networks())
	}
	if opts.Registry.Connection.Port != 8081 || opts.Registry.Connection.AutoReconnect {
		t.Errorf("connection = %+v", opts.Registry.Connection)
	}
	dialer, ok := opts.Registry.Connection.Dialer.(*device.WebSocketDialer)
	if !ok || dialer.Path != "/rayz" {
		t.Errorf("dialer = %#v", opts.Registry.Connection.Dialer)
	}
	if opts.SettleDelay != time.Second || !opts.AutoManage || opts.LogCapacity != c.Log.Capacity {
		t.Errorf("session options = %+v", opts)
	}
	if opts.Discovery.Service != c.Discovery.Service || opts.Discovery.StaleTimeout != c.Discovery.StaleTimeout {
		t.Errorf("discovery = %+v", opts.Discovery)
	}

	if oneShot(opts.Registry.Connection).AutoReconnect {
		t.Error("oneShot kept auto reconnect")
	}
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "project.json")
	os.WriteFile(good, []byte(`{"id":"p1","devices":[{"id":"1","ip_address":"10.0.0.5"}],"teams":[{"id":"1","color":"#00ff00"}]}`), 0600)

	p, err := loadProject(good)
	if err != nil {
		t.Fatalf("loadProject failed: %v", err)
	}
	if p.ID != "p1" || len(p.Devices) != 1 || p.Devices[0].IPAddress != "10.0.0.5" || p.Teams[0].Color != "#00ff00" {
		t.Errorf("project = %+v", p)
	}

	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte(`{"id":`), 0600)
	if _, err := loadProject(bad); err == nil {
		t.Error("expected parse error")
	}
	if _, err := loadProject(filepath.Join(dir, "none.json")); err == nil {
		t.Error("expected read error")
	}
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rayz", "config.yaml")

	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	if err := Execute(); err != nil {
		t.Fatalf("config init failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	rootCmd.SetArgs([]string{"config", "show", "--config", path, "--log-level", "debug"})
	if err := Execute(); err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if cfg.Log.Level != "debug" || settings.ConfigFileUsed() != path {
		t.Errorf("level = %q, file = %q", cfg.Log.Level, settings.ConfigFileUsed())
	}
	cfgFile = ""
}
