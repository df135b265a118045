package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "controller:\n  url: https://omada.lan:8043/\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Controller.URL != "https://omada.lan:8043" {
		t.Errorf("url = %q, trailing slash should be trimmed", cfg.Controller.URL)
	}
	if cfg.Controller.Site != "Default" {
		t.Errorf("site = %q, want Default", cfg.Controller.Site)
	}
	if !cfg.Controller.VerifySSL.Enabled || cfg.Controller.VerifySSL.CAFile != "" {
		t.Errorf("verify_ssl = %+v, want enabled with system roots", cfg.Controller.VerifySSL)
	}
	if cfg.Poll.Interval != 30*time.Second {
		t.Errorf("poll.interval = %v, want 30s", cfg.Poll.Interval)
	}
	if cfg.Poll.SetupTimeout != 10*time.Second {
		t.Errorf("poll.setup_timeout = %v, want 10s", cfg.Poll.SetupTimeout)
	}
	if !cfg.Options.TrackClients || !cfg.Options.TrackDevices {
		t.Error("tracking should default to enabled")
	}
	if cfg.Options.DeviceControls {
		t.Error("device_controls should default to disabled")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "controller:\n  password: ${OMADA_TEST_PASSWORD}\n")
	t.Setenv("OMADA_TEST_PASSWORD", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Controller.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Controller.Password, "secret123")
	}
}

func TestLoad_KeepsBareDollarSigns(t *testing.T) {
	t.Setenv("x", "EXPANDED")
	t.Setenv("OMADA_TEST_USER", "admin")
	path := writeConfig(t, "controller:\n  username: ${OMADA_TEST_USER}\n  password: \"pa$$w0rd$x\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Controller.Password != "pa$$w0rd$x" {
		t.Errorf("password = %q, want %q", cfg.Controller.Password, "pa$$w0rd$x")
	}
	if cfg.Controller.Username != "admin" {
		t.Errorf("username = %q, want admin", cfg.Controller.Username)
	}
}

func TestLoad_UnsetVariableIsEmpty(t *testing.T) {
	path := writeConfig(t, "controller:\n  password: \"${OMADA_TEST_UNSET_VARIABLE}\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Controller.Password != "" {
		t.Errorf("password = %q, want empty", cfg.Controller.Password)
	}
}

func TestLoad_VerifySSL(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		want   TLSVerify
		hasErr bool
	}{
		{name: "true", value: "true", want: TLSVerify{Enabled: true}},
		{name: "false", value: "false", want: TLSVerify{Enabled: false}},
		{name: "ca path", value: "/etc/ssl/omada.pem", want: TLSVerify{Enabled: true, CAFile: "/etc/ssl/omada.pem"}},
		{name: "quoted path", value: `"/tmp/ca.pem"`, want: TLSVerify{Enabled: true, CAFile: "/tmp/ca.pem"}},
		{name: "list", value: "[a, b]", hasErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "controller:\n  verify_ssl: "+tt.value+"\n")
			cfg, err := Load(path)
			if tt.hasErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load error: %v", err)
			}
			if cfg.Controller.VerifySSL != tt.want {
				t.Errorf("verify_ssl = %+v, want %+v", cfg.Controller.VerifySSL, tt.want)
			}
		})
	}
}

func TestLoad_Options(t *testing.T) {
	path := writeConfig(t, `
options:
  track_clients: false
  ssid_filter: [Home, Guest]
  disconnect_timeout_minutes: 5
  device_controls: true
poll:
  interval: 1m
  details_interval: 10m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Options.TrackClients {
		t.Error("track_clients should be false")
	}
	if !cfg.Options.TrackDevices {
		t.Error("track_devices should keep its default")
	}
	if len(cfg.Options.SSIDFilter) != 2 || cfg.Options.SSIDFilter[1] != "Guest" {
		t.Errorf("ssid_filter = %v", cfg.Options.SSIDFilter)
	}
	if cfg.Options.DisconnectTimeout() != 5*time.Minute {
		t.Errorf("DisconnectTimeout() = %v, want 5m", cfg.Options.DisconnectTimeout())
	}
	if cfg.Poll.Interval != time.Minute || cfg.Poll.DetailsInterval != 10*time.Minute {
		t.Errorf("poll = %+v", cfg.Poll)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Controller.URL = "https://omada.lan"
		c.Controller.Username = "admin"
		c.Controller.Password = "pw"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.Controller.URL = "" }, wantErr: "controller.url is required"},
		{name: "relative url", mutate: func(c *Config) { c.Controller.URL = "omada.lan" }, wantErr: "not an absolute URL"},
		{name: "missing username", mutate: func(c *Config) { c.Controller.Username = "" }, wantErr: "username"},
		{name: "missing ca file", mutate: func(c *Config) { c.Controller.VerifySSL.CAFile = "/nonexistent/ca.pem" }, wantErr: "CA file"},
		{name: "details shorter than poll", mutate: func(c *Config) { c.Poll.DetailsInterval = time.Second }, wantErr: "details_interval"},
		{name: "influx incomplete", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: "influxdb"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "unknown log level"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q should render TRACE level", buf.String())
	}
}
