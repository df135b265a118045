package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/omada-bridge/internal/omada/omadatest"
)

func writeTestConfig(t *testing.T, srv *omadatest.Server, password string) string {
	t.Helper()
	dir := t.TempDir()
	body := "controller:\n" +
		"  url: " + srv.URL + "\n" +
		"  username: admin\n" +
		"  password: " + password + "\n" +
		"data_dir: " + filepath.Join(dir, "data") + "\n" +
		"log_level: error\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Arguments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantOut string
	}{
		{name: "help", args: []string{"-h"}, wantOut: "Usage: omada-bridge"},
		{name: "version", args: []string{"version"}, wantOut: "go_version:"},
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: "unknown command: frobnicate"},
		{name: "unknown flag", args: []string{"-x"}, wantErr: "unknown argument: -x"},
		{name: "bad output", args: []string{"-o", "yaml", "version"}, wantErr: "unknown output format"},
		{name: "missing config", args: []string{"-config", "/nonexistent/config.yaml", "check"}, wantErr: "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("run(%v) error = %v, want %q", tt.args, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("run(%v): %v", tt.args, err)
			}
			if !strings.Contains(stdout.String(), tt.wantOut) {
				t.Errorf("output %q does not contain %q", stdout.String(), tt.wantOut)
			}
		})
	}
}

func TestRunVersion_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(&buf, "json"); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(buf.Bytes(), &info); err != nil {
		t.Fatalf("version output is not JSON: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestRunCheck(t *testing.T) {
	srv := omadatest.New(t, omadatest.DefaultState())
	path := writeTestConfig(t, srv, "secret")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "-o", "json", "check"}); err != nil {
		t.Fatalf("check: %v (stderr %s)", err, stderr.String())
	}
	var res checkResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.OK || res.Controller != "Home Controller" || res.Devices != 2 || res.Clients != 2 || res.SSIDs != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunCheck_BadCredentials(t *testing.T) {
	srv := omadatest.New(t, omadatest.DefaultState())
	path := writeTestConfig(t, srv, "wrong")

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", path, "check"})
	if err == nil {
		t.Fatal("check succeeded with a bad password")
	}
	if !strings.Contains(stdout.String(), "faulty_credentials") {
		t.Errorf("output = %q, want the faulty_credentials category", stdout.String())
	}
}

func TestRunSSIDs(t *testing.T) {
	st := omadatest.DefaultState()
	srv := omadatest.New(t, st)
	path := writeTestConfig(t, srv, "secret")

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config=" + path, "ssids"}); err != nil {
		t.Fatalf("ssids: %v", err)
	}
	got := strings.Fields(stdout.String())
	want := st.SortedSSIDs()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ssids = %v, want %v", got, want)
	}
}

func TestRegistryNamespace(t *testing.T) {
	if got := registryNamespace("omada.lan_default"); got != "mqtt_entities:omada.lan_default" {
		t.Errorf("registryNamespace = %q", got)
	}
}

func TestBridgeRef_Empty(t *testing.T) {
	var r bridgeRef
	if n := r.Entities(); n != 0 {
		t.Errorf("Entities() = %d, want 0 without a bridge", n)
	}
}
