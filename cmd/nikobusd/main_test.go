package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-nikobus/internal/bridges/nikobus"
	"github.com/nerrad567/gray-logic-nikobus/internal/infrastructure/config"
)

// execute runs the command tree with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a minimal config.yaml with the frame log in a temp dir.
func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()

	content := `
site:
  id: test-site

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

logging:
  level: error
  format: text
  output: stderr

protocols:
  nikobus:
    enabled: false
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestGetConfigPath(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{"default", "", "", defaultConfigPath},
		{"environment", "", "/etc/nikobus/config.yaml", "/etc/nikobus/config.yaml"},
		{"flag wins", "/tmp/config.yaml", "/etc/nikobus/config.yaml", "/tmp/config.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(configEnv, tt.env)
			if got := getConfigPath(tt.flag); got != tt.want {
				t.Errorf("getConfigPath(%q) = %q, want %q", tt.flag, got, tt.want)
			}
		})
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, configPath)
	if err == nil {
		t.Fatal("run() should fail with empty database path")
	}
	if !strings.Contains(err.Error(), "database.path") {
		t.Errorf("run() error = %v, want database.path validation error", err)
	}
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", "/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Errorf("serve error = %v, want loading config error", err)
	}
}

func TestEncodeCmd(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{
			name: "raw read request",
			args: []string{"encode", "--function", "12", "--address", "C9A5"},
			want: "$1012A5C94B71C1",
		},
		{
			name: "short flags",
			args: []string{"encode", "-f", "12", "-a", "0001"},
			want: "$10120100D2AE73",
		},
		{
			name: "group status request",
			args: []string{"encode", "--address", "C9A5", "--group", "2"},
			want: "$1017A5C9A08167",
		},
		{
			name: "with arguments",
			args: []string{"encode", "-f", "15", "-a", "C9A5", "--args", "FF00000000FFFF"},
			want: "$1E15A5C9FF00000000FFFF327BFC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if err != nil {
				t.Fatalf("encode error = %v", err)
			}
			if got := strings.TrimSpace(out); got != tt.want {
				t.Errorf("encode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeCmd_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing address", []string{"encode", "--function", "12"}},
		{"bad address", []string{"encode", "--function", "12", "--address", "XYZ1"}},
		{"short function", []string{"encode", "--function", "1", "--address", "C9A5"}},
		{"non-hex function", []string{"encode", "--function", "ZZ", "--address", "C9A5"}},
		{"odd args", []string{"encode", "--function", "15", "--address", "C9A5", "--args", "FFF"}},
		{"unknown group", []string{"encode", "--address", "C9A5", "--group", "3"}},
		{"function and group", []string{"encode", "--function", "12", "--address", "C9A5", "--group", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("encode should fail")
			}
		})
	}
}

func TestDecodeCmd(t *testing.T) {
	out, err := execute(t, "decode", "$1012A5C94B71C1", "#N0D1C80")
	if err != nil {
		t.Fatalf("decode error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("decode printed %d lines, want header + 2:\n%s", len(lines), out)
	}

	for i, want := range [][]string{
		{"$1012A5C94B71C1", "frame", "12", "C9A5", "ok"},
		{"#N0D1C80", "button", "0D1C80", "ok"},
	} {
		fields := strings.Fields(lines[i+1])
		for _, w := range want {
			if !contains(fields, w) {
				t.Errorf("row %d = %q, missing %q", i+1, lines[i+1], w)
			}
		}
	}
}

func TestDecodeCmd_Invalid(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"bad checksum", "$1012A5C94B71C2"},
		{"unrecognised", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "decode", "$1012A5C94B71C1", tt.line)
			if !errors.Is(err, errInvalidFrames) {
				t.Errorf("decode error = %v, want errInvalidFrames", err)
			}
			if !strings.Contains(out, tt.line) {
				t.Errorf("output missing failed line %q:\n%s", tt.line, out)
			}
		})
	}
}

func TestDecodeCmd_NoArgs(t *testing.T) {
	if _, err := execute(t, "decode"); err == nil {
		t.Error("decode without lines should fail")
	}
}

// seedFrameLog records frames into a fresh database and returns the config path.
func seedFrameLog(t *testing.T) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nikobus.db")
	configPath := writeConfig(t, dbPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	db, err := openDatabase(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openDatabase() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	r := nikobus.NewRecorder(db.DB)
	if err := r.Start(); err != nil {
		t.Fatalf("recorder Start() error = %v", err)
	}
	defer r.Stop()

	for _, raw := range []string{"$1012A5C94B71C1", "$1012A5C94B71C2", "$10120100D2AE73"} {
		f, parseErr := nikobus.ParseFrame(raw)
		if parseErr != nil {
			r.RecordFrame(raw, nil, false)
			continue
		}
		r.RecordFrame(raw, &f, true)
	}

	return configPath
}

func TestFramesCmd(t *testing.T) {
	configPath := seedFrameLog(t)

	out, err := execute(t, "frames", "--config", configPath, "--json")
	if err != nil {
		t.Fatalf("frames error = %v", err)
	}

	var frames []nikobus.RecordedFrame
	if err := json.Unmarshal([]byte(out), &frames); err != nil {
		t.Fatalf("frames output is not JSON: %v\n%s", err, out)
	}
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}

	out, err = execute(t, "frames", "--config", configPath, "--json", "--invalid")
	if err != nil {
		t.Fatalf("frames --invalid error = %v", err)
	}
	frames = nil
	if err := json.Unmarshal([]byte(out), &frames); err != nil {
		t.Fatalf("frames output is not JSON: %v", err)
	}
	if len(frames) != 1 || frames[0].Raw != "$1012A5C94B71C2" || frames[0].Valid {
		t.Errorf("invalid frames = %+v", frames)
	}

	out, err = execute(t, "frames", "--config", configPath, "--limit", "1")
	if err != nil {
		t.Fatalf("frames table error = %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 2 {
		t.Errorf("table rows = %d, want header + 1:\n%s", len(lines), out)
	}

	if _, err := execute(t, "frames", "--config", configPath, "--limit", "0"); err == nil {
		t.Error("frames --limit 0 should fail")
	}
}

func TestAddressesCmd(t *testing.T) {
	configPath := seedFrameLog(t)

	out, err := execute(t, "addresses", "--config", configPath, "--json")
	if err != nil {
		t.Fatalf("addresses error = %v", err)
	}

	var addresses []nikobus.AddressRecord
	if err := json.Unmarshal([]byte(out), &addresses); err != nil {
		t.Fatalf("addresses output is not JSON: %v\n%s", err, out)
	}

	got := map[string]int64{}
	for _, a := range addresses {
		got[a.Address] = a.FrameCount
	}
	if len(got) != 2 || got["C9A5"] != 1 || got["0001"] != 1 {
		t.Errorf("addresses = %v, want C9A5 and 0001 once each", got)
	}
}

func TestDBCmd(t *testing.T) {
	configPath := seedFrameLog(t)

	out, err := execute(t, "db", "status", "--config", configPath)
	if err != nil {
		t.Fatalf("db status error = %v", err)
	}
	if !strings.Contains(out, "20261019_120000") || !strings.Contains(out, "applied") {
		t.Errorf("db status output missing applied migration:\n%s", out)
	}

	out, err = execute(t, "db", "rollback", "--config", configPath)
	if err != nil {
		t.Fatalf("db rollback error = %v", err)
	}
	if !strings.Contains(out, "rolled back 20261019_120000 nikobus_frames") {
		t.Errorf("db rollback output = %q", out)
	}

	out, err = execute(t, "db", "status", "--config", configPath)
	if err != nil {
		t.Fatalf("db status after rollback error = %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("db status after rollback:\n%s", out)
	}

	out, err = execute(t, "db", "rollback", "--config", configPath)
	if err != nil || !strings.Contains(out, "no migrations applied") {
		t.Errorf("second rollback = %q, %v", out, err)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "nikobusd "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestMQTTOptions(t *testing.T) {
	opts, err := mqttOptions(nil, nil)
	if err != nil || len(opts) != 1 {
		t.Errorf("mqttOptions(nil) = %d options, %v; want logger only", len(opts), err)
	}

	opts, err = mqttOptions(&nikobus.Config{Bridge: nikobus.BridgeConfig{ID: "nikobus-01"}}, nil)
	if err != nil || len(opts) != 2 {
		t.Errorf("mqttOptions(cfg) = %d options, %v; want logger and will", len(opts), err)
	}
}

func TestInfluxTags(t *testing.T) {
	cfg := &config.Config{Site: config.SiteConfig{ID: "home"}}

	tags := influxTags(cfg, nil)
	if len(tags) != 1 || tags["site"] != "home" {
		t.Errorf("influxTags(nil bridge) = %v", tags)
	}

	tags = influxTags(cfg, &nikobus.Config{Bridge: nikobus.BridgeConfig{ID: "nikobus-01"}})
	if tags["bridge"] != "nikobus-01" || tags["site"] != "home" {
		t.Errorf("influxTags() = %v", tags)
	}
}

func contains(fields []string, s string) bool {
	for _, f := range fields {
		if f == s {
			return true
		}
	}
	return false
}
