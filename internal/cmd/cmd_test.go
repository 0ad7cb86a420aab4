package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/omnilab/robobridge/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("1.2.3")
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "robobridge 1.2.3" {
		t.Errorf("version output = %q", out)
	}
}

func TestInitDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.toml")
	if _, err := execute(t, "init", "--defaults", "-o", path); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.TCPAddr != ":9000" {
		t.Errorf("tcp_addr = %q", cfg.Server.TCPAddr)
	}

	if _, err := execute(t, "init", "--defaults", "-o", path); err == nil {
		t.Error("expected refusal to overwrite")
	}
	if _, err := execute(t, "init", "--defaults", "--force", "-o", path); err != nil {
		t.Errorf("--force: %v", err)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	if err := config.Save(path, config.Default()); err != nil {
		t.Fatal(err)
	}

	cmd := newRunCmd()
	if err := cmd.ParseFlags([]string{"--tcp-addr", ":7000", "--log-level", "debug"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(cmd, path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.TCPAddr != ":7000" || cfg.Logging.Level != "debug" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Server.WSAddr != ":9003" {
		t.Errorf("ws_addr = %q", cfg.Server.WSAddr)
	}

	cmd = newRunCmd()
	_ = cmd.ParseFlags([]string{"--ws-addr", ":9000"})
	if _, err := loadConfig(cmd, path); err == nil {
		t.Error("expected validation error for clashing addresses")
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(newRunCmd(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("driver = %q", cfg.Storage.Driver)
	}
}

func TestAPIBaseURL(t *testing.T) {
	tests := map[string]string{
		":9004":                  "http://localhost:9004",
		"0.0.0.0:9004":           "http://localhost:9004",
		"10.1.2.3:80":            "http://10.1.2.3:80",
		"http://bridge.lan:9004": "http://bridge.lan:9004",
		"[::]:9004":              "http://localhost:9004",
	}
	for in, want := range tests {
		if got := apiBaseURL(in); got != want {
			t.Errorf("apiBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
