package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
servers:
  - protocol: tcp
    address: 127.0.0.1:10809
    exports:
      - name: disk0
        driver: file
        path: /var/lib/gonbdserver/disk0.img
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Servers) != 1 || len(cfg.Servers[0].Exports) != 1 {
		t.Fatalf("unexpected shape: %+v", cfg)
	}
	if cfg.Servers[0].Exports[0].Name != "disk0" {
		t.Fatalf("export name = %q, want disk0", cfg.Servers[0].Exports[0].Name)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadDefaultsProtocol(t *testing.T) {
	path := writeConfig(t, `
servers:
  - address: 127.0.0.1:10809
    exports:
      - name: disk0
        driver: file
        path: /tmp/disk0.img
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Servers[0].Protocol != "tcp" {
		t.Fatalf("Protocol = %q, want default tcp", cfg.Servers[0].Protocol)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want default info", cfg.LogLevel)
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	path := writeConfig(t, `
servers:
  - address: 127.0.0.1:10809
    exports:
      - name: disk0
        driver: file
        path: /tmp/a.img
      - name: disk0
        driver: file
        path: /tmp/b.img
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate export name to be rejected")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, `
servers:
  - address: 127.0.0.1:10809
    exports:
      - name: disk0
        driver: nope
        path: /tmp/a.img
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown driver to be rejected")
	}
}

func TestValidateRejectsNameTooLong(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	path := writeConfig(t, `
servers:
  - address: 127.0.0.1:10809
    exports:
      - name: `+string(long)+`
        driver: file
        path: /tmp/a.img
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected over-long export name to be rejected")
	}
}
