package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"data_dir": "/var/lib/isolab",
		"server": {"listen_addr": ":9000", "enable_docs": true},
		"auth": {"session_ttl_hours": 6},
		"labs": {
			"image": "labs:v2",
			"base_port": 2300,
			"port_span": 50,
			"bind_ip": "100.64.0.9",
			"memory_mb": 2048,
			"cpus": 1.5,
			"net_helper": "isolab-net"
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != ":9000" {
		t.Errorf("Addr() = %q, want :9000", cfg.Server.Addr())
	}
	if !cfg.Server.EnableDocs {
		t.Error("EnableDocs = false, want true")
	}
	if got := cfg.Auth.SessionTTL(); got != 6*time.Hour {
		t.Errorf("SessionTTL() = %v, want 6h", got)
	}
	if cfg.Labs.LabImage() != "labs:v2" {
		t.Errorf("LabImage() = %q, want labs:v2", cfg.Labs.LabImage())
	}
	if cfg.Labs.Base() != 2300 || cfg.Labs.Span() != 50 {
		t.Errorf("ports = %d/%d, want 2300/50", cfg.Labs.Base(), cfg.Labs.Span())
	}
	if cfg.Labs.Memory() != 2048<<20 {
		t.Errorf("Memory() = %d, want 2048 MiB", cfg.Labs.Memory())
	}
	if cfg.Labs.NanoCPUs() != 1_500_000_000 {
		t.Errorf("NanoCPUs() = %d, want 1.5 cores", cfg.Labs.NanoCPUs())
	}
	if cfg.Labs.NetHelper != "isolab-net" {
		t.Errorf("NetHelper = %q, want isolab-net", cfg.Labs.NetHelper)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yml", `
server:
  listen_addr: ":8100"
labs:
  runtime: runc
  packages_network: pkgs
audit:
  driver: sqlite
  sqlite:
    path: /tmp/audit.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != ":8100" {
		t.Errorf("Addr() = %q, want :8100", cfg.Server.Addr())
	}
	if cfg.Labs.LabRuntime() != "runc" {
		t.Errorf("LabRuntime() = %q, want runc", cfg.Labs.LabRuntime())
	}
	if cfg.Labs.PackagesNet() != "pkgs" {
		t.Errorf("PackagesNet() = %q, want pkgs", cfg.Labs.PackagesNet())
	}
	if cfg.AuditDBPath() != "/tmp/audit.db" {
		t.Errorf("AuditDBPath() = %q, want /tmp/audit.db", cfg.AuditDBPath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("Load() error = nil, want read error")
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.json"))
		if err != nil {
			t.Fatalf("LoadOrDefault() error = %v", err)
		}
		if got := cfg.Server.Addr(); got != ":8000" {
			t.Errorf("Addr() = %q, want :8000", got)
		}
		if cfg.ResolvedDataDir() == "" {
			t.Error("ResolvedDataDir() is empty")
		}
	})

	t.Run("existing file still loads", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"server": {"listen_addr": ":7070"}}`)
		cfg, err := LoadOrDefault(path)
		if err != nil {
			t.Fatalf("LoadOrDefault() error = %v", err)
		}
		if got := cfg.Server.Addr(); got != ":7070" {
			t.Errorf("Addr() = %q, want :7070", got)
		}
	})

	t.Run("malformed file still fails", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{not json`)
		if _, err := LoadOrDefault(path); err == nil {
			t.Fatal("LoadOrDefault() error = nil, want parse error")
		}
	})
}

func TestAccessorDefaults(t *testing.T) {
	var cfg Config
	if got := cfg.Server.Addr(); got != ":8000" {
		t.Errorf("Addr() = %q, want :8000", got)
	}
	if got := cfg.Server.SweepCron(); got != "*/5 * * * *" {
		t.Errorf("SweepCron() = %q, want */5 * * * *", got)
	}
	if n, w := cfg.Server.Login(); n != 5 || w != time.Minute {
		t.Errorf("Login() = %d/%v, want 5/1m", n, w)
	}
	if n, w := cfg.Server.Create(); n != 10 || w != time.Minute {
		t.Errorf("Create() = %d/%v, want 10/1m", n, w)
	}
	if got := cfg.Auth.SessionTTL(); got != 12*time.Hour {
		t.Errorf("SessionTTL() = %v, want 12h", got)
	}
	if got := cfg.Labs.LabImage(); got != "isolab-base:latest" {
		t.Errorf("LabImage() = %q, want isolab-base:latest", got)
	}
	if got := cfg.Labs.LabPrefix(); got != "iso-" {
		t.Errorf("LabPrefix() = %q, want iso-", got)
	}
	if got := cfg.Labs.KeyPath(); got != "~/.ssh/id_ed25519.pub" {
		t.Errorf("KeyPath() = %q, want default key path", got)
	}
	if cfg.Labs.Base() != 2200 || cfg.Labs.Span() != 100 {
		t.Errorf("ports = %d/%d, want 2200/100", cfg.Labs.Base(), cfg.Labs.Span())
	}
	if got := cfg.Labs.LabRuntime(); got != "runsc" {
		t.Errorf("LabRuntime() = %q, want runsc", got)
	}
	if got := cfg.Labs.Memory(); got != 4<<30 {
		t.Errorf("Memory() = %d, want 4 GiB", got)
	}
	if got := cfg.Labs.NanoCPUs(); got != 2_000_000_000 {
		t.Errorf("NanoCPUs() = %d, want 2 cores", got)
	}
	if got := cfg.Labs.StopTimeout(); got != 5 {
		t.Errorf("StopTimeout() = %d, want 5", got)
	}
	if got := cfg.Audit.AuditDriver(); got != "sqlite" {
		t.Errorf("AuditDriver() = %q, want sqlite", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ISOLAB_DATA_DIR", "/srv/isolab")
	t.Setenv("ISOLAB_LISTEN_ADDR", ":7000")
	t.Setenv("ISOLAB_IMAGE", "labs:env")
	t.Setenv("ISOLAB_BIND_IP", "10.1.2.3")
	t.Setenv("ISOLAB_AUDIT_DSN", "postgres://audit")

	path := writeConfig(t, "config.json", `{
		"data_dir": "/from/file",
		"server": {"listen_addr": ":9999"},
		"labs": {"image": "labs:file"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/srv/isolab" {
		t.Errorf("DataDir = %q, want env value", cfg.DataDir)
	}
	if cfg.Server.Addr() != ":7000" {
		t.Errorf("Addr() = %q, want env value", cfg.Server.Addr())
	}
	if cfg.Labs.LabImage() != "labs:env" {
		t.Errorf("LabImage() = %q, want env value", cfg.Labs.LabImage())
	}
	if cfg.Labs.BindIP != "10.1.2.3" {
		t.Errorf("BindIP = %q, want env value", cfg.Labs.BindIP)
	}
	if cfg.Audit.AuditDriver() != "postgres" || cfg.Audit.Postgres.DSN != "postgres://audit" {
		t.Errorf("audit = %q/%v, want postgres driver from env", cfg.Audit.AuditDriver(), cfg.Audit.Postgres)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"port out of range", `{"labs": {"base_port": 70000}}`, "base_port"},
		{"span past range end", `{"labs": {"base_port": 65530, "port_span": 100}}`, "port_span"},
		{"negative memory", `{"labs": {"memory_mb": -1}}`, "memory_mb"},
		{"negative ttl", `{"auth": {"session_ttl_hours": -2}}`, "session_ttl_hours"},
		{"unknown audit driver", `{"audit": {"driver": "oracle"}}`, "audit.driver"},
		{"postgres without dsn", `{"audit": {"driver": "postgres"}}`, "dsn"},
		{"negative login requests", `{"server": {"login_limit": {"requests": -1}}}`, "login_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tt.body)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestResolvedPaths(t *testing.T) {
	cfg := Config{DataDir: "/srv/isolab"}
	if got := cfg.ResolvedCredentialPath(); got != "/srv/isolab/credential.env" {
		t.Errorf("ResolvedCredentialPath() = %q, want derived path", got)
	}
	if got := cfg.ResolvedModeDir(); got != "/srv/isolab/net" {
		t.Errorf("ResolvedModeDir() = %q, want derived path", got)
	}
	if got := cfg.AuditDBPath(); got != "/srv/isolab/audit.db" {
		t.Errorf("AuditDBPath() = %q, want derived path", got)
	}

	cfg.Auth.CredentialPath = "/etc/isolab/cred.env"
	cfg.Labs.ModeDir = "/run/isolab/net"
	if got := cfg.ResolvedCredentialPath(); got != "/etc/isolab/cred.env" {
		t.Errorf("ResolvedCredentialPath() = %q, want explicit path", got)
	}
	if got := cfg.ResolvedModeDir(); got != "/run/isolab/net" {
		t.Errorf("ResolvedModeDir() = %q, want explicit path", got)
	}
}
