package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PerpClient/internal/address"
	"PerpClient/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perpclient.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustLoad(t *testing.T, path string) config.Config {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

// ===========================================================================
// Defaults
// ===========================================================================

func TestLoad_LocalnetDefaults(t *testing.T) {
	t.Setenv("PERP_SIMULATE", "true")

	cfg := mustLoad(t, "")
	if cfg.Ledger.RPCURL != "http://127.0.0.1:8899" {
		t.Errorf("rpc url = %s", cfg.Ledger.RPCURL)
	}
	if cfg.Ledger.WSURL != "ws://127.0.0.1:8900" {
		t.Errorf("ws url = %s", cfg.Ledger.WSURL)
	}
	if cfg.ProgramID() != address.DefaultProgramID {
		t.Errorf("program id = %s", cfg.ProgramID())
	}
	if !cfg.Ledger.Preflight {
		t.Error("preflight should default on")
	}
}

func TestLoad_RequiresKeypairOutsideSimulation(t *testing.T) {
	_, err := config.Load("")
	if err == nil || !strings.Contains(err.Error(), "keypairs") {
		t.Fatalf("expected keypair error, got %v", err)
	}
}

// ===========================================================================
// Precedence
// ===========================================================================

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeFile(t, `
ledger:
  cluster: devnet
  keypairs: [/keys/admin.json]
  await_timeout: 90s
cache:
  capacity: 128
server:
  http_addr: ":8181"
`)
	t.Setenv("PERP_HTTP_ADDR", ":8282")
	t.Setenv("PERP_KEYPAIRS", "/keys/a.json, /keys/b.json")

	cfg := mustLoad(t, path)
	if cfg.Ledger.RPCURL != "https://api.devnet.solana.com" {
		t.Errorf("rpc url = %s", cfg.Ledger.RPCURL)
	}
	if cfg.Ledger.WSURL != "wss://api.devnet.solana.com" {
		t.Errorf("ws url = %s", cfg.Ledger.WSURL)
	}
	if cfg.Ledger.AwaitTimeout != 90*time.Second {
		t.Errorf("await timeout = %s", cfg.Ledger.AwaitTimeout)
	}
	if cfg.Cache.Capacity != 128 {
		t.Errorf("capacity = %d", cfg.Cache.Capacity)
	}
	if cfg.Server.HTTPAddr != ":8282" {
		t.Errorf("environment should win, http addr = %s", cfg.Server.HTTPAddr)
	}
	if len(cfg.Ledger.KeypairPaths) != 2 || cfg.Ledger.KeypairPaths[1] != "/keys/b.json" {
		t.Errorf("keypairs = %v", cfg.Ledger.KeypairPaths)
	}
	if cfg.Cache.Workers != 8 {
		t.Errorf("unset values keep defaults, workers = %d", cfg.Cache.Workers)
	}
}

func TestLoad_ConfigFileFromEnvironment(t *testing.T) {
	t.Setenv("PERP_CONFIG_FILE", writeFile(t, "ledger:\n  simulate: true\n  rps: 2.5\n"))

	cfg := mustLoad(t, "")
	if !cfg.Ledger.Simulate || cfg.Ledger.RPS != 2.5 {
		t.Errorf("file not applied: %+v", cfg.Ledger)
	}
}

// ===========================================================================
// Validation
// ===========================================================================

func TestLoad_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"int", "PERP_CACHE_CAPACITY", "many", "PERP_CACHE_CAPACITY"},
		{"duration", "PERP_AWAIT_TIMEOUT", "soon", "PERP_AWAIT_TIMEOUT"},
		{"bool", "PERP_PREFLIGHT", "maybe", "PERP_PREFLIGHT"},
		{"cluster", "PERP_CLUSTER", "moon", "unknown cluster"},
		{"commitment", "PERP_COMMITMENT", "eventual", "commitment"},
		{"program", "PERP_PROGRAM_ID", "not-a-key", "program_id"},
		{"capacity", "PERP_CACHE_CAPACITY", "0", "capacity"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PERP_SIMULATE", "1")
			t.Setenv(tc.key, tc.val)
			_, err := config.Load("")
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
