package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/yaron8/buffer-sizing/capture"
	"github.com/yaron8/buffer-sizing/policy"
)

func loadFile(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	return Load(v)
}

// tests the defaults without any config file
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Redis.Host != "localhost" || cfg.Redis.Port != 6379 {
		t.Errorf("Redis = %s:%d, want localhost:6379", cfg.Redis.Host, cfg.Redis.Port)
	}
	if cfg.RefreshInterval != 100*time.Millisecond {
		t.Errorf("RefreshInterval = %v, want 100ms", cfg.RefreshInterval)
	}
	if cfg.Command.MaxBackoff != 10*time.Second {
		t.Errorf("MaxBackoff = %v, want 10s", cfg.Command.MaxBackoff)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel())
	}
	if len(cfg.Topology.Routers) != 1 || cfg.Topology.Routers[0].Links[0].ID != "nf0" {
		t.Errorf("expected the default topology, got %+v", cfg.Topology)
	}
}

// tests that environment variables override the file
func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("BUFSIZE_REDIS_HOST", "redis.internal")
	t.Setenv("BUFSIZE_PORT", "9090")

	cfg, err := loadFile(t, "port: 8181\nredis:\n  host: file-host\n  ttl: 5m\nlog:\n  level: debug\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Redis.Host != "redis.internal" {
		t.Errorf("Redis.Host = %q, want redis.internal", cfg.Redis.Host)
	}
	if cfg.Redis.TTL != 5*time.Minute {
		t.Errorf("Redis.TTL = %v, want 5m", cfg.Redis.TTL)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel())
	}
}

// tests that invalid values are rejected
func TestLoad_Invalid(t *testing.T) {
	if _, err := loadFile(t, "refresh_interval: 0s\n"); err == nil {
		t.Fatal("expected error for zero refresh interval")
	}
	if _, err := loadFile(t, "command:\n  initial_backoff: 5s\n  max_backoff: 1s\n"); err == nil {
		t.Fatal("expected error for max backoff below initial")
	}
}

const topologyYAML = `
routers:
  - name: edge
    capture_addr: ":5000"
    command_addr: ":7000"
    links:
      - id: nf0
        queue: 1
        mode: packets
        rule: flow_sensitive
        rtt_ms: 80
        num_flows: 400
        rate_register: 5
        update_addr: "10.0.0.2:6000"
      - id: nf1
        queue: 2
        rtt_ms: 20
        num_flows: 1
`

// tests topology decoding and conversion into link configs
func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(topologyYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := topo.Routers[0]
	if r.Name != "edge" || r.GeneratorAddr != "" || len(r.Links) != 2 {
		t.Fatalf("unexpected router: %+v", r)
	}

	lc, err := r.Links[0].LinkConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lc.Mode != capture.UnitPackets || lc.Rule != policy.FlowSensitive || lc.RateRegister != 5 || lc.RTTMs != 80 {
		t.Errorf("unexpected link config: %+v", lc)
	}

	lc, err = r.Links[1].LinkConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lc.Mode != capture.UnitBytes || lc.Rule != policy.RuleOfThumb || lc.RateRegister != 0 {
		t.Errorf("unexpected defaults: %+v", lc)
	}
}

// tests that bad topologies fail with ErrInvalidTopology
func TestParseTopology_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":           "routers: []\n",
		"no links":        "routers:\n  - name: r\n    capture_addr: localhost:1\n    command_addr: localhost:2\n",
		"bad queue":       "routers:\n  - name: r\n    capture_addr: localhost:1\n    command_addr: localhost:2\n    links:\n      - id: a\n        queue: 8\n",
		"bad register":    "routers:\n  - name: r\n    capture_addr: localhost:1\n    command_addr: localhost:2\n    links:\n      - id: a\n        queue: 1\n        rate_register: 17\n",
		"bad rule":        "routers:\n  - name: r\n    capture_addr: localhost:1\n    command_addr: localhost:2\n    links:\n      - id: a\n        queue: 1\n        rule: fastest\n",
		"duplicate queue": "routers:\n  - name: r\n    capture_addr: localhost:1\n    command_addr: localhost:2\n    links:\n      - id: a\n        queue: 1\n      - id: b\n        queue: 1\n",
		"not yaml":        "routers: [\n",
	}

	for name, body := range cases {
		if _, err := ParseTopology([]byte(body)); !errors.Is(err, ErrInvalidTopology) {
			t.Errorf("%s: expected ErrInvalidTopology, got %v", name, err)
		}
	}
}

// tests that the topology file named in the config is loaded
func TestLoad_TopologyFile(t *testing.T) {
	topoPath := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(topoPath, []byte(topologyYAML), 0o644); err != nil {
		t.Fatalf("write topology: %v", err)
	}

	cfg, err := loadFile(t, "topology_file: "+topoPath+"\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Topology.Routers[0].Name != "edge" {
		t.Errorf("expected topology from file, got %+v", cfg.Topology)
	}
}
