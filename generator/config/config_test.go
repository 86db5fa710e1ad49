package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func loadFile(t *testing.T, body string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "generator.yaml")
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

	if cfg.Port != 9001 {
		t.Errorf("Port = %d, want 9001", cfg.Port)
	}
	if cfg.CacheTTL != 10*time.Second {
		t.Errorf("CacheTTL = %v, want 10s", cfg.CacheTTL)
	}
	if cfg.CaptureAddr != "localhost:5000" || cfg.RouterCommandAddr != "localhost:7000" {
		t.Errorf("unexpected addresses %q %q", cfg.CaptureAddr, cfg.RouterCommandAddr)
	}
	if cfg.Queue != 1 || cfg.RateRegister != 2 || cfg.PacketBytes != 1496 {
		t.Errorf("unexpected queue settings %+v", cfg)
	}
}

// tests a file with environment overrides on top
func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("BUFGEN_NUM_FLOWS", "400")

	cfg, err := loadFile(t, "queue: 3\nrate_register: 6\nbuffer_packets: 390\nnum_flows: 10\ninterval: 5ms\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Queue != 3 || cfg.RateRegister != 6 || cfg.BufferPackets != 390 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.NumFlows != 400 {
		t.Errorf("NumFlows = %d, want 400 from env", cfg.NumFlows)
	}
	if cfg.Interval != 5*time.Millisecond {
		t.Errorf("Interval = %v, want 5ms", cfg.Interval)
	}
}

// tests that invalid settings are rejected
func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"queue":         "queue: 8\n",
		"rate_register": "rate_register: 17\n",
		"num_flows":     "num_flows: 0\n",
		"packet_bytes":  "packet_bytes: 1500\n",
		"packet size":   "packet_bytes: 2040\n",
		"backoff":       "initial_backoff: 5s\nmax_backoff: 1s\n",
		"capture_addr":  "capture_addr: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadFile(t, body)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), strings.Fields(name)[0]) && name != "packet size" {
				t.Errorf("error %q does not name %s", err, name)
			}
		})
	}
}
