package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validSettings() *Settings {
	s := defaults()
	return s
}

func TestValidate_ValidSettings(t *testing.T) {
	cfg := validSettings()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid settings, got error: %v", err)
	}
}

func TestValidate_NoPorts(t *testing.T) {
	cfg := validSettings()
	cfg.Ports = nil
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty ports")
	}
}

func TestValidate_BadBucketSize(t *testing.T) {
	cfg := validSettings()
	cfg.BucketSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero bucket size")
	}
}

func TestValidate_BadFirewallLimit(t *testing.T) {
	cfg := validSettings()
	cfg.Firewall.LimitPerSec = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero firewall limit")
	}
}

func TestValidate_BadShutdownTimeout(t *testing.T) {
	cfg := validSettings()
	cfg.Service.ShutdownTimeoutSeconds = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero shutdown timeout")
	}
}

func TestValidate_BadMQLogSegmentSize(t *testing.T) {
	cfg := validSettings()
	cfg.MQLog.SegmentMaxBytes = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero segment size")
	}
}

func TestExpandPortRange(t *testing.T) {
	cfg := validSettings()
	cfg.Ports = []int{6881, 6884}
	got := cfg.ExpandPortRange()
	want := []int{6881, 6882, 6883, 6884}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestExpandPortRange_ExplicitList(t *testing.T) {
	cfg := validSettings()
	cfg.Ports = []int{6881, 6891, 6901}
	got := cfg.ExpandPortRange()
	if len(got) != 3 || got[0] != 6881 || got[2] != 6901 {
		t.Fatalf("expected explicit list to pass through unchanged, got %v", got)
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	yamlBody := []byte("read_only: true\nbucket_size: 16\nrouters:\n  - \"router.example.org:6881\"\n")
	if err := os.WriteFile(path, yamlBody, 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.ReadOnly {
		t.Error("expected read_only to be true from file")
	}
	if cfg.BucketSize != 16 {
		t.Errorf("expected bucket_size 16, got %d", cfg.BucketSize)
	}
	if len(cfg.Routers) != 1 || cfg.Routers[0] != "router.example.org:6881" {
		t.Errorf("expected overridden routers list, got %v", cfg.Routers)
	}
	// Defaults not present in the file survive unmarshal.
	if cfg.SendQueryTimeoutSec != 15 {
		t.Errorf("expected default send_query_timeout_sec 15, got %d", cfg.SendQueryTimeoutSec)
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	t.Setenv("DHTNODE_BUCKET_SIZE", "32")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BucketSize != 32 {
		t.Errorf("expected env override bucket_size 32, got %d", cfg.BucketSize)
	}
}

func TestHandle_HotReloadOnlyTouchesSafeFields(t *testing.T) {
	h := NewHandle(validSettings())
	before := h.Get()
	beforeTimeout := before.SendQueryTimeoutSec

	next := validSettings()
	next.ReadOnly = true
	next.Routers = []string{"a:1"}
	next.Firewall.LimitPerSec = 5
	next.SendQueryTimeoutSec = 999 // not hot-reloadable; must not take effect

	h.applyHotReloadable(next)

	after := h.Get()
	if !after.ReadOnly {
		t.Error("expected ReadOnly to hot-reload")
	}
	if len(after.Routers) != 1 || after.Routers[0] != "a:1" {
		t.Errorf("expected routers to hot-reload, got %v", after.Routers)
	}
	if after.Firewall.LimitPerSec != 5 {
		t.Errorf("expected firewall limit to hot-reload, got %v", after.Firewall.LimitPerSec)
	}
	if after.SendQueryTimeoutSec != beforeTimeout {
		t.Errorf("expected non-hot-reloadable field to stay %d, got %d", beforeTimeout, after.SendQueryTimeoutSec)
	}
}

func TestPersistPathFor(t *testing.T) {
	cfg := validSettings()
	cfg.PersistDir = "/home/user/.yiilian/dht"
	got := cfg.PersistPathFor(6881)
	want := "/home/user/.yiilian/dht/6881.txt"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}
