package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Worker.WorkersPerProvider != 2 {
		t.Errorf("WorkersPerProvider = %d, want 2", cfg.Worker.WorkersPerProvider)
	}
	if cfg.Worker.MaxTotalProcesses != 50 {
		t.Errorf("MaxTotalProcesses = %d, want 50", cfg.Worker.MaxTotalProcesses)
	}
	if cfg.Worker.MaxProcessesPerProvider != 10 {
		t.Errorf("MaxProcessesPerProvider = %d, want 10", cfg.Worker.MaxProcessesPerProvider)
	}
	if cfg.Scheduler.Interval != 5*time.Second {
		t.Errorf("Scheduler.Interval = %v, want 5s", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.BatchSize != 10 {
		t.Errorf("Scheduler.BatchSize = %d, want 10", cfg.Scheduler.BatchSize)
	}
	if cfg.Throttle.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Throttle.FailureThreshold)
	}
	if cfg.Throttle.SuspendTTL != 10*time.Minute {
		t.Errorf("SuspendTTL = %v, want 10m", cfg.Throttle.SuspendTTL)
	}
	if cfg.Extraction.MaxContentLength != 4000 {
		t.Errorf("MaxContentLength = %d, want 4000", cfg.Extraction.MaxContentLength)
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Setenv("LOREGRAPH_TEST_SECRET", "hunter2")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain string untouched", "localhost:6379", "localhost:6379"},
		{"env var resolved", "${LOREGRAPH_TEST_SECRET}", "hunter2"},
		{"embedded env var", "pass=${LOREGRAPH_TEST_SECRET};", "pass=hunter2;"},
		{"unset var becomes empty", "${LOREGRAPH_NO_SUCH_VAR}", ""},
		{"empty string", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveEnvVars(tt.input); got != tt.want {
				t.Errorf("ResolveEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNodeName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Worker.NodeName = "analysis-3"
	if cfg.NodeName() != "analysis-3" {
		t.Errorf("NodeName() = %q, want analysis-3", cfg.NodeName())
	}

	cfg.Worker.NodeName = ""
	if cfg.NodeName() == "" {
		t.Error("NodeName() should fall back to hostname or pid, got empty")
	}
}

func TestWriteDefaultAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("config file is empty")
	}

	cm, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cfg := cm.Get()
	if cfg.KV.Addr != "localhost:6379" {
		t.Errorf("KV.Addr = %q, want localhost:6379", cfg.KV.Addr)
	}
	if cfg.Worker.GuardInterval != 30*time.Second {
		t.Errorf("GuardInterval = %v, want 30s", cfg.Worker.GuardInterval)
	}
}
