package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

const goodTemplate = `
name: onboarding
steps:
  - id: intake
    taskType: intake
  - id: kyc
    taskType: kyc.check
    dependsOn: [intake]
`

const cyclicTemplate = `
name: loop
steps:
  - id: a
    taskType: x
    dependsOn: [b]
  - id: b
    taskType: x
    dependsOn: [a]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", goodTemplate)
	bad := writeFile(t, dir, "bad.yaml", cyclicTemplate)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    string
	}{
		{"valid file", []string{good}, false, "ok   " + good + " (onboarding, 2 steps)"},
		{"cycle", []string{bad}, true, "FAIL " + bad},
		{"missing path", []string{filepath.Join(dir, "nope.yaml")}, true, "FAIL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCmd()
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(append([]string{"validate"}, tt.args...))

			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v\n%s", err, tt.wantErr, out.String())
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output %q does not contain %q", out.String(), tt.want)
			}
		})
	}
}

func TestEngineConfig(t *testing.T) {
	t.Setenv("TENANTFLOW_ENGINE_CONCURRENCY", "32")
	t.Setenv("TENANTFLOW_ROUTING_STARVATION_THRESHOLD", "90m")

	cfgPath := writeFile(t, t.TempDir(), "tenantflow.yaml", `
engine:
  tick_interval: 2s
  org_dispatch_rate: 5
routing:
  min_score: 55
`)
	v := viper.New()
	if err := loadConfigFile(v, cfgPath); err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	cfg := engineConfig(v)

	if cfg.Concurrency != 32 {
		t.Errorf("Concurrency = %d, want 32 from env", cfg.Concurrency)
	}
	if cfg.TickInterval != 2*time.Second {
		t.Errorf("TickInterval = %v, want 2s from file", cfg.TickInterval)
	}
	if cfg.OrgDispatchRate != 5 {
		t.Errorf("OrgDispatchRate = %v, want 5", cfg.OrgDispatchRate)
	}
	if cfg.Routing.MinScore != 55 {
		t.Errorf("MinScore = %v, want 55", cfg.Routing.MinScore)
	}
	if cfg.Routing.StarvationThreshold != 90*time.Minute {
		t.Errorf("StarvationThreshold = %v, want 90m", cfg.Routing.StarvationThreshold)
	}
	if cfg.LockTTL != 2*time.Minute || cfg.DefaultMaxRetries != 3 {
		t.Errorf("defaults not applied: LockTTL=%v DefaultMaxRetries=%d", cfg.LockTTL, cfg.DefaultMaxRetries)
	}
}
