package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunDefaultSession(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-ttis", "600", "-start-tti", "10000", "-log-level", "warn"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run error: %v\nstderr:\n%s", err, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{"600 TTIs", "last tti 359", "cc0:", "cc1:", "rnti 0x46", "rnti 0x49"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "fault:") {
		t.Fatalf("summary reports a fault:\n%s", out)
	}
}

func TestRunDumpConfigRoundTrips(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-dump-config", "-mode", "realtime"}, &stdout, &stderr); err != nil {
		t.Fatalf("dump error: %v", err)
	}
	if !strings.Contains(stdout.String(), "mode: realtime") {
		t.Fatalf("dump missing mode override:\n%s", stdout.String())
	}

	path := filepath.Join(t.TempDir(), "session.yaml")
	if err := os.WriteFile(path, stdout.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	stdout.Reset()
	err := run(context.Background(), []string{"-config", path, "-mode", "accelerated", "-ttis", "50"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("run from dumped config: %v", err)
	}
	if !strings.Contains(stdout.String(), "50 TTIs") {
		t.Fatalf("summary = %s", stdout.String())
	}
}

func TestRunAppliesTracingEnv(t *testing.T) {
	t.Setenv("SCHED_TRACING_SERVICE_NAME", "cell-lab")
	t.Setenv("SCHED_TRACING_SAMPLE_RATIO", "0.5")
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-dump-config"}, &stdout, &stderr); err != nil {
		t.Fatalf("dump error: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "serviceName: cell-lab") || !strings.Contains(out, "sampleRatio: 0.5") {
		t.Fatalf("dump missing tracing env overrides:\n%s", out)
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-mode", "warp"}, &stdout, &stderr); err == nil {
		t.Fatalf("invalid mode accepted")
	}
	if err := run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "none.yaml")}, &stdout, &stderr); err == nil {
		t.Fatalf("missing config accepted")
	}
	if err := run(context.Background(), []string{"-h"}, &stdout, &stderr); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("-h err = %v, want flag.ErrHelp", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var stdout, stderr bytes.Buffer
	if err := run(ctx, []string{"-ttis", "0", "-log-level", "error"}, &stdout, &stderr); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if !strings.Contains(stdout.String(), "0 TTIs") {
		t.Fatalf("summary = %s, want no TTIs", stdout.String())
	}
}
