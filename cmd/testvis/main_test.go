package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/testvis/internal/config"
	"github.com/fyrsmithlabs/testvis/internal/gotest"
)

func TestRootCmd_Subcommands(t *testing.T) {
	for _, name := range []string{"run", "config"} {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				if cmd.Short == "" || cmd.Long == "" {
					t.Errorf("%s command should have Short and Long descriptions", name)
				}
			}
		}
		if !found {
			t.Errorf("%s command not found in rootCmd", name)
		}
	}
}

func TestRootCmd_Flags(t *testing.T) {
	for _, name := range []string{"config", "metrics-addr"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("--%s flag not registered", name)
		}
	}
}

func TestRunCmd_WatchFlag(t *testing.T) {
	if runCmd.Flags().Lookup("watch") == nil {
		t.Error("--watch flag not registered")
	}
}

func TestConfigCmd_PrintsRedactedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testvis.yaml")
	content := "service: checkout\nremote:\n  api_key: super-secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "--config", path, "--metrics-addr", "127.0.0.1:9464"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath, metricsAddr = "", ""
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("config command failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{"service: checkout", "127.0.0.1:9464", "[REDACTED]"} {
		if !strings.Contains(got, want) {
			t.Errorf("config output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "super-secret") {
		t.Error("config output leaked the api key")
	}
}

func TestExitCode(t *testing.T) {
	if code := exitCode(nil); code != 0 {
		t.Errorf("exitCode(nil) = %d, want 0", code)
	}
	if code := exitCode(exec.Command("sh", "-c", "exit 3").Run()); code != 3 {
		t.Errorf("exitCode(exit 3) = %d, want 3", code)
	}
	if code := exitCode(exec.ErrNotFound); code != 1 {
		t.Errorf("exitCode(ErrNotFound) = %d, want 1", code)
	}
}

const script = `printf '%s\n' \
  '{"Action":"run","Package":"ex/p","Test":"TestA"}' \
  '{"Action":"output","Package":"ex/p","Test":"TestA","Output":"hello from TestA\n"}' \
  '{"Action":"pass","Package":"ex/p","Test":"TestA"}' \
  '{"Action":"pass","Package":"ex/p"}'
exit $1`

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg := config.Default()
	cfg.Git.Path = t.TempDir()
	cfg.Logging.Level = "error"

	rt, err := newRuntime(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newRuntime() error = %v", err)
	}
	return rt
}

func TestRuntime_Execute(t *testing.T) {
	tests := []struct {
		name string
		exit string
		want int
	}{
		{"success", "0", 0},
		{"failure propagates status", "4", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t)

			var stdout, stderr bytes.Buffer
			code, err := rt.execute(context.Background(), []string{"sh", "-c", script, "sh", tt.exit}, &stdout, &stderr)
			if err != nil {
				t.Fatalf("execute() error = %v", err)
			}
			if code != tt.want {
				t.Errorf("execute() code = %d, want %d", code, tt.want)
			}
			if !strings.Contains(stdout.String(), "hello from TestA") {
				t.Errorf("test output not echoed, got %q", stdout.String())
			}
			if _, ok := rt.recorder.ActiveSession(); ok {
				t.Error("session still active after execute")
			}
			if err := rt.close(context.Background()); err != nil {
				t.Errorf("close() error = %v", err)
			}
		})
	}
}

func TestRuntime_ExecuteReportsProgress(t *testing.T) {
	rt := newTestRuntime(t)
	defer rt.close(context.Background())

	var last gotest.Summary
	calls := 0
	rt.onProgress = func(s gotest.Summary) {
		calls++
		last = s
	}

	var stderr bytes.Buffer
	code, err := rt.execute(context.Background(), []string{"sh", "-c", script, "sh", "0"}, io.Discard, &stderr)
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}
	if calls == 0 {
		t.Fatal("progress callback never called")
	}
	if last.Tests == 0 || last.Packages == 0 {
		t.Errorf("final summary = %+v, want tests and packages counted", last)
	}
}

func TestRuntime_ExecuteMissingCommand(t *testing.T) {
	rt := newTestRuntime(t)
	defer rt.close(context.Background())

	var stdout, stderr bytes.Buffer
	code, err := rt.execute(context.Background(), []string{"testvis-no-such-binary"}, &stdout, &stderr)
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	if code != 1 {
		t.Errorf("code = %d, want 1", code)
	}
	if _, ok := rt.recorder.ActiveSession(); ok {
		t.Error("session still active after failed start")
	}
}
