package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args []string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, []string{"config", "init", "--path", target})
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	if _, err := runCLI(t, []string{"config", "init", "--path", target}); err != nil {
		t.Fatalf("config init: %v", err)
	}

	if _, err := runCLI(t, []string{"config", "init", "--path", target}); err == nil {
		t.Fatal("expected error without --overwrite")
	}
	if _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigShowRendersResolvedConfig(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	if _, err := runCLI(t, []string{"config", "init", "--path", target}); err != nil {
		t.Fatalf("config init: %v", err)
	}

	out, err := runCLI(t, []string{"--config", target, "config", "show"})
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[providers]")
	requireContains(t, out, "concurrency_limit")
}

func TestProbeRequiresURL(t *testing.T) {
	if _, err := runCLI(t, []string{"probe"}); err == nil {
		t.Fatal("expected arg validation error")
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[float64]string{
		42:   "0:42",
		61:   "1:01",
		3723: "1:02:03",
	}
	for seconds, want := range cases {
		if got := formatDuration(seconds); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", seconds, got, want)
		}
	}
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		0:       "-",
		512:     "512 B",
		2048:    "2.0 KiB",
		5 << 20: "5.0 MiB",
	}
	for bytes, want := range cases {
		if got := formatSize(bytes); got != want {
			t.Errorf("formatSize(%d) = %q, want %q", bytes, got, want)
		}
	}
}

func TestRenderTableAlignsAndPads(t *testing.T) {
	out := renderTable(
		[]string{"ID", "Size"},
		[][]string{{"22", "5.0 MiB"}, {"140", "-"}},
		[]int{2},
		false,
	)
	requireContains(t, out, "ID")
	requireContains(t, out, "5.0 MiB")
	if strings.Contains(out, "\x1b[") {
		t.Fatal("unstyled table must not contain ANSI sequences")
	}
}
