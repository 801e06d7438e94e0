package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		cfgFile, verbose, configFormat = "", false, "yaml"
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	Version, BuildTime = "1.2.3", "today"

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != "Version: 1.2.3, BuildTime: today\n" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jarvis.yaml")
	content := `
app:
  name: "cli-test"
server:
  port: 4600
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Run("yaml", func(t *testing.T) {
		out, err := run(t, "config", "--config", path, "--verbose")
		if err != nil {
			t.Fatalf("config failed: %v", err)
		}
		for _, want := range []string{"name: cli-test", "port: 4600", "level: debug"} {
			if !strings.Contains(out, want) {
				t.Errorf("Expected %q in output:\n%s", want, out)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := run(t, "config", "--config", path, "--format", "json")
		if err != nil {
			t.Fatalf("config failed: %v", err)
		}
		if !strings.Contains(out, `"name": "cli-test"`) {
			t.Errorf("Expected json output, got:\n%s", out)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := run(t, "config", "--config", filepath.Join(t.TempDir(), "none.yaml")); err == nil {
			t.Fatal("Expected error for a missing config file")
		}
	})
}

func TestConnectRejectsBadPort(t *testing.T) {
	_, err := run(t, "connect", "127.0.0.1", "notaport")
	if err == nil || !strings.Contains(err.Error(), "invalid port") {
		t.Fatalf("Expected invalid port error, got %v", err)
	}
}
