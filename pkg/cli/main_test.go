package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nimburion/chatsync/pkg/config"
	"github.com/nimburion/chatsync/pkg/observability/logger"
)

func TestResolveServiceNameValue(t *testing.T) {
	tests := []struct {
		name              string
		currentConfigName string
		defaultService    string
		override          string
		want              string
	}{
		{name: "override wins", currentConfigName: "from-config", defaultService: "from-cli", override: "from-flag", want: "from-flag"},
		{name: "configured value wins over default", currentConfigName: "from-config", defaultService: "from-cli", want: "from-config"},
		{name: "default used when config missing", defaultService: "from-cli", want: "from-cli"},
		{name: "chatsync fallback", want: "chatsync"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveServiceNameValue(tt.currentConfigName, tt.defaultService, tt.override)
			if got != tt.want {
				t.Fatalf("resolveServiceNameValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewServiceCommand_Subcommands(t *testing.T) {
	cmd := NewServiceCommand(ServiceCommandOptions{Name: "testsvc", Description: "test service"})

	for _, path := range [][]string{
		{"serve"}, {"version"}, {"healthcheck"}, {"completion"},
		{"migrate", "up"}, {"migrate", "down"}, {"migrate", "status"},
		{"config", "validate"}, {"config", "show"},
	} {
		found, _, err := cmd.Find(path)
		if err != nil || found == nil || found.Name() != path[len(path)-1] {
			t.Fatalf("expected command %v, got %v (err %v)", path, found, err)
		}
	}
}

func TestServeUsesCustomRunner(t *testing.T) {
	t.Setenv("CHATSYNC_DB_URL", "postgres://u:p@localhost:5432/chatsync")
	t.Setenv("CHATSYNC_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CHATSYNC_AUTH_SECRET", "test-secret")
	t.Setenv("CHATSYNC_LOG_LEVEL", "error")

	var gotPort int
	cmd := NewServiceCommand(ServiceCommandOptions{
		Name: "testsvc",
		RunServer: func(ctx context.Context, cfg *config.Config, log logger.Logger) error {
			gotPort = cfg.HTTP.Port
			if cfg.Service.Name != "override" {
				t.Errorf("service name = %q", cfg.Service.Name)
			}
			return nil
		},
	})
	cmd.SetArgs([]string{"serve", "--service-name", "override"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotPort != 8080 {
		t.Fatalf("port = %d", gotPort)
	}
}

func TestServeFailsOnInvalidConfig(t *testing.T) {
	t.Setenv("CHATSYNC_DB_URL", "")
	t.Setenv("CHATSYNC_DATABASE_URL", "")

	called := false
	cmd := NewServiceCommand(ServiceCommandOptions{
		RunServer: func(context.Context, *config.Config, logger.Logger) error {
			called = true
			return nil
		},
	})
	cmd.SetArgs([]string{"serve"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "database.url") {
		t.Fatalf("expected database.url validation error, got %v", err)
	}
	if called {
		t.Fatal("server must not start with invalid config")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewServiceCommand(ServiceCommandOptions{Name: "testsvc"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), "Service:    testsvc") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestConfigShowRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	content := "database:\n  url: postgres://app:hunter2@db:5432/chatsync\n" +
		"redis:\n  url: redis://cache:6379/0\n" +
		"auth:\n  secret: topsecret\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATSYNC_DB_URL", "")
	t.Setenv("CHATSYNC_DATABASE_URL", "")
	t.Setenv("CHATSYNC_AUTH_SECRET", "")

	run := func(args ...string) string {
		cmd := NewServiceCommand(ServiceCommandOptions{Name: "testsvc"})
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"config", "show", "-c", cfgFile}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		return out.String()
	}

	redacted := run()
	if strings.Contains(redacted, "hunter2") || strings.Contains(redacted, "topsecret") {
		t.Fatalf("secrets leaked:\n%s", redacted)
	}
	if !strings.Contains(redacted, "***") || !strings.Contains(redacted, "app:xxxxx@db:5432") {
		t.Fatalf("expected masked values:\n%s", redacted)
	}

	revealed := run("--show-secrets")
	if !strings.Contains(revealed, "topsecret") {
		t.Fatalf("expected secret with --show-secrets:\n%s", revealed)
	}
}

func TestApplySecretFileFlag(t *testing.T) {
	dir := t.TempDir()
	if err := applySecretFileFlag("chatsync", dir); err == nil {
		t.Fatal("expected error for directory")
	}
	if err := applySecretFileFlag("chatsync", filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}

	file := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(file, []byte("auth:\n  secret: x\n"), 0o600); err != nil {
		t.Fatalf("write secrets: %v", err)
	}
	t.Setenv("CHATSYNC_SECRETS_FILE", "")
	if err := applySecretFileFlag("chatsync", file); err != nil {
		t.Fatalf("applySecretFileFlag() error = %v", err)
	}
	if got := os.Getenv("CHATSYNC_SECRETS_FILE"); got != file {
		t.Fatalf("CHATSYNC_SECRETS_FILE = %q", got)
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("redis://:pw@cache:6379/0"); strings.Contains(got, "pw") {
		t.Fatalf("password leaked: %s", got)
	}
	if got := redactURL("postgres://db:5432/x"); got != "postgres://db:5432/x" {
		t.Fatalf("url without credentials changed: %s", got)
	}
}
