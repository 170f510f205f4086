package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/ghdevice/internal/app"
	"github.com/florianilch/ghdevice/internal/auth"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
log_level = "debug"

[github]
client_id = "Iv1.file"
scopes = ["repo", "gist"]

[auth]
storage = "file"
file = "`+filepath.ToSlash(filepath.Join(t.TempDir(), "creds.json"))+`"

[rate_limit]
base_delay = "250ms"
max_backoff = "30s"
`)

	cfg, err := loadConfig(path, nil, environ())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("log level: want debug, got %v", cfg.LogLevel)
	}
	if cfg.GitHub.ClientID != "Iv1.file" {
		t.Errorf("client id: got %s", cfg.GitHub.ClientID)
	}
	if !slices.Equal(cfg.GitHub.Scopes, []string{"repo", "gist"}) {
		t.Errorf("scopes: got %v", cfg.GitHub.Scopes)
	}
	if cfg.RateLimit.BaseDelay != 250*time.Millisecond || cfg.RateLimit.MaxBackoff != 30*time.Second {
		t.Errorf("rate limit: got %+v", cfg.RateLimit)
	}
	if cfg.Device.MaxAttempts != auth.DefaultMaxAttempts {
		t.Errorf("defaults not applied: %+v", cfg.Device)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
[github]
client_id = "Iv1.file"

[auth]
storage = "env"
`)

	cfg, err := loadConfig(path, nil, environ(
		"GHDEVICE_GITHUB__CLIENT_ID=Iv1.env",
		"GHDEVICE_GITHUB__SCOPES=repo,read:org workflow",
		"GHDEVICE_AUTH__ENV_PREFIX=MY_",
		"UNRELATED=1",
	))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.GitHub.ClientID != "Iv1.env" {
		t.Errorf("env should override file, got %s", cfg.GitHub.ClientID)
	}
	if !slices.Equal(cfg.GitHub.Scopes, []string{"repo", "read:org", "workflow"}) {
		t.Errorf("scopes: got %v", cfg.GitHub.Scopes)
	}
	if cfg.Auth.Storage != app.TokenStorageTypeEnv || cfg.Auth.EnvPrefix != "MY_" {
		t.Errorf("auth: got %+v", cfg.Auth)
	}
}

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var got *app.Config
	cmd := &cli.Command{
		Name: "test",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "github--client-id"},
			&cli.StringFlag{Name: "log-format", Value: "text"},
			&cli.IntFlag{Name: "server--port"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig("", cmd, environ("GHDEVICE_GITHUB__CLIENT_ID=Iv1.env", "GHDEVICE_LOG_FORMAT=json"))
			got = cfg
			return err
		},
	}

	if err := cmd.Run(context.Background(), []string{"test", "--github--client-id", "Iv1.flag", "--server--port", "8080"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got.GitHub.ClientID != "Iv1.flag" {
		t.Errorf("flag should override env, got %s", got.GitHub.ClientID)
	}
	if got.LogFormat != app.LogFormatJSON {
		t.Errorf("unset flag must not override env, got %s", got.LogFormat)
	}
	if got.Server.Port != 8080 {
		t.Errorf("port: got %d", got.Server.Port)
	}
}

func TestLoadConfigMissingClientID(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := loadConfig("", nil, environ())
	if !errors.Is(err, auth.ErrConfig) {
		t.Fatalf("expected a config error, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"), nil, environ()); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
