// Package cli builds the chatsync command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	climigrate "github.com/nimburion/chatsync/pkg/cli/migrate"
	"github.com/nimburion/chatsync/pkg/config"
	"github.com/nimburion/chatsync/pkg/migrate"
	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/server"
	"github.com/nimburion/chatsync/pkg/store/postgres"
	"github.com/nimburion/chatsync/pkg/store/redis"
	"github.com/nimburion/chatsync/pkg/version"
)

const redactedValue = "***"

// ServiceCommandOptions customizes the root command.
type ServiceCommandOptions struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string

	// Optional: replaces the default server startup.
	RunServer func(ctx context.Context, cfg *config.Config, log logger.Logger) error

	// Optional: additional custom commands
	CustomCommands []*cobra.Command
}

// NewServiceCommand creates the CLI with serve, migrate, healthcheck, config and version subcommands.
func NewServiceCommand(opts ServiceCommandOptions) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "chatsync"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}
	if opts.RunServer == nil {
		opts.RunServer = RunServer
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "",
		fmt.Sprintf("path to secrets file (sets %s_SECRETS_FILE)", resolveEnvPrefix(opts.EnvPrefix)))
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")

	loadConfig := func() (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, opts.Name, serviceNameOverride)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer syncLogger(log)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return opts.RunServer(ctx, cfg, log)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(newMigrateCommand(loadConfig))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to dependencies (database, redis)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return CheckDependencies(cmd.Context(), cfg, log, cmd.OutOrStdout())
		},
	})

	rootCmd.AddCommand(newConfigCommand(&cfgPath, &secretFilePath, &serviceNameOverride, opts))

	for _, customCmd := range opts.CustomCommands {
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	return rootCmd
}

func newMigrateCommand(loadConfig func() (*config.Config, logger.Logger, error)) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}
	var timeout time.Duration
	migrateCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "migration timeout")

	run := func(subcommand string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			parsed, steps, err := climigrate.ParseArgs(append([]string{subcommand}, args...))
			if err != nil {
				return err
			}
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer syncLogger(log)
			return RunMigrations(cmd.Context(), cfg, log, parsed, steps, climigrate.Options{
				Timeout: timeout,
				Logger:  log,
				Out:     cmd.OutOrStdout(),
			})
		}
	}

	migrateCmd.AddCommand(
		&cobra.Command{Use: "up", Short: "Run pending migrations", Args: cobra.NoArgs, RunE: run("up")},
		&cobra.Command{Use: "down [steps]", Short: "Rollback the last migrations", Args: cobra.MaximumNArgs(1), RunE: run("down")},
		&cobra.Command{Use: "status", Short: "Show migration status", Args: cobra.NoArgs, RunE: run("status")},
	)
	return migrateCmd
}

func newConfigCommand(cfgPath, secretFilePath, serviceNameOverride *string, opts ServiceCommandOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(opts.EnvPrefix, *secretFilePath); err != nil {
				return err
			}
			if _, err := config.NewViperLoader(*cfgPath, opts.EnvPrefix).Load(); err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applySecretFileFlag(opts.EnvPrefix, *secretFilePath); err != nil {
				return err
			}
			cfg, settings, err := config.NewViperLoader(*cfgPath, opts.EnvPrefix).LoadSettings()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyResolvedServiceName(cfg, opts.Name, *serviceNameOverride)
			settings = setServiceNameSetting(settings, cfg.Service.Name)
			if !showSecrets {
				settings = redactSettings(settings)
			}
			formatted, err := formatSettings(settings)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(showCmd)
	return configCmd
}

// RunServer builds the application and serves until ctx is cancelled.
func RunServer(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	app, err := server.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

// RunMigrations applies the embedded schema migrations to cfg's database.
func RunMigrations(ctx context.Context, cfg *config.Config, log logger.Logger, subcommand string, steps int, opts climigrate.Options) error {
	db, err := postgres.Open(postgres.Config{
		URL:            cfg.Database.URL,
		MaxOpenConns:   1,
		MaxIdleConns:   1,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	manager, err := migrate.NewManager(db.SQLDB(), migrate.Embedded(), migrate.EmbeddedDir)
	if err != nil {
		return err
	}
	return climigrate.RunParsed(ctx, subcommand, steps, opts, climigrate.FromManager(manager))
}

// CheckDependencies pings every configured backing store once.
func CheckDependencies(ctx context.Context, cfg *config.Config, log logger.Logger, out io.Writer) error {
	db, err := postgres.Open(postgres.Config{
		URL:            cfg.Database.URL,
		MaxOpenConns:   1,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	fmt.Fprintln(out, "database: ok")

	if strings.TrimSpace(cfg.Redis.URL) == "" {
		return nil
	}
	cache, err := redis.Open(redis.Config{URL: cfg.Redis.URL, OperationTimeout: cfg.Redis.OperationTimeout}, log)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer cache.Close()
	if err := cache.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	fmt.Fprintln(out, "redis: ok")
	return nil
}

// LoadConfigAndLogger loads and validates configuration, then builds the
// logger it describes.
func LoadConfigAndLogger(cfgPath, envPrefix, secretFilePath, defaultServiceName, serviceNameOverride string) (*config.Config, logger.Logger, error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyResolvedServiceName(cfg, defaultServiceName, serviceNameOverride)

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Fields: []any{"service", cfg.Service.Name},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	if strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "settings", fmt.Sprintf("%+v", *redactConfig(cfg)))
	}
	return cfg, log, nil
}

func syncLogger(log logger.Logger) {
	if s, ok := log.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

func applyResolvedServiceName(cfg *config.Config, defaultServiceName, serviceNameOverride string) {
	if cfg == nil {
		return
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, defaultServiceName, serviceNameOverride)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "chatsync"
}

func setServiceNameSetting(settings map[string]any, serviceName string) map[string]any {
	if settings == nil {
		settings = map[string]any{}
	}
	service, ok := settings["service"].(map[string]any)
	if !ok || service == nil {
		service = map[string]any{}
	}
	service["name"] = serviceName
	settings["service"] = service
	return settings
}

func formatSettings(settings map[string]any) (string, error) {
	if settings == nil {
		return "{}\n", nil
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

// secretSettings lists keys whose values are hidden; URL keys keep
// everything but the password.
var secretSettings = map[string]bool{
	"auth.secret":  false,
	"database.url": true,
	"redis.url":    true,
	"amqp.url":     true,
}

func redactSettings(settings map[string]any) map[string]any {
	for key, isURL := range secretSettings {
		section, field, _ := strings.Cut(key, ".")
		values, ok := settings[section].(map[string]any)
		if !ok {
			continue
		}
		raw, ok := values[field].(string)
		if !ok || raw == "" {
			continue
		}
		if isURL {
			values[field] = redactURL(raw)
		} else {
			values[field] = redactedValue
		}
	}
	return settings
}

func redactConfig(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Auth.Secret != "" {
		out.Auth.Secret = redactedValue
	}
	out.Database.URL = redactURL(out.Database.URL)
	out.Redis.URL = redactURL(out.Redis.URL)
	out.AMQP.URL = redactURL(out.AMQP.URL)
	return &out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
