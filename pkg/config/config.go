package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigurationError reports settings that prevent the builder from starting.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// GitConfig holds clone credentials for http(s) remotes.
type GitConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ToolchainConfig describes the external build tool. Commands are split on
// whitespace.
type ToolchainConfig struct {
	Clean        string `mapstructure:"clean"`
	Prepare      string `mapstructure:"prepare"`
	Build        string `mapstructure:"build"`
	VersionFlags bool   `mapstructure:"version_flags"`
	Manifest     string `mapstructure:"manifest"`
	BuildConfig  string `mapstructure:"build_config"`
	Artifact     string `mapstructure:"artifact"`
}

// SFTPConfig enables the remote artifact mirror when Addr is set.
type SFTPConfig struct {
	Addr       string `mapstructure:"addr"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	KeyPath    string `mapstructure:"key_path"`
	KnownHosts string `mapstructure:"known_hosts"`
	Root       string `mapstructure:"root"`
}

// BuilderConfig captures runtime settings for the app builder service.
type BuilderConfig struct {
	ListenAddr    string          `mapstructure:"listen_addr"`
	PublicURL     string          `mapstructure:"public_url"`
	WorkDir       string          `mapstructure:"work_dir"`
	OutputRoot    string          `mapstructure:"output_root"`
	CounterPath   string          `mapstructure:"counter_path"`
	RedisURL      string          `mapstructure:"redis_url"`
	DatabaseURL   string          `mapstructure:"database_url"`
	NotifyURL     string          `mapstructure:"notify_url"`
	WebhookSecret string          `mapstructure:"webhook_secret"`
	LogLevel      string          `mapstructure:"log_level"`
	Tracing       bool            `mapstructure:"tracing"`
	Git           GitConfig       `mapstructure:"git"`
	Toolchain     ToolchainConfig `mapstructure:"toolchain"`
	SFTP          SFTPConfig      `mapstructure:"sftp"`
}

// Flags registers the command line overrides understood by LoadBuilder.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("appbuilder", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (yaml, toml or json)")
	fs.String("listen", "", "HTTP listen address")
	fs.String("work-dir", "", "directory holding working trees")
	fs.String("output-root", "", "artifact output directory")
	fs.String("log-level", "", "debug, info, warn or error")
	return fs
}

// LoadBuilder loads builder configuration from defaults, an optional file,
// APPBUILDER_* environment variables and flags, in increasing priority.
// flags may be nil.
func LoadBuilder(flags *pflag.FlagSet) (BuilderConfig, error) {
	v := viper.New()
	v.SetConfigName("appbuilder")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("APPBUILDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	explicit := ""
	if flags != nil {
		explicit, _ = flags.GetString("config")
		for key, flag := range map[string]string{
			"listen_addr": "listen",
			"work_dir":    "work-dir",
			"output_root": "output-root",
			"log_level":   "log-level",
		} {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return BuilderConfig{}, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return BuilderConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CounterPath == "" && cfg.OutputRoot != "" {
		cfg.CounterPath = filepath.Join(cfg.OutputRoot, "build_numbers.json")
	}

	if err := cfg.Validate(); err != nil {
		return BuilderConfig{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	workDir := filepath.Join(os.TempDir(), "app-builder")
	if home, err := os.UserHomeDir(); err == nil {
		workDir = filepath.Join(home, ".tmp", "app-builder")
	}

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("work_dir", workDir)
	v.SetDefault("output_root", "./output")
	v.SetDefault("counter_path", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("notify_url", "")
	v.SetDefault("webhook_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("tracing", false)
	v.SetDefault("git.username", "")
	v.SetDefault("git.password", "")
	v.SetDefault("toolchain.clean", "flutter clean")
	v.SetDefault("toolchain.prepare", "flutter pub get")
	v.SetDefault("toolchain.build", "flutter build apk --release")
	v.SetDefault("toolchain.version_flags", true)
	v.SetDefault("toolchain.manifest", "pubspec.yaml")
	v.SetDefault("toolchain.build_config", "android/app/build.gradle")
	v.SetDefault("toolchain.artifact", "build/app/outputs/flutter-apk/app-release.apk")
	v.SetDefault("sftp.addr", "")
	v.SetDefault("sftp.user", "")
	v.SetDefault("sftp.password", "")
	v.SetDefault("sftp.key_path", "")
	v.SetDefault("sftp.known_hosts", "")
	v.SetDefault("sftp.root", "")
}

// Validate returns a *ConfigurationError listing every missing or
// inconsistent setting.
func (c BuilderConfig) Validate() error {
	var problems []string
	require := func(val, key string) {
		if strings.TrimSpace(val) == "" {
			problems = append(problems, key+" is required")
		}
	}
	require(c.ListenAddr, "listen_addr")
	require(c.WorkDir, "work_dir")
	require(c.OutputRoot, "output_root")
	require(c.Toolchain.Build, "toolchain.build")
	require(c.Toolchain.Artifact, "toolchain.artifact")

	if (c.Git.Username == "") != (c.Git.Password == "") {
		problems = append(problems, "git.username and git.password must be set together")
	}
	if c.SFTP.Addr != "" {
		require(c.SFTP.User, "sftp.user")
		if c.SFTP.Password == "" && c.SFTP.KeyPath == "" {
			problems = append(problems, "sftp.password or sftp.key_path is required")
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}

	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// Command splits a configured command line into its arguments.
func Command(line string) []string {
	return strings.Fields(line)
}
