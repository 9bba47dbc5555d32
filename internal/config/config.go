// Package config provides configuration management for docfactory using Viper
// for loading from files, environment variables, and command-line flags.
//
// Values come from .docfactory.yml, DOCFACTORY_-prefixed environment variables
// (DOCFACTORY_FACTORY_BRANCH, DOCFACTORY_SERVER_PORT, ...) and flags bound by
// the cmd package. Defaults are applied after unmarshalling and the result is
// validated before use.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/conneroisu/docfactory/internal/validation"
	"github.com/spf13/viper"
)

// Names of the directories the factory owns beneath factory.directory.
const (
	ExtractDirName = ".factory-extract"
	DistillDirName = ".factory-distill"
	OutputDirName  = "output"
	ManifestName   = "manifest.json"
)

type Config struct {
	Factory  FactoryConfig  `mapstructure:"factory" yaml:"factory"`
	Renderer RendererConfig `mapstructure:"renderer" yaml:"renderer"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

type FactoryConfig struct {
	// File is the tracked document in the working tree.
	File string `mapstructure:"file" yaml:"file"`
	// Directory holds the workspace and the artifact directory.
	Directory          string        `mapstructure:"directory" yaml:"directory"`
	Branch             string        `mapstructure:"branch" yaml:"branch"`
	Namespace          string        `mapstructure:"namespace" yaml:"namespace"`
	MaxDistinctRenders int           `mapstructure:"max_distinct_renders" yaml:"max_distinct_renders"`
	CommitWindow       int           `mapstructure:"commit_window" yaml:"commit_window"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Once               bool          `mapstructure:"once" yaml:"once"`
	RefWatch           bool          `mapstructure:"ref_watch" yaml:"ref_watch"`
}

type RendererConfig struct {
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ViewerPath      string        `mapstructure:"viewer_path" yaml:"viewer_path"`
	ConnectRate     float64       `mapstructure:"connect_rate" yaml:"connect_rate"`
	ConnectBurst    int           `mapstructure:"connect_burst" yaml:"connect_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCFACTORY"

// Keys lists every configuration key, in file order.
var Keys = []string{
	"factory.file", "factory.directory", "factory.branch", "factory.namespace",
	"factory.max_distinct_renders", "factory.commit_window", "factory.poll_interval",
	"factory.once", "factory.ref_watch",
	"renderer.command", "renderer.args", "renderer.timeout",
	"server.host", "server.port", "server.allowed_origins", "server.viewer_path",
	"server.connect_rate", "server.connect_burst", "server.shutdown_timeout",
	"log.level", "log.format",
}

// BindEnv enables DOCFACTORY_<SECTION>_<KEY> overrides on the global viper
// instance. Keys are bound explicitly so Unmarshal sees variables for keys
// that no config file mentions.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for _, key := range Keys {
		_ = viper.BindEnv(key)
	}
}

// Defaults
const (
	DefaultBranch             = "main"
	DefaultMaxDistinctRenders = 5
	DefaultCommitWindow       = 100
	DefaultPollInterval       = 3 * time.Second
	DefaultRendererCommand    = "asciidoctor"
	DefaultRendererTimeout    = 5 * time.Minute
	DefaultHost               = "localhost"
	DefaultPort               = 8080
	DefaultConnectRate        = 5.0
	DefaultConnectBurst       = 10
	DefaultShutdownTimeout    = 10 * time.Second
)

// DefaultRendererArgs asks Asciidoctor for reproducible output (no last-updated stamp).
var DefaultRendererArgs = []string{"-a", "reproducible"}

func Load() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Handle slices set via viper from env or flags (workaround for viper slice handling)
	if viper.IsSet("renderer.args") && len(config.Renderer.Args) == 0 {
		config.Renderer.Args = viper.GetStringSlice("renderer.args")
	}
	if viper.IsSet("server.allowed_origins") && len(config.Server.AllowedOrigins) == 0 {
		config.Server.AllowedOrigins = viper.GetStringSlice("server.allowed_origins")
	}

	// Handle bools set via viper (workaround for viper bool handling)
	if viper.IsSet("factory.once") {
		config.Factory.Once = viper.GetBool("factory.once")
	}
	if viper.IsSet("factory.ref_watch") {
		config.Factory.RefWatch = viper.GetBool("factory.ref_watch")
	} else {
		config.Factory.RefWatch = true
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied and no tracked
// document set.
func Default() *Config {
	config := &Config{Factory: FactoryConfig{RefWatch: true}}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.Factory.Branch == "" {
		config.Factory.Branch = DefaultBranch
	}
	if config.Factory.Namespace == "" {
		config.Factory.Namespace = NamespaceFor(config.Factory.Branch)
	}
	if config.Factory.MaxDistinctRenders == 0 {
		config.Factory.MaxDistinctRenders = DefaultMaxDistinctRenders
	}
	if config.Factory.CommitWindow == 0 {
		config.Factory.CommitWindow = DefaultCommitWindow
	}
	if config.Factory.PollInterval == 0 {
		config.Factory.PollInterval = DefaultPollInterval
	}

	if config.Renderer.Command == "" {
		config.Renderer.Command = DefaultRendererCommand
	}
	if config.Renderer.Args == nil {
		config.Renderer.Args = append([]string(nil), DefaultRendererArgs...)
	}
	if config.Renderer.Timeout == 0 {
		config.Renderer.Timeout = DefaultRendererTimeout
	}

	if config.Server.Host == "" {
		config.Server.Host = DefaultHost
	}
	if config.Server.Port == 0 && !viper.IsSet("server.port") {
		config.Server.Port = DefaultPort
	}
	if len(config.Server.AllowedOrigins) == 0 {
		config.Server.AllowedOrigins = []string{
			fmt.Sprintf("localhost:%d", config.Server.Port),
			fmt.Sprintf("127.0.0.1:%d", config.Server.Port),
		}
	}
	if config.Server.ConnectRate == 0 {
		config.Server.ConnectRate = DefaultConnectRate
	}
	if config.Server.ConnectBurst == 0 {
		config.Server.ConnectBurst = DefaultConnectBurst
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "text"
	}
}

// NamespaceFor derives an artifact namespace from a branch name.
func NamespaceFor(branch string) string {
	ns := strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(branch)
	ns = strings.TrimLeft(ns, ".-_")
	if ns == "" {
		return DefaultBranch
	}
	return ns
}

// RequireTarget checks the settings that only serve needs.
func (c *Config) RequireTarget() error {
	if c.Factory.File == "" {
		return fmt.Errorf("factory.file is required (use --file)")
	}
	if c.Factory.Directory == "" {
		return fmt.Errorf("factory.directory is required (use --directory)")
	}
	return nil
}

// ExtractDir is where each commit's tree is unpacked.
func (f FactoryConfig) ExtractDir() string {
	return filepath.Join(f.Directory, ExtractDirName)
}

// DistillDir is where the renderer writes its output.
func (f FactoryConfig) DistillDir() string {
	return filepath.Join(f.Directory, DistillDirName)
}

// OutputDir holds the artifacts and the manifest.
func (f FactoryConfig) OutputDir() string {
	return filepath.Join(f.Directory, OutputDirName)
}

// ManifestPath is the persisted manifest location.
func (f FactoryConfig) ManifestPath() string {
	return filepath.Join(f.OutputDir(), ManifestName)
}

// Address is the listen address of the HTTP server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Map renders the configuration as plain values for YAML output.
func (c *Config) Map() map[string]interface{} {
	return map[string]interface{}{
		"factory": map[string]interface{}{
			"file":                 c.Factory.File,
			"directory":            c.Factory.Directory,
			"branch":               c.Factory.Branch,
			"namespace":            c.Factory.Namespace,
			"max_distinct_renders": c.Factory.MaxDistinctRenders,
			"commit_window":        c.Factory.CommitWindow,
			"poll_interval":        c.Factory.PollInterval.String(),
			"once":                 c.Factory.Once,
			"ref_watch":            c.Factory.RefWatch,
		},
		"renderer": map[string]interface{}{
			"command": c.Renderer.Command,
			"args":    c.Renderer.Args,
			"timeout": c.Renderer.Timeout.String(),
		},
		"server": map[string]interface{}{
			"host":             c.Server.Host,
			"port":             c.Server.Port,
			"allowed_origins":  c.Server.AllowedOrigins,
			"viewer_path":      c.Server.ViewerPath,
			"connect_rate":     c.Server.ConnectRate,
			"connect_burst":    c.Server.ConnectBurst,
			"shutdown_timeout": c.Server.ShutdownTimeout.String(),
		},
		"log": map[string]interface{}{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
	}
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateFactoryConfig(&config.Factory); err != nil {
		return fmt.Errorf("factory config: %w", err)
	}

	if err := validateRendererConfig(&config.Renderer); err != nil {
		return fmt.Errorf("renderer config: %w", err)
	}

	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateLogConfig(&config.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}

	return nil
}

func validateFactoryConfig(config *FactoryConfig) error {
	if config.MaxDistinctRenders < 1 {
		return fmt.Errorf("max_distinct_renders must be at least 1, got %d", config.MaxDistinctRenders)
	}
	if config.CommitWindow < 1 {
		return fmt.Errorf("commit_window must be at least 1, got %d", config.CommitWindow)
	}
	if config.PollInterval < 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", config.PollInterval)
	}
	if err := validation.ValidateRef(config.Branch); err != nil {
		return fmt.Errorf("branch: %w", err)
	}
	if err := validation.ValidateNamespace(config.Namespace); err != nil {
		return err
	}
	if config.File != "" {
		if err := validation.ValidatePath(config.File); err != nil {
			return fmt.Errorf("file: %w", err)
		}
	}
	if config.Directory != "" {
		if err := validation.ValidatePath(config.Directory); err != nil {
			return fmt.Errorf("directory: %w", err)
		}
	}
	return nil
}

func validateRendererConfig(config *RendererConfig) error {
	if err := validation.ValidateCommand(config.Command); err != nil {
		return err
	}
	for _, arg := range config.Args {
		if err := validation.ValidateArgument(arg); err != nil {
			return fmt.Errorf("argument %q: %w", arg, err)
		}
	}
	if config.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got %s", config.Timeout)
	}
	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(config.Host, char) {
			return fmt.Errorf("host contains dangerous character: %s", char)
		}
	}

	for _, origin := range config.AllowedOrigins {
		if strings.Contains(origin, "://") {
			if err := validation.ValidateURL(origin); err != nil {
				return fmt.Errorf("allowed origin %q: %w", origin, err)
			}
		}
	}

	if config.ViewerPath != "" {
		if err := validation.ValidatePath(config.ViewerPath); err != nil {
			return fmt.Errorf("viewer_path: %w", err)
		}
	}

	if config.ConnectRate < 0 {
		return fmt.Errorf("connect_rate must be positive, got %v", config.ConnectRate)
	}
	if config.ConnectBurst < 1 {
		return fmt.Errorf("connect_burst must be at least 1, got %d", config.ConnectBurst)
	}

	return nil
}

func validateLogConfig(config *LogConfig) error {
	switch strings.ToLower(config.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("unknown level %q", config.Level)
	}
	switch config.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown format %q (want text or json)", config.Format)
	}
	return nil
}
