// Package bpconfig loads the node's static configuration (log level/format,
// store paths, default per-protocol nominal rates, the acquisition heap
// ceiling, the clock tick interval) and exposes the administrative CRUD
// surface over schemes, endpoints, protocols, inducts, and outducts (spec
// §6: "Configuration surface"). Loading follows the teacher's pkg/config:
// viper-backed, env-overridable, validated with struct tags, with
// ApplyDefaults filling in anything the file and environment left unset.
package bpconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dtn-stack/bpcore/internal/bytesize"
)

// Config is the node's static configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (BPCORE_*)
//  2. Configuration file (YAML)
//  3. Defaults (ApplyDefaults)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Store configures the persistent object-store location.
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Clock controls the ~1 Hz timeline sweep (spec §4.10).
	Clock ClockConfig `mapstructure:"clock" yaml:"clock"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Local is this node's administrative EID, stamped on every status
	// report and custody signal this node emits (spec §4.11).
	Local string `mapstructure:"local" validate:"required" yaml:"local"`

	// Schemes, Endpoints, Protocols, Inducts, and Outducts seed the
	// registries at bpStart (spec §6); further changes after start go
	// through the Registry CRUD methods, not a config reload.
	Schemes   []SchemeConfig   `mapstructure:"schemes" yaml:"schemes"`
	Endpoints []EndpointConfig `mapstructure:"endpoints" yaml:"endpoints"`
	Protocols []ProtocolConfig `mapstructure:"protocols" yaml:"protocols"`
	Inducts   []InductConfig   `mapstructure:"inducts" yaml:"inducts"`
	Outducts  []OutductConfig  `mapstructure:"outducts" yaml:"outducts"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr", or a log file path; empty logs to stdout.
	Output string `mapstructure:"output" yaml:"output"`
}

// StoreConfig configures the persistent object store (internal/bpdb).
type StoreConfig struct {
	// Path is the on-disk directory for the Badger-backed store.
	Path string `mapstructure:"path" validate:"required" yaml:"path"`

	// ZCOBudget caps total resident zero-copy payload bytes before
	// acquisition reports congestive (spec §4.2, §4.6).
	ZCOBudget bytesize.ByteSize `mapstructure:"zco_budget" yaml:"zco_budget"`

	// MaxAcqInHeap is recorded as BpDB.MaxAcqInHeap when the node opens. The
	// acquisition engine does not compare anything against it; congestive
	// refusal of inbound bundles comes only from the ZCOBudget ceiling.
	MaxAcqInHeap int `mapstructure:"max_acq_in_heap" validate:"gte=0" yaml:"max_acq_in_heap"`
}

// ClockConfig controls the timeline sweep (internal/timeline).
type ClockConfig struct {
	// Tick is the sweep interval. Default 1s (spec §4.10).
	Tick time.Duration `mapstructure:"tick" validate:"gt=0" yaml:"tick"`
}

// MetricsConfig controls the Prometheus exposition endpoint
// (internal/metrics).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// SchemeConfig seeds a routing scheme (spec §6: "name, forwarder cmd,
// admin-app cmd").
type SchemeConfig struct {
	Name           string `mapstructure:"name" validate:"required" yaml:"name"`
	CBHEConformant bool   `mapstructure:"cbhe_conformant" yaml:"cbhe_conformant"`
	Unicast        bool   `mapstructure:"unicast" yaml:"unicast"`
	ForwarderCmd   string `mapstructure:"forwarder_cmd" yaml:"forwarder_cmd"`
	AdminAppCmd    string `mapstructure:"admin_app_cmd" yaml:"admin_app_cmd"`
}

// EndpointConfig seeds a local endpoint registration (spec §6: "name,
// recvRule, recvScript").
type EndpointConfig struct {
	Scheme     string `mapstructure:"scheme" validate:"required" yaml:"scheme"`
	NSS        string `mapstructure:"nss" validate:"required" yaml:"nss"`
	RecvRule   string `mapstructure:"recv_rule" validate:"required,oneof=discard enqueue" yaml:"recv_rule"`
	RecvScript string `mapstructure:"recv_script" yaml:"recv_script"`
}

// ProtocolConfig seeds a convergence-layer protocol registration (spec §6:
// "name, payloadBytesPerFrame, overheadPerFrame, nominalRate").
type ProtocolConfig struct {
	Name                 string            `mapstructure:"name" validate:"required" yaml:"name"`
	PayloadBytesPerFrame bytesize.ByteSize `mapstructure:"payload_bytes_per_frame" yaml:"payload_bytes_per_frame"`
	OverheadPerFrame     bytesize.ByteSize `mapstructure:"overhead_per_frame" yaml:"overhead_per_frame"`
	NominalRate          bytesize.ByteSize `mapstructure:"nominal_rate" yaml:"nominal_rate"`
}

// InductConfig seeds an inbound CLA registration (spec §6: "protocolName,
// ductName, cmd").
type InductConfig struct {
	Protocol string `mapstructure:"protocol" validate:"required" yaml:"protocol"`
	DuctName string `mapstructure:"duct_name" validate:"required" yaml:"duct_name"`
	Cmd      string `mapstructure:"cmd" yaml:"cmd"`
}

// OutductConfig seeds an outbound CLA registration (spec §6: "protocolName,
// ductName, cmd, [maxPayloadLength]").
type OutductConfig struct {
	Protocol         string            `mapstructure:"protocol" validate:"required" yaml:"protocol"`
	DuctName         string            `mapstructure:"duct_name" validate:"required" yaml:"duct_name"`
	Cmd              string            `mapstructure:"cmd" yaml:"cmd"`
	MaxPayloadLength bytesize.ByteSize `mapstructure:"max_payload_length" yaml:"max_payload_length"` // 0 = unlimited
}

// Load reads the configuration file, lets BPCORE_* environment variables
// override it, and then fills any field still at its zero value with
// ApplyDefaults. When no configuration file is found it returns
// GetDefaultConfig() without consulting the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with friendlier error messages pointing at
// "bpnode init" when no config file exists yet.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  bpnode init\n\n"+
				"Or specify a custom config file:\n"+
				"  bpnode <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  bpnode init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML, mode 0600.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the byte-size and duration string decoders so
// config files can use human-readable forms like "1Gi" and "30s".
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bpcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "bpcore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
