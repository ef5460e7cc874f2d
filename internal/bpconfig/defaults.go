package bpconfig

import (
	"time"

	"github.com/dtn-stack/bpcore/internal/bytesize"
)

// ApplyDefaults fills in any field Load left at its zero value after
// unmarshaling the file and environment.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyStoreDefaults(&cfg.Store)
	applyClockDefaults(&cfg.Clock)
	applyMetricsDefaults(&cfg.Metrics)

	for i := range cfg.Protocols {
		applyProtocolDefaults(&cfg.Protocols[i])
	}
	for i := range cfg.Endpoints {
		applyEndpointDefaults(&cfg.Endpoints[i])
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Path == "" {
		cfg.Path = "./bpcore-data"
	}
	if cfg.ZCOBudget == 0 {
		cfg.ZCOBudget = bytesize.GiB
	}
	if cfg.MaxAcqInHeap == 0 {
		cfg.MaxAcqInHeap = 64
	}
}

func applyClockDefaults(cfg *ClockConfig) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Addr == "" {
		cfg.Addr = ":9100"
	}
}

func applyProtocolDefaults(cfg *ProtocolConfig) {
	if cfg.PayloadBytesPerFrame == 0 {
		cfg.PayloadBytesPerFrame = 64 * bytesize.KiB
	}
}

func applyEndpointDefaults(cfg *EndpointConfig) {
	if cfg.RecvRule == "" {
		cfg.RecvRule = "enqueue"
	}
}

// GetDefaultConfig returns a fully-defaulted Config, used when no config
// file exists yet (spec §6 has no notion of "unconfigured": a freshly
// started node still needs somewhere to put its store and logs).
func GetDefaultConfig() *Config {
	cfg := &Config{Local: "ipn:1.0"}
	ApplyDefaults(cfg)
	return cfg
}
