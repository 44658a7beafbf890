package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

// DefaultConfigPath is the example configuration shipped with the repository.
// Every key it sets matches the built-in default.
const DefaultConfigPath = "config/cpicp.example.json"

// EnvPrefix prefixes environment overrides, e.g. CPICP_LISTEN or
// CPICP_TRACING_ENABLED.
const EnvPrefix = "CPICP"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// ServerConfig is the configuration of the cpicp server and CLI. Unset
// fields fall back to the defaults returned by the Get* methods, so partial
// files are safe.
type ServerConfig struct {
	Listen     *string `json:"listen,omitempty" mapstructure:"listen"`
	GRPCListen *string `json:"grpc_listen,omitempty" mapstructure:"grpc_listen"`
	CloudsDir  *string `json:"clouds_dir,omitempty" mapstructure:"clouds_dir"`
	DBPath     *string `json:"db_path,omitempty" mapstructure:"db_path"`

	MaxConcurrentSearches *int    `json:"max_concurrent_searches,omitempty" mapstructure:"max_concurrent_searches"`
	SearchTimeout         *string `json:"search_timeout,omitempty" mapstructure:"search_timeout"` // duration string like "10m"
	CloudCacheTTL         *string `json:"cloud_cache_ttl,omitempty" mapstructure:"cloud_cache_ttl"`
	WatchClouds           *bool   `json:"watch_clouds,omitempty" mapstructure:"watch_clouds"`

	Strategy                 *string `json:"strategy,omitempty" mapstructure:"strategy"`
	ParallelWorkers          *int    `json:"parallel_workers,omitempty" mapstructure:"parallel_workers"`
	RecordConvergingStepTime *bool   `json:"record_converging_step_time,omitempty" mapstructure:"record_converging_step_time"`

	Tracing *TracingConfig `json:"tracing,omitempty" mapstructure:"tracing"`
}

// TracingConfig selects the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      *bool    `json:"enabled,omitempty" mapstructure:"enabled"`
	Exporter     *string  `json:"exporter,omitempty" mapstructure:"exporter"` // none, stdout or otlp
	OTLPEndpoint *string  `json:"otlp_endpoint,omitempty" mapstructure:"otlp_endpoint"`
	SampleRate   *float64 `json:"sample_rate,omitempty" mapstructure:"sample_rate"`
	ServiceName  *string  `json:"service_name,omitempty" mapstructure:"service_name"`
}

// Keys lists every configuration key, in viper's dotted form.
var Keys = []string{
	"listen", "grpc_listen", "clouds_dir", "db_path",
	"max_concurrent_searches", "search_timeout", "cloud_cache_ttl", "watch_clouds",
	"strategy", "parallel_workers", "record_converging_step_time",
	"tracing.enabled", "tracing.exporter", "tracing.otlp_endpoint",
	"tracing.sample_rate", "tracing.service_name",
}

// Load reads configuration into a ServerConfig using v. When path is empty
// the file is optional and looked up as cpicp.{json,yaml,toml} in the working
// directory and ~/.config/cpicp. Environment variables override the file and
// flags bound to v override both.
func Load(v *viper.Viper, path string) (*ServerConfig, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range Keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path != "" {
		cleanPath := filepath.Clean(path)
		info, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("cpicp")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cpicp"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads a single config file with environment overrides.
func LoadFile(path string) (*ServerConfig, error) {
	return Load(viper.New(), path)
}

// Validate checks that the configuration values are valid.
func (c *ServerConfig) Validate() error {
	var errs []error
	for name, d := range map[string]*string{
		"search_timeout":  c.SearchTimeout,
		"cloud_cache_ttl": c.CloudCacheTTL,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", name, *d, err))
		} else if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %s", name, *d))
		}
	}
	if c.MaxConcurrentSearches != nil && *c.MaxConcurrentSearches < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_searches must be non-negative, got %d", *c.MaxConcurrentSearches))
	}
	if c.ParallelWorkers != nil && *c.ParallelWorkers < 0 {
		errs = append(errs, fmt.Errorf("parallel_workers must be non-negative, got %d", *c.ParallelWorkers))
	}
	if c.Strategy != nil {
		if _, err := registration.ParseStrategy(*c.Strategy); err != nil {
			errs = append(errs, err)
		}
	}
	if t := c.Tracing; t != nil {
		if t.Exporter != nil {
			switch *t.Exporter {
			case "none", "stdout", "otlp":
			default:
				errs = append(errs, fmt.Errorf("tracing.exporter must be none, stdout or otlp, got %q", *t.Exporter))
			}
		}
		if t.SampleRate != nil && (*t.SampleRate < 0 || *t.SampleRate > 1) {
			errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %f", *t.SampleRate))
		}
	}
	return errors.Join(errs...)
}

// GetListen returns the HTTP listen address or the default.
func (c *ServerConfig) GetListen() string {
	return stringOr(c.Listen, ":8080")
}

// GetGRPCListen returns the gRPC listen address. Empty disables gRPC.
func (c *ServerConfig) GetGRPCListen() string {
	return stringOr(c.GRPCListen, ":9090")
}

// GetCloudsDir returns the directory clouds are loaded from.
func (c *ServerConfig) GetCloudsDir() string {
	return stringOr(c.CloudsDir, "clouds")
}

// GetDBPath returns the search history database path.
func (c *ServerConfig) GetDBPath() string {
	return stringOr(c.DBPath, "cpicp.db")
}

// GetMaxConcurrentSearches returns the cap on background searches.
func (c *ServerConfig) GetMaxConcurrentSearches() int {
	if c.MaxConcurrentSearches == nil {
		return 4
	}
	return *c.MaxConcurrentSearches
}

// GetSearchTimeout returns the per-search timeout.
func (c *ServerConfig) GetSearchTimeout() time.Duration {
	return durationOr(c.SearchTimeout, 10*time.Minute)
}

// GetCloudCacheTTL returns how long loaded clouds stay cached. Zero disables
// the cache.
func (c *ServerConfig) GetCloudCacheTTL() time.Duration {
	return durationOr(c.CloudCacheTTL, 5*time.Minute)
}

// GetWatchClouds reports whether the clouds directory is watched for changes.
func (c *ServerConfig) GetWatchClouds() bool {
	if c.WatchClouds == nil {
		return true
	}
	return *c.WatchClouds
}

// GetStrategy returns the round evaluation strategy.
func (c *ServerConfig) GetStrategy() registration.Strategy {
	if c.Strategy == nil {
		return registration.StrategySequential
	}
	s, err := registration.ParseStrategy(*c.Strategy)
	if err != nil {
		return registration.StrategySequential
	}
	return s
}

// GetParallelWorkers returns the worker count of the parallel strategy.
func (c *ServerConfig) GetParallelWorkers() int {
	if c.ParallelWorkers == nil || *c.ParallelWorkers == 0 {
		return runtime.NumCPU()
	}
	return *c.ParallelWorkers
}

// GetRecordConvergingStepTime reports whether the converging step is timed.
func (c *ServerConfig) GetRecordConvergingStepTime() bool {
	if c.RecordConvergingStepTime == nil {
		return false
	}
	return *c.RecordConvergingStepTime
}

// GetTracing returns the tracing section, never nil.
func (c *ServerConfig) GetTracing() *TracingConfig {
	if c.Tracing == nil {
		return &TracingConfig{}
	}
	return c.Tracing
}

func (t *TracingConfig) GetEnabled() bool {
	if t.Enabled == nil {
		return false
	}
	return *t.Enabled
}

func (t *TracingConfig) GetExporter() string {
	return stringOr(t.Exporter, "stdout")
}

func (t *TracingConfig) GetOTLPEndpoint() string {
	return stringOr(t.OTLPEndpoint, "localhost:4317")
}

func (t *TracingConfig) GetSampleRate() float64 {
	if t.SampleRate == nil {
		return 1
	}
	return *t.SampleRate
}

func (t *TracingConfig) GetServiceName() string {
	return stringOr(t.ServiceName, "cpicp")
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}
