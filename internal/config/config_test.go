package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := &ServerConfig{}

	if got := cfg.GetListen(); got != ":8080" {
		t.Errorf("GetListen() = %q, want :8080", got)
	}
	if got := cfg.GetGRPCListen(); got != ":9090" {
		t.Errorf("GetGRPCListen() = %q, want :9090", got)
	}
	if got := cfg.GetSearchTimeout(); got != 10*time.Minute {
		t.Errorf("GetSearchTimeout() = %v, want 10m", got)
	}
	if got := cfg.GetCloudCacheTTL(); got != 5*time.Minute {
		t.Errorf("GetCloudCacheTTL() = %v, want 5m", got)
	}
	if !cfg.GetWatchClouds() {
		t.Error("GetWatchClouds() should default to true")
	}
	if cfg.GetStrategy() != registration.StrategySequential {
		t.Errorf("GetStrategy() = %s, want sequential", cfg.GetStrategy())
	}
	if cfg.GetParallelWorkers() != runtime.NumCPU() {
		t.Errorf("GetParallelWorkers() = %d, want NumCPU", cfg.GetParallelWorkers())
	}
	if cfg.GetRecordConvergingStepTime() {
		t.Error("converging step should not be timed by default")
	}
	tr := cfg.GetTracing()
	if tr.GetEnabled() || tr.GetExporter() != "stdout" || tr.GetSampleRate() != 1 || tr.GetServiceName() != "cpicp" {
		t.Errorf("unexpected tracing defaults: %+v", tr)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "cpicp.json", `{
  "listen": ":9000",
  "search_timeout": "30s",
  "strategy": "parallel",
  "parallel_workers": 3,
  "watch_clouds": false,
  "tracing": {"enabled": true, "exporter": "otlp", "sample_rate": 0.25}
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.GetListen() != ":9000" {
		t.Errorf("listen = %q", cfg.GetListen())
	}
	if cfg.GetSearchTimeout() != 30*time.Second {
		t.Errorf("search_timeout = %v", cfg.GetSearchTimeout())
	}
	if cfg.GetStrategy() != registration.StrategyParallel || cfg.GetParallelWorkers() != 3 {
		t.Errorf("strategy = %s workers = %d", cfg.GetStrategy(), cfg.GetParallelWorkers())
	}
	if cfg.GetWatchClouds() {
		t.Error("watch_clouds should be false")
	}
	tr := cfg.GetTracing()
	if !tr.GetEnabled() || tr.GetExporter() != "otlp" || tr.GetSampleRate() != 0.25 {
		t.Errorf("unexpected tracing %+v", tr)
	}
	// Unset keys keep defaults.
	if cfg.DBPath != nil || cfg.GetDBPath() != "cpicp.db" {
		t.Errorf("db_path should be unset, got %v", cfg.DBPath)
	}
}

func TestLoadYAMLAndTOML(t *testing.T) {
	yamlPath := writeConfig(t, "cpicp.yaml", "clouds_dir: /data/clouds\nmax_concurrent_searches: 2\n")
	cfg, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.GetCloudsDir() != "/data/clouds" || cfg.GetMaxConcurrentSearches() != 2 {
		t.Errorf("yaml values not applied: %+v", cfg)
	}

	tomlPath := writeConfig(t, "cpicp.toml", "db_path = \"history.db\"\n\n[tracing]\nservice_name = \"reg\"\n")
	cfg, err = LoadFile(tomlPath)
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if cfg.GetDBPath() != "history.db" || cfg.GetTracing().GetServiceName() != "reg" {
		t.Errorf("toml values not applied: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "cpicp.json", `{"listen": ":9000", "record_converging_step_time": false}`)
	t.Setenv("CPICP_LISTEN", ":7000")
	t.Setenv("CPICP_RECORD_CONVERGING_STEP_TIME", "true")
	t.Setenv("CPICP_TRACING_ENABLED", "true")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.GetListen() != ":7000" {
		t.Errorf("listen = %q, want env override :7000", cfg.GetListen())
	}
	if !cfg.GetRecordConvergingStepTime() {
		t.Error("record_converging_step_time should come from env")
	}
	if !cfg.GetTracing().GetEnabled() {
		t.Error("tracing.enabled should come from env")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load without a file should succeed: %v", err)
	}
	if cfg.Listen != nil {
		t.Errorf("expected no listen value, got %q", *cfg.Listen)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := LoadFile(writeConfig(t, "bad.json", "{not json")); err == nil {
		t.Error("expected error for malformed file")
	}
	if _, err := LoadFile(writeConfig(t, "invalid.json", `{"strategy": "random"}`)); err == nil {
		t.Error("expected validation error")
	}
}

func TestValidate(t *testing.T) {
	str := func(s string) *string { return &s }
	num := func(n int) *int { return &n }
	rate := func(f float64) *float64 { return &f }

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"empty", ServerConfig{}, false},
		{"durations", ServerConfig{SearchTimeout: str("1h"), CloudCacheTTL: str("0s")}, false},
		{"bad duration", ServerConfig{SearchTimeout: str("soon")}, true},
		{"negative ttl", ServerConfig{CloudCacheTTL: str("-1s")}, true},
		{"negative searches", ServerConfig{MaxConcurrentSearches: num(-1)}, true},
		{"negative workers", ServerConfig{ParallelWorkers: num(-2)}, true},
		{"bad strategy", ServerConfig{Strategy: str("random")}, true},
		{"bad exporter", ServerConfig{Tracing: &TracingConfig{Exporter: str("zipkin")}}, true},
		{"bad rate", ServerConfig{Tracing: &TracingConfig{SampleRate: rate(1.5)}}, true},
		{"good tracing", ServerConfig{Tracing: &TracingConfig{Exporter: str("none"), SampleRate: rate(0)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExampleConfigMatchesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join("..", "..", DefaultConfigPath))
	if err != nil {
		t.Fatalf("load %s: %v", DefaultConfigPath, err)
	}
	empty := &ServerConfig{}
	if cfg.GetListen() != empty.GetListen() ||
		cfg.GetGRPCListen() != empty.GetGRPCListen() ||
		cfg.GetCloudsDir() != empty.GetCloudsDir() ||
		cfg.GetDBPath() != empty.GetDBPath() ||
		cfg.GetMaxConcurrentSearches() != empty.GetMaxConcurrentSearches() ||
		cfg.GetSearchTimeout() != empty.GetSearchTimeout() ||
		cfg.GetCloudCacheTTL() != empty.GetCloudCacheTTL() ||
		cfg.GetWatchClouds() != empty.GetWatchClouds() ||
		cfg.GetStrategy() != empty.GetStrategy() ||
		cfg.GetParallelWorkers() != empty.GetParallelWorkers() ||
		cfg.GetRecordConvergingStepTime() != empty.GetRecordConvergingStepTime() {
		t.Errorf("example config drifted from defaults: %+v", cfg)
	}
	tr, def := cfg.GetTracing(), empty.GetTracing()
	if tr.GetEnabled() != def.GetEnabled() || tr.GetExporter() != def.GetExporter() ||
		tr.GetOTLPEndpoint() != def.GetOTLPEndpoint() || tr.GetSampleRate() != def.GetSampleRate() ||
		tr.GetServiceName() != def.GetServiceName() {
		t.Errorf("example tracing drifted from defaults: %+v", tr)
	}
}
