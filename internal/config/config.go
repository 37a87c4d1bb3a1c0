// ABOUTME: Daemon configuration: YAML file loading, defaults and validation.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/envfleet/envfleet/internal/models"
)

// Config holds daemon configuration.
type Config struct {
	ConfigPath            string
	DataDir               string
	DBPath                string
	LockPath              string
	MetricsListen         string
	LogLevel              string
	LogFormat             string
	TracingExporter       string
	QueueWorkers          int
	QueuePollInterval     time.Duration
	QueueMaxAttempts      int
	ProvisioningTimeout   time.Duration
	ConflictRetryAttempts int
	AgeRecipientsPath     string
	SessionServiceURI     string
	StaticSKUName         string
	SKUs                  []models.SKU
	Flags                 FeatureFlags
}

// FeatureFlags are the switches read per call. They can change at runtime
// through FlagWatcher.
type FeatureFlags struct {
	// QueueAllContinuations sends every workflow to the durable queue.
	QueueAllContinuations bool `yaml:"queue_all_continuations"`
	// QueueContinuations overrides queuing per workflow name.
	QueueContinuations map[string]bool `yaml:"queue_continuations"`
	// WindowsResumeEnabled gates resuming Windows SKUs.
	WindowsResumeEnabled bool `yaml:"windows_resume_enabled"`
}

// QueueWorkflow reports whether workflow should run on the durable queue.
func (f FeatureFlags) QueueWorkflow(workflow string) bool {
	if v, ok := f.QueueContinuations[workflow]; ok {
		return v
	}
	return f.QueueAllContinuations
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	DataDir               string        `yaml:"data_dir"`
	DBPath                string        `yaml:"db_path"`
	LockPath              string        `yaml:"lock_path"`
	MetricsListen         string        `yaml:"metrics_listen"`
	LogLevel              string        `yaml:"log_level"`
	LogFormat             string        `yaml:"log_format"`
	TracingExporter       string        `yaml:"tracing_exporter"`
	QueueWorkers          int           `yaml:"queue_workers"`
	QueuePollInterval     string        `yaml:"queue_poll_interval"`
	QueueMaxAttempts      int           `yaml:"queue_max_attempts"`
	ProvisioningTimeout   string        `yaml:"provisioning_timeout"`
	ConflictRetryAttempts int           `yaml:"conflict_retry_attempts"`
	AgeRecipientsPath     string        `yaml:"age_recipients_path"`
	SessionServiceURI     string        `yaml:"session_service_uri"`
	StaticSKUName         string        `yaml:"static_sku_name"`
	SKUs                  []FileSKU     `yaml:"skus"`
	Flags                 *FeatureFlags `yaml:"feature_flags"`
}

// FileSKU is one SKU entry in the config file. StorageSize is a human size
// such as "64GB".
type FileSKU struct {
	Name               string   `yaml:"name"`
	Family             string   `yaml:"family"`
	Cores              int      `yaml:"cores"`
	OS                 string   `yaml:"os"`
	StorageSize        string   `yaml:"storage_size"`
	Locations          []string `yaml:"locations"`
	AllowedTransitions []string `yaml:"allowed_transitions"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/envfleet"
	return Config{
		ConfigPath:            "/etc/envfleet/config.yaml",
		DataDir:               dataDir,
		DBPath:                filepath.Join(dataDir, "envfleet.db"),
		LockPath:              filepath.Join(dataDir, "envfleetd.lock"),
		LogLevel:              "info",
		LogFormat:             "json",
		TracingExporter:       "none",
		QueueWorkers:          4,
		QueuePollInterval:     time.Second,
		QueueMaxAttempts:      5,
		ProvisioningTimeout:   time.Hour,
		ConflictRetryAttempts: 5,
		SessionServiceURI:     "https://sessions.envfleet.local",
		StaticSKUName:         "static",
		SKUs:                  defaultSKUs(),
	}
}

func defaultSKUs() []models.SKU {
	locations := []string{"WestUs2", "EastUs", "WestEurope"}
	return []models.SKU{
		{Name: "standardLinux", Family: "standard", Cores: 4, OS: models.OSLinux, StorageSizeBytes: 64 * units.GiB, Locations: locations, AllowedTransitions: []string{"premiumLinux"}},
		{Name: "premiumLinux", Family: "standard", Cores: 8, OS: models.OSLinux, StorageSizeBytes: 128 * units.GiB, Locations: locations, AllowedTransitions: []string{"standardLinux"}},
		{Name: "standardWindows", Family: "windows", Cores: 8, OS: models.OSWindows, StorageSizeBytes: 128 * units.GiB, Locations: locations},
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	if fileCfg.DataDir != "" && fileCfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "envfleet.db")
	}
	if fileCfg.DataDir != "" && fileCfg.LockPath == "" {
		cfg.LockPath = filepath.Join(cfg.DataDir, "envfleetd.lock")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) error {
	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}
	if fileCfg.DBPath != "" {
		cfg.DBPath = fileCfg.DBPath
	}
	if fileCfg.LockPath != "" {
		cfg.LockPath = fileCfg.LockPath
	}
	if fileCfg.MetricsListen != "" {
		cfg.MetricsListen = fileCfg.MetricsListen
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if fileCfg.LogFormat != "" {
		cfg.LogFormat = fileCfg.LogFormat
	}
	if fileCfg.TracingExporter != "" {
		cfg.TracingExporter = fileCfg.TracingExporter
	}
	if fileCfg.QueueWorkers > 0 {
		cfg.QueueWorkers = fileCfg.QueueWorkers
	}
	if fileCfg.QueuePollInterval != "" {
		d, err := time.ParseDuration(fileCfg.QueuePollInterval)
		if err != nil {
			return fmt.Errorf("queue_poll_interval: %w", err)
		}
		cfg.QueuePollInterval = d
	}
	if fileCfg.QueueMaxAttempts > 0 {
		cfg.QueueMaxAttempts = fileCfg.QueueMaxAttempts
	}
	if fileCfg.ProvisioningTimeout != "" {
		d, err := time.ParseDuration(fileCfg.ProvisioningTimeout)
		if err != nil {
			return fmt.Errorf("provisioning_timeout: %w", err)
		}
		cfg.ProvisioningTimeout = d
	}
	if fileCfg.ConflictRetryAttempts > 0 {
		cfg.ConflictRetryAttempts = fileCfg.ConflictRetryAttempts
	}
	if fileCfg.AgeRecipientsPath != "" {
		cfg.AgeRecipientsPath = fileCfg.AgeRecipientsPath
	}
	if fileCfg.SessionServiceURI != "" {
		cfg.SessionServiceURI = fileCfg.SessionServiceURI
	}
	if fileCfg.StaticSKUName != "" {
		cfg.StaticSKUName = fileCfg.StaticSKUName
	}
	if len(fileCfg.SKUs) > 0 {
		skus, err := parseSKUs(fileCfg.SKUs)
		if err != nil {
			return err
		}
		cfg.SKUs = skus
	}
	if fileCfg.Flags != nil {
		cfg.Flags = *fileCfg.Flags
	}
	return nil
}

func parseSKUs(entries []FileSKU) ([]models.SKU, error) {
	out := make([]models.SKU, 0, len(entries))
	for _, entry := range entries {
		sku := models.SKU{
			Name:               strings.TrimSpace(entry.Name),
			Family:             strings.TrimSpace(entry.Family),
			Cores:              entry.Cores,
			OS:                 models.OSLinux,
			Locations:          entry.Locations,
			AllowedTransitions: entry.AllowedTransitions,
		}
		switch strings.ToLower(strings.TrimSpace(entry.OS)) {
		case "", "linux":
		case "windows":
			sku.OS = models.OSWindows
		default:
			return nil, fmt.Errorf("sku %s: unknown os %q", sku.Name, entry.OS)
		}
		if entry.StorageSize != "" {
			size, err := units.RAMInBytes(entry.StorageSize)
			if err != nil {
				return nil, fmt.Errorf("sku %s: storage_size: %w", sku.Name, err)
			}
			sku.StorageSizeBytes = size
		}
		out = append(out, sku)
	}
	return out, nil
}

// Validate performs basic validation.
func (c Config) Validate() error {
	if c.ConfigPath == "" {
		return fmt.Errorf("config_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.LockPath == "" {
		return fmt.Errorf("lock_path is required")
	}
	switch c.LogFormat {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("log_format must be json, console or auto (got %q)", c.LogFormat)
	}
	switch c.TracingExporter {
	case "none", "stdout":
	default:
		return fmt.Errorf("tracing_exporter must be none or stdout (got %q)", c.TracingExporter)
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("queue_workers must be positive")
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("queue_poll_interval must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("queue_max_attempts must be positive")
	}
	if c.ProvisioningTimeout <= 0 {
		return fmt.Errorf("provisioning_timeout must be positive")
	}
	if c.ConflictRetryAttempts <= 0 {
		return fmt.Errorf("conflict_retry_attempts must be positive")
	}
	if strings.TrimSpace(c.StaticSKUName) == "" {
		return fmt.Errorf("static_sku_name is required")
	}
	if err := validateSKUs(c.SKUs); err != nil {
		return err
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return nil
}

func validateSKUs(skus []models.SKU) error {
	if len(skus) == 0 {
		return fmt.Errorf("at least one sku is required")
	}
	names := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		if sku.Name == "" {
			return fmt.Errorf("sku name is required")
		}
		if sku.Family == "" {
			return fmt.Errorf("sku %s: family is required", sku.Name)
		}
		if sku.Cores <= 0 {
			return fmt.Errorf("sku %s: cores must be positive", sku.Name)
		}
		key := strings.ToLower(sku.Name)
		if _, dup := names[key]; dup {
			return fmt.Errorf("sku %s is defined twice", sku.Name)
		}
		names[key] = struct{}{}
	}
	for _, sku := range skus {
		for _, target := range sku.AllowedTransitions {
			if _, ok := names[strings.ToLower(target)]; !ok {
				return fmt.Errorf("sku %s: unknown transition target %s", sku.Name, target)
			}
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
