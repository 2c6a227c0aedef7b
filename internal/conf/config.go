// config.go: settings struct for the frostytrail pipeline and the functions to load and save it.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFiles embed.FS

// LogConfig defines the log output.
type LogConfig struct {
	Enabled bool   // true to also write logs to Path
	Path    string // log file path
	Level   string // trace, debug, info, warn, error
}

// SentinelHubSettings contains the Sentinel Hub API connection settings.
type SentinelHubSettings struct {
	ClientID        string        // OAuth2 client id
	ClientSecret    string        // OAuth2 client secret
	BaseURL         string        // API base URL
	TokenURL        string        // OAuth2 token endpoint
	RateLimit       float64       // requests per second, 0 disables pacing
	Timeout         time.Duration // per-request HTTP timeout
	MaxRetries      int           // attempts per request
	CatalogCacheTTL time.Duration // how long catalog lookups are cached
}

// SpeckleSettings configures the provider-side speckle filter.
type SpeckleSettings struct {
	Type    string // LEE or NONE
	WindowX int
	WindowY int
}

// PipelineSettings contains the tiling, fetch and output settings.
type PipelineSettings struct {
	Resolution    float64         // metres per pixel
	MaxTilePx     int             // provider pixel limit per tile side
	Workers       int             // concurrent tile fetches
	GracePeriod   time.Duration   // wait for in-flight fetches after cancellation
	TileTimeout   time.Duration   // per-tile fetch limit, 0 for none
	WorkDir       string          // tile cache directory
	OutputDir     string          // mosaic and reprojected artifact directory
	Band          string          // VV, VH or both (empty)
	LookbackDays  int             // default time range length
	Speckle       SpeckleSettings // speckle filter
	MinDiskFreeMB uint64          // free space required in OutputDir before assembly
	Compression   string          // none or deflate
}

// OutputSettings selects the metadata store.
type OutputSettings struct {
	SQLite struct {
		Enabled bool   // true to record runs in sqlite
		Path    string // path to sqlite database
	}

	MySQL struct {
		Enabled  bool   // true to record runs in mysql
		Username string // username for mysql database
		Password string // password for mysql database
		Database string // database name for mysql database
		Host     string // host for mysql database
		Port     string // port for mysql database
	}

	Postgres struct {
		Enabled  bool // true to record runs in postgres
		Username string
		Password string
		Database string
		Host     string
		Port     string
		SSLMode  string
	}
}

// SentrySettings contains opt-in error reporting settings.
type SentrySettings struct {
	Enabled bool   // true to report fatal run errors
	DSN     string // Sentry DSN
}

// MetricsSettings contains Prometheus settings.
type MetricsSettings struct {
	Enabled     bool   // true to collect run metrics
	Pushgateway string // Pushgateway URL, metrics are pushed at run end
	Job         string // Pushgateway job name
	Listen      string // address for the /metrics endpoint of long-running commands
}

// NotificationSettings contains run outcome notification settings.
type NotificationSettings struct {
	Enabled bool
	URLs    []string // shoutrrr service URLs
}

// Settings contains all configuration options.
type Settings struct {
	Debug bool // true to enable debug mode

	Main struct {
		Name string    // name of this installation
		Log  LogConfig // log settings
	}

	SentinelHub  SentinelHubSettings
	Pipeline     PipelineSettings
	Output       OutputSettings
	Sentry       SentrySettings
	Metrics      MetricsSettings
	Notification NotificationSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables. An empty
// configFile searches the default config paths and writes the embedded
// default config if none is found.
func Load(configFile string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper sets defaults, binds the environment and reads the config file.
func initViper(configFile string) error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		// Invalid environment values are reported but do not stop loading;
		// validation catches the ones that matter.
		fmt.Fprintln(os.Stderr, err)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded default config into dir and reads it.
func createDefaultConfig(dir string) error {
	configPath := filepath.Join(dir, "config.yaml")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(getDefaultConfig()), 0o600); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Created default config file at:", configPath)
	viper.SetConfigFile(configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig returns the embedded config.yaml.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return string(data)
}

// GetSettings returns the last loaded settings, or nil before Load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SaveYAMLConfig writes settings to configPath. It overwrites the existing
// file and does not preserve comments.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
