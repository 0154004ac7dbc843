package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for countersign.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("countersign")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: COUNTERSIGN_ENVELOPE_TTL
	viper.SetEnvPrefix("COUNTERSIGN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a countersign config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "countersign" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".countersign"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "countersign"))
		}
	} else {
		paths = append(paths, "/etc/countersign")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for countersign.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "countersign"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// Example: COUNTERSIGN_STORE_PATH overrides store.path
func bindNestedEnvKeys() {
	_ = viper.BindEnv("store.path")
	_ = viper.BindEnv("store.sweep_interval")
	_ = viper.BindEnv("store.retention")

	_ = viper.BindEnv("keys.dir")

	_ = viper.BindEnv("envelope.ttl")
	_ = viper.BindEnv("envelope.clock_skew")

	_ = viper.BindEnv("policy.path")
	_ = viper.BindEnv("policy.cache_size")

	_ = viper.BindEnv("scope.context_id")
	_ = viper.BindEnv("scope.agent_identity")
	_ = viper.BindEnv("scope.workdir")

	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.max_file_size_mb")

	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("trace")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
