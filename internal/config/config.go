// Package config loads the broker's runtime configuration with viper, the
// way marmos91-dittofs and the go-opencode sibling in the retrieval pack
// configure their daemons: defaults set in code, overridable by a config
// file and environment variables, with no required flags for a default
// boot.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Config is the broker's fully-resolved runtime configuration.
type Config struct {
	// BaseDir is the directory holding grants_u<N>.json / audit_u<N>.json.
	BaseDir string `mapstructure:"base_dir"`

	// PublicAddr / ManagementAddr are the listen addresses for the two
	// JSON-RPC surfaces (spec.md §6: public vs management registration
	// names). Both listeners serve the same handler, so every method,
	// management ("mgmt.") methods included, is reachable on either address.
	PublicAddr     string `mapstructure:"public_addr"`
	ManagementAddr string `mapstructure:"management_addr"`

	// MasterKeySecret seeds the store's AEAD key (see internal/crypto).
	MasterKeySecret string `mapstructure:"master_key_secret"`

	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"log_level"`

	MaxPendingRequests   int `mapstructure:"max_pending_requests"`
	MaxGlobalProcesses   int `mapstructure:"max_global_processes"`
	MaxPerOwnerProcesses int `mapstructure:"max_per_owner_processes"`
	MaxAuditPerUser      int `mapstructure:"max_audit_per_user"`
}

func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("base_dir", "/data/system/system_shizuku")
	v.SetDefault("public_addr", ":7288")
	v.SetDefault("management_addr", ":7289")
	v.SetDefault("master_key_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("max_pending_requests", 3)
	v.SetDefault("max_global_processes", 64)
	v.SetDefault("max_per_owner_processes", 8)
	v.SetDefault("max_audit_per_user", 200)

	v.SetEnvPrefix("SHIZUKU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from an optional config file path (ignored if
// empty or missing) layered under defaults and environment variables.
func Load(configFile string) (*Config, error) {
	v := defaults()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", configFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
