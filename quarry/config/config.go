// Package config loads quarry's defaults from a config file or environment
// variables and converts them into index and search options.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/quarrylabs/quarry/quarry"
	"github.com/quarrylabs/quarry/quarry/index"
	"github.com/quarrylabs/quarry/quarry/language"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Quarry QuarryConfig `mapstructure:"quarry"`
}

// QuarryConfig stores the tool-level settings.
type QuarryConfig struct {
	CacheDir string         `mapstructure:"cacheDir"`
	Index    IndexDefaults  `mapstructure:"index"`
	Search   SearchDefaults `mapstructure:"search"`
}

// IndexDefaults stores the default indexing policy.
type IndexDefaults struct {
	Language            string   `mapstructure:"language"`
	Hidden              bool     `mapstructure:"hidden"`
	IgnoreFiles         bool     `mapstructure:"ignoreFiles"`
	Follow              bool     `mapstructure:"follow"`
	Glob                []string `mapstructure:"glob"`
	OGlob               []string `mapstructure:"oglob"`
	GlobCaseInsensitive bool     `mapstructure:"globCaseInsensitive"`
	Threads             int      `mapstructure:"threads"`
}

// SearchDefaults stores the default search behavior.
type SearchDefaults struct {
	Limit        int     `mapstructure:"limit"`
	Threshold    float64 `mapstructure:"threshold"`
	FilenameOnly bool    `mapstructure:"filenameOnly"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath(quarry.DefaultConfigPath)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Set default values
	viper.SetDefault("quarry.cacheDir", quarry.DefaultCacheRoot)
	viper.SetDefault("quarry.index.language", string(language.English))
	viper.SetDefault("quarry.index.hidden", false)
	viper.SetDefault("quarry.index.ignoreFiles", true)
	viper.SetDefault("quarry.index.follow", false)
	viper.SetDefault("quarry.index.globCaseInsensitive", false)
	viper.SetDefault("quarry.index.threads", 0)
	viper.SetDefault("quarry.search.limit", 1000)
	viper.SetDefault("quarry.search.threshold", 0.0)
	viper.SetDefault("quarry.search.filenameOnly", false)

	viper.AutomaticEnv()                                   // Read in environment variables that match
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // quarry.index.language becomes QUARRY_INDEX_LANGUAGE

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults will be used.
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &AppConfig, nil
}

// Options converts the configured defaults into an indexing policy,
// validating the language tag.
func (d IndexDefaults) Options() (index.Options, error) {
	lang, err := language.Parse(d.Language)
	if err != nil {
		return index.Options{}, err
	}
	return index.Options{
		Follow:              d.Follow,
		Glob:                d.Glob,
		GlobCaseInsensitive: d.GlobCaseInsensitive,
		Hidden:              d.Hidden,
		IgnoreFiles:         d.IgnoreFiles,
		Language:            lang,
		OGlob:               d.OGlob,
		Threads:             d.Threads,
	}, nil
}

// SearchOptions converts the configured defaults into search options.
func (d SearchDefaults) SearchOptions() index.SearchOptions {
	return index.SearchOptions{
		Limit:        d.Limit,
		Threshold:    d.Threshold,
		FilenameOnly: d.FilenameOnly,
	}
}

// IndexDirFor resolves the cache directory for an index over forDir under
// the configured cache root.
func (c QuarryConfig) IndexDirFor(forDir string) (string, error) {
	if c.CacheDir == "" || c.CacheDir == quarry.DefaultCacheRoot {
		return quarry.DefaultIndexDir(forDir)
	}
	abs, err := filepath.Abs(forDir)
	if err != nil {
		return "", fmt.Errorf("resolve index target %s: %w", forDir, err)
	}
	vol := filepath.VolumeName(abs)
	return filepath.Join(c.CacheDir, strings.TrimPrefix(abs[len(vol):], string(filepath.Separator))), nil
}
