package config

import (
	"fmt"
	"os"

	"go-archive-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "config.toml"

// Load reads the TOML configuration at configFilePath and fills in
// defaults for anything left unset. A missing file is not an error:
// defaults apply and the path is reported once so users know why.
func Load(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultPath
	}

	var cfg models.Config
	var md toml.MetaData
	if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
		log.Infof("No config file at %s, using defaults", configFilePath)
	} else if md, err = toml.DecodeFile(configFilePath, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	} else {
		log.Infof("Configuration loaded from %s", configFilePath)
	}

	applyDefaults(&cfg, md)
	return cfg, nil
}

func applyDefaults(cfg *models.Config, md toml.MetaData) {
	if cfg.SavePath == "" {
		cfg.SavePath = "downloads"
		log.Warnf("SavePath is not set, defaulting to %s", cfg.SavePath)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "archive.db"
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = "archive.bleve"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayMs <= 0 {
		cfg.RetryDelayMs = 2000
	}
	if cfg.ProgressIntervalMs <= 0 {
		cfg.ProgressIntervalMs = 250
	}
	// 0 means "never" for the cache intervals, so an explicit 0 in the
	// file is kept; only absent keys fall back to the defaults.
	if !md.IsDefined("CacheRetentionDays") {
		cfg.CacheRetentionDays = 7
	}
	if !md.IsDefined("CacheSyncDays") {
		cfg.CacheSyncDays = 3
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = 120
	}
}
