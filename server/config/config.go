package config

import (
	"path/filepath"
	"sync"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Paths     PathsConfig     `yaml:"paths"`
	Limits    LimitsConfig    `yaml:"limits"`
	Retention RetentionConfig `yaml:"retention"`
	Proxy     ProxyConfig     `yaml:"proxy"`
}

type ServerConfig struct {
	BaseURL string `yaml:"base_url"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type PathsConfig struct {
	TempPath          string `yaml:"temp_path"`
	UploadPath        string `yaml:"upload_path"`
	OutputPath        string `yaml:"output_path"`
	DownloaderPath    string `yaml:"downloader_path"`
	ConverterPath     string `yaml:"converter_path"`
	LocalDatabasePath string `yaml:"local_database_path"`
}

type LimitsConfig struct {
	MaxDownloadSizeMB int `yaml:"max_download_size_mb"`
	MaxUploadSizeMB   int `yaml:"max_upload_size_mb"`
}

type RetentionConfig struct {
	Enabled              bool `yaml:"enabled"`
	RetentionHours       int  `yaml:"retention_hours"`
	CleanupIntervalHours int  `yaml:"cleanup_interval_hours"`
	CleanupMaxAgeHours   int  `yaml:"cleanup_max_age_hours"`
}

type ProxyConfig struct {
	AllowedImageHosts []string `yaml:"allowed_image_hosts"`
}

var (
	instance     *Config
	instanceOnce sync.Once
)

func Instance() *Config {
	if instance == nil {
		instanceOnce.Do(func() {
			instance = &Config{}
		})
	}
	return instance
}

// MaxDownloadBytes is the ceiling enforced by the fetch engine.
func (c *Config) MaxDownloadBytes() int64 {
	return int64(c.Limits.MaxDownloadSizeMB) * 1024 * 1024
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Limits.MaxUploadSizeMB) * 1024 * 1024
}

func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.RetentionHours) * time.Hour
}

func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Retention.CleanupIntervalHours) * time.Hour
}

func (c *Config) CleanupMaxAge() time.Duration {
	return time.Duration(c.Retention.CleanupMaxAgeHours) * time.Hour
}

// DatabaseFile is the sqlite file holding the task records.
func (c *Config) DatabaseFile() string {
	return filepath.Join(c.Paths.LocalDatabasePath, "tasks.db")
}
