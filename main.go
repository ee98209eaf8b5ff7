package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/snapload/snapload/server"
	"github.com/snapload/snapload/server/config"

	"github.com/spf13/viper"
)

func main() {
	// Parse optional config path from flag
	var configFile string
	flag.StringVar(&configFile, "conf", "./config.yml", "Config file path")
	flag.Parse()

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	// app-owned subdirectory: the retention sweeper reclaims inside it
	v.SetDefault("paths.temp_path", filepath.Join(os.TempDir(), "snapload"))
	v.SetDefault("paths.upload_path", "uploads")
	v.SetDefault("paths.output_path", "outputs")
	v.SetDefault("paths.downloader_path", "yt-dlp")
	v.SetDefault("paths.converter_path", "ffmpeg")
	v.SetDefault("paths.local_database_path", ".")
	v.SetDefault("limits.max_download_size_mb", 500)
	v.SetDefault("limits.max_upload_size_mb", 50)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.retention_hours", 24)
	v.SetDefault("retention.cleanup_interval_hours", 1)
	v.SetDefault("retention.cleanup_max_age_hours", 24)
	v.SetDefault("proxy.allowed_image_hosts", []string{
		"cdninstagram.com",
		"instagram.com",
		"fbcdn.net",
		"facebook.com",
	})

	// Env binding
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()

	// Load YAML file if exists
	if err := v.ReadInConfig(); err != nil {
		slog.Debug("using defaults")
	}

	cfg := config.Instance()
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to load config", "error", err)
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	if err := server.Run(ctx); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited cleanly")
}
