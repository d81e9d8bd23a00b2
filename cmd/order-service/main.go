package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderhub/internal/app"
	"github.com/vladislavdragonenkov/orderhub/internal/version"
)

var runApp = app.Run

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(logger *log.Logger, level, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}

	if strings.TrimSpace(level) == "" {
		logger.SetLevel(log.InfoLevel)
		return nil
	}
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logger.SetLevel(parsed)
	return nil
}

// loadDotEnv подхватывает .env, если он есть. Уже заданные переменные не перезаписываются.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(ctx context.Context, stderr io.Writer) int {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := setupLogger(log.StandardLogger(), os.Getenv("OMS_LOG_LEVEL"), os.Getenv("OMS_LOG_FORMAT")); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		log.WithError(err).Error("некорректная конфигурация")
		return 1
	}

	log.WithFields(log.Fields{
		"version":      version.String(),
		"http_addr":    cfg.HTTPAddr,
		"grpc_addr":    cfg.GRPCAddr,
		"metrics_addr": cfg.MetricsAddr,
		"storage":      cfg.StorageDriver,
	}).Info("запускаем OrderService")

	if err := runApp(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("приложение завершилось с ошибкой")
		return 1
	}

	log.Info("OrderService остановлен")
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Stderr)
	stop()
	os.Exit(code)
}
