package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/procurehub/procflow/internal/config"
	"github.com/procurehub/procflow/internal/engine"
	httpadapter "github.com/procurehub/procflow/internal/interfaces/http"
	"github.com/procurehub/procflow/internal/notifier"
	"github.com/procurehub/procflow/internal/report"
	"github.com/procurehub/procflow/internal/repository"
	"github.com/procurehub/procflow/internal/resolver"
	"github.com/procurehub/procflow/pkg/database"
	"github.com/procurehub/procflow/pkg/utils"
)

// sugarLogger adapts zap's sugared logger to the HTTP adapter's Logger interface
type sugarLogger struct {
	s *zap.SugaredLogger
}

func (l sugarLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l sugarLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func main() {
	_ = gotenv.Load()

	configPath := os.Getenv("PROCFLOW_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting procurement workflow engine",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Path))

	db, err := database.New(database.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	migrator := database.NewMigrator(db, logger)
	if err := migrator.RunMigrations(); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	definitionRepo := repository.NewDefinitionRepository(db.DB, logger)
	instanceRepo := repository.NewInstanceRepository(db.DB, logger)
	stepRepo := repository.NewStepRepository(db.DB, logger)
	actionLogRepo := repository.NewActionLogRepository(db.DB, logger)
	notificationRepo := repository.NewNotificationRepository(db.DB, logger)
	directoryRepo := repository.NewDirectoryRepository(db.DB, logger)

	res := resolver.New(directoryRepo, logger)

	notif := notifier.New(notifier.Config{
		CompletionRole: cfg.Notifier.CompletionRole,
		BaseURL:        cfg.Notifier.BaseURL,
	}, notificationRepo, directoryRepo, logger)

	eng := engine.New(db, definitionRepo, instanceRepo, stepRepo, actionLogRepo, res, notif, logger)

	exporter := report.NewAuditExporter(instanceRepo, actionLogRepo, definitionRepo, logger)

	server := httpadapter.NewServer(httpadapter.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, eng, actionLogRepo, exporter, sugarLogger{logger.Sugar()})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}

	logger.Info("Server stopped")
}
