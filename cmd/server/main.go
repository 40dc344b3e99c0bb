package main

import (
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/veritest/cbt-service/internal/config"
	"github.com/veritest/cbt-service/internal/events"
	"github.com/veritest/cbt-service/internal/handlers"
	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories/postgres"
	"github.com/veritest/cbt-service/internal/services"
	"github.com/veritest/cbt-service/internal/session"
	"github.com/veritest/cbt-service/internal/utils"
	"github.com/veritest/cbt-service/pkg"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Environment)

	db, err := pkg.InitDatabase(cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := db.AutoMigrate(
		&models.User{},
		&models.Test{},
		&models.Question{},
		&models.Option{},
		&models.Attempt{},
		&models.StudentAnswer{},
	); err != nil {
		logger.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	redisClient, err := pkg.NewRedisClient(cfg)
	if err != nil {
		logger.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	sessions := session.NewRedisStore(redisClient)

	publisher, err := events.NewKafkaEventPublisher(events.PublisherConfig{
		KafkaBrokers: cfg.KafkaBrokers,
		TopicName:    cfg.KafkaTopic,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("Failed to create event publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	repo := postgres.NewRepository(db)
	validator := utils.NewValidator()
	serviceManager := services.NewManager(repo, sessions, publisher, logger, validator)

	casdoorClient := handlers.NewCasdoorClient(cfg.Casdoor)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handlerManager := handlers.NewHandlerManager(serviceManager, logger)
	handlerManager.SetupRoutes(router, casdoorClient, repo, logger)

	logger.Info("CBT service listening", "port", cfg.Port, "environment", cfg.Environment)
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
