package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"apologize/internal/api"
	"apologize/internal/auth"
	"apologize/internal/cache"
	"apologize/internal/config"
	"apologize/internal/llm"
	"apologize/internal/storage"
	"apologize/internal/store"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfgPath := os.Getenv(config.EnvConfigPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	dbType := os.Getenv(config.EnvDBType)
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.WithError(err).Fatal("migrate database")
	}

	st := store.New(db)
	ctx := context.Background()
	if err := st.BootstrapAdmin(ctx, cfg.BasicConfig.AdminUsername, cfg.BasicConfig.AdminPassword); err != nil {
		log.WithError(err).Fatal("bootstrap admin")
	}
	if err := st.ReassignOrphanedSessions(ctx); err != nil {
		log.WithError(err).Warn("reassign orphaned sessions")
	}

	// The history cache is an optimization; the server runs without it.
	cacheClient, err := cache.NewClient(cfg)
	if err != nil {
		log.WithError(err).Warn("redis unavailable, history cache disabled")
		cacheClient = nil
	} else {
		defer cacheClient.Close()
	}

	llmService, err := llm.NewService(cfg)
	if err != nil {
		log.WithError(err).Fatal("init llm service")
	}

	tokens := auth.NewService(cfg.BasicConfig.JWTSecret, cfg.TokenTTL())
	handlers := api.NewHandler(st, tokens, llmService, cacheClient, cfg)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":3001"
	}
	log.WithField("addr", addr).Info("server starting")
	if err := router.Run(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
