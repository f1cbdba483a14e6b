package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"github.com/arsalan507/workchat-sub000/internal/broadcast"
	"github.com/arsalan507/workchat-sub000/internal/server"
	"github.com/arsalan507/workchat-sub000/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	storageCfg := storage.Config{}
	if err := env.Parse(&storageCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	serverCfg := server.EnvConfig{}
	if err := env.Parse(&serverCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	store, err := storage.New(context.Background(), sugar, storageCfg, storage.ConnectionTimeout(30*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	broadcaster := broadcast.New(sugar)

	srv, err := server.NewServer(sugar, serverCfg, store, broadcaster, server.ReadTimeout(5*time.Second))
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
