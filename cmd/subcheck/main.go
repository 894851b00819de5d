package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/crosspostly/subscribe-checker/internal/bot"
	"github.com/crosspostly/subscribe-checker/internal/cache"
	"github.com/crosspostly/subscribe-checker/internal/cleanup"
	"github.com/crosspostly/subscribe-checker/internal/config"
	"github.com/crosspostly/subscribe-checker/internal/db/sqlite"
	handlers "github.com/crosspostly/subscribe-checker/internal/handlers/chat"
	"github.com/crosspostly/subscribe-checker/internal/infra"
	"github.com/crosspostly/subscribe-checker/internal/lifecycle"
	"github.com/crosspostly/subscribe-checker/internal/observability"
	"github.com/crosspostly/subscribe-checker/internal/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalln("cant load config")
	}
	log.SetFormatter(&config.ScFormatter{})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.Level(cfg.LogLevel))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	infra.GoRecoverable(-1, "main", func() {
		run(ctx, cfg)
	})

	<-ctx.Done()
	log.Infoln("shutting down")
}

func run(ctx context.Context, cfg config.Config) {
	botAPI, err := api.NewBotAPI(cfg.TelegramAPIToken)
	if err != nil {
		log.WithError(err).Errorln("cant initialize bot api")
		time.Sleep(1 * time.Second)
		log.Fatalln("exiting")
	}
	if log.Level(cfg.LogLevel) == log.TraceLevel {
		botAPI.Debug = true
	}
	defer botAPI.StopReceivingUpdates()

	dbClient, err := sqlite.NewSQLiteClient(ctx, infra.GetWorkDir(), cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatalln("cant open database")
	}
	defer dbClient.Close()

	membership, err := cache.NewMembership(cfg.Cache.Capacity, cfg.Cache.TTL)
	if err != nil {
		log.WithError(err).Fatalln("cant create membership cache")
	}
	registry := cleanup.NewRegistry()
	defer registry.StopAll()

	service := bot.NewService(botAPI, dbClient)
	ops := telegram.NewOperations(botAPI)

	bot.RegisterUpdateHandler("gatekeeper", handlers.NewGatekeeper(service, ops, registry, &cfg))
	bot.RegisterUpdateHandler("enforcer", handlers.NewEnforcer(service, ops, membership, registry, &cfg))

	runtime := lifecycle.NewRuntime()
	runtime.Register("metrics", observability.NewServer(cfg.MetricsAddr))
	runtime.Register("refresher", handlers.NewRefresher(service, ops, membership, &cfg))
	if err := runtime.Start(ctx); err != nil {
		log.WithError(err).Fatalln("cant start components")
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := runtime.Stop(stopCtx); err != nil {
			log.WithError(err).Errorln("components stopped with errors")
		}
	}()

	updateConfig := api.NewUpdate(0)
	updateConfig.Timeout = 60
	updateProcessor := bot.NewUpdateProcessor(service)

	updateChan, errorChan := bot.GetUpdatesChans(ctx, botAPI, updateConfig)

	log.WithField("bot", botAPI.Self.UserName).Infoln("listening for updates")
	for {
		select {
		case err := <-errorChan:
			log.WithError(err).Fatalln("bot api get updates error")
		case update := <-updateChan:
			if err := updateProcessor.Process(ctx, &update); err != nil {
				log.WithError(err).Errorln("cant process update")
			}
		case <-ctx.Done():
			log.Infoln("no more updates")
			return
		}
	}
}
