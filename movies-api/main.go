package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/api"
	"github.com/kdimentionaltree/movies-index-go/cache"
	"github.com/kdimentionaltree/movies-index-go/config"
	"github.com/kdimentionaltree/movies-index-go/search"
)

func main() {
	settings, err := config.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	log := logrus.NewEntry(settings.NewLogger()).WithField("service", "movies-api")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     settings.RedisAddr,
		Password: settings.RedisPassword,
		DB:       settings.RedisDB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// the API still answers from the index without a cache
		log.WithError(err).Warn("Redis is not reachable")
	}
	cancel()

	searchClient, err := search.NewClient(settings.ElasticURLs, nil, settings.RetryPolicy(), log.WithField("component", "search"))
	if err != nil {
		log.WithError(err).Fatal("Failed to create search client")
	}
	defer searchClient.Stop()

	handler := api.NewHandler(cache.NewManager(redisClient, settings.CacheTTL), searchClient, log)
	app := api.NewApp(handler, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Warn("Shutdown did not complete")
		}
	}()

	log.WithField("addr", settings.APIAddr).Info("Starting server")
	if err := app.Listen(settings.APIAddr); err != nil {
		log.WithError(err).Error("Server stopped")
	}
}
