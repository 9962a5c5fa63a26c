package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/kdimentionaltree/movies-index-go/config"
	"github.com/kdimentionaltree/movies-index-go/etl"
	"github.com/kdimentionaltree/movies-index-go/postgres"
	"github.com/kdimentionaltree/movies-index-go/search"
	"github.com/kdimentionaltree/movies-index-go/state"
	"github.com/kdimentionaltree/movies-index-go/state/sqlite"
)

// App owns the long-lived resources of the ETL process.
type App struct {
	settings config.Settings
	log      *logrus.Entry

	redis     *redis.Client
	sqlite    *sqlite.DB
	extractDB *postgres.DbClient
	enrichDB  *postgres.DbClient
	search    *search.Client
}

func newApp(ctx context.Context, settings config.Settings, log *logrus.Entry) (*App, error) {
	app := &App{settings: settings, log: log}
	policy := settings.RetryPolicy()

	var err error
	app.extractDB, err = postgres.NewDbClient(ctx, settings.DSN(), settings.PGMaxConns, policy, log.WithField("pool", "extract"))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.enrichDB, err = postgres.NewDbClient(ctx, settings.DSN(), settings.PGMaxConns, policy, log.WithField("pool", "enrich"))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.search, err = search.NewClient(settings.ElasticURLs, nil, policy, log.WithField("component", "search"))
	if err != nil {
		app.Close()
		return nil, err
	}

	switch settings.StateBackend {
	case config.BackendRedis:
		app.redis = redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", settings.RedisAddr, err)
		}
	case config.BackendSQLite:
		app.sqlite, err = sqlite.Open(ctx, settings.StatePath)
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

// loadState opens a checkpoint on the configured backend.
func (a *App) loadState(ctx context.Context, key state.Key) (*state.State, error) {
	var storage state.Storage
	switch {
	case a.redis != nil:
		storage = state.NewRedisStorage(a.redis, key)
	case a.sqlite != nil:
		storage = a.sqlite.Storage(key)
	default:
		storage = state.NewMemoryStorage()
	}
	return state.Load(ctx, storage)
}

func (a *App) pipelines(ctx context.Context) ([]*etl.Pipeline, error) {
	commit, err := etl.ParseCommitOrder(a.settings.EnricherCommit)
	if err != nil {
		return nil, err
	}
	deps := etl.Deps{
		ExtractDB:      a.extractDB,
		EnrichDB:       a.enrichDB,
		Indexer:        a.search,
		States:         a.loadState,
		Schema:         a.settings.Schema,
		ModifiedColumn: a.settings.ModifiedColumn,
		PageSize:       a.settings.PageSize,
		Commit:         commit,
		Log:            a.log,
	}

	var pipelines []*etl.Pipeline
	for _, kind := range a.settings.Kinds {
		var p *etl.Pipeline
		switch kind {
		case config.KindMovies:
			p, err = etl.NewPipeline(ctx, etl.MoviesKind(), deps)
		case config.KindGenres:
			p, err = etl.NewPipeline(ctx, etl.GenresKind(), deps)
		default:
			err = fmt.Errorf("unknown kind %q", kind)
		}
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

// reindex pushes every root row of each pipeline through once.
func (a *App) reindex(ctx context.Context, pipelines []*etl.Pipeline) error {
	for _, p := range pipelines {
		total, err := a.enrichDB.QueryInt(ctx, postgres.CountQuery(a.settings.Schema, p.RootTable), nil)
		if err != nil {
			return fmt.Errorf("count %s: %w", p.RootTable, err)
		}
		pbar := progressbar.NewOptions(int(total),
			progressbar.OptionSetDescription(p.Name),
			progressbar.OptionFullWidth(),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts())
		err = p.Reindex(ctx, func(rows int) { pbar.Add(rows) })
		pbar.Finish()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("reindex %s: %w", p.Name, err)
		}
		if err := a.search.Refresh(ctx, p.Index); err != nil {
			return fmt.Errorf("refresh %s: %w", p.Index, err)
		}
		a.log.WithFields(logrus.Fields{"kind": p.Name, "rows": total}).Info("Reindexed")
	}
	return nil
}

func (a *App) Close() {
	if a.search != nil {
		a.search.Stop()
	}
	if a.extractDB != nil {
		a.extractDB.Close()
	}
	if a.enrichDB != nil {
		a.enrichDB.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close redis client")
		}
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close checkpoint db")
		}
	}
}

func run(ctx context.Context, settings config.Settings, log *logrus.Entry) error {
	app, err := newApp(ctx, settings, log)
	if err != nil {
		return err
	}
	defer app.Close()

	pipelines, err := app.pipelines(ctx)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		if err := p.EnsureIndex(ctx); err != nil {
			return err
		}
		if err := p.Resume(ctx); err != nil {
			return err
		}
	}

	runner := etl.NewRunner(pipelines, settings.Delay, log)
	switch {
	case settings.Reindex:
		return app.reindex(ctx, pipelines)
	case settings.Once:
		return runner.RunOnce(ctx)
	}
	return runner.Run(ctx)
}

func main() {
	settings, err := config.Load(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := settings.NewLogger()
	log := logrus.NewEntry(logger).WithField("service", "movies-etl")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, canceling context...")
		cancel()
	}()

	log.WithFields(logrus.Fields{
		"kinds":   settings.Kinds,
		"state":   settings.StateBackend,
		"commit":  settings.EnricherCommit,
		"reindex": settings.Reindex,
		"once":    settings.Once,
	}).Info("Starting")

	if err := run(ctx, settings, log); err != nil {
		log.WithError(err).Error("ETL stopped with error")
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
