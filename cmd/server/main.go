// Package main is the entry point for the analytic computation engine. A
// process runs in one of two roles: coordinator (compiles dependency graphs,
// dispatches jobs, serves the HTTP API) or satellite (connects to a
// coordinator over websocket and executes whatever jobs it is handed).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/KrisLee/OG-Platform/internal/archive"
	"github.com/KrisLee/OG-Platform/internal/calcjob"
	"github.com/KrisLee/OG-Platform/internal/calcnode"
	"github.com/KrisLee/OG-Platform/internal/config"
	"github.com/KrisLee/OG-Platform/internal/database"
	"github.com/KrisLee/OG-Platform/internal/depgraph"
	"github.com/KrisLee/OG-Platform/internal/dispatch"
	"github.com/KrisLee/OG-Platform/internal/funclib"
	"github.com/KrisLee/OG-Platform/internal/function"
	"github.com/KrisLee/OG-Platform/internal/remote"
	"github.com/KrisLee/OG-Platform/internal/results"
	"github.com/KrisLee/OG-Platform/internal/scheduler"
	"github.com/KrisLee/OG-Platform/internal/server"
	"github.com/KrisLee/OG-Platform/internal/value"
	"github.com/KrisLee/OG-Platform/internal/viewcache"
	"github.com/KrisLee/OG-Platform/internal/viewproc"
	"github.com/KrisLee/OG-Platform/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	registry := function.NewRegistry()
	if err := funclib.RegisterStandard(registry, cfg.MarketIdentifiers, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to register function library")
	}
	log.Info().Int("functions", registry.Count()).Msg("Function library registered")

	resolver := calcnode.NewDefaultTargetResolver(nil, nil)

	if cfg.CoordinatorURL != "" {
		runSatellite(cfg, log, registry, resolver)
		return
	}
	runCoordinator(cfg, log, registry, resolver)
}

// runSatellite connects to a coordinator and executes jobs until signalled.
// A satellite keeps a private in-memory cycle cache; inputs it cannot find
// there are fetched from the coordinator over the same websocket.
func runSatellite(cfg *config.Config, log zerolog.Logger, registry *function.Registry, resolver calcnode.TargetResolver) {
	log.Info().Str("coordinator", cfg.CoordinatorURL).Msg("Starting in satellite mode")

	querier := &deferredQuerier{}
	node := calcnode.New(
		viewcache.NewMapSource(),
		registry,
		resolver,
		log,
		calcnode.WithQuerySender(querier),
	)

	client := remote.NewNodeClient(cfg.CoordinatorURL, node, log)
	querier.client = client

	if err := client.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start node client")
	}

	waitForSignal()

	if err := client.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping node client")
	}
	log.Info().Msg("Satellite stopped")
}

// runCoordinator wires the full engine: registry, cache source, local node
// pool, view processor, result store, maintenance scheduler and HTTP server.
func runCoordinator(cfg *config.Config, log zerolog.Logger, registry *function.Registry, resolver calcnode.TargetResolver) {
	log.Info().Msg("Starting in coordinator mode")

	var databases []*database.DB

	var source viewcache.Source
	var cacheDB *database.DB
	if cfg.SpillCache {
		db, err := database.New(database.Config{
			Path:    cfg.ViewcacheDBPath(),
			Profile: database.ProfileCache,
			Name:    "viewcache",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open viewcache database")
		}
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate viewcache database")
		}
		cacheDB = db
		databases = append(databases, db)
		source = viewcache.NewSQLiteSource(db, log)
		log.Info().Str("path", cfg.ViewcacheDBPath()).Msg("Cycle caches spill to SQLite")
	} else {
		source = viewcache.NewMapSource()
	}

	resultsDB, err := database.New(database.Config{
		Path:    cfg.ResultsDBPath(),
		Profile: database.ProfileStandard,
		Name:    "results",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open results database")
	}
	if err := resultsDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate results database")
	}
	databases = append(databases, resultsDB)
	defer func() {
		for _, db := range databases {
			db.Close()
		}
	}()

	store := results.NewStore(resultsDB, log)

	marketData := loadMarketData(filepath.Join(cfg.DataDir, "marketdata.json"), log)

	nodes := make([]*calcnode.Node, 0, cfg.NodeCount)
	for i := 0; i < cfg.NodeCount; i++ {
		nodes = append(nodes, calcnode.New(
			source,
			registry,
			resolver,
			log,
			calcnode.WithNodeID(fmt.Sprintf("local-%d", i)),
			calcnode.WithItemWriter(store),
		))
	}

	hub := remote.NewHub(source, snapshotAnswerer{marketData}, log)

	builder := depgraph.NewBuilder(registry, viewproc.Availability(marketData), log)
	processor := viewproc.NewProcessor(
		builder,
		dispatch.NewPartitioner(cfg.MaxJobItems),
		&fallbackDispatcher{hub: hub, local: dispatch.NewLocalDispatcher(nodes, log)},
		source,
		log,
		viewproc.WithResultWriter(store),
		viewproc.WithMarketData(marketData),
	)

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		Registry:    registry,
		Processor:   processor,
		Results:     store,
		CacheSource: source,
		Executor:    nodes[0],
		Hub:         hub,
		Databases:   databases,
	})

	sched := scheduler.New(log)
	if releaser, ok := source.(scheduler.IdleReleaser); ok {
		if err := sched.AddJob("@every 10m", scheduler.NewCacheRetirementJob(releaser, cacheDB, cfg.CacheTTL, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule cache retirement")
		}
	}
	if err := sched.AddJob("@hourly", scheduler.NewResultsRetentionJob(store, resultsDB, cfg.ResultsHistory, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule results retention")
	}

	if cfg.Archive.Enabled {
		s3Client, err := archive.NewS3Client(context.Background(), archive.S3Config{
			Endpoint:        cfg.Archive.Endpoint,
			Region:          cfg.Archive.Region,
			Bucket:          cfg.Archive.Bucket,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create archive client")
		}
		archiver := archive.NewArchiver(s3Client, cfg.ResultsDBPath(), cfg.DataDir, log)
		if err := sched.AddJob("@daily", archive.NewJob(archiver, cfg.Archive.Retention)); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule results archiving")
		}
		log.Info().Str("bucket", cfg.Archive.Bucket).Msg("Results archiving enabled")
	}

	sched.Start()

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Int("nodes", cfg.NodeCount).Msg("Coordinator started")

	waitForSignal()

	log.Info().Msg("Shutting down...")
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Coordinator stopped")
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// loadMarketData reads a snapshot of identifier to price mappings from a
// JSON file. A missing file yields an empty snapshot, which means every
// market-data requirement is reported unavailable at compile time.
func loadMarketData(path string, log zerolog.Logger) viewproc.SnapshotProvider {
	provider := viewproc.SnapshotProvider{}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Str("path", path).Msg("No market data snapshot found")
		return provider
	}

	prices := make(map[string]float64)
	if err := json.Unmarshal(data, &prices); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to parse market data snapshot")
		return provider
	}

	for identifier, price := range prices {
		req := value.NewRequirement(funclib.MarketPrice,
			value.NewTargetSpecification(value.TargetPrimitive, identifier))
		provider[req.Key()] = price
	}

	log.Info().Int("values", len(provider)).Msg("Market data snapshot loaded")
	return provider
}

// snapshotAnswerer answers remote node queries the cycle cache cannot,
// from the market data snapshot.
type snapshotAnswerer struct {
	provider viewproc.SnapshotProvider
}

func (a snapshotAnswerer) Answer(spec value.Specification) (any, bool) {
	return a.provider.Get(spec)
}

// fallbackDispatcher routes cycles to connected remote nodes when any are
// present, otherwise to the local node pool.
type fallbackDispatcher struct {
	hub   *remote.Hub
	local *dispatch.LocalDispatcher
}

func (d *fallbackDispatcher) DispatchCycle(ctx context.Context, batches [][]calcjob.Job) ([]calcjob.JobResult, error) {
	if d.hub.NodeCount() > 0 {
		return d.hub.DispatchCycle(ctx, batches)
	}
	return d.local.DispatchCycle(ctx, batches)
}

// deferredQuerier breaks the construction cycle between a satellite node
// and its client: the node needs a query sender before the client wrapping
// the node exists.
type deferredQuerier struct {
	client *remote.NodeClient
}

func (q *deferredQuerier) Query(ctx context.Context, jobSpec calcjob.JobSpecification, spec value.Specification) (any, error) {
	if q.client == nil {
		return nil, remote.ErrValueNotFound
	}
	return q.client.Query(ctx, jobSpec, spec)
}
