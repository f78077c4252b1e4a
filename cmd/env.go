package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/aoi"
	"github.com/sells-group/clearwater/internal/collection"
	"github.com/sells-group/clearwater/internal/dispatch"
	"github.com/sells-group/clearwater/internal/fetcher"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/monitoring"
	"github.com/sells-group/clearwater/internal/pipeline"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/internal/scene"
	"github.com/sells-group/clearwater/internal/store"
	"github.com/sells-group/clearwater/internal/tiling"
	"github.com/sells-group/clearwater/pkg/compute"
)

// initStore opens the configured store and applies migrations.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "", "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "clearwater.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Wrapf(model.ErrConfiguration, "unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initComputeClient returns nil when no compute service is configured.
func initComputeClient() compute.Client {
	if cfg.Remote.BaseURL == "" {
		return nil
	}
	var opts []compute.Option
	switch {
	case cfg.Remote.TokenURL != "" && cfg.Remote.ClientID != "":
		opts = append(opts, compute.WithClientCredentials(cfg.Remote.TokenURL, cfg.Remote.ClientID, cfg.Remote.ClientSecret, cfg.Remote.Scopes...))
	case cfg.Remote.Token != "":
		opts = append(opts, compute.WithToken(cfg.Remote.Token))
	default:
		zap.L().Warn("no compute service credentials configured")
	}
	return compute.NewClient(cfg.Remote.BaseURL, opts...)
}

func remoteRetry() resilience.RetryConfig {
	return resilience.FromRetryConfig(cfg.Retry, time.Duration(cfg.Remote.TimeoutSecs)*time.Second)
}

// initEvaluator builds the collection backend: the compute service, or a
// catalog snapshot evaluated in memory.
func initEvaluator(ctx context.Context, client compute.Client) (collection.Evaluator, error) {
	if cfg.Remote.Backend == "local" {
		cat, err := collection.LoadCatalog(ctx, fetcher.NewRouter(), cfg.Remote.CatalogPath)
		if err != nil {
			return nil, eris.Wrap(err, "load catalog")
		}
		zap.L().Info("using local catalog", zap.String("path", cfg.Remote.CatalogPath))
		return collection.NewMemory(cat), nil
	}
	if client == nil {
		return nil, eris.Wrap(model.ErrConfiguration, "remote.base_url is required for the remote backend")
	}
	return collection.NewRemote(client, collection.RemoteOptions{
		MaxInflight: cfg.Remote.MaxInflightEvals,
		RateLimit:   cfg.Remote.RateLimit,
		Retry:       remoteRetry(),
		Breaker:     resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.Circuit)),
	}), nil
}

// initDispatchers always provides the offline dispatcher. The cloud
// dispatcher needs a compute service.
func initDispatchers(client compute.Client) dispatch.Set {
	set := dispatch.Set{Offline: dispatch.NewOffline(cfg.Offline, nil)}
	if client != nil {
		set.Cloud = dispatch.NewCloud(client, dispatch.CloudOptions{
			Collection:     cfg.Sources.Primary,
			Export:         cfg.Export,
			MaxActiveTasks: cfg.Remote.MaxActiveTasks,
			PollInterval:   time.Duration(cfg.Remote.PollIntervalSecs) * time.Second,
			Retry:          remoteRetry(),
			OnWait:         func(int) { monitoring.RecordCapacityWait() },
		})
	}
	return set
}

// loadTiles loads, buffers and tiles the configured AOI.
func loadTiles(ctx context.Context) (model.AreaOfInterest, []model.Tile, error) {
	a, err := aoi.NewLoader(fetcher.NewRouter()).Load(ctx, cfg.Run.AOI)
	if err != nil {
		return model.AreaOfInterest{}, nil, eris.Wrap(err, "load aoi")
	}
	if cfg.Tiling.BufferKM > 0 {
		a, err = aoi.Buffer(a, cfg.Tiling.BufferKM)
		if err != nil {
			return model.AreaOfInterest{}, nil, eris.Wrap(err, "buffer aoi")
		}
	}
	tiles, err := tiling.Tile(a, cfg.Tiling.TileSizeKM*1000, tiling.WithProjection(cfg.Tiling.Projection))
	if err != nil {
		return model.AreaOfInterest{}, nil, eris.Wrap(err, "tile aoi")
	}
	zap.L().Info("aoi tiled",
		zap.String("aoi", a.Name),
		zap.Int("tiles", len(tiles)),
		zap.Float64("tile_size_km", cfg.Tiling.TileSizeKM),
	)
	return a, tiles, nil
}

// runEnv holds everything the estimate and run commands need.
type runEnv struct {
	Store  store.Store // nil with --no-store
	Runner *pipeline.Runner
	AOI    model.AreaOfInterest
	Tiles  []model.Tile
}

// Close releases the store.
func (e *runEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initRunner validates the config for command, tiles the AOI and builds the
// pipeline runner. Callers should defer env.Close().
func initRunner(ctx context.Context, command string, persist bool) (*runEnv, error) {
	if err := cfg.Validate(command); err != nil {
		return nil, err
	}

	a, tiles, err := loadTiles(ctx)
	if err != nil {
		return nil, err
	}

	env := &runEnv{AOI: a, Tiles: tiles}
	if persist {
		st, err := initStore(ctx)
		if err != nil {
			return nil, err
		}
		env.Store = st
	}

	env.Runner, err = newRunner(ctx, env.Store)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// newRunner builds a pipeline runner from the configuration. st may be nil.
func newRunner(ctx context.Context, st store.Store) (*pipeline.Runner, error) {
	opts, err := pipeline.OptionsFrom(cfg)
	if err != nil {
		return nil, err
	}

	client := initComputeClient()
	ev, err := initEvaluator(ctx, client)
	if err != nil {
		return nil, err
	}

	sel := scene.NewSelector(ev, cfg.Sources.Primary)
	return pipeline.New(sel, initDispatchers(client), st, opts), nil
}
