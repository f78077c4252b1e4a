package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/clearwater/internal/cost"
	"github.com/sells-group/clearwater/internal/model"
)

// DateLayout is the layout used for run.start_date and run.end_date.
const DateLayout = "2006-01-02"

// Config holds the full application configuration.
type Config struct {
	Run        RunConfig        `yaml:"run" mapstructure:"run"`
	Tiling     TilingConfig     `yaml:"tiling" mapstructure:"tiling"`
	Filter     FilterConfig     `yaml:"filter" mapstructure:"filter"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Cost       CostConfig       `yaml:"cost" mapstructure:"cost"`
	Mode       ModeConfig       `yaml:"mode" mapstructure:"mode"`
	Remote     RemoteConfig     `yaml:"remote" mapstructure:"remote"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Offline    OfflineConfig    `yaml:"offline" mapstructure:"offline"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// RunConfig identifies what to process.
type RunConfig struct {
	AOI       string `yaml:"aoi" mapstructure:"aoi"`
	StartDate string `yaml:"start_date" mapstructure:"start_date"`
	EndDate   string `yaml:"end_date" mapstructure:"end_date"`
}

// TimeRange parses the configured dates into a half-open range.
func (r RunConfig) TimeRange() (model.TimeRange, error) {
	start, err := time.Parse(DateLayout, r.StartDate)
	if err != nil {
		return model.TimeRange{}, eris.Wrapf(model.ErrConfiguration, "config: run.start_date %q: %v", r.StartDate, err)
	}
	end, err := time.Parse(DateLayout, r.EndDate)
	if err != nil {
		return model.TimeRange{}, eris.Wrapf(model.ErrConfiguration, "config: run.end_date %q: %v", r.EndDate, err)
	}
	tr := model.TimeRange{Start: start, End: end}
	if !tr.Valid() {
		return model.TimeRange{}, eris.Wrapf(model.ErrConfiguration, "config: run.end_date must be after run.start_date")
	}
	return tr, nil
}

// TilingConfig configures AOI buffering and the tile grid.
type TilingConfig struct {
	TileSizeKM float64 `yaml:"tile_size_km" mapstructure:"tile_size_km"`
	BufferKM   float64 `yaml:"buffer_km" mapstructure:"buffer_km"`
	Projection string  `yaml:"projection" mapstructure:"projection"`
}

// FilterConfig holds scene selection thresholds. An optional threshold
// (chla, wind, tidal) that is <= 0 disables its stage.
type FilterConfig struct {
	CloudThresh float64  `yaml:"cloud_thresh" mapstructure:"cloud_thresh"`
	ChlaThresh  float64  `yaml:"chla_thresh" mapstructure:"chla_thresh"`
	WindThresh  float64  `yaml:"wind_thresh" mapstructure:"wind_thresh"`
	TidalThresh float64  `yaml:"tidal_thresh" mapstructure:"tidal_thresh"`
	MaxScenes   int      `yaml:"max_scenes" mapstructure:"max_scenes"`
	Comparator  string   `yaml:"comparator" mapstructure:"comparator"`
	Required    []string `yaml:"required" mapstructure:"required"`
}

// IsRequired reports whether a null value fails the named stage.
func (f FilterConfig) IsRequired(stage string) bool {
	for _, r := range f.Required {
		if strings.EqualFold(r, stage) {
			return true
		}
	}
	return false
}

// SourcesConfig names the archives backing the primary collection and the
// secondary enrichment sources.
type SourcesConfig struct {
	Primary string       `yaml:"primary" mapstructure:"primary"`
	Chla    SourceConfig `yaml:"chla" mapstructure:"chla"`
	Wind    SourceConfig `yaml:"wind" mapstructure:"wind"`
	Tide    SourceConfig `yaml:"tide" mapstructure:"tide"`
}

// SourceConfig describes how one enrichment attribute is derived.
type SourceConfig struct {
	Collection      string        `yaml:"collection" mapstructure:"collection"`
	Bands           []string      `yaml:"bands" mapstructure:"bands"`
	Magnitude       bool          `yaml:"magnitude" mapstructure:"magnitude"`
	Static          bool          `yaml:"static" mapstructure:"static"`
	WindowStart     time.Duration `yaml:"window_start" mapstructure:"window_start"`
	WindowEnd       time.Duration `yaml:"window_end" mapstructure:"window_end"`
	TemporalReducer string        `yaml:"temporal_reducer" mapstructure:"temporal_reducer"`
	SpatialReducer  string        `yaml:"spatial_reducer" mapstructure:"spatial_reducer"`
	ScaleMeters     float64       `yaml:"scale_meters" mapstructure:"scale_meters"`
	Multiplier      float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// CostConfig holds the linear cost coefficients.
type CostConfig struct {
	SceneSizeGB     float64 `yaml:"scene_size_gb" mapstructure:"scene_size_gb"`
	CPUHoursPerTile float64 `yaml:"cpu_hours_per_tile" mapstructure:"cpu_hours_per_tile"`
	StorageCostGB   float64 `yaml:"storage_cost_gb" mapstructure:"storage_cost_gb"`
	ComputeCostHr   float64 `yaml:"compute_cost_hr" mapstructure:"compute_cost_hr"`
}

// Coefficients converts the section to the cost model.
func (c CostConfig) Coefficients() cost.Coefficients {
	return cost.Coefficients{
		SceneSizeGB:     c.SceneSizeGB,
		CPUHoursPerTile: c.CPUHoursPerTile,
		StorageCostGB:   c.StorageCostGB,
		ComputeCostHr:   c.ComputeCostHr,
	}
}

// ModeConfig holds the execution mode decision thresholds and override.
type ModeConfig struct {
	StorageGBThreshold float64 `yaml:"storage_gb_threshold" mapstructure:"storage_gb_threshold"`
	CPUHoursThreshold  float64 `yaml:"cpu_hours_threshold" mapstructure:"cpu_hours_threshold"`
	Force              string  `yaml:"force" mapstructure:"force"`
}

// Thresholds converts the section to the mode decision thresholds.
func (c ModeConfig) Thresholds() cost.Thresholds {
	return cost.Thresholds{StorageGB: c.StorageGBThreshold, CPUHours: c.CPUHoursThreshold}
}

// RemoteConfig configures the remote compute service backing the collection.
type RemoteConfig struct {
	Backend          string   `yaml:"backend" mapstructure:"backend"`
	CatalogPath      string   `yaml:"catalog_path" mapstructure:"catalog_path"`
	BaseURL          string   `yaml:"base_url" mapstructure:"base_url"`
	Token            string   `yaml:"token" mapstructure:"token"`
	TokenURL         string   `yaml:"token_url" mapstructure:"token_url"`
	ClientID         string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret     string   `yaml:"client_secret" mapstructure:"client_secret"`
	Scopes           []string `yaml:"scopes" mapstructure:"scopes"`
	TimeoutSecs      int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit        float64  `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxInflightEvals int      `yaml:"max_inflight_evals" mapstructure:"max_inflight_evals"`
	MaxActiveTasks   int      `yaml:"max_active_tasks" mapstructure:"max_active_tasks"`
	PollIntervalSecs int      `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// RetryConfig configures retry with exponential backoff for remote calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the circuit breaker around the remote service.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PipelineConfig configures per-tile concurrency.
type PipelineConfig struct {
	MaxConcurrentTiles int `yaml:"max_concurrent_tiles" mapstructure:"max_concurrent_tiles"`
	MaxConcurrentJobs  int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	CacheTTLHours      int `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// ExportConfig configures cloud export jobs.
type ExportConfig struct {
	Bucket                string  `yaml:"bucket" mapstructure:"bucket"`
	Prefix                string  `yaml:"prefix" mapstructure:"prefix"`
	ScaleMeters           float64 `yaml:"scale_meters" mapstructure:"scale_meters"`
	CRS                   string  `yaml:"crs" mapstructure:"crs"`
	WaterOccurrenceThresh float64 `yaml:"water_occurrence_thresh" mapstructure:"water_occurrence_thresh"`
}

// OfflineConfig configures local ACOLITE processing.
type OfflineConfig struct {
	OutputDir   string `yaml:"output_dir" mapstructure:"output_dir"`
	ACOLITECLI  string `yaml:"acolite_cli" mapstructure:"acolite_cli"`
	DockerImage string `yaml:"docker_image" mapstructure:"docker_image"`
	S2Path      string `yaml:"s2_path" mapstructure:"s2_path"`
	ExtraArgs   string `yaml:"extra_args" mapstructure:"extra_args"`
}

// OutputConfig configures where run summaries are written.
type OutputConfig struct {
	SummaryPath string   `yaml:"summary_path" mapstructure:"summary_path"`
	S3          S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config holds credentials for s3:// output destinations.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Region    string `yaml:"region" mapstructure:"region"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures the background alert checker run by serve.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	TileFailureRateThreshold float64 `yaml:"tile_failure_rate_threshold" mapstructure:"tile_failure_rate_threshold"`
	DLQDepthThreshold        int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional file and the environment.
// An empty path searches for clearwater.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clearwater")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CLEARWATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register keys so AutomaticEnv can populate them.
	for _, k := range []string{
		"run.aoi", "run.start_date", "run.end_date", "mode.force",
		"remote.catalog_path", "remote.base_url", "remote.token", "remote.token_url",
		"remote.client_id", "remote.client_secret", "export.bucket", "offline.extra_args",
		"output.s3.endpoint", "output.s3.access_key", "output.s3.secret_key", "output.s3.region",
	} {
		v.SetDefault(k, "")
	}

	v.SetDefault("tiling.tile_size_km", 1.0)
	v.SetDefault("tiling.buffer_km", 0.0)
	v.SetDefault("tiling.projection", "local")

	v.SetDefault("filter.cloud_thresh", 20.0)
	v.SetDefault("filter.chla_thresh", 0.3)
	v.SetDefault("filter.wind_thresh", 4.5)
	v.SetDefault("filter.tidal_thresh", 0.5)
	v.SetDefault("filter.max_scenes", 50)
	v.SetDefault("filter.comparator", "lt")

	v.SetDefault("sources.primary", "COPERNICUS/S2_SR_HARMONIZED")
	v.SetDefault("sources.chla.collection", "JAXA/GCOM-C/L3/OCEAN/CHLA/V3")
	v.SetDefault("sources.chla.bands", []string{"CHLA_AVE", "chlor_a"})
	v.SetDefault("sources.chla.window_start", "0s")
	v.SetDefault("sources.chla.window_end", "24h")
	v.SetDefault("sources.chla.temporal_reducer", "median")
	v.SetDefault("sources.chla.spatial_reducer", "median")
	v.SetDefault("sources.chla.scale_meters", 4500.0)
	v.SetDefault("sources.chla.multiplier", 1.0)
	v.SetDefault("sources.wind.collection", "ECMWF/ERA5/HOURLY")
	v.SetDefault("sources.wind.bands", []string{"u_component_of_wind_10m", "v_component_of_wind_10m"})
	v.SetDefault("sources.wind.magnitude", true)
	v.SetDefault("sources.wind.window_start", "-3h")
	v.SetDefault("sources.wind.window_end", "3h")
	v.SetDefault("sources.wind.temporal_reducer", "median")
	v.SetDefault("sources.wind.spatial_reducer", "mean")
	v.SetDefault("sources.wind.scale_meters", 25000.0)
	v.SetDefault("sources.wind.multiplier", 1.0)
	v.SetDefault("sources.tide.collection", "global_tidal_range")
	v.SetDefault("sources.tide.bands", []string{"annual_max_cycle_amp_cm", "b1"})
	v.SetDefault("sources.tide.static", true)
	v.SetDefault("sources.tide.temporal_reducer", "median")
	v.SetDefault("sources.tide.spatial_reducer", "mean")
	v.SetDefault("sources.tide.scale_meters", 5000.0)
	v.SetDefault("sources.tide.multiplier", 0.01)

	coeff := cost.DefaultCoefficients()
	v.SetDefault("cost.scene_size_gb", coeff.SceneSizeGB)
	v.SetDefault("cost.cpu_hours_per_tile", coeff.CPUHoursPerTile)
	v.SetDefault("cost.storage_cost_gb", coeff.StorageCostGB)
	v.SetDefault("cost.compute_cost_hr", coeff.ComputeCostHr)

	th := cost.DefaultThresholds()
	v.SetDefault("mode.storage_gb_threshold", th.StorageGB)
	v.SetDefault("mode.cpu_hours_threshold", th.CPUHours)

	v.SetDefault("remote.backend", "remote")
	v.SetDefault("remote.timeout_secs", 120)
	v.SetDefault("remote.rate_limit", 5.0)
	v.SetDefault("remote.max_inflight_evals", 8)
	v.SetDefault("remote.max_active_tasks", 250)
	v.SetDefault("remote.poll_interval_secs", 60)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)

	v.SetDefault("pipeline.max_concurrent_tiles", 4)
	v.SetDefault("pipeline.max_concurrent_jobs", 4)
	v.SetDefault("pipeline.cache_ttl_hours", 168)

	v.SetDefault("export.prefix", "clearwater")
	v.SetDefault("export.scale_meters", 10.0)
	v.SetDefault("export.crs", "EPSG:4326")
	v.SetDefault("export.water_occurrence_thresh", 80.0)

	v.SetDefault("offline.output_dir", "outputs/offline")
	v.SetDefault("offline.acolite_cli", "/opt/acolite/acolite.py")
	v.SetDefault("offline.docker_image", "acolite/acolite:latest")
	v.SetDefault("offline.s2_path", "/input/S2")

	v.SetDefault("output.summary_path", "clearwater-summary.json")
	v.SetDefault("output.s3.use_ssl", true)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "clearwater.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.tile_failure_rate_threshold", 0.1)
	v.SetDefault("monitoring.dlq_depth_threshold", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the fields a command depends on. All problems are reported
// together; the returned error wraps model.ErrConfiguration.
func (c *Config) Validate(command string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	checkTiling := func() {
		if c.Tiling.TileSizeKM <= 0 {
			add("tiling.tile_size_km must be > 0")
		}
		if c.Tiling.BufferKM < 0 {
			add("tiling.buffer_km must be >= 0")
		}
		switch c.Tiling.Projection {
		case "local", "web_mercator":
		default:
			add("tiling.projection must be local or web_mercator")
		}
	}

	checkSelection := func() {
		if c.Run.AOI == "" {
			add("run.aoi is required")
		}
		if _, err := c.Run.TimeRange(); err != nil {
			add("run.start_date/run.end_date must be valid %s dates with end after start", DateLayout)
		}
		if c.Filter.CloudThresh <= 0 || c.Filter.CloudThresh > 100 {
			add("filter.cloud_thresh must be in (0, 100]")
		}
		if c.Filter.MaxScenes <= 0 {
			add("filter.max_scenes must be > 0")
		}
		switch c.Filter.Comparator {
		case "lt", "lte", "gt", "gte":
		default:
			add("filter.comparator must be one of lt, lte, gt, gte")
		}
		if c.Sources.Primary == "" {
			add("sources.primary is required")
		}
		switch c.Remote.Backend {
		case "remote":
			if c.Remote.BaseURL == "" {
				add("remote.base_url is required for the remote backend")
			}
		case "local":
			if c.Remote.CatalogPath == "" {
				add("remote.catalog_path is required for the local backend")
			}
		default:
			add("remote.backend must be remote or local")
		}
		if c.Remote.MaxInflightEvals < 1 {
			add("remote.max_inflight_evals must be >= 1")
		}
		if c.Pipeline.MaxConcurrentTiles < 1 || c.Pipeline.MaxConcurrentTiles > 64 {
			add("pipeline.max_concurrent_tiles must be between 1 and 64")
		}
	}

	checkCost := func() {
		if c.Cost.SceneSizeGB < 0 || c.Cost.CPUHoursPerTile < 0 || c.Cost.StorageCostGB < 0 || c.Cost.ComputeCostHr < 0 {
			add("cost coefficients must be >= 0")
		}
		if c.Mode.StorageGBThreshold < 0 || c.Mode.CPUHoursThreshold < 0 {
			add("mode thresholds must be >= 0")
		}
		if c.Mode.Force != "" {
			if _, err := model.ParseExecutionMode(c.Mode.Force); err != nil {
				add("mode.force must be cloud or offline")
			}
		}
	}

	switch command {
	case "tiles":
		if c.Run.AOI == "" {
			add("run.aoi is required")
		}
		checkTiling()
	case "select":
		checkTiling()
		checkSelection()
	case "estimate":
		checkTiling()
		checkSelection()
		checkCost()
	case "run":
		checkTiling()
		checkSelection()
		checkCost()
		if c.Pipeline.MaxConcurrentJobs < 1 || c.Pipeline.MaxConcurrentJobs > 64 {
			add("pipeline.max_concurrent_jobs must be between 1 and 64")
		}
		if c.Remote.MaxActiveTasks < 1 {
			add("remote.max_active_tasks must be >= 1")
		}
		if c.Remote.PollIntervalSecs < 1 {
			add("remote.poll_interval_secs must be >= 1")
		}
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "store":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		return eris.Wrapf(model.ErrConfiguration, "config: unknown mode %q", command)
	}

	if len(errs) > 0 {
		return eris.Wrapf(model.ErrConfiguration, "config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
