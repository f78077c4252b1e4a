package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/internal/model"
)

// childACOLITECLI is the entry point inside the acolite/acolite image.
const childACOLITECLI = "/acolite/launch_acolite.py"

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and includes stderr in the error.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return eris.Wrapf(err, "dispatch: %s failed: %s", name, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Manifest is written next to each offline job's outputs.
type Manifest struct {
	RunID     string                    `json:"run_id"`
	TileID    string                    `json:"tile_id"`
	Mode      model.ExecutionMode       `json:"mode"`
	TimeRange model.TimeRange           `json:"time_range"`
	Scenes    []model.ObservationRecord `json:"scenes"`
	Estimate  model.ResourceEstimate    `json:"estimate"`
	Command   []string                  `json:"command"`
	CreatedAt time.Time                 `json:"created_at"`
}

// Offline runs ACOLITE for each tile. It prefers the ACOLITE install on this
// host and falls back to the ACOLITE Docker image.
type Offline struct {
	cfg    config.OfflineConfig
	runner Runner
	log    *zap.Logger

	// Overridable for tests.
	stat     func(string) (os.FileInfo, error)
	lookPath func(string) (string, error)
}

// NewOffline creates an Offline dispatcher. A nil runner uses ExecRunner.
func NewOffline(cfg config.OfflineConfig, runner Runner) *Offline {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Offline{
		cfg:      cfg,
		runner:   runner,
		log:      zap.L().With(zap.String("component", "dispatch.offline")),
		stat:     os.Stat,
		lookPath: exec.LookPath,
	}
}

// Dispatch writes the tile AOI and manifest under output_dir/<tile_id> and
// runs ACOLITE over them. The job id is the output directory. A started
// ACOLITE process is not killed when ctx is cancelled.
func (o *Offline) Dispatch(ctx context.Context, job Job) (Result, error) {
	outdir, err := filepath.Abs(filepath.Join(o.cfg.OutputDir, job.Tile.ID))
	if err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: resolve output dir %s: %v", job.Tile.ID, err)
	}
	if err := os.MkdirAll(outdir, 0o755); err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: create output dir %s: %v", outdir, err)
	}

	aoiPath, err := writeTileGeoJSON(outdir, job.Tile)
	if err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: write tile aoi %s: %v", job.Tile.ID, err)
	}

	name, args, err := o.command(job, outdir, aoiPath)
	if err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: %s: %v", job.Tile.ID, err)
	}

	m := Manifest{
		RunID:     job.RunID,
		TileID:    job.Tile.ID,
		Mode:      model.ModeOffline,
		TimeRange: job.TimeRange,
		Scenes:    job.Scenes,
		Estimate:  job.Estimate,
		Command:   append([]string{name}, args...),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSON(filepath.Join(outdir, "manifest.json"), m); err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: write manifest %s: %v", job.Tile.ID, err)
	}

	o.log.Info("running acolite", zap.String("tile_id", job.Tile.ID), zap.Strings("command", m.Command))
	if err := o.runner.Run(context.WithoutCancel(ctx), name, args...); err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: acolite %s: %v", job.Tile.ID, err)
	}

	o.log.Info("acolite finished", zap.String("tile_id", job.Tile.ID), zap.String("output", outdir))
	return Result{TileID: job.Tile.ID, Mode: model.ModeOffline, JobID: outdir}, nil
}

// command builds the direct invocation when the ACOLITE CLI exists locally,
// otherwise a docker run of the ACOLITE image.
func (o *Offline) command(job Job, outdir, aoiPath string) (string, []string, error) {
	start := job.TimeRange.Start.Format(config.DateLayout)
	end := job.TimeRange.End.Format(config.DateLayout)
	extra := strings.Fields(o.cfg.ExtraArgs)

	if o.cfg.ACOLITECLI != "" {
		if _, err := o.stat(o.cfg.ACOLITECLI); err == nil {
			args := []string{
				o.cfg.ACOLITECLI, "--cli",
				"input=" + o.cfg.S2Path,
				"output=" + outdir,
				"region_file=" + aoiPath,
				"start_date=" + start,
				"end_date=" + end,
			}
			return "python3", append(args, extra...), nil
		}
	}

	if o.cfg.DockerImage == "" {
		return "", nil, eris.New("acolite cli not found and no docker image configured")
	}
	if _, err := o.lookPath("docker"); err != nil {
		return "", nil, eris.New("acolite cli not found and docker is not installed")
	}

	s2, err := filepath.Abs(o.cfg.S2Path)
	if err != nil {
		return "", nil, eris.Wrap(err, "resolve s2 path")
	}
	args := []string{
		"run", "--rm",
		"-v", s2 + ":/input:ro",
		"-v", outdir + ":/output",
		"-v", aoiPath + ":/aoi.geojson:ro",
		o.cfg.DockerImage,
		"python3", childACOLITECLI, "--cli",
		"input=/input",
		"output=/output",
		"region_file=/aoi.geojson",
		"start_date=" + start,
		"end_date=" + end,
	}
	return "docker", append(args, extra...), nil
}

func writeTileGeoJSON(dir string, t model.Tile) (string, error) {
	f := geojson.NewFeature(t.Geometry)
	f.Properties["tile_id"] = t.ID
	f.Properties["area_km2"] = t.AreaKM2
	fc := geojson.NewFeatureCollection().Append(f)

	data, err := fc.MarshalJSON()
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, t.ID+"_aoi.geojson")
	return p, os.WriteFile(p, data, 0o644)
}

func writeJSON(p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
