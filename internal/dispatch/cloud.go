package dispatch

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/internal/model"
	"github.com/sells-group/clearwater/internal/resilience"
	"github.com/sells-group/clearwater/pkg/compute"
)

// exportFormat is a cloud-optimized GeoTIFF.
const exportFormat = "COG"

// CloudOptions configures the cloud dispatcher.
type CloudOptions struct {
	Collection     string
	Export         config.ExportConfig
	MaxActiveTasks int
	PollInterval   time.Duration
	Retry          resilience.RetryConfig
	// OnWait is called each time the queue is full. Optional.
	OnWait func(active int)
}

// Cloud starts a composite export on the compute service for each tile.
type Cloud struct {
	client compute.Client
	opts   CloudOptions
	log    *zap.Logger

	// mu guards inflight: exports that hold a slot but whose StartExport has
	// not returned, so the remote count may not include them yet.
	mu       sync.Mutex
	inflight int
}

// NewCloud creates a Cloud dispatcher.
func NewCloud(client compute.Client, opts CloudOptions) *Cloud {
	if opts.MaxActiveTasks <= 0 {
		opts.MaxActiveTasks = 250
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("compute", "start_export")
	}
	return &Cloud{
		client: client,
		opts:   opts,
		log:    zap.L().With(zap.String("component", "dispatch.cloud")),
	}
}

// Dispatch waits for queue capacity, then starts the export. Concurrent
// dispatches only serialize on the capacity check.
func (c *Cloud) Dispatch(ctx context.Context, job Job) (Result, error) {
	if err := waitForSlot(ctx, c.opts.MaxActiveTasks, c.opts.PollInterval, c.opts.OnWait, c.reserve); err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: wait for capacity %s: %v", job.Tile.ID, err)
	}
	defer c.release()

	// Once capacity is granted the export is started even if ctx is cancelled.
	req := c.exportRequest(job)
	task, err := resilience.DoVal(context.WithoutCancel(ctx), c.opts.Retry, func(ctx context.Context) (*compute.Task, error) {
		return c.client.StartExport(ctx, req)
	})
	if err != nil {
		return Result{}, eris.Wrapf(model.ErrDispatch, "dispatch: start export %s: %v", job.Tile.ID, err)
	}

	c.log.Info("started export",
		zap.String("tile_id", job.Tile.ID),
		zap.String("task_id", task.ID),
		zap.Int("scenes", len(job.Scenes)),
	)
	return Result{TileID: job.Tile.ID, Mode: model.ModeCloud, JobID: task.ID}, nil
}

// reserve claims a slot when the remote active tasks plus the in-flight
// starts leave room for one more. It reports the occupied count.
func (c *Cloud) reserve(ctx context.Context) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	remote, err := resilience.DoVal(ctx, c.opts.Retry, c.client.ActiveTasks)
	if err != nil {
		return 0, false, err
	}
	n := remote + c.inflight
	if n >= c.opts.MaxActiveTasks {
		return n, false, nil
	}
	c.inflight++
	return n, true, nil
}

func (c *Cloud) release() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
}

func (c *Cloud) exportRequest(job Job) compute.ExportRequest {
	e := c.opts.Export
	return compute.ExportRequest{
		Description:           "clearwater_" + job.Tile.ID,
		TileID:                job.Tile.ID,
		Mode:                  string(model.ModeCloud),
		Collection:            c.opts.Collection,
		ImageIDs:              job.SceneIDs(),
		Region:                geojson.NewGeometry(job.Tile.Geometry),
		Bucket:                e.Bucket,
		Prefix:                path.Join(e.Prefix, job.RunID, job.Tile.ID),
		ScaleMeters:           e.ScaleMeters,
		CRS:                   e.CRS,
		Format:                exportFormat,
		WaterOccurrenceThresh: e.WaterOccurrenceThresh,
	}
}

// waitForSlot calls claim until it grants a slot, polling every interval.
// Errors counting tasks and context cancellation end the wait.
func waitForSlot(ctx context.Context, maxActive int, interval time.Duration, onWait func(active int), claim func(context.Context) (int, bool, error)) error {
	for {
		n, ok, err := claim(ctx)
		if err != nil {
			return eris.Wrap(err, "dispatch: count active tasks")
		}
		if ok {
			return nil
		}

		if onWait != nil {
			onWait(n)
		}
		zap.L().Info("task queue full, waiting",
			zap.Int("active", n),
			zap.Int("max_active", maxActive),
			zap.Duration("interval", interval),
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
