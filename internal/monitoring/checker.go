package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/clearwater/internal/config"
)

// DefaultAlertCooldown is how long an alert type stays quiet after it was
// sent.
const DefaultAlertCooldown = time.Hour

// Checker periodically collects a snapshot, refreshes the DLQ gauge and sends
// alerts. An alert type that keeps firing is re-sent at most once per
// cooldown.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		cooldown:  DefaultAlertCooldown,
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run checks once immediately, then on every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.check(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	if ctx.Err() != nil {
		return 0
	}
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}
	SetDLQDepth(snap.DLQDepth)

	alerts := c.due(c.alerter.Evaluate(snap))
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts due",
			zap.Int("runs", snap.RunsTotal),
			zap.Int("tiles_failed", snap.TilesFailed),
			zap.Int("dlq_depth", snap.DLQDepth),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	if sent > 0 {
		c.markSent(alerts)
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_due", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// due drops alerts whose type was sent within the cooldown.
func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Alert
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) markSent(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
