package monitoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/config"
)

// Checker runs one collect-evaluate-send pass per call. The scheduler drives
// it on monitoring.schedule.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates an alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Check collects a snapshot and sends any triggered alerts. It returns the
// number of alerts sent.
func (c *Checker) Check(ctx context.Context) (int, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		return 0, err
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered",
			zap.Int("tasks", snap.TasksTotal),
			zap.Float64("fail_rate", snap.FailRate),
		)
		return 0, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent, nil
}
