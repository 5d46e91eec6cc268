package engine

import (
	"context"
	"fmt"
	"time"
)

// InsightsConfig configures the metrics and logs passthrough.
type InsightsConfig struct {
	// DefaultWindow is the metrics window used when a request names none.
	DefaultWindow time.Duration `yaml:"default_window"`

	// MaxWindow caps requested metrics windows.
	MaxWindow time.Duration `yaml:"max_window"`

	// DefaultLogLimit is the number of log entries returned when a request names none.
	DefaultLogLimit int `yaml:"default_log_limit"`

	// SyntheticPoints is the number of points in a synthesized series.
	SyntheticPoints int `yaml:"synthetic_points"`
}

// DefaultInsightsConfig returns the default insights configuration.
func DefaultInsightsConfig() InsightsConfig {
	return InsightsConfig{
		DefaultWindow:   time.Hour,
		MaxWindow:       7 * 24 * time.Hour,
		DefaultLogLimit: 100,
		SyntheticPoints: 12,
	}
}

// InstanceMetrics returns provider metrics of a cloud instance. When the
// provider fails, returns nothing, or the instance is not provider-hosted, a
// synthesized placeholder report flagged Synthetic is returned instead.
func (o *Orchestrator) InstanceMetrics(ctx context.Context, tenant, id string, window time.Duration) (*MetricsReport, error) {
	inst, err := o.registry.GetInstance(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	window = o.clampWindow(window)

	ref, creds, reason, err := o.insightsTarget(ctx, inst)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		series, err := o.insights.ServiceMetrics(ctx, creds, ref, window)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Metrics unavailable, synthesizing")
			reason = "provider metrics unavailable: " + err.Error()
		case len(series) == 0:
			reason = "provider returned no metrics for the window"
		default:
			return &MetricsReport{InstanceID: inst.ID, Window: window, Series: series}, nil
		}
	}

	return &MetricsReport{
		InstanceID: inst.ID,
		Window:     window,
		Series:     o.syntheticSeries(window),
		Synthetic:  true,
		Reason:     reason,
	}, nil
}

// InstanceLogs returns recent provider log entries of a cloud instance, with the
// same fallback as InstanceMetrics.
func (o *Orchestrator) InstanceLogs(ctx context.Context, tenant, id string, limit int) (*LogsReport, error) {
	inst, err := o.registry.GetInstance(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = o.cfg.Insights.DefaultLogLimit
	}

	ref, creds, reason, err := o.insightsTarget(ctx, inst)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		entries, err := o.insights.ServiceLogs(ctx, creds, ref, limit)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Logs unavailable, synthesizing")
			reason = "provider logs unavailable: " + err.Error()
		default:
			return &LogsReport{InstanceID: inst.ID, Entries: entries}, nil
		}
	}

	return &LogsReport{
		InstanceID: inst.ID,
		Entries: []LogEntry{{
			Timestamp: time.Now().UTC(),
			Severity:  "INFO",
			Message:   fmt.Sprintf("instance %s is %s; %s", inst.Name, inst.Status, reason),
		}},
		Synthetic: true,
		Reason:    reason,
	}, nil
}

// insightsTarget resolves what to query for inst. A non-empty reason means the
// provider cannot be asked. Credentials that exist but cannot be decrypted are
// an error, not a reason.
func (o *Orchestrator) insightsTarget(ctx context.Context, inst *Instance) (ServiceRef, Credentials, string, error) {
	if inst.Kind != KindCloud {
		return ServiceRef{}, Credentials{}, fmt.Sprintf("provider insights are not collected for %s instances", inst.Kind), nil
	}
	if o.insights == nil {
		return ServiceRef{}, Credentials{}, "no insights provider configured", nil
	}
	if inst.ResourceHandle == "" {
		return ServiceRef{}, Credentials{}, "instance has no provider resource yet", nil
	}
	creds, err := o.credentials(ctx, inst.OwnerID, inst.Project)
	if err != nil {
		if CodeOf(err) == ErrCodeDecryptFailed {
			return ServiceRef{}, Credentials{}, "", err
		}
		o.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Cannot load credentials for insights")
		return ServiceRef{}, Credentials{}, "provider credentials unavailable", nil
	}
	return ServiceRef{Project: inst.Project, Region: inst.Region, Handle: inst.ResourceHandle}, creds, "", nil
}

func (o *Orchestrator) clampWindow(window time.Duration) time.Duration {
	cfg := o.cfg.Insights
	if window <= 0 {
		window = cfg.DefaultWindow
	}
	if window <= 0 {
		window = time.Hour
	}
	if cfg.MaxWindow > 0 && window > cfg.MaxWindow {
		window = cfg.MaxWindow
	}
	return window
}

// syntheticSeries returns flat zero-valued series covering window.
func (o *Orchestrator) syntheticSeries(window time.Duration) []MetricSeries {
	n := o.cfg.Insights.SyntheticPoints
	if n <= 0 {
		n = 12
	}
	step := window / time.Duration(n)
	end := time.Now().UTC().Truncate(time.Minute)

	names := []struct{ name, unit string }{
		{"request_count", "1"},
		{"request_latency_p50", "ms"},
		{"instance_count", "1"},
	}
	series := make([]MetricSeries, 0, len(names))
	for _, s := range names {
		points := make([]MetricPoint, n)
		for i := 0; i < n; i++ {
			points[i] = MetricPoint{Timestamp: end.Add(-time.Duration(n-1-i) * step)}
		}
		series = append(series, MetricSeries{Name: s.name, Unit: s.unit, Points: points})
	}
	return series
}
